// Package store 提供基于 SQLite 的投影存储：线程、回合、条目、事件日志与审批。
// 每个线程的事件游标单调递增，由存储在事务内分配。
// 默认位置: ~/.agentbridge/state/agentbridge.db
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/highclaw/agentbridge/internal/domain/model"
	"github.com/highclaw/agentbridge/internal/gateway/protocol"
)

// ErrNotFound is returned when a row does not exist (or, for approvals, is
// no longer pending).
var ErrNotFound = errors.New("store: not found")

const (
	dbFile            = "agentbridge.db"
	defaultEventLimit = 500
	maxEventLimit     = 5000

	// 定宽时间格式，保证按字符串排序即按时间排序
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Config 存储配置
type Config struct {
	Dir           string `yaml:"dir" json:"dir"`                     // 数据库目录，默认 ~/.agentbridge/state
	RetentionDays int    `yaml:"retentionDays" json:"retentionDays"` // 事件保留天数，0 不清理
}

// Store is the SQLite-backed repository.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// DefaultDir returns ~/.agentbridge/state.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentbridge", "state")
	}
	return filepath.Join(home, ".agentbridge", "state")
}

// Open creates the directory if needed and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{dbPath: filepath.Join(cfg.Dir, dbFile)}
	if err := s.init(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  payload TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  status TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  started_at TEXT NOT NULL,
  completed_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS items (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  turn_id TEXT NOT NULL DEFAULT '',
  item_type TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cursors (
  thread_id TEXT PRIMARY KEY,
  last INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL DEFAULT '',
  cursor INTEGER NOT NULL,
  type TEXT NOT NULL,
  method TEXT NOT NULL DEFAULT '',
  request_id TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL DEFAULT 'null',
  created_at TEXT NOT NULL,
  UNIQUE(thread_id, cursor)
);
CREATE TABLE IF NOT EXISTS approvals (
  request_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL DEFAULT '',
  method TEXT NOT NULL,
  params TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  decision TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  resolved_at TEXT NOT NULL DEFAULT ''
);`

// init 初始化表结构和索引
func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, started_at);",
		"CREATE INDEX IF NOT EXISTS idx_items_thread ON items(thread_id, updated_at);",
		"CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);",
		"CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}
	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

// UpsertThread inserts a thread or refreshes its payload.
func (s *Store) UpsertThread(ctx context.Context, t model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO threads(id, payload, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		t.ID, string(t.Payload), formatTime(t.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	return nil
}

// UpsertTurn inserts a turn or updates its status. The start time of an
// existing turn is kept.
func (s *Store) UpsertTurn(ctx context.Context, t model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	completed := ""
	if t.CompletedAt != nil {
		completed = formatTime(*t.CompletedAt)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO turns(id, thread_id, status, payload, started_at, completed_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload, completed_at=excluded.completed_at`,
		t.ID, t.ThreadID, t.Status, string(t.Payload), formatTime(t.StartedAt), completed,
	)
	if err != nil {
		return fmt.Errorf("upsert turn %s: %w", t.ID, err)
	}
	return s.touchThread(ctx, db, t.ThreadID)
}

// UpsertItem inserts an item or replaces its status and payload.
func (s *Store) UpsertItem(ctx context.Context, it model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO items(id, thread_id, turn_id, item_type, status, payload, updated_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET turn_id=excluded.turn_id, item_type=excluded.item_type,
		   status=excluded.status, payload=excluded.payload, updated_at=excluded.updated_at`,
		it.ID, it.ThreadID, it.TurnID, it.Type, it.Status, string(it.Payload), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", it.ID, err)
	}
	return s.touchThread(ctx, db, it.ThreadID)
}

// touchThread makes sure a thread row exists for activity seen before its
// thread/started notification.
func (s *Store) touchThread(ctx context.Context, db *sql.DB, threadID string) error {
	if threadID == "" {
		return nil
	}
	now := formatTime(time.Now().UTC())
	_, err := db.ExecContext(ctx,
		`INSERT INTO threads(id, created_at, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at`,
		threadID, now, now,
	)
	if err != nil {
		return fmt.Errorf("touch thread %s: %w", threadID, err)
	}
	return nil
}

// InsertEvent appends ev to its thread's log, filling in ID, Cursor and
// CreatedAt. Cursors start at 1 and never repeat for a thread, even after
// pruning.
func (s *Store) InsertEvent(ctx context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cursor int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO cursors(thread_id, last) VALUES(?, 1)
		 ON CONFLICT(thread_id) DO UPDATE SET last=last+1
		 RETURNING last`, ev.ThreadID,
	).Scan(&cursor)
	if err != nil {
		return fmt.Errorf("assign cursor: %w", err)
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(id, thread_id, cursor, type, method, request_id, payload, created_at) VALUES(?,?,?,?,?,?,?,?)`,
		id, ev.ThreadID, cursor, string(ev.Type), ev.Method, ev.RequestID, string(payload), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}

	ev.ID = id
	ev.Cursor = cursor
	ev.CreatedAt = createdAt
	ev.Payload = payload
	return nil
}

// InsertApproval records a pending approval. A request id reused by a later
// agent session replaces the earlier row.
func (s *Store) InsertApproval(ctx context.Context, a model.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.ApprovalPending
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO approvals(request_id, thread_id, method, params, status, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(request_id) DO UPDATE SET thread_id=excluded.thread_id, method=excluded.method,
		   params=excluded.params, status=excluded.status, decision='', created_at=excluded.created_at, resolved_at=''`,
		a.RequestID, a.ThreadID, a.Method, string(a.Params), string(a.Status), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", a.RequestID, err)
	}
	return nil
}

// ResolveApproval moves a pending approval to status with decision. It
// returns ErrNotFound when no pending row exists.
func (s *Store) ResolveApproval(ctx context.Context, requestID string, status model.ApprovalStatus, decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE approvals SET status=?, decision=?, resolved_at=? WHERE request_id=? AND status=?`,
		string(status), decision, formatTime(time.Now().UTC()), requestID, string(model.ApprovalPending),
	)
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", requestID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// ReadThread returns a thread with its turns and items.
func (s *Store) ReadThread(ctx context.Context, id string) (*model.ThreadDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	var (
		d                    model.ThreadDetail
		payload              string
		createdAt, updatedAt string
	)
	err = db.QueryRowContext(ctx,
		`SELECT id, payload, created_at, updated_at FROM threads WHERE id=?`, id,
	).Scan(&d.ID, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.Payload = rawOrNil(payload)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)

	d.Turns, err = queryTurns(ctx, db, id)
	if err != nil {
		return nil, err
	}
	d.Items, err = queryItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func queryTurns(ctx context.Context, db *sql.DB, threadID string) ([]model.Turn, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, thread_id, status, payload, started_at, completed_at FROM turns WHERE thread_id=? ORDER BY started_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []model.Turn{}
	for rows.Next() {
		var t model.Turn
		var payload, startedAt, completedAt string
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Status, &payload, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Payload = rawOrNil(payload)
		t.StartedAt = parseTime(startedAt)
		if completedAt != "" {
			ts := parseTime(completedAt)
			t.CompletedAt = &ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func queryItems(ctx context.Context, db *sql.DB, threadID string) ([]model.Item, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, thread_id, turn_id, item_type, status, payload, updated_at FROM items WHERE thread_id=? ORDER BY updated_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		var it model.Item
		var payload, updatedAt string
		if err := rows.Scan(&it.ID, &it.ThreadID, &it.TurnID, &it.Type, &it.Status, &payload, &updatedAt); err != nil {
			return nil, err
		}
		it.Payload = rawOrNil(payload)
		it.UpdatedAt = parseTime(updatedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListThreads returns threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, payload, created_at, updated_at FROM threads ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	threads := []model.Thread{}
	for rows.Next() {
		var t model.Thread
		var payload, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.Payload = rawOrNil(payload)
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ListEvents returns events of threadID ("" for session-level) with a cursor
// greater than since, in ascending cursor order.
func (s *Store) ListEvents(ctx context.Context, threadID string, since int64, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, thread_id, cursor, type, method, request_id, payload, created_at
		 FROM events WHERE thread_id=? AND cursor>? ORDER BY cursor LIMIT ?`,
		threadID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var typ, payload, createdAt string
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &ev.Cursor, &typ, &ev.Method, &ev.RequestID, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = protocol.StreamType(typ)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListApprovals returns approvals with status, or all when status is empty,
// oldest first.
func (s *Store) ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT request_id, thread_id, method, params, status, decision, created_at, resolved_at FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	approvals := []model.Approval{}
	for rows.Next() {
		var a model.Approval
		var params, st, createdAt, resolvedAt string
		if err := rows.Scan(&a.RequestID, &a.ThreadID, &a.Method, &params, &st, &a.Decision, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		a.Params = rawOrNil(params)
		a.Status = model.ApprovalStatus(st)
		a.CreatedAt = parseTime(createdAt)
		if resolvedAt != "" {
			ts := parseTime(resolvedAt)
			a.ResolvedAt = &ts
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// PruneEvents 清理过期事件，游标计数器保留，不会回退
func (s *Store) PruneEvents(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	cutoff := formatTime(time.Now().AddDate(0, 0, -maxAgeDays).UTC())
	res, err := db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DBPath 返回数据库文件路径
func (s *Store) DBPath() string {
	return s.dbPath
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
