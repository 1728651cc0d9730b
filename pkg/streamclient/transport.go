// Package streamclient follows one thread's event stream from an agentbridge
// gateway. It prefers the WebSocket feed, falls back to polling the events
// endpoint while the socket is down, and merges both by cursor so consumers
// see every event once and in order.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionThread follows session-level events instead of a thread.
const SessionThread = "_session"

// State is the transport lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StatePolling    State = "polling"
	StateError      State = "error"
	StateClosed     State = "closed"
)

var (
	ErrStarted   = errors.New("streamclient: already started")
	ErrNoThread  = errors.New("streamclient: thread id is required")
	ErrNoBaseURL = errors.New("streamclient: base url is required")
)

// maxCatchUpPages bounds the HTTP catch-up after each socket connect.
const maxCatchUpPages = 20

// DefaultMaxEvents is how many events Events keeps when Options.MaxEvents
// is unset.
const DefaultMaxEvents = 10000

// Options configures a Transport. Zero durations take the defaults.
type Options struct {
	BaseURL      string // e.g. http://127.0.0.1:18795
	ThreadID     string
	Cursor       int64 // last cursor already seen
	PollInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer

	// MaxEvents caps the history kept for Events; older events are dropped
	// but still never redelivered.
	MaxEvents int

	// OnEvents receives events not seen before, in cursor order.
	// OnEvents and OnStateChange run on the transport goroutine, so they
	// must not call Stop, which waits for that goroutine. Cancel the Start
	// context instead.
	OnEvents      func([]Event)
	OnStateChange func(from, to State)
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = max(5*time.Second, o.MinBackoff)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
}

// Transport is a resumable subscription to one thread.
type Transport struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	events     []Event
	seen       map[int64]struct{}
	floor      int64 // cursors at or below are delivered or trimmed
	next       int64
	reconnects int
	started    bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New builds an idle transport.
func New(opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		opts:   opts,
		logger: opts.Logger.With("component", "streamclient", "threadId", opts.ThreadID),
		state:  StateIdle,
		seen:   make(map[int64]struct{}),
		floor:  opts.Cursor,
		next:   opts.Cursor,
		done:   make(chan struct{}),
	}
}

// Start launches the connect loop. It returns immediately; the loop runs
// until ctx is done or Stop is called. A transport starts at most once.
func (t *Transport) Start(ctx context.Context) error {
	if t.opts.ThreadID == "" {
		return ErrNoThread
	}
	if t.opts.BaseURL == "" {
		return ErrNoBaseURL
	}

	t.mu.Lock()
	if t.started || t.state == StateClosed {
		t.mu.Unlock()
		return ErrStarted
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		t.run(ctx)
		t.setState(StateClosed)
	}()
	return nil
}

// Stop cancels pending timers, closes the socket and waits for the loop to
// exit. Safe to call more than once, and before Start.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cancel, started := t.cancel, t.started
		t.started = true
		t.mu.Unlock()

		if started && cancel != nil {
			cancel()
			<-t.done
		}
		t.setState(StateClosed)
	})
}

// Events returns the merged sequence so far.
func (t *Transport) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}

// NextCursor is the highest cursor seen, or the starting cursor.
func (t *Transport) NextCursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reconnects counts socket attempts after the first.
func (t *Transport) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

func (t *Transport) run(ctx context.Context) {
	backoff := t.opts.MinBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.mu.Lock()
			t.reconnects++
			t.mu.Unlock()
		}

		t.setState(StateConnecting)
		err := t.live(ctx, func() { backoff = t.opts.MinBackoff })
		if ctx.Err() != nil {
			return
		}
		t.logger.Debug("live feed unavailable, polling", "error", err, "retryIn", backoff)
		t.setState(StateError)
		t.setState(StatePolling)

		if !t.pollUntil(ctx, time.Now().Add(backoff)) {
			return
		}
		backoff = min(backoff*2, t.opts.MaxBackoff)
	}
}

// live dials the socket and reads frames until it fails. onOpen runs once
// the connection is established.
func (t *Transport) live(ctx context.Context, onOpen func()) error {
	conn, resp, err := t.opts.Dialer.DialContext(ctx, t.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	t.setState(StateOpen)
	onOpen()

	// The socket only replays a bounded window; fill any gap over HTTP.
	for i := 0; i < maxCatchUpPages; i++ {
		n, err := t.poll(ctx)
		if err != nil {
			t.logger.Debug("catch-up poll failed", "error", err)
			break
		}
		if n == 0 {
			break
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		if !t.inScope(ev) {
			continue
		}
		t.ingest([]Event{ev})
	}
}

// pollUntil polls every PollInterval until deadline. It reports false once
// ctx is done.
func (t *Transport) pollUntil(ctx context.Context, deadline time.Time) bool {
	for {
		if _, err := t.poll(ctx); err != nil && ctx.Err() == nil {
			t.logger.Debug("poll failed", "error", err)
		}
		wait := min(t.opts.PollInterval, time.Until(deadline))
		if wait <= 0 {
			return ctx.Err() == nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

type eventsPage struct {
	Events     []Event `json:"events"`
	NextCursor int64   `json:"nextCursor"`
}

// poll fetches events after the current cursor and returns how many were
// new.
func (t *Transport) poll(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL(t.NextCursor()), nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("list events: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page eventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, fmt.Errorf("decode events: %w", err)
	}
	return t.ingest(page.Events), nil
}

// ingest merges events and hands the new ones to OnEvents. Frames that
// arrive past the newest cursor in order are appended directly; anything
// else goes through Merge.
func (t *Transport) ingest(incoming []Event) int {
	if len(incoming) == 0 {
		return 0
	}
	t.mu.Lock()
	var accepted, fresh []Event
	inOrder := true
	last := t.next
	for _, ev := range incoming {
		if ev.Cursor <= t.floor {
			continue
		}
		accepted = append(accepted, ev)
		if ev.Cursor <= last {
			inOrder = false
		} else {
			last = ev.Cursor
		}
		if _, ok := t.seen[ev.Cursor]; !ok {
			t.seen[ev.Cursor] = struct{}{}
			fresh = append(fresh, ev)
		}
	}
	if inOrder {
		t.events = append(t.events, accepted...)
		if len(accepted) > 0 {
			t.next = last
		}
	} else {
		merged, next := Merge(t.events, accepted)
		t.events = merged
		if next > t.next {
			t.next = next
		}
		fresh, _ = Merge(nil, fresh)
	}
	t.trim()
	t.mu.Unlock()

	if len(fresh) > 0 && t.opts.OnEvents != nil {
		t.opts.OnEvents(fresh)
	}
	return len(fresh)
}

// trim drops the oldest events once the history exceeds MaxEvents by a
// quarter, so the copy is amortized across many frames. Caller holds t.mu.
func (t *Transport) trim() {
	limit := t.opts.MaxEvents
	if len(t.events) <= limit+limit/4 {
		return
	}
	drop := len(t.events) - limit
	for _, ev := range t.events[:drop] {
		delete(t.seen, ev.Cursor)
	}
	t.floor = t.events[drop-1].Cursor
	t.events = slices.Clone(t.events[drop:])
}

func (t *Transport) inScope(ev Event) bool {
	if t.opts.ThreadID == SessionThread {
		return ev.ThreadID == nil
	}
	return ev.ThreadID != nil && *ev.ThreadID == t.opts.ThreadID
}

func (t *Transport) setState(to State) {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()

	t.logger.Debug("state", "from", from, "to", to)
	if t.opts.OnStateChange != nil {
		t.opts.OnStateChange(from, to)
	}
}

func (t *Transport) wsURL() string {
	u, err := url.Parse(t.opts.BaseURL)
	if err != nil {
		return t.opts.BaseURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("threadId", t.opts.ThreadID)
	q.Set("cursor", strconv.FormatInt(t.NextCursor(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Transport) eventsURL(since int64) string {
	base := strings.TrimSuffix(t.opts.BaseURL, "/")
	return base + "/api/threads/" + url.PathEscape(t.opts.ThreadID) + "/events?since=" + strconv.FormatInt(since, 10)
}
