// Package logger 提供文件级日志管理，支持按日期与大小轮转和 stderr 双写。
// 日志存储在 ~/.agentbridge/logs/，agent 进程无法启动时也可通过日志文件排查。
package logger

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const filePrefix = "agentbridge-"

// Config 日志管理器配置
type Config struct {
	Dir           string     // 日志目录，默认 ~/.agentbridge/logs
	Level         slog.Level // 最低日志级别
	MaxAgeDays    int        // 日志保留天数，0 不清理
	MaxSizeMB     int        // 单文件最大 MB，超过后追加序号轮转
	StderrEnabled bool       // 是否双写到 stderr
}

// Manager 管理日志文件生命周期，实现 io.Writer
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	file    *os.File
	curDate string
	stderr  io.Writer
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultDir returns ~/.agentbridge/logs.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentbridge", "logs")
	}
	return filepath.Join(home, ".agentbridge", "logs")
}

// New 创建日志管理器并打开当天的日志文件
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	m := &Manager{cfg: cfg, stderr: os.Stderr}
	m.mu.Lock()
	err := m.rotateLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewLogger 返回写入日志文件的 slog.Logger
func (m *Manager) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(m, &slog.HandlerOptions{Level: m.cfg.Level}))
}

// Write 实现 io.Writer；每次写入前检查是否需要轮转
func (m *Manager) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.rotateLocked()
	if m.file != nil {
		n, err = m.file.Write(p)
	}
	if m.cfg.StderrEnabled && m.stderr != nil {
		_, _ = m.stderr.Write(p)
	}
	return n, err
}

// Close 关闭日志文件
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Dir 返回日志目录
func (m *Manager) Dir() string { return m.cfg.Dir }

// CurrentFile 返回当前写入的日志文件路径
func (m *Manager) CurrentFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Name()
	}
	return filepath.Join(m.cfg.Dir, fileName(todayDate(), 0))
}

func (m *Manager) maxBytes() int64 {
	return int64(m.cfg.MaxSizeMB) * 1024 * 1024
}

func (m *Manager) rotateLocked() error {
	today := todayDate()
	if m.file != nil && m.curDate == today {
		if m.cfg.MaxSizeMB <= 0 {
			return nil
		}
		info, err := m.file.Stat()
		if err != nil || info.Size() < m.maxBytes() {
			return nil
		}
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	// 当天文件超过大小上限时使用 agentbridge-日期.N.log
	path := filepath.Join(m.cfg.Dir, fileName(today, 0))
	for seq := 1; m.cfg.MaxSizeMB > 0 && seq < 100; seq++ {
		info, err := os.Stat(path)
		if err != nil || info.Size() < m.maxBytes() {
			break
		}
		path = filepath.Join(m.cfg.Dir, fileName(today, seq))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.file = f
	m.curDate = today
	return nil
}

// Cleanup 删除超过保留天数的日志文件，返回删除数量
func (m *Manager) Cleanup() (int, error) {
	if m.cfg.MaxAgeDays <= 0 {
		return 0, nil
	}
	files, err := ListFiles(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -m.cfg.MaxAgeDays)
	current := m.CurrentFile()
	removed := 0
	for _, f := range files {
		if f.Path == current || !f.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.Path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// FileInfo 描述单个日志文件
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListFiles 列出日志目录下的 agentbridge 日志，最新的在前
func ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// TailFile 返回文件最后 n 行（n<=0 时取 200 行），跳过空行
func TailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 200
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, line)
	}
	return ring, scanner.Err()
}

// FollowFile 持续输出文件新增内容，直到 stop 关闭
func FollowFile(path string, w io.Writer, stop <-chan struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, 4096)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			continue
		}
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
}

func todayDate() string {
	return time.Now().Format("2006-01-02")
}

func fileName(date string, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("%s%s.log", filePrefix, date)
	}
	return fmt.Sprintf("%s%s.%d.log", filePrefix, date, seq)
}
