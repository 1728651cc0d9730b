package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

func TestManagerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir, Level: slog.LevelInfo})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()
	var stderr bytes.Buffer
	m.stderr = &stderr
	m.cfg.StderrEnabled = true

	log := m.NewLogger().With("component", "test")
	log.Info("agent session started", "pid", 42)
	log.Debug("hidden")

	want := filepath.Join(dir, "agentbridge-"+time.Now().Format("2006-01-02")+".log")
	if m.CurrentFile() != want {
		t.Fatalf("current = %s; want %s", m.CurrentFile(), want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "agent session started") || !strings.Contains(string(data), "component=test") {
		t.Fatalf("log file = %q", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatal("debug line written at info level")
	}
	if !bytes.Equal(stderr.Bytes(), data) {
		t.Fatalf("stderr copy differs: %q", stderr.String())
	}
}

func TestManagerRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().Format("2006-01-02")
	full := filepath.Join(dir, "agentbridge-"+today+".log")
	if err := os.WriteFile(full, bytes.Repeat([]byte("x"), 1024*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := New(Config{Dir: dir, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()
	if got := filepath.Base(m.CurrentFile()); got != "agentbridge-"+today+".1.log" {
		t.Fatalf("rotated file = %s", got)
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentbridge-x.log")
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := TailFile(path, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if strings.Join(lines, ",") != "line 8,line 9,line 10" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestCleanupKeepsCurrentFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Config{Dir: dir, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Close()

	old := filepath.Join(dir, "agentbridge-2000-01-01.log")
	_ = os.WriteFile(old, []byte("old\n"), 0o644)
	past := time.Now().AddDate(0, 0, -10)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(m.CurrentFile(), past, past)

	removed, err := m.Cleanup()
	if err != nil || removed != 1 {
		t.Fatalf("cleanup = %d, %v", removed, err)
	}
	if _, err := os.Stat(m.CurrentFile()); err != nil {
		t.Fatalf("current file removed: %v", err)
	}
	files, _ := ListFiles(dir)
	if len(files) != 1 {
		t.Fatalf("files = %+v", files)
	}
}
