package security

import (
	"testing"
	"time"
)

func fixedClock(l *SlidingWindowLimiter, start time.Time) *time.Time {
	now := start
	l.now = func() time.Time { return now }
	return &now
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := NewSlidingWindowLimiter(2, time.Minute)
	now := fixedClock(l, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("hit %d rejected", i)
		}
	}
	ok, retry := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("third hit admitted")
	}
	if retry != time.Minute {
		t.Fatalf("retryAfter = %v; want 1m", retry)
	}
	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Fatal("keys must be independent")
	}

	*now = now.Add(61 * time.Second)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Fatal("window did not slide")
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := NewSlidingWindowLimiter(5, time.Second)
	now := fixedClock(l, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l.Allow("a")
	l.Allow("b")
	*now = now.Add(2 * time.Second)
	l.Allow("b")
	l.Sweep()
	if l.Keys() != 1 {
		t.Fatalf("keys = %d; want 1", l.Keys())
	}
}

func TestZeroLimitAdmitsAll(t *testing.T) {
	l := NewSlidingWindowLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("x"); !ok {
			t.Fatal("zero limit rejected a hit")
		}
	}
	var nilLimiter *SlidingWindowLimiter
	if ok, _ := nilLimiter.Allow("x"); !ok {
		t.Fatal("nil limiter rejected a hit")
	}
}
