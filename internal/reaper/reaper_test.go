package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu    sync.Mutex
	calls int
	ttl   time.Duration
	prs   []int
	err   error
}

func (f *fakeTarget) ReapExpired(_ context.Context, ttl time.Duration) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ttl = ttl
	return f.prs, f.err
}

func (f *fakeTarget) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 * * * *", false},
		{"@hourly", false},
		{"@every 30m", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestRunOnce(t *testing.T) {
	target := &fakeTarget{prs: []int{3, 4}}
	r, err := New(target, "@hourly", 2*time.Hour, discard())
	if err != nil {
		t.Fatal(err)
	}

	prs, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 2 {
		t.Errorf("got %v, want [3 4]", prs)
	}
	if target.ttl != 2*time.Hour {
		t.Errorf("ttl = %v, want 2h", target.ttl)
	}

	last, total := r.Stats()
	if last.IsZero() || total != 2 {
		t.Errorf("Stats = %v, %d", last, total)
	}
}

func TestRunOnce_Error(t *testing.T) {
	target := &fakeTarget{err: errors.New("locked")}
	r, err := New(target, "@hourly", time.Hour, discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(&fakeTarget{}, "sometimes", time.Hour, discard()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	target := &fakeTarget{}
	r, err := New(target, "@every 1s", time.Hour, discard())
	if err != nil {
		t.Fatal(err)
	}
	if next := r.NextRun(); time.Until(next) > 2*time.Second {
		t.Errorf("NextRun = %v, want within 1s", next)
	}

	r.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for target.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	r.Stop()

	if target.callCount() == 0 {
		t.Error("reaper never ran")
	}
}
