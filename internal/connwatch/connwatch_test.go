package connwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{}.withDefaults()
	if got != DefaultBackoffConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", got, DefaultBackoffConfig())
	}
}

func TestWatcher_ReadyImmediately(t *testing.T) {
	t.Parallel()
	var changes atomic.Int32
	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(t.Context(), Target{
		Name:     "anthropic",
		Kind:     "provider",
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: func(Status) { changes.Add(1) },
	})

	waitFor(t, w.Ready)
	// Several more polls must not fire OnChange again.
	time.Sleep(20 * time.Millisecond)
	if changes.Load() != 1 {
		t.Errorf("OnChange called %d times, want 1", changes.Load())
	}
	if !m.Healthy() {
		t.Error("manager should be healthy")
	}
}

func TestWatcher_DownThenRecovers(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	var mu sync.Mutex
	var transitions []bool

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(t.Context(), Target{
		Name: "tools",
		Kind: "tool_backend",
		Probe: func(context.Context) error {
			if probes.Add(1) < 4 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnChange: func(s Status) {
			mu.Lock()
			transitions = append(transitions, s.Ready)
			mu.Unlock()
		},
	})

	waitFor(t, w.Ready)
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
	if s := w.Status(); s.LastError != "" || s.Failures != 0 {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(t.Context(), Target{
		Name: "mqtt",
		Kind: "broker",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("broker gone")
		},
		Backoff: testBackoff(),
	})

	waitFor(t, w.Ready)
	healthy.Store(false)
	waitFor(t, func() bool { return !w.Ready() })

	s := w.Status()
	if s.LastError != "broker gone" || s.Failures == 0 {
		t.Errorf("status = %+v", s)
	}
	if m.Healthy() {
		t.Error("manager should be unhealthy")
	}
}

func TestManager_StatusSorted(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer m.Stop()
	for _, name := range []string{"openai", "anthropic", "tools"} {
		m.Watch(t.Context(), Target{Name: name, Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	}
	got := m.Status()
	if len(got) != 3 || got[0].Name != "anthropic" || got[2].Name != "tools" {
		t.Errorf("Status = %+v", got)
	}
}

func TestManager_WatchPanicsOnBadTarget(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil probe")
		}
	}()
	m.Watch(t.Context(), Target{Name: "x"})
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil)
	w := m.Watch(ctx, Target{Name: "x", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	cancel()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
