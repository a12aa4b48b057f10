// Package connwatch tracks the health of the service's outside
// dependencies: model providers, the tool backend and the telemetry
// broker. It is distinct from the model layer's per-request retry; a
// watcher sees multi-second to multi-minute outages and reports them on
// /health.
//
// While a dependency is down its watcher re-probes with exponential
// backoff; once it is up the watcher polls at a fixed interval.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Nil means healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first re-probe while down (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Multiplier   float64       // default 2
	PollInterval time.Duration // probe interval while up (default 60s)
	ProbeTimeout time.Duration // per probe (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... 60s while down and 60s
// polling while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the health of one dependency as reported on /health.
type Status struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // "provider", "tool_backend", "broker"
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"lastCheck"`
	LastError string    `json:"lastError,omitempty"`
	Failures  int       `json:"consecutiveFailures,omitempty"`
}

// Target describes one dependency to watch.
type Target struct {
	Name    string
	Kind    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnChange is called on every ready/down transition, including the
	// first probe result. It runs on the watcher goroutine and must not
	// block.
	OnChange func(s Status)
}

// Watcher probes one dependency.
type Watcher struct {
	target Target
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	checked bool
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop ends the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	cfg := w.target.Backoff
	delay := cfg.InitialDelay

	for {
		ready := w.check(ctx)
		next := cfg.PollInterval
		if ready {
			delay = cfg.InitialDelay
		} else {
			next = delay
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check probes once, records the result and fires OnChange on a
// transition.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Backoff.ProbeTimeout)
	err := w.target.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	wasReady, first := w.status.Ready, !w.checked
	w.checked = true
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	snapshot := w.status
	w.mu.Unlock()

	changed := first || wasReady != snapshot.Ready
	switch {
	case changed && snapshot.Ready:
		w.logger.Info("dependency ready", "dependency", w.target.Name, "kind", w.target.Kind)
	case changed:
		w.logger.Warn("dependency unreachable", "dependency", w.target.Name, "kind", w.target.Kind, "error", err)
	case err != nil:
		w.logger.Debug("dependency still unreachable",
			"dependency", w.target.Name, "failures", snapshot.Failures, "error", err)
	}
	if changed && w.target.OnChange != nil {
		w.target.OnChange(snapshot)
	}
	return snapshot.Ready
}

// Manager owns the watchers of every dependency.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts watching t until ctx is cancelled or Stop. It panics on
// an empty name or nil probe; both are wiring mistakes.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" {
		panic("connwatch: Target.Name must not be empty")
	}
	if t.Probe == nil {
		panic("connwatch: Target.Probe must not be nil")
	}
	t.Backoff = t.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger.With("component", "connwatch"),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: t.Name, Kind: t.Kind},
	}

	m.mu.Lock()
	if old, ok := m.watchers[t.Name]; ok {
		defer old.Stop()
	}
	m.watchers[t.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every dependency's status sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched dependency is ready. A manager
// with no watchers is healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop ends every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
