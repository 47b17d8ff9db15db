// Package connwatch tracks the health of SuvFin's long-lived
// dependencies (the Redis store, the MQTT broker) for the health
// endpoint and the dependency_up metric.
//
// Every feature that uses those dependencies already fails open, so a
// watcher never blocks startup. It only observes: it checks quickly
// with exponential backoff while a service is down and settles into a
// slow poll once it is up.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/suvfin/internal/metrics"
)

// CheckFunc checks whether a service is reachable. Return nil if healthy.
type CheckFunc func(ctx context.Context) error

// Timing controls how often a watcher checks.
type Timing struct {
	// InitialDelay is the first retry delay while down (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps the retry delay while down (default 60s).
	MaxDelay time.Duration
	// PollInterval is the delay between checks while up (default 60s).
	PollInterval time.Duration
	// CheckTimeout bounds a single check (default 5s).
	CheckTimeout time.Duration
}

// DefaultTiming returns 2s, 4s, 8s ... 60s retries and a 60s poll.
func DefaultTiming() Timing {
	return Timing{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		CheckTimeout: 5 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.InitialDelay <= 0 {
		t.InitialDelay = d.InitialDelay
	}
	if t.MaxDelay <= 0 {
		t.MaxDelay = d.MaxDelay
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.CheckTimeout <= 0 {
		t.CheckTimeout = d.CheckTimeout
	}
	return t
}

// ServiceStatus is the health of one watched service as reported by
// the health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher checks one service in a background goroutine.
type Watcher struct {
	name   string
	check  CheckFunc
	timing Timing
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.timing.InitialDelay
	for {
		checkCtx, cancel := context.WithTimeout(ctx, w.timing.CheckTimeout)
		err := w.check(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		next := w.timing.PollInterval
		if err != nil {
			next = delay
			delay = min(delay*2, w.timing.MaxDelay)
		} else {
			delay = w.timing.InitialDelay
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

// record stores a check outcome and logs transitions. The first check
// always logs.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	first := w.lastCheck.IsZero()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	if err == nil {
		metrics.DependencyUp.WithLabelValues(w.name).Set(1)
	} else {
		metrics.DependencyUp.WithLabelValues(w.name).Set(0)
	}

	switch {
	case err == nil && (first || !was):
		w.logger.Info("service reachable", "service", w.name)
	case err != nil && (first || was):
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts probing name until ctx is cancelled or Stop is called.
// Zero Timing fields take their defaults. An empty name or nil check
// is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, name string, check CheckFunc, timing Timing) *Watcher {
	if name == "" {
		panic("connwatch: empty service name")
	}
	if check == nil {
		panic("connwatch: nil check for " + name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:   name,
		check:  check,
		timing: timing.withDefaults(),
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[name]; ok {
		old.cancel()
	}
	m.watchers[name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service answered its last
// check. Services not yet checked count as healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready && !s.LastCheck.IsZero() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
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
