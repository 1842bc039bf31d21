// Package connwatch tracks whether a backend service is reachable.
//
// A Watcher probes one service in the background. While the service is
// down it retries with exponential backoff; once up it settles into a
// fixed polling interval. Transitions are reported through OnChange.
//
// httpkit retries sub-second dial errors on individual requests; this
// package is for outages that last seconds to minutes, such as an
// inference server restarting or loading a model.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Config configures a Watcher. Zero durations take the defaults noted.
type Config struct {
	// Name identifies the service in logs and status (e.g. "ollama").
	Name  string
	Probe Probe

	InitialDelay time.Duration // first retry while down (2s)
	MaxDelay     time.Duration // backoff ceiling while down (60s)
	PollInterval time.Duration // interval while up (60s)
	ProbeTimeout time.Duration // per probe (10s)

	// OnChange runs synchronously on every readiness transition,
	// including the first probe result. It must not block.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a snapshot suitable for health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	checked   bool
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Start launches a Watcher that runs until ctx is cancelled or Stop is
// called. It panics on a nil Probe.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "connwatch", "service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		Checked:   w.checked,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.InitialDelay
	for {
		ready := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		next := w.cfg.PollInterval
		if !ready {
			next = delay
			delay = min(delay*2, w.cfg.MaxDelay)
		} else {
			delay = w.cfg.InitialDelay
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

// check probes once, records the result, and reports transitions.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	first := !w.checked
	changed := first || w.ready != (err == nil)
	w.checked = true
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case !changed:
		if err != nil {
			w.logger.Debug("service still unreachable", "error", err)
		}
	case err == nil && first:
		w.logger.Info("service connected")
	case err == nil:
		w.logger.Info("service recovered")
	case first:
		w.logger.Warn("service unreachable at startup", "error", err)
	default:
		w.logger.Warn("service became unreachable", "error", err)
	}

	if changed && w.cfg.OnChange != nil {
		w.cfg.OnChange(err == nil, err)
	}
	return err == nil
}
