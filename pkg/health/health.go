// Package health serves liveness and readiness probes.
//
// Every check runs periodically in its own goroutine. A check turns
// unhealthy only after failing FailureThreshold times in a row and recovers
// on the first success, so a single slow ping does not flap the probe.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// Kind selects the probe a check contributes to.
type Kind int

const (
	// Liveness checks decide whether the process should be restarted.
	Liveness Kind = iota
	// Readiness checks decide whether the process should receive work.
	Readiness
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Pinger is a dependency that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a CheckFunc calling p.Ping.
func Ping(p Pinger) CheckFunc {
	return p.Ping
}

// DefaultFailureThreshold is the number of consecutive failures after which
// a check is reported unhealthy.
const DefaultFailureThreshold = 3

// Option configures a check.
type Option func(*check)

// WithTimeout bounds a single run of the check.
func WithTimeout(d time.Duration) Option {
	return func(c *check) { c.timeout = d }
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) Option {
	return func(c *check) { c.failureThreshold = max(n, 1) }
}

// check is driven by a single goroutine; healthy and lastErr are read
// concurrently by the HTTP handlers.
type check struct {
	name             string
	kind             Kind
	fn               CheckFunc
	timeout          time.Duration
	failureThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]
	fails   int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err == nil {
		c.fails = 0
		c.healthy.Store(true)
		return
	}
	c.fails++
	if c.fails >= c.failureThreshold {
		c.healthy.Store(false)
	}
}

func (c *check) failure() string {
	if c.healthy.Load() {
		return ""
	}
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "check is unhealthy"
}

// Health holds the registered checks and the manual readiness flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Register adds a check. Checks start healthy. Register must be called
// before Start.
func (h *Health) Register(kind Kind, name string, fn CheckFunc, opts ...Option) {
	c := &check{
		name:             name,
		kind:             kind,
		fn:               fn,
		timeout:          5 * time.Second,
		failureThreshold: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Start runs every check now and then at interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			c.run(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.run(ctx)
				}
			}
		}()
	}
}

// Stop stops the checks and waits for running ones to return. It is safe
// to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// SetReady sets the manual readiness flag, e.g. false while draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Failures returns the failing checks of kind, keyed by name. Readiness also
// fails while the manual flag is unset.
func (h *Health) Failures(kind Kind) map[string]string {
	h.mu.RLock()
	checks := append([]*check(nil), h.checks...)
	h.mu.RUnlock()

	failures := make(map[string]string)
	for _, c := range checks {
		if c.kind != kind {
			continue
		}
		if msg := c.failure(); msg != "" {
			failures[c.name] = msg
		}
	}
	if kind == Readiness && !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	return failures
}

// IsReady reports whether the service accepts work.
func (h *Health) IsReady() bool {
	return len(h.Failures(Readiness)) == 0
}

// Handler returns the probe endpoint for kind. It answers 200 {"status":"ok"}
// or 503 {"status":"unhealthy","checks":{...}}.
func (h *Health) Handler(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		failures := h.Failures(kind)

		status := http.StatusOK
		if len(failures) > 0 {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(encodeStatus(failures))
	}
}

func encodeStatus(failures map[string]string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
		e.ObjEnd()
		return e.Bytes()
	}
	e.Str("unhealthy")

	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	e.FieldStart("checks")
	e.ObjStart()
	for _, name := range names {
		e.FieldStart(name)
		e.Str(failures[name])
	}
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}
