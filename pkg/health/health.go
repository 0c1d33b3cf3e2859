// Package health serves liveness and readiness probes.
//
// Every check runs on its own ticker. A check turns unhealthy after
// FailureThreshold consecutive failures and healthy again after
// SuccessThreshold consecutive successes, so a single slow ping does not pull
// the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// Probe selects the endpoint a check contributes to.
type Probe string

const (
	Liveness  Probe = "liveness"
	Readiness Probe = "readiness"
)

const (
	defaultFailureThreshold = 3
	defaultSuccessThreshold = 1
)

// check is the state of one registered check. run is only called from the
// check's own goroutine; endpoints read healthy, lastErr and since atomically.
type check struct {
	name    string
	probe   Probe
	timeout time.Duration
	fn      CheckFunc
	lg      *zap.Logger

	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]
	since   atomic.Int64

	fails int
	oks   int
}

func (c *check) err() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)

	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold && c.healthy.Swap(false) {
			c.since.Store(time.Now().UnixNano())
			c.lg.Warn("Health check failing",
				zap.String("check", c.name),
				zap.String("probe", string(c.probe)),
				zap.Int("failures", c.fails),
				zap.Error(err),
			)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold && !c.healthy.Swap(true) {
		c.since.Store(time.Now().UnixNano())
		c.lg.Info("Health check recovered",
			zap.String("check", c.name),
			zap.String("probe", string(c.probe)),
		)
	}
}

// Health aggregates checks and the manual readiness switch.
type Health struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health that starts not ready. A nil logger disables logging.
func New(lg *zap.Logger) *Health {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Health{lg: lg}
}

// Add registers a check for the given probe. Checks start healthy.
func (h *Health) Add(probe Probe, name string, timeout time.Duration, fn CheckFunc) {
	c := &check{
		name:             name,
		probe:            probe,
		timeout:          timeout,
		fn:               fn,
		lg:               h.lg,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
	}
	c.healthy.Store(true)
	c.since.Store(time.Now().UnixNano())

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// AddLivenessCheck registers a check that decides whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Liveness, name, timeout, fn)
}

// AddReadinessCheck registers a check that decides whether the instance
// receives traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Add(Readiness, name, timeout, fn)
}

// Start runs every registered check immediately and then once per interval
// until Stop is called or ctx ends.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		go loop(ctx, c, interval)
	}
}

func loop(ctx context.Context, c *check, interval time.Duration) {
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
}

// Stop cancels the check goroutines. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the switch is on and every readiness check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failing(h.snapshot(Readiness))) == 0
}

func (h *Health) snapshot(probe Probe) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*check
	for _, c := range h.checks {
		if c.probe == probe {
			out = append(out, c)
		}
	}
	return out
}

func failing(checks []*check) []*check {
	var out []*check
	for _, c := range checks {
		if !c.healthy.Load() {
			out = append(out, c)
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.snapshot(Liveness), "")
}

// ReadyEndpoint serves /readyz. It fails while the switch is off, which is
// how graceful shutdown drains traffic.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	var notReady string
	if !h.ready.Load() {
		notReady = "service is not ready"
	}
	writeStatus(w, h.snapshot(Readiness), notReady)
}

// writeStatus writes {"status":"ok"} or a 503 listing failing checks by name.
func writeStatus(w http.ResponseWriter, checks []*check, notReady string) {
	bad := failing(checks)
	sort.Slice(bad, func(i, j int) bool { return bad[i].name < bad[j].name })

	status := http.StatusOK
	if len(bad) > 0 || notReady != "" {
		status = http.StatusServiceUnavailable
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		if status == http.StatusOK {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				if notReady != "" {
					e.Field("_readiness", func(e *jx.Encoder) { e.Str(notReady) })
				}
				for _, c := range bad {
					msg := "check is unhealthy"
					if err := c.err(); err != nil {
						msg = err.Error()
					}
					e.Field(c.name, func(e *jx.Encoder) { e.Str(msg) })
				}
			})
		})
		if len(bad) > 0 {
			e.Field("since", func(e *jx.Encoder) {
				e.Str(time.Unix(0, bad[0].since.Load()).UTC().Format(time.RFC3339))
			})
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
