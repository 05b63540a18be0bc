// Package health runs named subsystem checks for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker returns nil when the subsystem is usable.
type Checker func(ctx context.Context) error

// Report aggregates every check. Healthy is false when a critical check
// fails; Degraded is set when only optional checks fail.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

// NewRegistry creates a registry with DefaultTimeout per check.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a check whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterOptional adds a check whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			rep.Healthy = false
		} else {
			rep.Degraded = true
		}
	}
	return rep
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	err := nc.check(ctx)
	st := Status{
		Name:      nc.name,
		Healthy:   err == nil,
		Critical:  nc.critical,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
