package operations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Minute

	// defaultParkTTL is how long a terminal event for an unregistered
	// operation is kept, covering the gap between the bridge returning an
	// operation id and the caller registering it.
	defaultParkTTL = 30 * time.Second
)

type key struct {
	federationID string
	operationID  string
}

type parkedEvent struct {
	kind  Kind
	state bridge.OperationState
	err   error
	at    time.Time
}

// Pending is a one-shot handle on an operation awaiting its terminal event.
type Pending struct {
	FederationID string
	OperationID  string
	Kind         Kind
	Registered   time.Time

	registry *Registry
	timer    *time.Timer
	done     chan struct{}
	state    bridge.OperationState
	err      error
}

// Done is closed once the operation is resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation resolves or ctx is done. Abandoning the
// wait deregisters the handle; the bridge operation itself is not cancelled.
func (p *Pending) Wait(ctx context.Context) (bridge.OperationState, error) {
	select {
	case <-p.done:
		return p.state, p.err
	case <-ctx.Done():
		if p.registry.take(p) {
			p.registry.finish(p, "abandoned")
			p.resolve(bridge.OperationState{}, ctx.Err())
			return bridge.OperationState{}, ctx.Err()
		}
		// Resolved concurrently; report the real outcome.
		<-p.done
		return p.state, p.err
	}
}

func (p *Pending) resolve(state bridge.OperationState, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.state = state
	p.err = err
	close(p.done)
}

// Registry maps (federation id, operation id) to pending handles.
type Registry struct {
	mu      sync.Mutex
	pending map[key]*Pending
	parked  map[key]parkedEvent

	timeout time.Duration
	parkTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a registry whose handles time out after timeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		pending: make(map[key]*Pending),
		parked:  make(map[key]parkedEvent),
		timeout: timeout,
		parkTTL: defaultParkTTL,
		now:     time.Now,
		logger:  logger,
	}
}

// Register starts waiting for the terminal event of an operation. If that
// event already arrived it resolves immediately.
func (r *Registry) Register(federationID, operationID string, kind Kind) (*Pending, error) {
	if kind != KindDeposit && kind != KindWithdrawal {
		return nil, ErrUnknownKind
	}
	k := key{federationID, operationID}
	p := &Pending{
		FederationID: federationID,
		OperationID:  operationID,
		Kind:         kind,
		Registered:   r.now(),
		registry:     r,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.pending[k]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateOperation
	}
	r.pruneParkedLocked()
	if ev, ok := r.parked[k]; ok && ev.kind == kind {
		delete(r.parked, k)
		r.mu.Unlock()
		r.logger.Debug("operation resolved from parked event",
			"federation_id", federationID, "operation_id", operationID, "state", ev.state.String())
		r.finish(p, outcomeOf(ev.err))
		p.resolve(ev.state, ev.err)
		return p, nil
	}
	r.pending[k] = p
	metrics.PendingOperations.Set(float64(len(r.pending)))
	p.timer = time.AfterFunc(r.timeout, func() { r.expire(p) })
	r.mu.Unlock()

	return p, nil
}

// Dispatch routes one bridge event. It reports whether a pending operation
// was resolved. Events that are not deposit or withdrawal progress are
// ignored.
func (r *Registry) Dispatch(ev bridge.Event) bool {
	kind, ok := KindForEvent(ev.Kind)
	if !ok {
		return false
	}
	state, err := stateOf(ev)
	if err != nil {
		r.logger.Warn("undecodable operation event", "event", ev.Kind, "error", err)
		return false
	}
	terminal, opErr := Classify(kind, state)
	if !terminal {
		r.logger.Debug("operation progress",
			"federation_id", ev.FederationID, "operation_id", ev.OperationID, "state", state.String())
		return false
	}
	if opErr != nil {
		r.logger.Info("operation rejected",
			"federation_id", ev.FederationID, "operation_id", ev.OperationID,
			"kind", kind, "state", state.Name, "reason", state.Reason)
	}

	k := key{ev.FederationID, ev.OperationID}
	r.mu.Lock()
	p, found := r.pending[k]
	if found && p.Kind == kind {
		delete(r.pending, k)
		metrics.PendingOperations.Set(float64(len(r.pending)))
	} else {
		found = false
		r.pruneParkedLocked()
		r.parked[k] = parkedEvent{kind: kind, state: state, err: opErr, at: r.now()}
	}
	r.mu.Unlock()

	if !found {
		return false
	}
	r.finish(p, outcomeOf(opErr))
	p.resolve(state, opErr)
	return true
}

// Run dispatches events until ctx is done or the channel closes.
func (r *Registry) Run(ctx context.Context, events <-chan bridge.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Dispatch(ev)
		}
	}
}

// Len returns the number of operations still waiting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) expire(p *Pending) {
	if !r.take(p) {
		return
	}
	r.logger.Warn("operation timed out",
		"federation_id", p.FederationID, "operation_id", p.OperationID,
		"kind", p.Kind, "timeout", r.timeout)
	r.finish(p, "timeout")
	p.resolve(bridge.OperationState{}, ErrOperationTimeout)
}

// take removes p if it is still the registered handle for its key. Only the
// caller that gets true may resolve p.
func (r *Registry) take(p *Pending) bool {
	k := key{p.FederationID, p.OperationID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[k]; !ok || cur != p {
		return false
	}
	delete(r.pending, k)
	metrics.PendingOperations.Set(float64(len(r.pending)))
	return true
}

func (r *Registry) finish(p *Pending, outcome string) {
	metrics.OperationsTotal.WithLabelValues(string(p.Kind), outcome).Inc()
	metrics.OperationDuration.WithLabelValues(string(p.Kind)).Observe(r.now().Sub(p.Registered).Seconds())
}

func (r *Registry) pruneParkedLocked() {
	cutoff := r.now().Add(-r.parkTTL)
	for k, ev := range r.parked {
		if ev.at.Before(cutoff) {
			delete(r.parked, k)
		}
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "rejected"
	}
	return "success"
}
