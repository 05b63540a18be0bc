package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/ecashwallet/internal/bridge"
)

// AcceptOutcome tells the caller how a request was handled.
type AcceptOutcome struct {
	// PayWithForeignEcash is set when the request was rejected so the
	// viewer can pay it from another federation instead.
	PayWithForeignEcash bool `json:"payWithForeignEcash"`
}

// Actions runs payment actions against the bridge, tracking which are in
// flight per event so a view can show spinners and block double submits.
type Actions struct {
	bridge   Bridge
	caps     *Capabilities
	mu       sync.Mutex
	inFlight map[string]InFlight
	logger   *slog.Logger
}

// NewActions creates a payment action runner.
func NewActions(b Bridge, caps *Capabilities, logger *slog.Logger) *Actions {
	return &Actions{
		bridge:   b,
		caps:     caps,
		inFlight: make(map[string]InFlight),
		logger:   logger,
	}
}

// InFlight returns the running actions for eventID.
func (a *Actions) InFlight(eventID string) InFlight {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight[eventID]
}

// View assembles the presentation input for ev as seen by myID.
func (a *Actions) View(ev bridge.MatrixPaymentEvent, myID string, isDm bool) PaymentView {
	return PaymentView{
		Event:    ev,
		MyID:     myID,
		CanClaim: a.caps.CanClaim(ev),
		IsDm:     isDm,
		InFlight: a.InFlight(ev.ID),
	}
}

// Cancel withdraws a payment the viewer sent, or a request they made.
func (a *Actions) Cancel(ctx context.Context, ev bridge.MatrixPaymentEvent) error {
	return a.run(ctx, ev, func(f *InFlight) *bool { return &f.Canceling }, func(ctx context.Context) error {
		if ev.Content.Status == bridge.PaymentRequested {
			return a.bridge.MatrixPaymentRequestCancel(ctx, ev.ID)
		}
		return a.bridge.MatrixPaymentCancel(ctx, ev.ID)
	})
}

// AcceptRequest pays a request. When the request's federation cannot pay
// it but another joined federation can, and the caller supports paying with
// foreign ecash, the request is rejected and the outcome says so. Otherwise
// ErrJoinFederation is returned.
func (a *Actions) AcceptRequest(ctx context.Context, ev bridge.MatrixPaymentEvent, foreignEcash bool) (AcceptOutcome, error) {
	switch {
	case a.caps.CanSend(ev):
		err := a.run(ctx, ev, func(f *InFlight) *bool { return &f.Accepting }, func(ctx context.Context) error {
			return a.bridge.MatrixPaymentAccept(ctx, ev.ID)
		})
		return AcceptOutcome{}, err

	case foreignEcash && a.caps.CanPayFromOtherFeds(ev):
		a.logger.Info("paying request with foreign ecash", "event_id", ev.ID, "federation_id", ev.Content.FederationID)
		err := a.run(ctx, ev, func(f *InFlight) *bool { return &f.Rejecting }, func(ctx context.Context) error {
			return a.bridge.MatrixPaymentReject(ctx, ev.ID)
		})
		return AcceptOutcome{PayWithForeignEcash: true}, err
	}
	return AcceptOutcome{}, ErrJoinFederation
}

// RejectRequest rejects a pushed payment or a request.
func (a *Actions) RejectRequest(ctx context.Context, ev bridge.MatrixPaymentEvent) error {
	return a.run(ctx, ev, func(f *InFlight) *bool { return &f.Rejecting }, func(ctx context.Context) error {
		return a.bridge.MatrixPaymentReject(ctx, ev.ID)
	})
}

// run sets the flag selected by which for the duration of fn. Only one
// action per event may run at a time.
func (a *Actions) run(ctx context.Context, ev bridge.MatrixPaymentEvent, which func(*InFlight) *bool, fn func(context.Context) error) error {
	if ev.ID == "" {
		return ErrInvalidEvent
	}

	a.mu.Lock()
	f := a.inFlight[ev.ID]
	if f.Canceling || f.Accepting || f.Rejecting {
		a.mu.Unlock()
		return ErrActionInFlight
	}
	*which(&f) = true
	a.inFlight[ev.ID] = f
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inFlight, ev.ID)
		a.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		a.logger.Warn("chat payment action failed", "event_id", ev.ID, "error", err)
		return fmt.Errorf("chat payment %s: %w", ev.ID, err)
	}
	return nil
}
