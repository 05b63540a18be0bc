// Package chat maps chat payment events to what a client shows for them and
// runs the payment actions and user search behind those views.
package chat

import (
	"context"
	"errors"

	"github.com/mbd888/ecashwallet/internal/bridge"
)

var (
	// ErrJoinFederation is returned when a request cannot be paid from any
	// joined federation. Its text is an i18n key.
	ErrJoinFederation = errors.New("errors.please-join-a-federation")

	ErrActionInFlight = errors.New("chat: an action is already running for this payment")
	ErrInvalidEvent   = errors.New("chat: payment event is missing its id")
)

// Bridge is the subset of the bridge client used for chat payments and
// directory search.
type Bridge interface {
	MatrixSearchUserDirectory(ctx context.Context, searchTerm string) (*bridge.MatrixSearchResults, error)
	MatrixPaymentCancel(ctx context.Context, eventID string) error
	MatrixPaymentAccept(ctx context.Context, eventID string) error
	MatrixPaymentReject(ctx context.Context, eventID string) error
	MatrixPaymentRequestCancel(ctx context.Context, eventID string) error
}

// Federations lists joined federations.
type Federations interface {
	List() []*bridge.Federation
}

// Capabilities answers what the viewer can do with a payment given the
// federations they have joined.
type Capabilities struct {
	feds Federations
}

// NewCapabilities creates a capability checker over feds.
func NewCapabilities(feds Federations) *Capabilities {
	return &Capabilities{feds: feds}
}

// CanClaim reports whether the payment's federation has been joined.
func (c *Capabilities) CanClaim(ev bridge.MatrixPaymentEvent) bool {
	for _, f := range c.feds.List() {
		if f.ID == ev.Content.FederationID {
			return true
		}
	}
	return false
}

// CanSend reports whether the payment's federation is joined and holds
// enough to pay it.
func (c *Capabilities) CanSend(ev bridge.MatrixPaymentEvent) bool {
	for _, f := range c.feds.List() {
		if f.ID == ev.Content.FederationID {
			return f.Balance >= ev.Content.Amount
		}
	}
	return false
}

// CanPayFromOtherFeds reports whether some other joined federation could
// cover the amount.
func (c *Capabilities) CanPayFromOtherFeds(ev bridge.MatrixPaymentEvent) bool {
	for _, f := range c.feds.List() {
		if f.ID != ev.Content.FederationID && f.Balance >= ev.Content.Amount {
			return true
		}
	}
	return false
}
