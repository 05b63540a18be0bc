// Package journal records stability-pool operations submitted to the bridge
// and how they finished.
//
// An entry is created once the bridge hands back an operation id and is
// updated exactly once when the operation reaches a terminal state.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/idgen"
	"github.com/mbd888/ecashwallet/internal/operations"
)

var (
	ErrEntryNotFound  = errors.New("journal entry not found")
	ErrDuplicateEntry = errors.New("journal entry already exists")
)

// State is the lifecycle state of a journal entry.
type State string

const (
	StatePending   State = "pending"   // Submitted, awaiting terminal event
	StateAccepted  State = "accepted"  // Terminal success event received
	StateRejected  State = "rejected"  // Terminal failure event received
	StateTimedOut  State = "timed_out" // No terminal event before the deadline
	StateAbandoned State = "abandoned" // Caller stopped waiting
)

// DefaultListLimit bounds List results when the caller gives no limit.
const DefaultListLimit = 50

// Entry is one submitted stability-pool operation.
type Entry struct {
	ID             string             `json:"id"`
	FederationID   string             `json:"federationId"`
	OperationID    string             `json:"operationId"`
	Kind           operations.Kind    `json:"kind"`
	RequestedMsats amount.MSats       `json:"requestedMsats"`
	SubmittedMsats amount.MSats       `json:"submittedMsats"`
	LockedBps      amount.BasisPoints `json:"lockedBps"`
	State          State              `json:"state"`
	BridgeState    string             `json:"bridgeState,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// IsTerminal reports whether the entry has finished.
func (e *Entry) IsTerminal() bool {
	return e.State != StatePending
}

// NewEntry builds a pending entry for a just-submitted operation.
func NewEntry(federationID, operationID string, kind operations.Kind, requested, submitted amount.MSats, lockedBps amount.BasisPoints) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:             idgen.WithPrefix("spj_"),
		FederationID:   federationID,
		OperationID:    operationID,
		Kind:           kind,
		RequestedMsats: requested,
		SubmittedMsats: submitted,
		LockedBps:      lockedBps,
		State:          StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Finish moves the entry to the terminal state implied by the outcome of
// waiting on its operation.
func (e *Entry) Finish(state bridge.OperationState, err error) {
	e.BridgeState = state.Name
	e.Reason = state.Reason
	switch {
	case err == nil:
		e.State = StateAccepted
	case errors.Is(err, operations.ErrTransactionRejected):
		e.State = StateRejected
	case errors.Is(err, operations.ErrOperationTimeout):
		e.State = StateTimedOut
	default:
		e.State = StateAbandoned
		if e.Reason == "" {
			e.Reason = err.Error()
		}
	}
	e.UpdatedAt = time.Now().UTC()
}

// Store persists journal entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Update(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	GetByOperation(ctx context.Context, federationID, operationID string) (*Entry, error)
	List(ctx context.Context, federationID string, limit int) ([]*Entry, error)
}
