// Package operations correlates long-running bridge operations with the
// events that finish them.
//
// A caller submits an operation to the bridge, gets back an operation id and
// registers it here. The dispatch loop feeds every bridge event through
// Dispatch; the first terminal event matching (federation id, operation id)
// resolves the Pending handle and removes it. A handle that sees no terminal
// event within the registry timeout fails with ErrOperationTimeout.
package operations

import (
	"errors"
	"fmt"

	"github.com/mbd888/ecashwallet/internal/bridge"
)

// Kind is the flavour of operation being awaited.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

var (
	ErrTransactionRejected = errors.New("Transaction rejected") //nolint:staticcheck // shown to users verbatim
	ErrOperationTimeout    = errors.New("operations: timed out waiting for terminal event")
	ErrDuplicateOperation  = errors.New("operations: operation already registered")
	ErrUnknownKind         = errors.New("operations: unknown operation kind")
)

// KindForEvent maps a bridge event kind to the operation kind it finishes.
func KindForEvent(k bridge.EventKind) (Kind, bool) {
	switch k {
	case bridge.EventStabilityPoolDeposit:
		return KindDeposit, true
	case bridge.EventStabilityPoolWithdraw:
		return KindWithdrawal, true
	}
	return "", false
}

// Classify reports whether state ends an operation of the given kind, and
// with which error. A non-terminal state is a progress marker.
//
// Deposits finish on txAccepted (success) or txRejected (failure).
// Withdrawals finish on success or cancellationAccepted (success), and on
// txRejected or cancellationSubmissionFailure (failure).
func Classify(kind Kind, state bridge.OperationState) (terminal bool, err error) {
	switch kind {
	case KindDeposit:
		switch state.Name {
		case bridge.StateTxAccepted:
			return true, nil
		case bridge.StateTxRejected:
			return true, ErrTransactionRejected
		}
		return false, nil
	case KindWithdrawal:
		switch state.Name {
		case bridge.StateSuccess, bridge.StateCancellationAccepted:
			return true, nil
		case bridge.StateTxRejected, bridge.StateCancellationSubmissionFailure:
			return true, ErrTransactionRejected
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// stateOf pulls the operation state out of a deposit or withdrawal event.
func stateOf(ev bridge.Event) (bridge.OperationState, error) {
	switch ev.Kind {
	case bridge.EventStabilityPoolDeposit:
		d, err := ev.Deposit()
		if err != nil {
			return bridge.OperationState{}, err
		}
		return d.State, nil
	case bridge.EventStabilityPoolWithdraw:
		w, err := ev.Withdrawal()
		if err != nil {
			return bridge.OperationState{}, err
		}
		return w.State, nil
	}
	return bridge.OperationState{}, fmt.Errorf("operations: %s carries no operation state", ev.Kind)
}
