package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mbd888/ecashwallet/internal/amount"
)

// EventKind names a variant of the bridge event stream.
type EventKind string

const (
	EventTransaction           EventKind = "transaction"
	EventLog                   EventKind = "log"
	EventFederation            EventKind = "federation"
	EventBalance               EventKind = "balance"
	EventPanic                 EventKind = "panic"
	EventStabilityPoolDeposit  EventKind = "stabilityPoolDeposit"
	EventStabilityPoolWithdraw EventKind = "stabilityPoolWithdrawal"
	EventRecoveryComplete      EventKind = "recoveryComplete"
	EventRecoveryProgress      EventKind = "recoveryProgress"
	EventDeviceRegistration    EventKind = "deviceRegistration"
	EventUnfilledDepositSwept  EventKind = "stabilityPoolUnfilledDepositSwept"
	EventCommunityMetadata     EventKind = "communityMetadataUpdated"
)

// Event is one frame of the bridge event stream. FederationID and
// OperationID are lifted out of the body when present so consumers can route
// without decoding every variant.
type Event struct {
	Kind         EventKind       `json:"event"`
	FederationID string          `json:"federationId,omitempty"`
	OperationID  string          `json:"operationId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// NewEvent builds an Event from a typed body, lifting the routing ids.
func NewEvent(kind EventKind, body any) (Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(kind, raw)
}

func decodeEvent(kind EventKind, raw json.RawMessage) (Event, error) {
	var ids struct {
		FederationID string `json:"federationId"`
		OperationID  string `json:"operationId"`
	}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return Event{}, fmt.Errorf("bridge: decode %s event: %w", kind, err)
		}
	}
	return Event{
		Kind:         kind,
		FederationID: ids.FederationID,
		OperationID:  ids.OperationID,
		Data:         raw,
	}, nil
}

// Operation state names shared by deposit and withdrawal events.
const (
	StateInitiated                     = "initiated"
	StateTxAccepted                    = "txAccepted"
	StateTxRejected                    = "txRejected"
	StatePrimaryOutputError            = "primaryOutputError"
	StateSuccess                       = "success"
	StateInvalidOperationType          = "invalidOperationType"
	StateWithdrawUnlockedInitiated     = "withdrawUnlockedInitiated"
	StateWithdrawUnlockedAccepted      = "withdrawUnlockedAccepted"
	StateCancellationSubmissionFailure = "cancellationSubmissionFailure"
	StateCancellationInitiated         = "cancellationInitiated"
	StateCancellationAccepted          = "cancellationAccepted"
	StateAwaitCycleTurnoverError       = "awaitCycleTurnoverError"
	StateWithdrawIdleSubmissionFailure = "withdrawIdleSubmissionFailure"
	StateWithdrawIdleInitiated         = "withdrawIdleInitiated"
	StateWithdrawIdleAccepted          = "withdrawIdleAccepted"
)

// OperationState is a bridge operation state. On the wire it is either a
// bare string ("txAccepted") or a single-key object carrying a reason
// ({"txRejected": "insufficient funds"}).
type OperationState struct {
	Name   string
	Reason string
}

// UnmarshalJSON accepts both wire forms.
func (s *OperationState) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("bridge: empty operation state")
	}
	if b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*s = OperationState{Name: name}
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("bridge: decode operation state: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("bridge: operation state must have exactly one key, got %d", len(obj))
	}
	for k, v := range obj {
		*s = OperationState{Name: k, Reason: v}
	}
	return nil
}

// MarshalJSON writes the same form the bridge emits.
func (s OperationState) MarshalJSON() ([]byte, error) {
	if s.Reason == "" && !stateCarriesReason(s.Name) {
		return json.Marshal(s.Name)
	}
	return json.Marshal(map[string]string{s.Name: s.Reason})
}

func stateCarriesReason(name string) bool {
	switch name {
	case StateTxRejected, StatePrimaryOutputError, StateCancellationSubmissionFailure,
		StateAwaitCycleTurnoverError, StateWithdrawIdleSubmissionFailure:
		return true
	}
	return false
}

func (s OperationState) String() string {
	if s.Reason != "" {
		return s.Name + ": " + s.Reason
	}
	return s.Name
}

// DepositEvent reports progress of a stability-pool deposit.
type DepositEvent struct {
	FederationID string         `json:"federationId"`
	OperationID  string         `json:"operationId"`
	State        OperationState `json:"state"`
}

// WithdrawalEvent reports progress of a stability-pool withdrawal.
type WithdrawalEvent struct {
	FederationID string         `json:"federationId"`
	OperationID  string         `json:"operationId"`
	State        OperationState `json:"state"`
}

// BalanceEvent reports a federation's new e-cash balance.
type BalanceEvent struct {
	FederationID string       `json:"federationId"`
	Balance      amount.MSats `json:"balance"`
}

// TransactionEvent reports a new or updated wallet transaction.
type TransactionEvent struct {
	FederationID string          `json:"federationId"`
	Transaction  json.RawMessage `json:"transaction"`
}

// Deposit decodes a stabilityPoolDeposit event body.
func (e Event) Deposit() (*DepositEvent, error) {
	if e.Kind != EventStabilityPoolDeposit {
		return nil, fmt.Errorf("bridge: %s is not a deposit event", e.Kind)
	}
	var d DepositEvent
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("bridge: decode deposit event: %w", err)
	}
	return &d, nil
}

// Withdrawal decodes a stabilityPoolWithdrawal event body.
func (e Event) Withdrawal() (*WithdrawalEvent, error) {
	if e.Kind != EventStabilityPoolWithdraw {
		return nil, fmt.Errorf("bridge: %s is not a withdrawal event", e.Kind)
	}
	var w WithdrawalEvent
	if err := json.Unmarshal(e.Data, &w); err != nil {
		return nil, fmt.Errorf("bridge: decode withdrawal event: %w", err)
	}
	return &w, nil
}

// Balance decodes a balance event body.
func (e Event) Balance() (*BalanceEvent, error) {
	if e.Kind != EventBalance {
		return nil, fmt.Errorf("bridge: %s is not a balance event", e.Kind)
	}
	var b BalanceEvent
	if err := json.Unmarshal(e.Data, &b); err != nil {
		return nil, fmt.Errorf("bridge: decode balance event: %w", err)
	}
	return &b, nil
}

// Federation decodes a federation event body.
func (e Event) Federation() (*Federation, error) {
	if e.Kind != EventFederation {
		return nil, fmt.Errorf("bridge: %s is not a federation event", e.Kind)
	}
	var f Federation
	if err := json.Unmarshal(e.Data, &f); err != nil {
		return nil, fmt.Errorf("bridge: decode federation event: %w", err)
	}
	return &f, nil
}
