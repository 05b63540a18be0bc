package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/operations"
)

func TestNewEntry(t *testing.T) {
	e := NewEntry("fed1", "op1", operations.KindDeposit, 100_000, 101_000, 0)
	if !strings.HasPrefix(e.ID, "spj_") {
		t.Errorf("expected spj_ prefix, got %s", e.ID)
	}
	if e.State != StatePending || e.IsTerminal() {
		t.Errorf("expected pending non-terminal entry, got %s", e.State)
	}
	if e.CreatedAt.IsZero() || !e.CreatedAt.Equal(e.UpdatedAt) {
		t.Error("expected CreatedAt == UpdatedAt on a new entry")
	}
}

func TestEntry_Finish(t *testing.T) {
	tests := []struct {
		name       string
		state      bridge.OperationState
		err        error
		wantState  State
		wantReason string
	}{
		{"accepted", bridge.OperationState{Name: "txAccepted"}, nil, StateAccepted, ""},
		{"rejected", bridge.OperationState{Name: "txRejected", Reason: "no funds"}, operations.ErrTransactionRejected, StateRejected, "no funds"},
		{"timeout", bridge.OperationState{}, operations.ErrOperationTimeout, StateTimedOut, ""},
		{"abandoned", bridge.OperationState{}, context.Canceled, StateAbandoned, "context canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEntry("fed1", "op1", operations.KindWithdrawal, 1, 1, 0)
			e.Finish(tt.state, tt.err)
			if e.State != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, e.State)
			}
			if e.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, e.Reason)
			}
			if !e.IsTerminal() {
				t.Error("expected terminal entry")
			}
		})
	}
}

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := NewEntry("fed1", "op1", operations.KindDeposit, 100, 1_100, 0)
	if err := s.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, e); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry for same id, got %v", err)
	}
	dup := NewEntry("fed1", "op1", operations.KindDeposit, 1, 1, 0)
	if err := s.Create(ctx, dup); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry for same operation, got %v", err)
	}

	got, err := s.GetByOperation(ctx, "fed1", "op1")
	if err != nil {
		t.Fatalf("get by operation: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected id %s, got %s", e.ID, got.ID)
	}

	got.Finish(bridge.OperationState{Name: "txAccepted"}, nil)
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.Get(ctx, e.ID)
	if again.State != StateAccepted {
		t.Errorf("expected accepted, got %s", again.State)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
	if err := s.Update(ctx, &Entry{ID: "missing"}); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound on update, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := NewEntry("fed1", "op1", operations.KindDeposit, 100, 100, 0)
	_ = s.Create(ctx, e)

	e.State = StateRejected
	got, _ := s.Get(ctx, e.ID)
	if got.State != StatePending {
		t.Errorf("expected stored entry unaffected by caller mutation, got %s", got.State)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, op := range []string{"a", "b", "c"} {
		e := NewEntry("fed1", op, operations.KindDeposit, 1, 1, 0)
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = s.Create(ctx, e)
	}
	_ = s.Create(ctx, NewEntry("fed2", "z", operations.KindDeposit, 1, 1, 0))

	list, err := s.List(ctx, "fed1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].OperationID != "c" || list[1].OperationID != "b" {
		t.Errorf("expected newest first [c b], got [%s %s]", list[0].OperationID, list[1].OperationID)
	}

	all, _ := s.List(ctx, "fed1", 0)
	if len(all) != 3 {
		t.Errorf("expected default limit to include all 3, got %d", len(all))
	}
}
