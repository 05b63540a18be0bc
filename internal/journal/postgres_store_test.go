package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/operations"
	"github.com/mbd888/ecashwallet/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	e := NewEntry("fed1", "op1", operations.KindWithdrawal, 5_000_000, 2_000_000, 1250)
	if err := s.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, NewEntry("fed1", "op1", operations.KindWithdrawal, 1, 1, 0)); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}

	got, err := s.GetByOperation(ctx, "fed1", "op1")
	if err != nil {
		t.Fatalf("get by operation: %v", err)
	}
	if got.LockedBps != 1250 || got.SubmittedMsats != 2_000_000 || got.Kind != operations.KindWithdrawal {
		t.Errorf("unexpected entry: %+v", got)
	}

	got.Finish(bridge.OperationState{Name: "cancellationSubmissionFailure", Reason: "cycle turnover"}, operations.ErrTransactionRejected)
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	list, err := s.List(ctx, "fed1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].State != StateRejected || list[0].Reason != "cycle turnover" {
		t.Errorf("unexpected list: %+v", list)
	}

	if _, err := s.Get(ctx, "spj_missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}
