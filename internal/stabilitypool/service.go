package stabilitypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/journal"
	"github.com/mbd888/ecashwallet/internal/operations"
	"github.com/mbd888/ecashwallet/internal/syncutil"
	"github.com/mbd888/ecashwallet/internal/traces"
)

// Service implements stability-pool deposits, withdrawals and balances.
type Service struct {
	feds      Federations
	bridge    Bridge
	wallet    WalletState
	rates     RateSource
	waiter    Waiter
	journal   journal.Store
	refresher AccountRefresher
	inspector PoolInspector
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
}

// NewService creates a stability-pool service.
func NewService(feds Federations, b Bridge, w WalletState, r RateSource, waiter Waiter, j journal.Store, logger *slog.Logger) *Service {
	return &Service{
		feds:    feds,
		bridge:  b,
		wallet:  w,
		rates:   r,
		waiter:  waiter,
		journal: j,
		locks:   syncutil.NewKeyedMutex(),
		logger:  logger,
	}
}

// WithRefresher refetches account info after every accepted operation.
func (s *Service) WithRefresher(r AccountRefresher) *Service {
	s.refresher = r
	return s
}

// WithInspector enables PoolInfo.
func (s *Service) WithInspector(p PoolInspector) *Service {
	s.inspector = p
	return s
}

// Snapshot gathers the inputs of every balance derivation for a federation.
// An empty id means the active federation.
func (s *Service) Snapshot(federationID string) (Snapshot, error) {
	fed, err := s.feds.Resolve(federationID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshotFor(fed), nil
}

// Balances derives the balance summary for a federation. An empty id means
// the active federation.
func (s *Service) Balances(federationID string) (*Balances, error) {
	fed, err := s.feds.Resolve(federationID)
	if err != nil {
		return nil, err
	}
	snap := s.snapshotFor(fed)
	b := snap.Balances()
	b.FederationID = fed.ID
	b.Currency = s.rates.Snapshot().Currency
	b.CycleStartPrice = s.wallet.Get(fed.ID).CycleStartPrice
	return &b, nil
}

// Operations lists journaled operations for a federation, newest first.
func (s *Service) Operations(ctx context.Context, federationID string, limit int) ([]*journal.Entry, error) {
	fed, err := s.feds.Resolve(federationID)
	if err != nil {
		return nil, err
	}
	return s.journal.List(ctx, fed.ID, limit)
}

// IncreaseStableBalance deposits amt (plus fee padding) from the active
// federation's e-cash into the stability pool and waits for the deposit to
// be accepted. The submission is never retried.
func (s *Service) IncreaseStableBalance(ctx context.Context, amt amount.MSats) (_ *journal.Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "stabilitypool.IncreaseStableBalance", traces.AmountMsats(int64(amt)))
	defer func() { traces.End(span, err) }()

	fed, err := s.feds.Active()
	if err != nil {
		return nil, ErrNoActiveFederation
	}
	if fed.StabilityPool == nil {
		return nil, ErrNoStabilityPool
	}
	if amt <= 0 {
		return nil, ErrInvalidAmount
	}
	span.SetAttributes(traces.FederationID(fed.ID))

	unlock, err := s.locks.Lock(ctx, fed.ID)
	if err != nil {
		return nil, err
	}
	deposit := DepositAmount(amt, fed.Balance, fed.StabilityPool)
	s.logger.Info("increaseStableBalance",
		"federation_id", fed.ID, "amount", amt, "deposit", deposit, "ecash_balance", fed.Balance)
	opID, err := s.bridge.StabilityPoolDepositToSeek(ctx, fed.ID, deposit)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("deposit to seek: %w", err)
	}
	span.SetAttributes(traces.OperationID(opID))

	entry := journal.NewEntry(fed.ID, opID, operations.KindDeposit, amt, deposit, 0)
	return s.await(ctx, entry)
}

// DecreaseStableBalance withdraws amt from the active federation's stable
// balance and waits for the withdrawal to finish. Staged seeks are used
// first; any remainder cancels a share of the locked seeks.
func (s *Service) DecreaseStableBalance(ctx context.Context, amt amount.MSats) (_ *journal.Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "stabilitypool.DecreaseStableBalance", traces.AmountMsats(int64(amt)))
	defer func() { traces.End(span, err) }()

	fed, err := s.feds.Active()
	if err != nil {
		return nil, ErrNoActiveFederation
	}
	if amt <= 0 {
		return nil, ErrInvalidAmount
	}
	span.SetAttributes(traces.FederationID(fed.ID))

	unlock, err := s.locks.Lock(ctx, fed.ID)
	if err != nil {
		return nil, err
	}
	snap := s.snapshotFor(fed)
	plan, err := PlanWithdrawal(amt, snap)
	if err != nil {
		unlock()
		return nil, err
	}
	if plan.LockedBps == 0 {
		s.logger.Info("withdrawing from staged seeks",
			"federation_id", fed.ID, "amount", amt, "total_staged_msats", snap.TotalStagedMsats())
	} else {
		s.logger.Info("withdrawing from locked balance",
			"federation_id", fed.ID, "remaining_msats", amt-plan.UnlockedAmount)
	}
	s.logger.Info("decreaseStableBalance",
		"federation_id", fed.ID,
		"locked_bps", plan.LockedBps,
		"unlocked_amount", plan.UnlockedAmount,
		"total_staged_msats", snap.TotalStagedMsats(),
		"stable_balance_cents", snap.StableBalanceCents(),
	)
	opID, err := s.bridge.StabilityPoolWithdraw(ctx, fed.ID, plan.UnlockedAmount, plan.LockedBps)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	span.SetAttributes(traces.OperationID(opID), traces.LockedBps(int(plan.LockedBps)))

	entry := journal.NewEntry(fed.ID, opID, operations.KindWithdrawal, amt, plan.UnlockedAmount, plan.LockedBps)
	return s.await(ctx, entry)
}

// await journals a submitted operation and blocks until its terminal event.
// The returned entry reflects the outcome even when err is non-nil.
func (s *Service) await(ctx context.Context, entry *journal.Entry) (*journal.Entry, error) {
	// The bridge already holds the operation, so journal failures are
	// logged and never abort the wait.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.journal.Create(persistCtx, entry); err != nil {
		s.logger.Error("failed to journal operation", "operation_id", entry.OperationID, "error", err)
	}

	pending, err := s.waiter.Register(entry.FederationID, entry.OperationID, entry.Kind)
	if err != nil {
		entry.Finish(bridge.OperationState{}, err)
		s.update(persistCtx, entry)
		return entry, err
	}

	state, waitErr := pending.Wait(ctx)
	entry.Finish(state, waitErr)
	s.update(persistCtx, entry)

	log := s.logger.With("federation_id", entry.FederationID, "operation_id", entry.OperationID, "kind", entry.Kind)
	switch {
	case waitErr == nil:
		log.Info("stability pool operation accepted", "state", state.Name)
		if s.refresher != nil {
			if _, err := s.refresher.FetchAccountInfo(persistCtx, entry.FederationID); err != nil {
				log.Warn("account info refresh after operation failed", "error", err)
			}
		}
	case errors.Is(waitErr, operations.ErrTransactionRejected):
		log.Info("stability pool operation rejected", "state", state.Name, "reason", state.Reason)
	default:
		log.Warn("stopped waiting for stability pool operation", "error", waitErr)
	}
	return entry, waitErr
}

func (s *Service) update(ctx context.Context, entry *journal.Entry) {
	if err := s.journal.Update(ctx, entry); err != nil && !errors.Is(err, journal.ErrEntryNotFound) {
		s.logger.Error("failed to update journal entry", "id", entry.ID, "error", err)
	}
}

func (s *Service) snapshotFor(fed *bridge.Federation) Snapshot {
	r := s.rates.Snapshot()
	return Snapshot{
		Info:       s.wallet.Get(fed.ID).AccountInfo,
		Config:     fed.StabilityPool,
		BtcUsdRate: r.BtcUsd,
		BtcRate:    r.BtcRate,
	}
}
