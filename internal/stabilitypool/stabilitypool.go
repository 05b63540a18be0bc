// Package stabilitypool derives stable balances from a federation's
// stability-pool account and moves funds in and out of it.
//
// Flow:
//  1. Deposit: e-cash → staged seek (padded for fees) → locked at the next cycle
//  2. Withdraw: staged seeks are unlocked first, then a basis-point share of
//     the locked balance is cancelled
//  3. Both finish on a correlated bridge event; the outcome is journaled
package stabilitypool

import (
	"context"
	"errors"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/operations"
	"github.com/mbd888/ecashwallet/internal/rates"
	"github.com/mbd888/ecashwallet/internal/wallet"
)

var (
	ErrNoActiveFederation        = federation.ErrNoActiveFederation
	ErrNoStabilityPool           = errors.New("No stabilitypool in this federation") //nolint:staticcheck // shown to users verbatim
	ErrInvalidAmount             = errors.New("amount must be positive")
	ErrInsufficientStableBalance = errors.New("withdrawal exceeds staged and locked balance")
	ErrPoolInfoUnavailable       = errors.New("stability pool market info is not available")
)

// Federations resolves the federation an operation runs against.
type Federations interface {
	Active() (*bridge.Federation, error)
	Resolve(id string) (*bridge.Federation, error)
}

// Bridge submits stability-pool operations.
type Bridge interface {
	StabilityPoolDepositToSeek(ctx context.Context, federationID string, amt amount.MSats) (string, error)
	StabilityPoolWithdraw(ctx context.Context, federationID string, unlocked amount.MSats, lockedBps amount.BasisPoints) (string, error)
}

// PoolInspector reads market-wide stability-pool figures.
type PoolInspector interface {
	StabilityPoolNextCycleStartTime(ctx context.Context, federationID string) (int64, error)
	StabilityPoolAverageFeeRate(ctx context.Context, federationID string, numCycles int) (amount.PartsPerBillion, error)
	StabilityPoolAvailableLiquidity(ctx context.Context, federationID string) (amount.MSats, error)
}

// WalletState reads per-federation account state.
type WalletState interface {
	Get(federationID string) wallet.State
}

// AccountRefresher refetches account info after an operation finishes.
type AccountRefresher interface {
	FetchAccountInfo(ctx context.Context, federationID string) (*bridge.AccountInfo, error)
}

// RateSource provides current exchange rates.
type RateSource interface {
	Snapshot() rates.Rates
}

// Waiter correlates operation ids with their terminal events.
type Waiter interface {
	Register(federationID, operationID string, kind operations.Kind) (*operations.Pending, error)
}
