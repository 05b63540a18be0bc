package stabilitypool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
)

const testBtcUsd = 50_000.0

func bpsPtr(b amount.BasisPoints) *amount.BasisPoints { return &b }

func testConfig() *bridge.StabilityPoolConfig {
	return &bridge.StabilityPoolConfig{
		Kind:                        "stability_pool",
		MinAllowedSeek:              100_500,
		MaxAllowedProvideFeeRatePpb: 1_000_000,
		MinAllowedCancellationBps:   100,
		CycleDuration:               bridge.Duration{Secs: 600},
	}
}

// ============================================================================
// Locked / staged totals
// ============================================================================

func TestTotalLockedMsats_ExactSum(t *testing.T) {
	seeks := []bridge.LockedSeek{
		{InitialAmount: 1_000_000, WithdrawnAmount: 250_000, FeesPaidSoFar: 1_234},
		{InitialAmount: 7, WithdrawnAmount: 0, FeesPaidSoFar: 0},
		{InitialAmount: 500_000, WithdrawnAmount: 500_000, FeesPaidSoFar: 0},
		{InitialAmount: 333_333, WithdrawnAmount: 111_111, FeesPaidSoFar: 999},
	}
	var want amount.MSats
	for _, ls := range seeks {
		want += ls.InitialAmount - ls.WithdrawnAmount - ls.FeesPaidSoFar
	}
	s := Snapshot{Info: &bridge.AccountInfo{LockedSeeks: seeks}}
	assert.Equal(t, want, s.TotalLockedMsats())
	assert.Equal(t, amount.MSats(969_996), s.TotalLockedMsats())
}

func TestTotals_NoAccountInfo(t *testing.T) {
	s := Snapshot{BtcUsdRate: testBtcUsd}
	assert.Zero(t, s.TotalLockedMsats())
	assert.Zero(t, s.TotalLockedCents())
	assert.Zero(t, s.TotalStagedMsats())
	assert.Zero(t, s.StableBalanceCents())
	assert.Zero(t, s.StableBalancePendingCents())
	assert.Zero(t, s.WithdrawableStableBalanceCents())
}

func TestTotalLockedCents_FeesAtCurrentRate(t *testing.T) {
	s := Snapshot{
		BtcUsdRate: testBtcUsd,
		Info: &bridge.AccountInfo{LockedSeeks: []bridge.LockedSeek{
			{InitialAmountCents: 5_000, WithdrawnAmountCents: 1_000, FeesPaidSoFar: 200_000},
		}},
	}
	// 200_000 msats at $50k is 10 cents.
	assert.InDelta(t, 3_990, float64(s.TotalLockedCents()), 1e-9)

	s.BtcUsdRate = 100_000
	assert.InDelta(t, 3_980, float64(s.TotalLockedCents()), 1e-9)
}

func TestTotalLockedCents_NegativeTolerated(t *testing.T) {
	s := Snapshot{
		BtcUsdRate: testBtcUsd,
		Info: &bridge.AccountInfo{LockedSeeks: []bridge.LockedSeek{
			{InitialAmount: 100, WithdrawnAmount: 200, InitialAmountCents: 1, WithdrawnAmountCents: 2},
		}},
	}
	assert.Equal(t, amount.MSats(-100), s.TotalLockedMsats())
	assert.Less(t, float64(s.TotalLockedCents()), 0.0)
}

func TestTotalStaged(t *testing.T) {
	s := Snapshot{
		BtcUsdRate: testBtcUsd,
		BtcRate:    testBtcUsd / 1.25,
		Info:       &bridge.AccountInfo{StagedSeeks: []amount.MSats{1_500_000, 500_000}},
	}
	assert.Equal(t, amount.MSats(2_000_000), s.TotalStagedMsats())
	assert.InDelta(t, 100, float64(s.TotalStagedCents()), 1e-9)
	assert.InDelta(t, 0.8, s.TotalStagedFiat(), 1e-9)
}

// ============================================================================
// Stable balance
// ============================================================================

func lockedSnapshot(lockedCents float64, staged []amount.MSats, cancel *amount.BasisPoints) Snapshot {
	return Snapshot{
		BtcUsdRate: testBtcUsd,
		BtcRate:    testBtcUsd,
		Config:     testConfig(),
		Info: &bridge.AccountInfo{
			StagedSeeks:        staged,
			StagedCancellation: cancel,
			LockedSeeks:        []bridge.LockedSeek{{InitialAmount: 2_000_000, InitialAmountCents: lockedCents}},
		},
	}
}

func TestStableBalanceCents(t *testing.T) {
	s := lockedSnapshot(1_000, nil, nil)
	assert.InDelta(t, 1_000, float64(s.StableBalanceCents()), 1e-9)

	s = lockedSnapshot(1_000, nil, bpsPtr(2_500))
	assert.InDelta(t, 750, float64(s.StableBalanceCents()), 1e-9)
	assert.InDelta(t, -250, float64(s.StableBalancePendingCents()), 1e-9)
	assert.InDelta(t, 500, float64(s.WithdrawableStableBalanceCents()), 1e-9)
}

func TestStableBalanceSats(t *testing.T) {
	// $10 at $50k is 20_000 sats.
	s := lockedSnapshot(1_000, nil, nil)
	assert.Equal(t, amount.Sats(20_000), s.StableBalanceSats())
}

func TestStableBalancePendingCents_SignConvention(t *testing.T) {
	for _, staged := range [][]amount.MSats{nil, {1}, {2_000_000}, {999, 123_456_789}} {
		s := lockedSnapshot(1_000, staged, nil)
		assert.GreaterOrEqual(t, float64(s.StableBalancePendingCents()), 0.0, "depositing only: %v", staged)
	}
	for _, bps := range []amount.BasisPoints{1, 100, 5_000, 10_000} {
		s := lockedSnapshot(1_000, nil, bpsPtr(bps))
		assert.LessOrEqual(t, float64(s.StableBalancePendingCents()), 0.0, "cancelling only: %d bps", bps)
	}
}

func TestWithdrawable_IsStablePlusPending(t *testing.T) {
	stagedSets := [][]amount.MSats{nil, {1_000}, {2_000_000, 3_333_333}}
	for _, staged := range stagedSets {
		for bps := amount.BasisPoints(0); bps <= 10_000; bps += 625 {
			var cancel *amount.BasisPoints
			if bps > 0 {
				cancel = bpsPtr(bps)
			}
			s := lockedSnapshot(1_234.56, staged, cancel)
			want := s.StableBalanceCents() + s.StableBalancePendingCents()
			assert.Equal(t, want, s.WithdrawableStableBalanceCents(), "staged=%v bps=%d", staged, bps)
		}
	}
}

func TestWithdrawableStableBalanceMsats(t *testing.T) {
	// 1000 cents locked plus 100 cents staged at $50k.
	s := lockedSnapshot(1_000, []amount.MSats{2_000_000}, nil)
	assert.Equal(t, amount.MSats(22_000_000), s.WithdrawableStableBalanceMsats())
}

func TestMinimumWithdrawAmount(t *testing.T) {
	// Staged deposits can absorb any withdrawal.
	s := lockedSnapshot(1_000, []amount.MSats{2_000_000}, nil)
	assert.Zero(t, s.MinimumWithdrawAmountCents())
	assert.Zero(t, s.MinimumWithdrawAmountMsats())

	// 1% of a 1000 cent stable balance.
	s = lockedSnapshot(1_000, nil, nil)
	assert.InDelta(t, 10, float64(s.MinimumWithdrawAmountCents()), 1e-9)
	assert.Equal(t, amount.MSats(200_000), s.MinimumWithdrawAmountMsats())

	s.Config = nil
	assert.Zero(t, s.MinimumWithdrawAmountCents())
}

func TestMinimumDepositAmountSats(t *testing.T) {
	s := Snapshot{Config: testConfig()}
	assert.Equal(t, amount.Sats(100), s.MinimumDepositAmountSats())
	assert.Zero(t, Snapshot{}.MinimumDepositAmountSats())
}

// ============================================================================
// Config-derived figures
// ============================================================================

func TestMaximumAPR(t *testing.T) {
	assert.Zero(t, Snapshot{}.MaximumAPR())

	cfg := testConfig()
	cfg.MaxAllowedProvideFeeRatePpb = 10_000
	assert.Equal(t, 40.88, Snapshot{Config: cfg}.MaximumAPR())

	cfg.MaxAllowedProvideFeeRatePpb = 1_000
	cfg.CycleDuration.Secs = 3600
	assert.Equal(t, 0.87, Snapshot{Config: cfg}.MaximumAPR())
}

func TestFormatDepositTime(t *testing.T) {
	tests := []struct {
		secs   int64
		key    string
		param  string
		value  float64
		approx bool
	}{
		{3600, KeyMoreThanAnHour, "", 0, false},
		{7200, KeyMoreThanAnHour, "", 0, false},
		{3599, KeyMinutes, "minutes", 60, true},
		{59, KeySeconds, "seconds", 59, true},
		{2, KeySeconds, "seconds", 2, true},
		{1, KeyOneSecond, "", 0, true},
		{60, KeyOneMinute, "", 0, true},
		{75, KeyMinutes, "minutes", 1.5, true},
		{600, KeyMinutes, "minutes", 10, true},
		{620, KeyMinutes, "minutes", 10.5, true},
	}
	for _, tt := range tests {
		got := FormatDepositTime(tt.secs)
		if got.Key != tt.key {
			t.Errorf("%ds: expected key %s, got %s", tt.secs, tt.key, got.Key)
			continue
		}
		if got.Approximate != tt.approx {
			t.Errorf("%ds: expected approximate=%v", tt.secs, tt.approx)
		}
		if tt.param != "" && got.Params[tt.param] != tt.value {
			t.Errorf("%ds: expected %s=%v, got %v", tt.secs, tt.param, tt.value, got.Params[tt.param])
		}
	}

	assert.Nil(t, Snapshot{}.FormattedDepositTime())
}

func TestBalances(t *testing.T) {
	s := lockedSnapshot(1_000, []amount.MSats{2_000_000}, bpsPtr(1_000))
	s.Info.IdleBalance = 42
	b := s.Balances()

	assert.Equal(t, amount.MSats(42), b.IdleBalanceMsats)
	assert.Equal(t, amount.BasisPoints(1_000), b.StagedCancellationBps)
	assert.InDelta(t, 900, float64(b.StableBalanceCents), 1e-9)
	assert.InDelta(t, 0, float64(b.StableBalancePendingCents), 1e-9)
	assert.Equal(t, b.StableBalanceCents+b.StableBalancePendingCents, b.WithdrawableCents)
	require.NotNil(t, b.DepositTime)
	assert.Equal(t, KeyMinutes, b.DepositTime.Key)
}

// ============================================================================
// Deposit / withdrawal planning
// ============================================================================

func TestDepositAmount(t *testing.T) {
	cfg := testConfig()

	assert.Equal(t, amount.MSats(101_000), DepositAmount(100_000, 10_000_000, cfg))
	assert.Equal(t, amount.MSats(50_000), DepositAmount(100_000, 50_000, cfg), "capped at e-cash balance")

	// 10 cycles of 0.1% on 10M msats is 100_000.
	assert.Equal(t, amount.MSats(10_100_000), DepositAmount(10_000_000, 1<<40, cfg))

	cfg.MaxAllowedProvideFeeRatePpb = 0
	assert.Equal(t, amount.MSats(101_000), DepositAmount(100_000, 1<<40, cfg), "minimum padding of 1 sat")
}

func TestPlanWithdrawal_FromStaged(t *testing.T) {
	s := lockedSnapshot(100, []amount.MSats{5_000}, nil)

	plan, err := PlanWithdrawal(3_000, s)
	require.NoError(t, err)
	assert.Equal(t, amount.MSats(3_000), plan.UnlockedAmount)
	assert.Zero(t, plan.LockedBps)

	// Less than a sat would remain staged, so sweep it all.
	plan, err = PlanWithdrawal(4_500, s)
	require.NoError(t, err)
	assert.Equal(t, amount.MSats(5_000), plan.UnlockedAmount)
	assert.Zero(t, plan.LockedBps)

	plan, err = PlanWithdrawal(5_000, s)
	require.NoError(t, err)
	assert.Equal(t, amount.MSats(5_000), plan.UnlockedAmount)
}

func TestPlanWithdrawal_FromLocked(t *testing.T) {
	s := lockedSnapshot(100, []amount.MSats{5_000}, nil)

	// The remaining 3000 msats are 0.15 cents at $50k: 15 bps of 100 cents.
	plan, err := PlanWithdrawal(8_000, s)
	require.NoError(t, err)
	assert.Equal(t, amount.MSats(5_000), plan.UnlockedAmount)
	assert.Equal(t, amount.BasisPoints(15), plan.LockedBps)
}

func TestPlanWithdrawal_NothingLocked(t *testing.T) {
	s := Snapshot{BtcUsdRate: testBtcUsd, Info: &bridge.AccountInfo{StagedSeeks: []amount.MSats{1_000}}}
	_, err := PlanWithdrawal(5_000, s)
	assert.True(t, errors.Is(err, ErrInsufficientStableBalance))
}
