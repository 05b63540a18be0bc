package stabilitypool

import (
	"math"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
)

// sweepThreshold is the staged remainder below which a withdrawal takes the
// whole staged balance instead of leaving dust behind.
const sweepThreshold amount.MSats = 1000

// minLeakagePadding is the smallest fee padding added to a deposit.
const minLeakagePadding = 1000

// paddingCycles is how many cycles of maximum fees a deposit is padded with.
const paddingCycles = 10

// Snapshot is everything the balance derivations read. BtcUsdRate prices
// BTC in USD; BtcRate prices it in the display currency.
type Snapshot struct {
	Info       *bridge.AccountInfo
	Config     *bridge.StabilityPoolConfig
	BtcUsdRate float64
	BtcRate    float64
}

// TotalLockedMsats sums what remains of every locked seek after withdrawals
// and fees.
func (s Snapshot) TotalLockedMsats() amount.MSats {
	if s.Info == nil {
		return 0
	}
	var total amount.MSats
	for _, ls := range s.Info.LockedSeeks {
		total += (ls.InitialAmount - ls.WithdrawnAmount) - ls.FeesPaidSoFar
	}
	return total
}

// TotalLockedCents is the USD value of the locked seeks. Deposits and
// withdrawals are valued at their recorded cents; fees at the current rate.
func (s Snapshot) TotalLockedCents() amount.UsdCents {
	if s.Info == nil {
		return 0
	}
	var total float64
	for _, ls := range s.Info.LockedSeeks {
		remaining := ls.InitialAmountCents - ls.WithdrawnAmountCents
		fees := float64(amount.MsatToCents(ls.FeesPaidSoFar, s.BtcUsdRate))
		total += remaining - fees
	}
	return amount.UsdCents(total)
}

// TotalLockedFiat is TotalLockedCents in the display currency.
func (s Snapshot) TotalLockedFiat() float64 {
	return s.toDisplay(s.TotalLockedCents())
}

// TotalStagedMsats sums the staged (not yet locked) seeks.
func (s Snapshot) TotalStagedMsats() amount.MSats {
	if s.Info == nil {
		return 0
	}
	var total amount.MSats
	for _, ss := range s.Info.StagedSeeks {
		total += ss
	}
	return total
}

// TotalStagedCents values the staged seeks at the current rate.
func (s Snapshot) TotalStagedCents() amount.UsdCents {
	return amount.MsatToCents(s.TotalStagedMsats(), s.BtcUsdRate)
}

// TotalStagedFiat is TotalStagedCents in the display currency.
func (s Snapshot) TotalStagedFiat() float64 {
	return s.toDisplay(s.TotalStagedCents())
}

// StableBalanceCents is the locked balance less any staged cancellation.
func (s Snapshot) StableBalanceCents() amount.UsdCents {
	if s.Info == nil {
		return 0
	}
	stable := float64(s.TotalLockedCents())
	if bps := s.Info.CancellationBps(); bps != 0 {
		stable -= stable * (float64(bps) / amount.MaxBps)
	}
	return amount.UsdCents(stable)
}

// StableBalance is StableBalanceCents in the display currency.
func (s Snapshot) StableBalance() float64 {
	return s.toDisplay(s.StableBalanceCents())
}

// StableBalanceSats is StableBalanceCents in sats at the current rate.
func (s Snapshot) StableBalanceSats() amount.Sats {
	return amount.FiatToSat(float64(s.StableBalanceCents())/amount.CentsPerUnit, s.BtcUsdRate)
}

// StableBalancePendingCents is the net change waiting on the next cycle:
// positive while deposits are staged, negative while a withdrawal is.
func (s Snapshot) StableBalancePendingCents() amount.UsdCents {
	if s.Info == nil {
		return 0
	}
	var pendingWithdraw float64
	if bps := s.Info.CancellationBps(); bps != 0 {
		pendingWithdraw = amount.RoundTo(float64(s.TotalLockedCents())*amount.BpsFraction(bps), 2)
	}
	return amount.UsdCents(float64(s.TotalStagedCents()) - pendingWithdraw)
}

// StableBalancePending is StableBalancePendingCents in the display currency.
func (s Snapshot) StableBalancePending() float64 {
	return s.toDisplay(s.StableBalancePendingCents())
}

// WithdrawableStableBalanceCents is the stable balance plus pending changes.
func (s Snapshot) WithdrawableStableBalanceCents() amount.UsdCents {
	return s.StableBalanceCents() + s.StableBalancePendingCents()
}

// WithdrawableStableBalanceMsats is WithdrawableStableBalanceCents in msats.
func (s Snapshot) WithdrawableStableBalanceMsats() amount.MSats {
	return amount.FiatToMsat(float64(s.WithdrawableStableBalanceCents())/amount.CentsPerUnit, s.BtcUsdRate)
}

// MinimumWithdrawAmountCents is the smallest cancellation the federation
// accepts. There is no minimum while staged deposits can absorb a withdrawal.
func (s Snapshot) MinimumWithdrawAmountCents() amount.UsdCents {
	if s.StableBalancePendingCents() > 0 {
		return 0
	}
	var minBps amount.BasisPoints
	if s.Config != nil {
		minBps = s.Config.MinAllowedCancellationBps
	}
	return amount.UsdCents(amount.RoundTo(float64(s.StableBalanceCents())*amount.BpsFraction(minBps), 2))
}

// MinimumWithdrawAmountMsats is MinimumWithdrawAmountCents in msats.
func (s Snapshot) MinimumWithdrawAmountMsats() amount.MSats {
	return amount.FiatToMsat(float64(s.MinimumWithdrawAmountCents())/amount.CentsPerUnit, s.BtcUsdRate)
}

// MinimumDepositAmountSats is the federation's minimum seek in sats.
func (s Snapshot) MinimumDepositAmountSats() amount.Sats {
	if s.Config == nil {
		return 0
	}
	return amount.MsatToSat(s.Config.MinAllowedSeek)
}

// MaximumAPR is the yearly fee percentage paid when every cycle charges the
// maximum allowed fee rate. It is 0 without a config.
func (s Snapshot) MaximumAPR() float64 {
	if s.Config == nil || s.Config.CycleDuration.Secs <= 0 {
		return 0
	}
	periodicRate := float64(s.Config.MaxAllowedProvideFeeRatePpb) / amount.PpbDenom
	cyclesPerYear := float64(amount.SecondsInYear) / float64(s.Config.CycleDuration.Secs)
	compounded := 1 - math.Pow(1-periodicRate, cyclesPerYear)
	return amount.RoundTo(compounded*100, 2)
}

// FormattedDepositTime describes how long a deposit takes to lock.
func (s Snapshot) FormattedDepositTime() *DepositTime {
	if s.Config == nil {
		return nil
	}
	return FormatDepositTime(s.Config.CycleDuration.Secs)
}

func (s Snapshot) toDisplay(cents amount.UsdCents) float64 {
	return amount.ConvertCentsToOtherFiat(cents, s.BtcUsdRate, s.BtcRate)
}

// Translation keys for deposit times.
const (
	KeyMoreThanAnHour = "feature.stabilitypool.more-than-an-hour"
	KeySeconds        = "feature.stabilitypool.seconds"
	KeyOneSecond      = "feature.stabilitypool.one-second"
	KeyMinutes        = "feature.stabilitypool.minutes"
	KeyOneMinute      = "feature.stabilitypool.one-minute"
)

// DepositTime is an untranslated duration label. Approximate labels are
// rendered with a leading "~".
type DepositTime struct {
	Key         string             `json:"key"`
	Params      map[string]float64 `json:"params,omitempty"`
	Approximate bool               `json:"approximate"`
}

// FormatDepositTime buckets a cycle duration: an hour or more, whole
// seconds under a minute, otherwise minutes to the nearest half.
func FormatDepositTime(secs int64) *DepositTime {
	switch {
	case secs >= 3600:
		return &DepositTime{Key: KeyMoreThanAnHour}
	case secs < 60:
		if secs > 1 {
			return &DepositTime{Key: KeySeconds, Params: map[string]float64{"seconds": float64(secs)}, Approximate: true}
		}
		return &DepositTime{Key: KeyOneSecond, Approximate: true}
	default:
		minutes := math.Round(float64(secs)/60*2) / 2
		if minutes > 1 {
			return &DepositTime{Key: KeyMinutes, Params: map[string]float64{"minutes": minutes}, Approximate: true}
		}
		return &DepositTime{Key: KeyOneMinute, Approximate: true}
	}
}

// Balances is the summary served to clients.
type Balances struct {
	FederationID                 string             `json:"federationId"`
	Currency                     string             `json:"currency"`
	IdleBalanceMsats             amount.MSats       `json:"idleBalanceMsats"`
	TotalLockedMsats             amount.MSats       `json:"totalLockedMsats"`
	TotalLockedCents             amount.UsdCents    `json:"totalLockedCents"`
	TotalLockedFiat              float64            `json:"totalLockedFiat"`
	TotalStagedMsats             amount.MSats       `json:"totalStagedMsats"`
	TotalStagedCents             amount.UsdCents    `json:"totalStagedCents"`
	TotalStagedFiat              float64            `json:"totalStagedFiat"`
	StableBalanceCents           amount.UsdCents    `json:"stableBalanceCents"`
	StableBalance                float64            `json:"stableBalance"`
	StableBalanceSats            amount.Sats        `json:"stableBalanceSats"`
	StableBalancePendingCents    amount.UsdCents    `json:"stableBalancePendingCents"`
	StableBalancePending         float64            `json:"stableBalancePending"`
	WithdrawableCents            amount.UsdCents    `json:"withdrawableStableBalanceCents"`
	WithdrawableMsats            amount.MSats       `json:"withdrawableStableBalanceMsats"`
	MinimumWithdrawCents         amount.UsdCents    `json:"minimumWithdrawAmountCents"`
	MinimumWithdrawMsats         amount.MSats       `json:"minimumWithdrawAmountMsats"`
	MinimumDepositSats           amount.Sats        `json:"minimumDepositAmountSats"`
	StagedCancellationBps        amount.BasisPoints `json:"stagedCancellationBps"`
	MaximumAPR                   float64            `json:"maximumApr"`
	DepositTime                  *DepositTime       `json:"depositTime,omitempty"`
	CycleStartPrice              *float64           `json:"cycleStartPrice"`
	AccountInfoTimestamp         int64              `json:"accountInfoTimestamp,omitempty"`
	AccountInfoFetchedFromServer bool               `json:"accountInfoFetchedFromServer"`
}

// Balances derives every figure at once.
func (s Snapshot) Balances() Balances {
	b := Balances{
		TotalLockedMsats:          s.TotalLockedMsats(),
		TotalLockedCents:          s.TotalLockedCents(),
		TotalLockedFiat:           s.TotalLockedFiat(),
		TotalStagedMsats:          s.TotalStagedMsats(),
		TotalStagedCents:          s.TotalStagedCents(),
		TotalStagedFiat:           s.TotalStagedFiat(),
		StableBalanceCents:        s.StableBalanceCents(),
		StableBalance:             s.StableBalance(),
		StableBalanceSats:         s.StableBalanceSats(),
		StableBalancePendingCents: s.StableBalancePendingCents(),
		StableBalancePending:      s.StableBalancePending(),
		WithdrawableCents:         s.WithdrawableStableBalanceCents(),
		WithdrawableMsats:         s.WithdrawableStableBalanceMsats(),
		MinimumWithdrawCents:      s.MinimumWithdrawAmountCents(),
		MinimumWithdrawMsats:      s.MinimumWithdrawAmountMsats(),
		MinimumDepositSats:        s.MinimumDepositAmountSats(),
		MaximumAPR:                s.MaximumAPR(),
		DepositTime:               s.FormattedDepositTime(),
	}
	if s.Info != nil {
		b.IdleBalanceMsats = s.Info.IdleBalance
		b.StagedCancellationBps = s.Info.CancellationBps()
		b.AccountInfoTimestamp = s.Info.Timestamp
		b.AccountInfoFetchedFromServer = s.Info.IsFetchedFromServer
	}
	return b
}

// DepositAmount is what is actually submitted for a deposit of amt: the
// amount padded with ten cycles of maximum fees (at least 1 sat), capped at
// the e-cash balance.
func DepositAmount(amt, ecashBalance amount.MSats, cfg *bridge.StabilityPoolConfig) amount.MSats {
	var ppb amount.PartsPerBillion
	if cfg != nil {
		ppb = cfg.MaxAllowedProvideFeeRatePpb
	}
	firstCycleFee := amount.RoundTo(float64(amt)*amount.PpbFraction(ppb), 0)
	padding := math.Max(minLeakagePadding, amount.RoundTo(paddingCycles*firstCycleFee, 0))
	padded := amount.MSats(amount.RoundTo(float64(amt)+padding, 0))
	return amount.Min(ecashBalance, padded)
}

// WithdrawalPlan is the split of a withdrawal between staged seeks and a
// cancellation of locked seeks.
type WithdrawalPlan struct {
	UnlockedAmount amount.MSats       `json:"unlockedAmount"`
	LockedBps      amount.BasisPoints `json:"lockedBps"`
}

// PlanWithdrawal covers amt from staged seeks first. When staged seeks fall
// short the rest is expressed as basis points of the locked balance.
func PlanWithdrawal(amt amount.MSats, s Snapshot) (WithdrawalPlan, error) {
	staged := s.TotalStagedMsats()
	if amt <= staged {
		unlocked := amt
		if staged-amt < sweepThreshold {
			unlocked = staged
		}
		return WithdrawalPlan{UnlockedAmount: unlocked}, nil
	}

	lockedCents := float64(s.TotalLockedCents())
	if lockedCents <= 0 {
		return WithdrawalPlan{}, ErrInsufficientStableBalance
	}
	remainingCents := float64(amount.MsatToCents(amt-staged, s.BtcUsdRate))
	bps := amount.RoundTo(remainingCents*amount.MaxBps/lockedCents, 0)
	return WithdrawalPlan{
		UnlockedAmount: staged,
		LockedBps:      amount.BasisPoints(bps),
	}, nil
}
