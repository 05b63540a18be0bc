package stabilitypool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/traces"
)

// DefaultFeeRateCycles is how many past cycles the average fee rate covers.
const DefaultFeeRateCycles = 10

// PoolInfo describes the stability-pool market of one federation.
type PoolInfo struct {
	FederationID           string                 `json:"federationId"`
	NextCycleStart         time.Time              `json:"nextCycleStart"`
	NextCycleIn            *DepositTime           `json:"nextCycleIn"`
	AverageFeeRatePpb      amount.PartsPerBillion `json:"averageFeeRatePpb"`
	FeeRateCycles          int                    `json:"feeRateCycles"`
	AvailableLiquidity     amount.MSats           `json:"availableLiquidityMsats"`
	AvailableLiquiditySats amount.Sats            `json:"availableLiquiditySats"`
	MaximumAPR             float64                `json:"maximumApr"`
}

// PoolInfo fetches the next cycle start, the average provider fee rate over
// numCycles and the liquidity providers currently offer. The three bridge
// calls run concurrently; the first failure cancels the rest.
func (s *Service) PoolInfo(ctx context.Context, federationID string, numCycles int) (_ *PoolInfo, err error) {
	ctx, span := traces.StartSpan(ctx, "stabilitypool.PoolInfo")
	defer func() { traces.End(span, err) }()

	if s.inspector == nil {
		return nil, ErrPoolInfoUnavailable
	}
	fed, err := s.feds.Resolve(federationID)
	if err != nil {
		return nil, err
	}
	if fed.StabilityPool == nil {
		return nil, ErrNoStabilityPool
	}
	if numCycles <= 0 {
		numCycles = DefaultFeeRateCycles
	}

	var (
		nextCycle int64
		feeRate   amount.PartsPerBillion
		liquidity amount.MSats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		nextCycle, err = s.inspector.StabilityPoolNextCycleStartTime(gctx, fed.ID)
		return err
	})
	g.Go(func() (err error) {
		feeRate, err = s.inspector.StabilityPoolAverageFeeRate(gctx, fed.ID, numCycles)
		return err
	})
	g.Go(func() (err error) {
		liquidity, err = s.inspector.StabilityPoolAvailableLiquidity(gctx, fed.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch pool info: %w", err)
	}

	next := time.Unix(nextCycle, 0).UTC()
	return &PoolInfo{
		FederationID:           fed.ID,
		NextCycleStart:         next,
		NextCycleIn:            FormatDepositTime(max(int64(time.Until(next).Seconds()), 0)),
		AverageFeeRatePpb:      feeRate,
		FeeRateCycles:          numCycles,
		AvailableLiquidity:     liquidity,
		AvailableLiquiditySats: amount.MsatToSat(liquidity),
		MaximumAPR:             s.snapshotFor(fed).MaximumAPR(),
	}, nil
}
