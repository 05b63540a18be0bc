package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/metrics"
)

// Service fetches stability-pool state from the bridge into a Store.
type Service struct {
	store  *Store
	bridge Bridge
	feds   ActiveFederation
	rates  RateFetcher
	logger *slog.Logger
}

// NewService creates a wallet service.
func NewService(store *Store, b Bridge, feds ActiveFederation, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		bridge: b,
		feds:   feds,
		logger: logger,
	}
}

// WithRateFetcher refreshes exchange rates as part of RefreshActive.
func (s *Service) WithRateFetcher(r RateFetcher) *Service {
	s.rates = r
	return s
}

// Store returns the backing state store.
func (s *Service) Store() *Store {
	return s.store
}

// FetchAccountInfo asks the bridge for fresh account info and stores it.
func (s *Service) FetchAccountInfo(ctx context.Context, federationID string) (*bridge.AccountInfo, error) {
	info, err := s.bridge.StabilityPoolAccountInfo(ctx, federationID, true)
	if err != nil {
		return nil, fmt.Errorf("fetch account info: %w", err)
	}
	s.logger.Info("stabilityPoolAccountInfo",
		"federation_id", federationID,
		"idle_balance", info.IdleBalance,
		"staged_seeks", len(info.StagedSeeks),
		"locked_seeks", len(info.LockedSeeks),
		"staged_cancellation", info.CancellationBps(),
	)
	s.store.SetAccountInfo(federationID, info)
	return info, nil
}

// FetchCycleStartPrice stores the current cycle's BTC price in dollars.
func (s *Service) FetchCycleStartPrice(ctx context.Context, federationID string) (float64, error) {
	cents, err := s.bridge.StabilityPoolCycleStartPrice(ctx, federationID)
	if err != nil {
		return 0, fmt.Errorf("fetch cycle start price: %w", err)
	}
	price := float64(cents) / amount.CentsPerUnit
	s.store.SetCycleStartPrice(federationID, price)
	return price, nil
}

// RefreshActive refreshes rates, cycle start price and account info for the
// active federation. Only an account info failure is returned; rate and
// price failures are logged.
func (s *Service) RefreshActive(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.RefreshRunsTotal.WithLabelValues(result).Inc()
	}()

	fed, err := s.feds.Active()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if s.rates != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.rates.Fetch(ctx); err != nil {
				s.logger.Warn("rate refresh failed", "error", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := s.FetchCycleStartPrice(ctx, fed.ID); err != nil {
			s.logger.Warn("cycle start price refresh failed", "federation_id", fed.ID, "error", err)
		}
	}()

	_, err = s.FetchAccountInfo(ctx, fed.ID)
	wg.Wait()
	return err
}
