package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/ecashwallet/internal/circuitbreaker"
	"github.com/mbd888/ecashwallet/internal/metrics"
	"github.com/mbd888/ecashwallet/internal/retry"
)

const (
	fetchTimeout   = 10 * time.Second
	maxFeedBytes   = 1 << 20
	btcUsdPair     = "BTC/USD"
	fetchAttempts  = 3
	fetchBaseDelay = 200 * time.Millisecond
)

// feedResponse is the price feed payload:
//
//	{"prices": {"BTC/USD": {"rate": 65000.1, "timestamp": 1700000000},
//	            "EUR/USD": {"rate": 1.08, "timestamp": 1700000000}}}
type feedResponse struct {
	Prices map[string]struct {
		Rate      float64 `json:"rate"`
		Timestamp int64   `json:"timestamp"`
	} `json:"prices"`
}

// Fetcher pulls rates from an HTTP price feed into a Store.
type Fetcher struct {
	url     string
	client  *http.Client
	store   *Store
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewFetcher creates a fetcher for the feed at url.
func NewFetcher(url string, store *Store, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		url:     url,
		client:  &http.Client{Timeout: fetchTimeout},
		store:   store,
		breaker: circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Minute}),
		logger:  logger,
	}
	f.policy = retry.Policy{
		Attempts:  fetchAttempts,
		BaseDelay: fetchBaseDelay,
		MaxDelay:  2 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("price feed fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return f
}

// Unavailable reports whether the feed circuit is open.
func (f *Fetcher) Unavailable() bool {
	return f.breaker.Open()
}

// Fetch refreshes the store from the feed. Client errors are not retried;
// repeated failures open the circuit and fail fast until it recovers.
func (f *Fetcher) Fetch(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.RateFetchesTotal.WithLabelValues(result).Inc()
	}()

	var feed *feedResponse
	err = f.breaker.Do(ctx, f.url, func(ctx context.Context) error {
		return retry.Do(ctx, f.policy, func() error {
			var ferr error
			feed, ferr = f.get(ctx)
			return ferr
		})
	})
	if err != nil {
		return fmt.Errorf("fetch rates: %w", err)
	}

	btc, ok := feed.Prices[btcUsdPair]
	if !ok || btc.Rate <= 0 {
		return fmt.Errorf("fetch rates: feed has no %s quote", btcUsdPair)
	}
	usdRates := make(map[string]float64, len(feed.Prices))
	for pair, p := range feed.Prices {
		base, quote, found := strings.Cut(pair, "/")
		if !found || quote != USD || base == "BTC" {
			continue
		}
		usdRates[base] = p.Rate
	}
	f.store.Set(btc.Rate, usdRates, time.Unix(btc.Timestamp, 0).UTC())
	f.logger.Debug("rates updated", "btc_usd", btc.Rate, "currencies", len(usdRates))
	return nil
}

func (f *Fetcher) get(ctx context.Context) (*feedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("price feed returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("price feed returned %d", resp.StatusCode))
	}

	var feed feedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&feed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode price feed: %w", err))
	}
	return &feed, nil
}
