// Package rates keeps the BTC exchange rates used for fiat display.
//
// The price feed quotes BTC/USD and a set of CUR/USD rates. The BTC price in
// the selected display currency is derived from the two.
package rates

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const USD = "USD"

var ErrUnknownCurrency = errors.New("rates: currency not quoted by price feed")

// Rates is a consistent view of the current exchange rates.
type Rates struct {
	BtcUsd    float64   `json:"btcUsd"`
	Currency  string    `json:"currency"`
	BtcRate   float64   `json:"btcRate"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Store holds the latest rates and the selected display currency.
type Store struct {
	mu        sync.RWMutex
	btcUsd    float64
	usdRates  map[string]float64 // CUR -> USD per unit of CUR
	currency  string
	fetchedAt time.Time
}

// NewStore creates a store displaying in currency.
func NewStore(currency string) *Store {
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = USD
	}
	return &Store{
		usdRates: make(map[string]float64),
		currency: currency,
	}
}

// Set replaces the rates. usdRates maps a currency code to its USD value.
func (s *Store) Set(btcUsd float64, usdRates map[string]float64, at time.Time) {
	cp := make(map[string]float64, len(usdRates))
	for k, v := range usdRates {
		cp[strings.ToUpper(k)] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.btcUsd = btcUsd
	s.usdRates = cp
	s.fetchedAt = at
}

// SetCurrency changes the display currency. Only quoted currencies (and
// USD) are accepted once rates have been fetched.
func (s *Store) SetCurrency(code string) error {
	code = strings.ToUpper(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != USD && !s.fetchedAt.IsZero() {
		if _, ok := s.usdRates[code]; !ok {
			return ErrUnknownCurrency
		}
	}
	s.currency = code
	return nil
}

// BtcUsd returns the BTC/USD rate, or 0 before the first fetch.
func (s *Store) BtcUsd() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.btcUsd
}

// Snapshot returns the current rates.
func (s *Store) Snapshot() Rates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Rates{
		BtcUsd:    s.btcUsd,
		Currency:  s.currency,
		BtcRate:   s.btcRateLocked(),
		FetchedAt: s.fetchedAt,
	}
}

// btcRateLocked is the BTC price in the display currency. It is 0 when the
// currency is not quoted, which renders every converted amount as 0.
func (s *Store) btcRateLocked() float64 {
	if s.currency == USD {
		return s.btcUsd
	}
	r, ok := s.usdRates[s.currency]
	if !ok || r <= 0 {
		return 0
	}
	return s.btcUsd / r
}
