// Package wallet keeps per-federation stability-pool state.
//
// State is keyed by federation id and replaced wholesale whenever a fetch
// from the bridge completes. Reading an unknown federation yields the
// default (empty) state without an error.
package wallet

import (
	"context"
	"sync"

	"github.com/mbd888/ecashwallet/internal/bridge"
)

// State is the wallet state of one federation.
type State struct {
	AccountInfo     *bridge.AccountInfo `json:"stabilityPoolAccountInfo"`
	CycleStartPrice *float64            `json:"cycleStartPrice"`
}

// Bridge is the subset of bridge calls the wallet needs.
type Bridge interface {
	StabilityPoolAccountInfo(ctx context.Context, federationID string, forceUpdate bool) (*bridge.AccountInfo, error)
	StabilityPoolCycleStartPrice(ctx context.Context, federationID string) (int64, error)
}

// ActiveFederation reports the currently selected federation.
type ActiveFederation interface {
	Active() (*bridge.Federation, error)
}

// RateFetcher refreshes exchange rates.
type RateFetcher interface {
	Fetch(ctx context.Context) error
}

// Store holds State by federation id.
type Store struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{states: make(map[string]*State)}
}

// Get returns a copy of the federation's state. An unknown federation is
// created with defaults.
func (s *Store) Get(federationID string) State {
	s.mu.RLock()
	st, ok := s.states[federationID]
	if ok {
		out := cloneState(st)
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st = s.stateLocked(federationID)
	return cloneState(st)
}

// SetAccountInfo replaces the federation's account info.
func (s *Store) SetAccountInfo(federationID string, info *bridge.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(federationID).AccountInfo = cloneAccountInfo(info)
}

// SetCycleStartPrice replaces the federation's cycle start price in dollars.
func (s *Store) SetCycleStartPrice(federationID string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(federationID).CycleStartPrice = &price
}

// ResetFederation restores one federation to defaults.
func (s *Store) ResetFederation(federationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[federationID] = &State{}
}

// Reset forgets every federation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]*State)
}

func (s *Store) stateLocked(federationID string) *State {
	st, ok := s.states[federationID]
	if !ok {
		st = &State{}
		s.states[federationID] = st
	}
	return st
}

func cloneState(st *State) State {
	out := State{AccountInfo: cloneAccountInfo(st.AccountInfo)}
	if st.CycleStartPrice != nil {
		p := *st.CycleStartPrice
		out.CycleStartPrice = &p
	}
	return out
}

func cloneAccountInfo(info *bridge.AccountInfo) *bridge.AccountInfo {
	if info == nil {
		return nil
	}
	cp := *info
	cp.StagedSeeks = append(cp.StagedSeeks[:0:0], info.StagedSeeks...)
	cp.LockedSeeks = append(cp.LockedSeeks[:0:0], info.LockedSeeks...)
	if info.StagedCancellation != nil {
		bps := *info.StagedCancellation
		cp.StagedCancellation = &bps
	}
	return &cp
}
