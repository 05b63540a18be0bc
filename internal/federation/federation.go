// Package federation tracks the federations the wallet has joined and which
// one is active.
//
// The bridge is the source of truth. The store is seeded from
// ListFederations and kept current by federation and balance events.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
)

var (
	ErrFederationNotFound = errors.New("federation not found")
	ErrNoActiveFederation = errors.New("No active federation") //nolint:staticcheck // shown to users verbatim
)

// Lister is the bridge call used to seed the store.
type Lister interface {
	ListFederations(ctx context.Context) ([]bridge.Federation, error)
}

// Store holds joined federations and the active federation id.
type Store struct {
	mu       sync.RWMutex
	feds     map[string]*bridge.Federation
	activeID string
	onRemove []func(id string)
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		feds:   make(map[string]*bridge.Federation),
		logger: logger,
	}
}

// OnRemove registers fn to run after a federation leaves the store, either
// through Remove or because Sync no longer lists it. fn runs without the
// store lock held.
func (s *Store) OnRemove(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// Sync replaces the store contents with the bridge's federation list. The
// active federation is kept if it is still joined; otherwise the first
// federation by id becomes active.
func (s *Store) Sync(ctx context.Context, lister Lister) error {
	feds, err := lister.ListFederations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next := make(map[string]*bridge.Federation, len(feds))
	for i := range feds {
		f := cloneFederation(&feds[i])
		next[f.ID] = f
	}
	var removed []string
	for id := range s.feds {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	s.feds = next
	if _, ok := s.feds[s.activeID]; !ok {
		s.activeID = ""
		if ids := s.sortedIDsLocked(); len(ids) > 0 {
			s.activeID = ids[0]
		}
	}
	hooks := s.onRemove
	s.logger.Info("federations synced", "count", len(s.feds), "removed", len(removed), "active", s.activeID)
	s.mu.Unlock()

	for _, id := range removed {
		notify(hooks, id)
	}
	return nil
}

// Upsert adds or replaces a federation.
func (s *Store) Upsert(f bridge.Federation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feds[f.ID] = cloneFederation(&f)
}

// Remove forgets a federation. Removing the active one clears the selection.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	_, existed := s.feds[id]
	delete(s.feds, id)
	if s.activeID == id {
		s.activeID = ""
	}
	hooks := s.onRemove
	s.mu.Unlock()

	if existed {
		notify(hooks, id)
	}
}

func notify(hooks []func(id string), id string) {
	for _, fn := range hooks {
		fn(id)
	}
}

// SetBalance updates a federation's e-cash balance.
func (s *Store) SetBalance(id string, balance amount.MSats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feds[id]
	if !ok {
		return ErrFederationNotFound
	}
	f.Balance = balance
	return nil
}

// Get returns a copy of a federation.
func (s *Store) Get(id string) (*bridge.Federation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feds[id]
	if !ok {
		return nil, ErrFederationNotFound
	}
	return cloneFederation(f), nil
}

// List returns every federation ordered by id.
func (s *Store) List() []*bridge.Federation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedIDsLocked()
	out := make([]*bridge.Federation, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneFederation(s.feds[id]))
	}
	return out
}

// SetActive selects the active federation. An empty id clears it.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.feds[id]; !ok {
			return ErrFederationNotFound
		}
	}
	s.activeID = id
	return nil
}

// ActiveID returns the active federation id, or "" when none is selected.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active returns a copy of the active federation.
func (s *Store) Active() (*bridge.Federation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == "" {
		return nil, ErrNoActiveFederation
	}
	f, ok := s.feds[s.activeID]
	if !ok {
		return nil, ErrNoActiveFederation
	}
	return cloneFederation(f), nil
}

// Resolve returns the federation named by id, or the active one when id is
// empty.
func (s *Store) Resolve(id string) (*bridge.Federation, error) {
	if id == "" {
		return s.Active()
	}
	return s.Get(id)
}

// Apply folds a bridge event into the store. Unrelated events are ignored.
func (s *Store) Apply(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventFederation:
		f, err := ev.Federation()
		if err != nil {
			s.logger.Warn("bad federation event", "error", err)
			return
		}
		s.Upsert(*f)
	case bridge.EventBalance:
		b, err := ev.Balance()
		if err != nil {
			s.logger.Warn("bad balance event", "error", err)
			return
		}
		if err := s.SetBalance(b.FederationID, b.Balance); err != nil {
			s.logger.Debug("balance for unknown federation", "federation_id", b.FederationID)
		}
	}
}

// Run applies events until ctx is done or the channel closes.
func (s *Store) Run(ctx context.Context, events <-chan bridge.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.feds))
	for id := range s.feds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneFederation(f *bridge.Federation) *bridge.Federation {
	cp := *f
	if f.StabilityPool != nil {
		sp := *f.StabilityPool
		cp.StabilityPool = &sp
	}
	return &cp
}
