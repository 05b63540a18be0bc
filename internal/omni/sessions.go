package omni

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/federation"
	"github.com/mbd888/ecashwallet/internal/idgen"
)

// DefaultSessionTTL bounds how long an untouched session is kept.
const DefaultSessionTTL = 30 * time.Minute

// LnurlResolver completes LNURL-pay input.
type LnurlResolver interface {
	Resolve(ctx context.Context, data *bridge.LnurlPayData) (*bridge.LnurlPayData, error)
}

// View is a serializable snapshot of a session.
type View struct {
	ID           string             `json:"id"`
	FederationID string             `json:"federationId"`
	Target       Target             `json:"target"`
	InputAmount  amount.Sats        `json:"inputAmount"`
	FeeDetails   *bridge.FeeDetails `json:"feeDetails"`
	ReadyToPay   bool               `json:"isReadyToPay"`
	Form         SendForm           `json:"sendForm"`
}

type session struct {
	state   *State
	touched time.Time
	sending bool
}

// Sessions keeps payment states for API clients, keyed by a generated id.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	bridge   Bridge
	feds     Federations
	resolver LnurlResolver
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSessions creates an empty session set.
func NewSessions(b Bridge, feds Federations, resolver LnurlResolver, logger *slog.Logger) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		bridge:   b,
		feds:     feds,
		resolver: resolver,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// WithTTL overrides the idle session lifetime.
func (s *Sessions) WithTTL(ttl time.Duration) *Sessions {
	s.ttl = ttl
	return s
}

// Create starts a session for federationID, or the active federation when
// empty. With no federation at all the session is still created; sends from
// it fail with ErrNoFederation.
func (s *Sessions) Create(federationID string) (string, error) {
	fedID := ""
	fed, err := s.feds.Resolve(federationID)
	switch {
	case err == nil:
		fedID = fed.ID
	case federationID == "" && errors.Is(err, federation.ErrNoActiveFederation):
	default:
		return "", err
	}

	id := idgen.WithPrefix("omni_")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.sessions[id] = &session{
		state:   NewState(fedID, s.bridge, s.logger.With("session_id", id)),
		touched: s.now(),
	}
	return id, nil
}

// Get returns the state of session id.
func (s *Sessions) Get(id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, id)
		return nil, ErrSessionNotFound
	}
	sess.touched = s.now()
	return sess.state, nil
}

// Send pays the session's target. Only one send per session runs at a
// time, and a successful send resets the session so the same target cannot
// be paid twice.
func (s *Sessions) Send(ctx context.Context, id string, sats amount.Sats) (*SendResult, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.sending {
		s.mu.Unlock()
		return nil, ErrSendInProgress
	}
	sess.sending = true
	sess.touched = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		sess.sending = false
		s.mu.Unlock()
	}()

	res, err := sess.state.Send(ctx, sats)
	if err != nil {
		return nil, err
	}
	sess.state.Reset()
	return res, nil
}

// Delete drops session id.
func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Scan classifies raw input against the session federation's network,
// resolves LNURLs and applies the result.
func (s *Sessions) Scan(ctx context.Context, id, raw string) error {
	st, err := s.Get(id)
	if err != nil {
		return err
	}

	network := ""
	if fedID := st.FederationID(); fedID != "" {
		fed, err := s.feds.Resolve(fedID)
		if err != nil {
			return err
		}
		network = fed.Network
	}
	params, err := NetParams(network)
	if err != nil {
		return err
	}

	in, err := Parse(raw, params)
	if err != nil {
		return err
	}
	if in.Type == InputLnurlPay {
		if s.resolver == nil {
			return ErrUnrecognizedInput
		}
		if in.Lnurl, err = s.resolver.Resolve(ctx, in.Lnurl); err != nil {
			return err
		}
	}
	return st.HandleInput(ctx, in)
}

// View snapshots session id, bounding the send form by the federation
// balance.
func (s *Sessions) View(id string) (View, error) {
	st, err := s.Get(id)
	if err != nil {
		return View{}, err
	}
	var balance amount.MSats
	if fedID := st.FederationID(); fedID != "" {
		if fed, err := s.feds.Resolve(fedID); err == nil {
			balance = fed.Balance
		}
	}
	return View{
		ID:           id,
		FederationID: st.FederationID(),
		Target:       st.Target(),
		InputAmount:  st.InputAmount(),
		FeeDetails:   st.FeeDetails(),
		ReadyToPay:   st.ReadyToPay(),
		Form:         st.SendForm(balance),
	}, nil
}

func (s *Sessions) expiredLocked(sess *session) bool {
	return s.ttl > 0 && s.now().Sub(sess.touched) > s.ttl
}

func (s *Sessions) pruneLocked() {
	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			delete(s.sessions, id)
		}
	}
}
