package omni

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/metrics"
	"github.com/mbd888/ecashwallet/internal/traces"
)

// State holds the payment being assembled for one federation.
type State struct {
	mu           sync.Mutex
	federationID string
	bridge       Bridge
	target       Target
	inputAmount  amount.Sats
	feeDetails   *bridge.FeeDetails
	logger       *slog.Logger
}

// NewState creates an empty payment state. federationID may be empty; such
// a state accepts on-chain input but cannot decode invoices or send.
func NewState(federationID string, b Bridge, logger *slog.Logger) *State {
	return &State{
		federationID: federationID,
		bridge:       b,
		logger:       logger,
	}
}

// FederationID returns the federation payments are sent from.
func (s *State) FederationID() string {
	return s.federationID
}

// HandleInput applies classified input. Input whose target kind has a lower
// send priority than the current target is ignored.
func (s *State) HandleInput(ctx context.Context, in Input) error {
	var (
		next      Target
		prefill   *amount.Sats
		fees      *bridge.FeeDetails
		previewTo string
	)

	switch in.Type {
	case InputBolt11:
		if s.federationID == "" {
			return ErrNoFederation
		}
		inv, err := s.bridge.DecodeInvoice(ctx, s.federationID, in.Invoice)
		if err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		next = Target{Kind: TargetInvoice, Invoice: inv}
		if inv.Amount != 0 {
			sats := amount.MsatToSat(inv.Amount)
			prefill = &sats
		}
		fees = inv.Fee

	case InputLnurlPay:
		if in.Lnurl == nil {
			return ErrUnrecognizedInput
		}
		lnurl := *in.Lnurl
		next = Target{Kind: TargetLnurl, Lnurl: &lnurl}
		if lnurl.MinSendable != 0 {
			sats := amount.MsatToSat(lnurl.MinSendable)
			prefill = &sats
		}

	case InputBip21:
		if in.Bip21 == nil || in.Bip21.Address == "" {
			return ErrUnrecognizedInput
		}
		b := *in.Bip21
		next = Target{Kind: TargetBip21, Bip21: &b}
		if b.Amount != nil && *b.Amount > 0 && s.federationID != "" {
			sats, err := amount.BtcToSat(*b.Amount)
			if err != nil {
				return err
			}
			prefill = &sats
			previewTo = b.Address
		}

	case InputAddress:
		if in.Address == "" {
			return ErrUnrecognizedInput
		}
		next = Target{Kind: TargetAddress, Address: in.Address}

	default:
		return ErrUnrecognizedInput
	}

	s.mu.Lock()
	if next.Kind.priority() < s.target.Kind.priority() {
		current := s.target.Kind
		s.mu.Unlock()
		s.logger.Debug("ignoring lower priority payment input", "current", current, "input", next.Kind)
		return nil
	}
	s.target = next
	s.feeDetails = fees
	if prefill != nil {
		s.inputAmount = *prefill
	}
	s.mu.Unlock()

	if previewTo != "" {
		s.previewFees(ctx, previewTo, *prefill)
	}
	return nil
}

// previewFees estimates the on-chain fee once the amount is known. A failed
// estimate clears any previous one.
func (s *State) previewFees(ctx context.Context, address string, sats amount.Sats) {
	fees, err := s.bridge.PreviewPayAddress(ctx, s.federationID, address, sats)
	if err != nil {
		s.logger.Warn("fee preview failed", "federation_id", s.federationID, "error", err)
		fees = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target.Kind == TargetBip21 && s.target.Bip21.Address == address {
		s.feeDetails = fees
	}
}

// SetInputAmount sets the amount the user intends to send.
func (s *State) SetInputAmount(sats amount.Sats) error {
	if sats < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputAmount = sats
	return nil
}

// InputAmount returns the amount the user intends to send.
func (s *State) InputAmount() amount.Sats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputAmount
}

// Target returns a copy of the current target.
func (s *State) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// FeeDetails returns the fees of the current target, if known.
func (s *State) FeeDetails() *bridge.FeeDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feeDetails == nil {
		return nil
	}
	f := *s.feeDetails
	return &f
}

// ReadyToPay reports whether any target has been set.
func (s *State) ReadyToPay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.Kind != TargetUnset
}

// Reset clears the target and fee details and zeroes the input amount.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = Target{}
	s.feeDetails = nil
	s.inputAmount = 0
}

// Send pays the current target. sats is used for targets without a fixed
// amount and ignored for invoices.
func (s *State) Send(ctx context.Context, sats amount.Sats) (res *SendResult, err error) {
	target := s.Target()
	ctx, span := traces.StartSpan(ctx, "omni.Send",
		traces.FederationID(s.federationID),
		traces.PaymentTarget(target.Kind.label()),
	)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.OmniSendsTotal.WithLabelValues(target.Kind.label(), result).Inc()
		traces.End(span, err)
	}()

	if s.federationID == "" {
		return nil, ErrNoFederation
	}

	switch target.Kind {
	case TargetInvoice:
		resp, err := s.bridge.PayInvoice(ctx, s.federationID, target.Invoice.Invoice)
		if err != nil {
			return nil, fmt.Errorf("pay invoice: %w", err)
		}
		return &SendResult{Target: target.Kind, Amount: amount.MsatToSat(target.Invoice.Amount), Preimage: resp.Preimage}, nil

	case TargetLnurl:
		if sats <= 0 {
			return nil, ErrInvalidAmount
		}
		resp, err := s.bridge.LnurlPay(ctx, s.federationID, target.Lnurl, amount.SatToMsat(sats))
		if err != nil {
			return nil, fmt.Errorf("lnurl pay: %w", err)
		}
		return &SendResult{Target: target.Kind, Amount: sats, Preimage: resp.Preimage}, nil

	case TargetBip21, TargetAddress:
		address := target.Address
		if target.Kind == TargetBip21 {
			address = target.Bip21.Address
		}
		if sats <= 0 {
			return nil, ErrInvalidAmount
		}
		resp, err := s.bridge.PayAddress(ctx, s.federationID, address, sats)
		if err != nil {
			return nil, fmt.Errorf("pay address: %w", err)
		}
		s.logger.Info("on-chain payment sent", "federation_id", s.federationID, "txid", resp.Txid, "sats", sats)
		return &SendResult{Target: target.Kind, Amount: sats, Txid: resp.Txid}, nil
	}
	return nil, ErrNothingToPay
}

// SendForm describes the amount constraints of the current target.
type SendForm struct {
	ExactAmount   *amount.Sats `json:"exactAmount,omitempty"`
	MinimumAmount amount.Sats  `json:"minimumAmount"`
	MaximumAmount amount.Sats  `json:"maximumAmount"`
	Description   string       `json:"description,omitempty"`
	SendTo        string       `json:"sendTo,omitempty"`
}

// SendForm derives the amount bounds for the current target given the
// federation balance.
func (s *State) SendForm(balance amount.MSats) SendForm {
	t := s.Target()
	maxSats := amount.MsatToSat(balance)
	form := SendForm{MaximumAmount: maxSats}

	switch t.Kind {
	case TargetInvoice:
		form.SendTo = t.Invoice.Invoice
		form.Description = t.Invoice.Description
		if t.Invoice.Amount != 0 {
			exact := amount.MsatToSat(t.Invoice.Amount)
			form.ExactAmount = &exact
			form.MinimumAmount = exact
			form.MaximumAmount = exact
		} else {
			form.MinimumAmount = 1
		}
	case TargetLnurl:
		form.SendTo = t.Lnurl.Domain
		form.Description = t.Lnurl.Description
		form.MinimumAmount = amount.MsatToSat(t.Lnurl.MinSendable)
		if m := amount.MsatToSat(t.Lnurl.MaxSendable); m > 0 && m < maxSats {
			form.MaximumAmount = m
		}
	case TargetBip21:
		form.SendTo = t.Bip21.Address
		form.Description = t.Bip21.Message
		if form.Description == "" {
			form.Description = t.Bip21.Label
		}
		form.MinimumAmount = 1
		if t.Bip21.Amount != nil && *t.Bip21.Amount > 0 {
			if exact, err := amount.BtcToSat(*t.Bip21.Amount); err == nil {
				form.ExactAmount = &exact
				form.MinimumAmount = exact
				form.MaximumAmount = exact
			}
		}
	case TargetAddress:
		form.SendTo = t.Address
		form.MinimumAmount = 1
	default:
		form.MaximumAmount = 0
	}
	return form
}
