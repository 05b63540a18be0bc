// Package omni turns scanned or pasted payment input into a single sendable
// target and pays it through the bridge.
//
// Input is classified into one of four target kinds. A target is only
// replaced by input of the same or a higher send priority, so once an
// invoice has been seen a later bare address cannot redirect the payment.
package omni

import (
	"context"
	"errors"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
)

var (
	//nolint:staticcheck // user-visible text
	ErrNoFederation = errors.New("Must have a federation ID to send")
	//nolint:staticcheck // user-visible text
	ErrNothingToPay = errors.New("Requires invoice, lnurl payment, bip21 payment, or btc address to send")

	ErrUnrecognizedInput = errors.New("omni: unrecognized payment input")
	ErrWrongNetwork      = errors.New("omni: address is for a different network")
	ErrSessionNotFound   = errors.New("omni: session not found")
	ErrInvalidAmount     = errors.New("omni: amount must be positive")
	ErrUnsafeEndpoint    = errors.New("omni: lnurl endpoint not allowed")
	ErrSendInProgress    = errors.New("omni: a payment from this session is in flight")
)

// TargetKind identifies what a Target pays.
type TargetKind string

const (
	TargetUnset   TargetKind = ""
	TargetInvoice TargetKind = "invoice"
	TargetLnurl   TargetKind = "lnurlPay"
	TargetBip21   TargetKind = "bip21"
	TargetAddress TargetKind = "btcAddress"
)

// priority orders target kinds for sending. Higher wins.
func (k TargetKind) priority() int {
	switch k {
	case TargetInvoice:
		return 4
	case TargetLnurl:
		return 3
	case TargetBip21:
		return 2
	case TargetAddress:
		return 1
	default:
		return 0
	}
}

func (k TargetKind) label() string {
	if k == TargetUnset {
		return "none"
	}
	return string(k)
}

// Bip21 is a parsed bitcoin: URI.
type Bip21 struct {
	Address string   `json:"address"`
	Amount  *float64 `json:"amount,omitempty"` // BTC
	Label   string   `json:"label,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Target is the one thing a send will pay. Exactly the field matching Kind
// is set.
type Target struct {
	Kind    TargetKind           `json:"kind"`
	Invoice *bridge.Invoice      `json:"invoice,omitempty"`
	Lnurl   *bridge.LnurlPayData `json:"lnurlPay,omitempty"`
	Bip21   *Bip21               `json:"bip21,omitempty"`
	Address string               `json:"btcAddress,omitempty"`
}

// InputType is the classification of raw input.
type InputType string

const (
	InputBolt11   InputType = "bolt11"
	InputLnurlPay InputType = "lnurlPay"
	InputBip21    InputType = "bip21"
	InputAddress  InputType = "bitcoinAddress"
)

// Input is classified payment input. Invoice holds the undecoded BOLT11
// string; decoding happens against the session's federation.
type Input struct {
	Type    InputType            `json:"type"`
	Invoice string               `json:"invoice,omitempty"`
	Lnurl   *bridge.LnurlPayData `json:"lnurlPay,omitempty"`
	Bip21   *Bip21               `json:"bip21,omitempty"`
	Address string               `json:"address,omitempty"`
}

// Bridge is the subset of the bridge client used to decode and pay.
type Bridge interface {
	DecodeInvoice(ctx context.Context, federationID, invoice string) (*bridge.Invoice, error)
	PayInvoice(ctx context.Context, federationID, invoice string) (*bridge.PayInvoiceResponse, error)
	PreviewPayAddress(ctx context.Context, federationID, address string, sats amount.Sats) (*bridge.FeeDetails, error)
	PayAddress(ctx context.Context, federationID, address string, sats amount.Sats) (*bridge.PayAddressResponse, error)
	LnurlPay(ctx context.Context, federationID string, lnurl *bridge.LnurlPayData, amt amount.MSats) (*bridge.PayInvoiceResponse, error)
}

// Federations resolves a federation id, or the active one when empty.
type Federations interface {
	Resolve(id string) (*bridge.Federation, error)
}

// SendResult is the outcome of a successful send. Preimage is set for
// Lightning payments, Txid for on-chain ones.
type SendResult struct {
	Target   TargetKind  `json:"target"`
	Amount   amount.Sats `json:"amountSats"`
	Preimage string      `json:"preimage,omitempty"`
	Txid     string      `json:"txid,omitempty"`
}
