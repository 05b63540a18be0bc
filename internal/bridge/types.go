// Package bridge is the typed RPC boundary to the wallet bridge process.
//
// The bridge owns every cryptographic, federation and Matrix operation. This
// package only encodes requests, decodes responses and fans out the bridge's
// event stream; it never interprets amounts.
package bridge

import (
	"github.com/mbd888/ecashwallet/internal/amount"
)

// LockedSeek is a stability-pool deposit that has been locked into a cycle.
type LockedSeek struct {
	CurrCycleBeginningLockedAmount amount.MSats `json:"currCycleBeginningLockedAmount"`
	InitialAmount                  amount.MSats `json:"initialAmount"`
	InitialAmountCents             float64      `json:"initialAmountCents"`
	WithdrawnAmount                amount.MSats `json:"withdrawnAmount"`
	WithdrawnAmountCents           float64      `json:"withdrawnAmountCents"`
	FeesPaidSoFar                  amount.MSats `json:"feesPaidSoFar"`
	FirstLockStartTime             int64        `json:"firstLockStartTime"`
}

// AccountInfo is the bridge's stability-pool snapshot for one federation.
type AccountInfo struct {
	IdleBalance         amount.MSats        `json:"idleBalance"`
	StagedSeeks         []amount.MSats      `json:"stagedSeeks"`
	StagedCancellation  *amount.BasisPoints `json:"stagedCancellation"`
	LockedSeeks         []LockedSeek        `json:"lockedSeeks"`
	Timestamp           int64               `json:"timestamp"`
	IsFetchedFromServer bool                `json:"isFetchedFromServer"`
}

// CancellationBps returns the staged cancellation or zero when none is staged.
func (a *AccountInfo) CancellationBps() amount.BasisPoints {
	if a == nil || a.StagedCancellation == nil {
		return 0
	}
	return *a.StagedCancellation
}

// Duration mirrors the bridge's serialized duration.
type Duration struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

// StabilityPoolConfig is a federation's stability-pool module configuration.
type StabilityPoolConfig struct {
	Kind                        string                 `json:"kind"`
	MinAllowedSeek              amount.MSats           `json:"min_allowed_seek"`
	MaxAllowedProvideFeeRatePpb amount.PartsPerBillion `json:"max_allowed_provide_fee_rate_ppb"`
	MinAllowedCancellationBps   amount.BasisPoints     `json:"min_allowed_cancellation_bps"`
	CycleDuration               Duration               `json:"cycle_duration"`
}

// Federation is a joined federation as reported by the bridge.
type Federation struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Network       string               `json:"network"`
	Balance       amount.MSats         `json:"balance"`
	StabilityPool *StabilityPoolConfig `json:"stabilityPoolConfig"`
}

// FeeDetails breaks down the fees of a payment.
type FeeDetails struct {
	FediFee       amount.MSats `json:"fediFee"`
	NetworkFee    amount.MSats `json:"networkFee"`
	FederationFee amount.MSats `json:"federationFee"`
}

// Total sums every fee component.
func (f *FeeDetails) Total() amount.MSats {
	if f == nil {
		return 0
	}
	return f.FediFee + f.NetworkFee + f.FederationFee
}

// Invoice is a decoded BOLT11 invoice.
type Invoice struct {
	PaymentHash string       `json:"paymentHash"`
	Amount      amount.MSats `json:"amount"`
	Fee         *FeeDetails  `json:"fee"`
	Description string       `json:"description"`
	Invoice     string       `json:"invoice"`
}

// LnurlPayData is a resolved LNURL-pay descriptor.
type LnurlPayData struct {
	Lnurl       string       `json:"lnurl"`
	Domain      string       `json:"domain"`
	Callback    string       `json:"callback"`
	Description string       `json:"description"`
	MinSendable amount.MSats `json:"minSendable"`
	MaxSendable amount.MSats `json:"maxSendable"`
}

// PayInvoiceResponse is returned by Lightning payments.
type PayInvoiceResponse struct {
	Preimage string `json:"preimage"`
}

// PayAddressResponse is returned by on-chain payments.
type PayAddressResponse struct {
	Txid string `json:"txid"`
}

// MatrixUser is a directory entry.
type MatrixUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MatrixSearchResults is the user directory search response.
type MatrixSearchResults struct {
	Results []MatrixUser `json:"results"`
	Limited bool         `json:"limited"`
}

// MatrixPaymentStatus is the status carried by a chat payment event.
type MatrixPaymentStatus string

const (
	PaymentReceived  MatrixPaymentStatus = "received"
	PaymentRejected  MatrixPaymentStatus = "rejected"
	PaymentCanceled  MatrixPaymentStatus = "canceled"
	PaymentPushed    MatrixPaymentStatus = "pushed"
	PaymentAccepted  MatrixPaymentStatus = "accepted"
	PaymentRequested MatrixPaymentStatus = "requested"
)

// MatrixPaymentEvent is a payment message in a chat room.
type MatrixPaymentEvent struct {
	ID       string            `json:"id"`
	RoomID   string            `json:"roomId"`
	SenderID string            `json:"senderId"`
	Content  MatrixPaymentBody `json:"content"`
}

// MatrixPaymentBody is the payment-specific content of a chat event.
type MatrixPaymentBody struct {
	PaymentID    string              `json:"paymentId"`
	Status       MatrixPaymentStatus `json:"status"`
	Amount       amount.MSats        `json:"amount"`
	SenderID     string              `json:"senderId"`
	RecipientID  string              `json:"recipientId"`
	FederationID string              `json:"federationId"`
	InviteCode   string              `json:"inviteCode,omitempty"`
}
