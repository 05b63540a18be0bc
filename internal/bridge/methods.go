package bridge

import (
	"context"

	"github.com/mbd888/ecashwallet/internal/amount"
)

// Bridge method names.
const (
	MethodListFederations              = "listFederations"
	MethodStabilityPoolAccountInfo     = "stabilityPoolAccountInfo"
	MethodStabilityPoolCycleStartPrice = "stabilityPoolCycleStartPrice"
	MethodStabilityPoolNextCycleStart  = "stabilityPoolNextCycleStartTime"
	MethodStabilityPoolDepositToSeek   = "stabilityPoolDepositToSeek"
	MethodStabilityPoolWithdraw        = "stabilityPoolWithdraw"
	MethodStabilityPoolAverageFeeRate  = "stabilityPoolAverageFeeRate"
	MethodStabilityPoolAvailableLiquid = "stabilityPoolAvailableLiquidity"
	MethodDecodeInvoice                = "decodeInvoice"
	MethodPayInvoice                   = "payInvoice"
	MethodPreviewPayAddress            = "previewPayAddress"
	MethodPayAddress                   = "payAddress"
	MethodLnurlPay                     = "lnurlPay"
	MethodMatrixSearchUserDirectory    = "matrixSearchUserDirectory"
	MethodMatrixPaymentCancel          = "matrixCancelPayment"
	MethodMatrixPaymentAccept          = "matrixAcceptPayment"
	MethodMatrixPaymentReject          = "matrixRejectPayment"
	MethodMatrixPaymentRequestCancel   = "matrixCancelPaymentRequest"
)

type federationPayload struct {
	FederationID string `json:"federationId"`
}

// ListFederations returns every joined federation.
func (c *Client) ListFederations(ctx context.Context) ([]Federation, error) {
	var feds []Federation
	if err := c.call(ctx, MethodListFederations, struct{}{}, &feds); err != nil {
		return nil, err
	}
	return feds, nil
}

// StabilityPoolAccountInfo fetches the account snapshot. forceUpdate asks the
// bridge to query the federation instead of serving its cache.
func (c *Client) StabilityPoolAccountInfo(ctx context.Context, federationID string, forceUpdate bool) (*AccountInfo, error) {
	payload := struct {
		FederationID string `json:"federationId"`
		ForceUpdate  bool   `json:"forceUpdate"`
	}{federationID, forceUpdate}
	var info AccountInfo
	if err := c.call(ctx, MethodStabilityPoolAccountInfo, payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StabilityPoolCycleStartPrice returns the BTC/USD price, in cents, fixed at
// the start of the current cycle.
func (c *Client) StabilityPoolCycleStartPrice(ctx context.Context, federationID string) (int64, error) {
	var cents int64
	if err := c.call(ctx, MethodStabilityPoolCycleStartPrice, federationPayload{federationID}, &cents); err != nil {
		return 0, err
	}
	return cents, nil
}

// StabilityPoolNextCycleStartTime returns the unix time of the next cycle.
func (c *Client) StabilityPoolNextCycleStartTime(ctx context.Context, federationID string) (int64, error) {
	var ts int64
	if err := c.call(ctx, MethodStabilityPoolNextCycleStart, federationPayload{federationID}, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// StabilityPoolDepositToSeek submits a deposit and returns its operation id.
func (c *Client) StabilityPoolDepositToSeek(ctx context.Context, federationID string, amt amount.MSats) (string, error) {
	payload := struct {
		FederationID string       `json:"federationId"`
		Amount       amount.MSats `json:"amount"`
	}{federationID, amt}
	var opID string
	if err := c.call(ctx, MethodStabilityPoolDepositToSeek, payload, &opID); err != nil {
		return "", err
	}
	return opID, nil
}

// StabilityPoolWithdraw submits a withdrawal of unlocked msats plus a
// basis-point fraction of locked funds and returns its operation id.
func (c *Client) StabilityPoolWithdraw(ctx context.Context, federationID string, unlocked amount.MSats, lockedBps amount.BasisPoints) (string, error) {
	payload := struct {
		FederationID   string             `json:"federationId"`
		UnlockedAmount amount.MSats       `json:"unlockedAmount"`
		LockedBps      amount.BasisPoints `json:"lockedBps"`
	}{federationID, unlocked, lockedBps}
	var opID string
	if err := c.call(ctx, MethodStabilityPoolWithdraw, payload, &opID); err != nil {
		return "", err
	}
	return opID, nil
}

// StabilityPoolAverageFeeRate returns the average provider fee rate in ppb
// over the last numCycles cycles.
func (c *Client) StabilityPoolAverageFeeRate(ctx context.Context, federationID string, numCycles int) (amount.PartsPerBillion, error) {
	payload := struct {
		FederationID string `json:"federationId"`
		NumCycles    int    `json:"numCycles"`
	}{federationID, numCycles}
	var ppb amount.PartsPerBillion
	if err := c.call(ctx, MethodStabilityPoolAverageFeeRate, payload, &ppb); err != nil {
		return 0, err
	}
	return ppb, nil
}

// StabilityPoolAvailableLiquidity returns the msats providers currently offer.
func (c *Client) StabilityPoolAvailableLiquidity(ctx context.Context, federationID string) (amount.MSats, error) {
	var m amount.MSats
	if err := c.call(ctx, MethodStabilityPoolAvailableLiquid, federationPayload{federationID}, &m); err != nil {
		return 0, err
	}
	return m, nil
}

// DecodeInvoice decodes a BOLT11 invoice in the context of a federation.
func (c *Client) DecodeInvoice(ctx context.Context, federationID, invoice string) (*Invoice, error) {
	payload := struct {
		FederationID string `json:"federationId"`
		Invoice      string `json:"invoice"`
	}{federationID, invoice}
	var inv Invoice
	if err := c.call(ctx, MethodDecodeInvoice, payload, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// PayInvoice pays a BOLT11 invoice.
func (c *Client) PayInvoice(ctx context.Context, federationID, invoice string) (*PayInvoiceResponse, error) {
	payload := struct {
		FederationID string `json:"federationId"`
		Invoice      string `json:"invoice"`
	}{federationID, invoice}
	var res PayInvoiceResponse
	if err := c.call(ctx, MethodPayInvoice, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type addressPayload struct {
	FederationID string      `json:"federationId"`
	Address      string      `json:"address"`
	Sats         amount.Sats `json:"sats"`
}

// PreviewPayAddress estimates the fees of an on-chain payment.
func (c *Client) PreviewPayAddress(ctx context.Context, federationID, address string, sats amount.Sats) (*FeeDetails, error) {
	var fees FeeDetails
	if err := c.call(ctx, MethodPreviewPayAddress, addressPayload{federationID, address, sats}, &fees); err != nil {
		return nil, err
	}
	return &fees, nil
}

// PayAddress sends an on-chain payment.
func (c *Client) PayAddress(ctx context.Context, federationID, address string, sats amount.Sats) (*PayAddressResponse, error) {
	var res PayAddressResponse
	if err := c.call(ctx, MethodPayAddress, addressPayload{federationID, address, sats}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LnurlPay pays an LNURL-pay endpoint.
func (c *Client) LnurlPay(ctx context.Context, federationID string, lnurl *LnurlPayData, amt amount.MSats) (*PayInvoiceResponse, error) {
	payload := struct {
		FederationID string        `json:"federationId"`
		Lnurl        *LnurlPayData `json:"lnurl"`
		AmountMsats  amount.MSats  `json:"amountMsats"`
	}{federationID, lnurl, amt}
	var res PayInvoiceResponse
	if err := c.call(ctx, MethodLnurlPay, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MatrixSearchUserDirectory queries the chat user directory.
func (c *Client) MatrixSearchUserDirectory(ctx context.Context, searchTerm string) (*MatrixSearchResults, error) {
	payload := struct {
		SearchTerm string `json:"searchTerm"`
	}{searchTerm}
	var res MatrixSearchResults
	if err := c.call(ctx, MethodMatrixSearchUserDirectory, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type paymentPayload struct {
	EventID string `json:"eventId"`
}

// MatrixPaymentCancel cancels a sent payment that has not been claimed.
func (c *Client) MatrixPaymentCancel(ctx context.Context, eventID string) error {
	return c.call(ctx, MethodMatrixPaymentCancel, paymentPayload{eventID}, nil)
}

// MatrixPaymentAccept claims a pushed payment or pays a request.
func (c *Client) MatrixPaymentAccept(ctx context.Context, eventID string) error {
	return c.call(ctx, MethodMatrixPaymentAccept, paymentPayload{eventID}, nil)
}

// MatrixPaymentReject rejects a pushed payment or a request.
func (c *Client) MatrixPaymentReject(ctx context.Context, eventID string) error {
	return c.call(ctx, MethodMatrixPaymentReject, paymentPayload{eventID}, nil)
}

// MatrixPaymentRequestCancel withdraws a request the caller made.
func (c *Client) MatrixPaymentRequestCancel(ctx context.Context, eventID string) error {
	return c.call(ctx, MethodMatrixPaymentRequestCancel, paymentPayload{eventID}, nil)
}
