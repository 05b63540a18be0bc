package omni

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/mbd888/ecashwallet/internal/bridge"
)

const (
	schemeBitcoin   = "bitcoin:"
	schemeLightning = "lightning:"
	schemeLnurlp    = "lnurlp://"
	lnurlHRP        = "lnurl"
)

// bolt11 human-readable prefixes for mainnet, testnet, signet, regtest and
// simnet. lnbcrt and lntbs are covered by their shorter siblings.
var invoicePrefixes = []string{"lnbc", "lntb", "lnsb"}

// NetParams maps a federation's network name to chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("omni: unknown network %q", network)
}

// Parse classifies raw payment input without touching the network. LNURL
// input comes back with only Lnurl and Domain set; a Resolver fills in the
// pay parameters.
func Parse(raw string, params *chaincfg.Params) (Input, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Input{}, ErrUnrecognizedInput
	}
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, schemeBitcoin):
		return parseBip21(s[len(schemeBitcoin):], params)
	case strings.HasPrefix(lower, schemeLightning):
		s = s[len(schemeLightning):]
		lower = lower[len(schemeLightning):]
	}

	if isInvoice(lower) {
		return Input{Type: InputBolt11, Invoice: lower}, nil
	}
	if endpoint, err := lnurlEndpoint(s); err == nil {
		u, _ := url.Parse(endpoint)
		return Input{Type: InputLnurlPay, Lnurl: &bridge.LnurlPayData{Lnurl: s, Domain: u.Hostname()}}, nil
	}
	if addr, err := decodeAddress(s, params); err == nil {
		return Input{Type: InputAddress, Address: addr}, nil
	} else if errors.Is(err, ErrWrongNetwork) {
		return Input{}, err
	}
	return Input{}, ErrUnrecognizedInput
}

func isInvoice(lower string) bool {
	for _, p := range invoicePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func decodeAddress(s string, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.DecodeAddress(s, params)
	if err != nil {
		return "", ErrUnrecognizedInput
	}
	if !addr.IsForNet(params) {
		return "", ErrWrongNetwork
	}
	return addr.EncodeAddress(), nil
}

func parseBip21(rest string, params *chaincfg.Params) (Input, error) {
	addrPart, query, _ := strings.Cut(rest, "?")
	addr, err := decodeAddress(addrPart, params)
	if err != nil {
		return Input{}, err
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Input{}, fmt.Errorf("omni: bip21 query: %w", err)
	}

	b := &Bip21{
		Address: addr,
		Label:   values.Get("label"),
		Message: values.Get("message"),
	}
	if a := values.Get("amount"); a != "" {
		btc, err := strconv.ParseFloat(a, 64)
		if err != nil || btc < 0 {
			return Input{}, fmt.Errorf("omni: bip21 amount %q: %w", a, ErrInvalidAmount)
		}
		b.Amount = &btc
	}
	return Input{Type: InputBip21, Bip21: b}, nil
}

// lnurlEndpoint returns the https URL behind a bech32 LNURL, an lnurlp://
// link or a lightning address.
func lnurlEndpoint(s string) (string, error) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, lnurlHRP+"1"):
		hrp, data, err := bech32.DecodeNoLimit(lower)
		if err != nil {
			return "", err
		}
		if hrp != lnurlHRP {
			return "", fmt.Errorf("omni: unexpected lnurl hrp %q", hrp)
		}
		raw, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", err
		}
		return checkEndpoint(string(raw))
	case strings.HasPrefix(lower, schemeLnurlp):
		return checkEndpoint("https://" + s[len(schemeLnurlp):])
	}

	user, domain, ok := strings.Cut(s, "@")
	if !ok || user == "" || domain == "" || strings.ContainsAny(user, "/?#:") || strings.ContainsAny(domain, "/?#@") {
		return "", ErrUnrecognizedInput
	}
	return checkEndpoint("https://" + strings.ToLower(domain) + "/.well-known/lnurlp/" + strings.ToLower(user))
}

func checkEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", ErrUnrecognizedInput
	}
	return u.String(), nil
}
