// Package amount provides shared conversions between millisatoshi, satoshi
// and fiat representations, and basis-point / parts-per-billion fractions.
//
// Bitcoin amounts are integers in their smallest unit. Fiat amounts are
// float64 because fee conversions produce fractional cents, and every
// caller rounds explicitly with RoundTo where the displayed value matters.
package amount

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

// MSats is an amount in millisatoshis.
type MSats int64

// Sats is an amount in satoshis.
type Sats int64

// UsdCents is a USD amount in cents. It may be fractional.
type UsdCents float64

// Usd is a USD amount in dollars.
type Usd float64

// BasisPoints is an integer fraction where 10000 = 100%.
type BasisPoints int

// PartsPerBillion is an integer fee rate where 1e9 = 100%.
type PartsPerBillion int64

const (
	MsatsPerSat   = 1000
	SatsPerBtc    = 100_000_000
	CentsPerUnit  = 100
	MaxBps        = 10_000
	PpbDenom      = 1_000_000_000
	SecondsInYear = 365 * 24 * 60 * 60
)

var ErrInvalidAmount = errors.New("amount: invalid amount")

// MsatToSat truncates to whole satoshis.
func MsatToSat(m MSats) Sats {
	return Sats(int64(m) / MsatsPerSat)
}

// SatToMsat converts satoshis to millisatoshis.
func SatToMsat(s Sats) MSats {
	return MSats(int64(s) * MsatsPerSat)
}

// MsatToFiat converts msats to a fiat amount using a BTC price in that fiat.
func MsatToFiat(m MSats, btcRate float64) float64 {
	return float64(m) / MsatsPerSat / SatsPerBtc * btcRate
}

// MsatToCents converts msats to USD cents using the BTC/USD rate.
func MsatToCents(m MSats, btcUsdRate float64) UsdCents {
	return UsdCents(MsatToFiat(m, btcUsdRate) * CentsPerUnit)
}

// FiatToMsat converts a fiat amount to msats, rounded to the nearest msat.
// A zero rate yields zero.
func FiatToMsat(fiat float64, btcRate float64) MSats {
	if btcRate == 0 {
		return 0
	}
	return MSats(math.Round(fiat / btcRate * SatsPerBtc * MsatsPerSat))
}

// FiatToSat converts a fiat amount to sats, rounded to the nearest sat.
func FiatToSat(fiat float64, btcRate float64) Sats {
	if btcRate == 0 {
		return 0
	}
	return Sats(math.Round(fiat / btcRate * SatsPerBtc))
}

// BtcToSat converts a BTC-denominated float (as found in BIP21 URIs) to sats.
func BtcToSat(btc float64) (Sats, error) {
	a, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if a < 0 {
		return 0, fmt.Errorf("%w: negative btc amount", ErrInvalidAmount)
	}
	return Sats(a), nil
}

// SatToBtc formats sats as a BTC float.
func SatToBtc(s Sats) float64 {
	return btcutil.Amount(s).ToBTC()
}

// FormatSats renders a sat amount for display ("12345 Satoshi").
func FormatSats(s Sats) string {
	return btcutil.Amount(s).Format(btcutil.AmountSatoshi)
}

// ConvertCentsToOtherFiat converts USD cents into another fiat currency
// through the BTC price in both currencies. It is the single conversion path
// used for every non-USD display amount.
func ConvertCentsToOtherFiat(cents UsdCents, btcUsdRate, btcOtherRate float64) float64 {
	if btcUsdRate == 0 {
		return 0
	}
	btc := float64(cents) / CentsPerUnit / btcUsdRate
	return btc * btcOtherRate
}

// BpsFraction converts basis points to a decimal fraction rounded to 4 places.
func BpsFraction(bps BasisPoints) float64 {
	return RoundTo(float64(bps)/MaxBps, 4)
}

// PpbFraction converts parts-per-billion to a decimal fraction rounded to 9 places.
func PpbFraction(ppb PartsPerBillion) float64 {
	return RoundTo(float64(ppb)/PpbDenom, 9)
}

// RoundTo rounds x to the given number of decimal places, half away from zero.
func RoundTo(x float64, places int) float64 {
	if places <= 0 {
		return math.Round(x)
	}
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// Min returns the smaller of two msat amounts.
func Min(a, b MSats) MSats {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two msat amounts.
func Max(a, b MSats) MSats {
	if a > b {
		return a
	}
	return b
}
