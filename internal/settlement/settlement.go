// Package settlement computes how a gross USDC payment is split between the
// creator, the platform and (on refunds) the client.
package settlement

import (
	"errors"
	"fmt"

	"github.com/mbd888/bookingescrow/internal/usdc"
	"github.com/shopspring/decimal"
)

// PaymentType identifies what a payment was for.
type PaymentType string

const (
	ServiceBooking PaymentType = "service_booking"
	CreatorTier    PaymentType = "creator_tier"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	return t == ServiceBooking || t == CreatorTier
}

// Outcome is the monetary result of a terminal booking transition.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

var (
	ErrInvalidAmount      = errors.New("settlement: gross amount must be positive with at most 6 decimals")
	ErrUnknownPaymentType = errors.New("settlement: unknown payment type")
)

// PlatformFeeRate is the platform's share of a service booking.
var PlatformFeeRate = decimal.RequireFromString("0.15")

// creatorRate is 1 - PlatformFeeRate.
var creatorRate = decimal.NewFromInt(1).Sub(PlatformFeeRate)

// shareDecimals is the precision creator shares are rounded down to.
const shareDecimals = 2

// Split is the result of settling one gross amount.
// CreatorShare + PlatformShare + ClientRefund always equals Gross.
type Split struct {
	Outcome       Outcome         `json:"outcome"`
	Gross         decimal.Decimal `json:"gross"`
	CreatorShare  decimal.Decimal `json:"creatorShare"`
	PlatformShare decimal.Decimal `json:"platformShare"`
	ClientRefund  decimal.Decimal `json:"clientRefund"`
}

// Settle splits a released gross amount according to its payment type.
//
//   - creator_tier: the platform keeps 100%
//   - service_booking: the creator receives 85% rounded down to the cent and
//     the platform receives the rest, so the two shares sum to gross exactly
func Settle(gross decimal.Decimal, t PaymentType) (Split, error) {
	if err := checkGross(gross); err != nil {
		return Split{}, err
	}

	switch t {
	case CreatorTier:
		return Split{
			Outcome:       OutcomeRelease,
			Gross:         gross,
			CreatorShare:  decimal.Zero,
			PlatformShare: gross,
			ClientRefund:  decimal.Zero,
		}, nil
	case ServiceBooking:
		creator := gross.Mul(creatorRate).Truncate(shareDecimals)
		return Split{
			Outcome:       OutcomeRelease,
			Gross:         gross,
			CreatorShare:  creator,
			PlatformShare: gross.Sub(creator),
			ClientRefund:  decimal.Zero,
		}, nil
	default:
		return Split{}, fmt.Errorf("%w: %q", ErrUnknownPaymentType, t)
	}
}

// Refund returns the whole gross amount to the client.
func Refund(gross decimal.Decimal) (Split, error) {
	if err := checkGross(gross); err != nil {
		return Split{}, err
	}
	return Split{
		Outcome:       OutcomeRefund,
		Gross:         gross,
		CreatorShare:  decimal.Zero,
		PlatformShare: decimal.Zero,
		ClientRefund:  gross,
	}, nil
}

// For dispatches on outcome for a service booking.
func For(outcome Outcome, gross decimal.Decimal) (Split, error) {
	switch outcome {
	case OutcomeRelease:
		return Settle(gross, ServiceBooking)
	case OutcomeRefund:
		return Refund(gross)
	default:
		return Split{}, fmt.Errorf("settlement: unknown outcome %q", outcome)
	}
}

func checkGross(gross decimal.Decimal) error {
	if !gross.IsPositive() || !usdc.HasValidPrecision(gross) {
		return ErrInvalidAmount
	}
	return nil
}
