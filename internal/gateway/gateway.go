// Package gateway abstracts the external payment gateway used to fund
// wallet top-ups and direct card payments. The rest of the application
// talks to the Charger, Verifier, and EventVerifier interfaces; the
// Stripe implementation lives in stripe.go and a deterministic fake for
// tests in fake.go.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Flow identifies which webhook pipeline an event arrived on. Each flow
// has its own signing secret, so a wallet event cannot be replayed
// against the order endpoint or vice versa.
type Flow string

const (
	FlowWallet Flow = "wallet"
	FlowOrder  Flow = "order"
)

// Outcome is the settlement result carried by a gateway event.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
)

// Status is the current state of a charge as reported by the gateway
// on direct lookup (used to verify a payment before refunding it).
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// ChargeIntent is a newly created charge awaiting client-side confirmation.
type ChargeIntent struct {
	// Reference is the gateway's identifier for the charge. It is the
	// correlation key between our records and webhook events.
	Reference    string `json:"reference"`
	ClientSecret string `json:"clientSecret"`
}

// Event is a verified webhook notification.
type Event struct {
	Reference string  `json:"reference"`
	Outcome   Outcome `json:"outcome"`
	Type      string  `json:"type"`
}

var (
	// ErrVerification means the event signature did not check out against
	// the flow's secret. Callers must treat the payload as untrusted and
	// perform no state change.
	ErrVerification = errors.New("gateway: event verification failed")

	// ErrChargeNotFound means the gateway has no record of the reference.
	ErrChargeNotFound = errors.New("gateway: charge not found")

	// ErrUnsupportedEvent means the event verified but is not a type this
	// service reacts to.
	ErrUnsupportedEvent = errors.New("gateway: unsupported event type")

	// ErrUnavailable wraps transport-level failures talking to the gateway.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// Charger creates charges on the gateway.
type Charger interface {
	// CreateCharge opens a charge for the given amount (major units,
	// scale 2) and returns its reference and client secret.
	CreateCharge(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*ChargeIntent, error)
}

// Verifier looks up the live status of a charge. Refund paths call this
// before moving any money so a forged or failed reference never pays out.
type Verifier interface {
	ChargeStatus(ctx context.Context, reference string) (Status, error)
}

// EventVerifier authenticates and decodes a raw webhook payload.
type EventVerifier interface {
	VerifyEvent(payload []byte, sigHeader string, flow Flow) (*Event, error)
}

// Client bundles the three gateway capabilities.
type Client interface {
	Charger
	Verifier
	EventVerifier
}

// toMinorUnits converts a scale-2 decimal amount to the gateway's
// integer minor units (e.g. 12.34 -> 1234).
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

// mapEventType translates a gateway event type to a settlement outcome.
func mapEventType(eventType string) (Outcome, bool) {
	switch eventType {
	case "payment_intent.succeeded":
		return OutcomeSucceeded, true
	case "payment_intent.payment_failed":
		return OutcomeFailed, true
	case "payment_intent.processing":
		return OutcomeProcessing, true
	default:
		return "", false
	}
}
