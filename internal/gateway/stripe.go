package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe implements Client against the Stripe API using PaymentIntents.
type Stripe struct {
	walletSecret string
	orderSecret  string
}

// NewStripe configures the global Stripe client key and returns a client
// holding the per-flow webhook signing secrets.
func NewStripe(apiKey, walletSecret, orderSecret string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{
		walletSecret: walletSecret,
		orderSecret:  orderSecret,
	}
}

func (s *Stripe) CreateCharge(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*ChargeIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: create charge: %v", ErrUnavailable, err)
	}

	return &ChargeIntent{
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (s *Stripe) ChargeStatus(ctx context.Context, reference string) (Status, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(reference, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return "", ErrChargeNotFound
		}
		return "", fmt.Errorf("%w: get charge %s: %v", ErrUnavailable, reference, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded, nil
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing, nil
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled, nil
	default:
		// requires_payment_method, requires_confirmation, requires_action
		// all mean the charge has not settled.
		return StatusFailed, nil
	}
}

func (s *Stripe) VerifyEvent(payload []byte, sigHeader string, flow Flow) (*Event, error) {
	secret := s.walletSecret
	if flow == FlowOrder {
		secret = s.orderSecret
	}

	ev, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	outcome, ok := mapEventType(string(ev.Type))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", ErrVerification, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: event missing payment intent id", ErrVerification)
	}

	return &Event{
		Reference: pi.ID,
		Outcome:   outcome,
		Type:      string(ev.Type),
	}, nil
}
