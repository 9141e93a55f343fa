package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/trovecart/wallet-engine/internal/idgen"
)

// Fake is an in-memory gateway for tests and local development. Charges
// are created in StatusProcessing; tests drive them forward with
// SetStatus. Events are signed with HMAC-SHA256 over the raw payload
// using the per-flow secret, header format "v1=<hex>".
type Fake struct {
	mu      sync.Mutex
	charges map[string]Status

	walletSecret string
	orderSecret  string

	// CreateErr, if set, is returned from CreateCharge.
	CreateErr error
}

func NewFake(walletSecret, orderSecret string) *Fake {
	return &Fake{
		charges:      make(map[string]Status),
		walletSecret: walletSecret,
		orderSecret:  orderSecret,
	}
}

func (f *Fake) CreateCharge(_ context.Context, amount decimal.Decimal, _ string, _ map[string]string) (*ChargeIntent, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive amount", ErrUnavailable)
	}

	ref := idgen.WithPrefix("pi_fake_")
	f.mu.Lock()
	f.charges[ref] = StatusProcessing
	f.mu.Unlock()

	return &ChargeIntent{Reference: ref, ClientSecret: ref + "_secret"}, nil
}

func (f *Fake) ChargeStatus(_ context.Context, reference string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.charges[reference]
	if !ok {
		return "", ErrChargeNotFound
	}
	return st, nil
}

// SetStatus records or overrides a charge status, registering the
// reference if the charge was created outside the fake.
func (f *Fake) SetStatus(reference string, st Status) {
	f.mu.Lock()
	f.charges[reference] = st
	f.mu.Unlock()
}

type fakeEventPayload struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// SignEvent builds a signed webhook payload for the given flow. Tests
// pass the returned payload and header to the webhook endpoint.
func (f *Fake) SignEvent(eventType, reference string, flow Flow) (payload []byte, sigHeader string) {
	payload, _ = json.Marshal(fakeEventPayload{Type: eventType, Reference: reference})
	return payload, "v1=" + f.sign(payload, flow)
}

func (f *Fake) VerifyEvent(payload []byte, sigHeader string, flow Flow) (*Event, error) {
	want := "v1=" + f.sign(payload, flow)
	if !hmac.Equal([]byte(sigHeader), []byte(want)) {
		return nil, fmt.Errorf("%w: bad signature", ErrVerification)
	}

	var p fakeEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrVerification, err)
	}
	outcome, ok := mapEventType(p.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, p.Type)
	}
	if p.Reference == "" {
		return nil, fmt.Errorf("%w: event missing reference", ErrVerification)
	}

	return &Event{Reference: p.Reference, Outcome: outcome, Type: p.Type}, nil
}

func (f *Fake) sign(payload []byte, flow Flow) string {
	secret := f.walletSecret
	if flow == FlowOrder {
		secret = f.orderSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
