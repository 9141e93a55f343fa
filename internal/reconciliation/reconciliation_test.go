package reconciliation

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/ledger"
	"github.com/trovecart/wallet-engine/internal/orders"
	"github.com/trovecart/wallet-engine/internal/syncutil"
)

type fixture struct {
	router      *gin.Engine
	gw          *gateway.Fake
	ledgerStore *ledger.MemoryStore
	orderSvc    *orders.Service
	orderStore  *orders.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := syncutil.NewUserMutex()
	gw := gateway.NewFake("whsec_w", "whsec_o")

	ledgerStore := ledger.NewMemoryStore()
	wallet := ledger.NewService(ledgerStore, gw, locks, logger, ledger.ServiceConfig{})
	orderStore := orders.NewMemoryStore()
	orderSvc := orders.NewService(orderStore, wallet, gw, locks, logger, "usd")

	router := gin.New()
	New(gw, wallet, orderSvc, logger).RegisterRoutes(router.Group("/"))
	return &fixture{
		router:      router,
		gw:          gw,
		ledgerStore: ledgerStore,
		orderSvc:    orderSvc,
		orderStore:  orderStore,
	}
}

func (f *fixture) post(t *testing.T, path string, payload []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seedEntry(t *testing.T, ref string) {
	t.Helper()
	amount := decimal.RequireFromString("50.00")
	err := f.ledgerStore.CreateEntry(context.Background(), &ledger.CreditEntry{
		ID:              "e_" + ref,
		UserID:          "u1",
		UserEmail:       "u1@example.com",
		PaymentRef:      ref,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		Status:          ledger.StatusPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestWalletWebhook_SettlesEntry(t *testing.T) {
	f := newFixture(t)
	f.seedEntry(t, "pi_1")

	payload, sig := f.gw.SignEvent("payment_intent.succeeded", "pi_1", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	entry, err := f.ledgerStore.GetEntryByRef(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, entry.Status)
}

func TestWalletWebhook_FailureOutcome(t *testing.T) {
	f := newFixture(t)
	f.seedEntry(t, "pi_1")

	payload, sig := f.gw.SignEvent("payment_intent.payment_failed", "pi_1", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, sig)
	require.Equal(t, http.StatusOK, w.Code)

	entry, err := f.ledgerStore.GetEntryByRef(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, entry.Status)
}

func TestWalletWebhook_BadSignatureHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	f.seedEntry(t, "pi_1")

	payload, _ := f.gw.SignEvent("payment_intent.succeeded", "pi_1", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, "v1=deadbeef")
	require.Equal(t, http.StatusBadRequest, w.Code)

	entry, err := f.ledgerStore.GetEntryByRef(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, entry.Status, "unverified events must not mutate the ledger")
}

func TestWalletWebhook_OrderSecretRejected(t *testing.T) {
	f := newFixture(t)
	f.seedEntry(t, "pi_1")

	// An event signed with the order flow's secret must not verify on
	// the wallet endpoint.
	payload, sig := f.gw.SignEvent("payment_intent.succeeded", "pi_1", gateway.FlowOrder)
	w := f.post(t, "/wallet/gateway-webhook", payload, sig)
	require.Equal(t, http.StatusBadRequest, w.Code)

	entry, err := f.ledgerStore.GetEntryByRef(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, entry.Status)
}

func TestWalletWebhook_UnknownReferenceAcknowledged(t *testing.T) {
	f := newFixture(t)

	payload, sig := f.gw.SignEvent("payment_intent.succeeded", "pi_other_flow", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, sig)
	assert.Equal(t, http.StatusOK, w.Code, "unknown references are logged and acknowledged")
}

func TestWalletWebhook_UnsupportedEventTypeAcknowledged(t *testing.T) {
	f := newFixture(t)

	payload, sig := f.gw.SignEvent("charge.refunded", "pi_1", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, sig)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWalletWebhook_MissingSignature(t *testing.T) {
	f := newFixture(t)

	payload, _ := f.gw.SignEvent("payment_intent.succeeded", "pi_1", gateway.FlowWallet)
	w := f.post(t, "/wallet/gateway-webhook", payload, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderWebhook_SettlesCardOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orderSvc.Prepaid(ctx, orders.ConfirmInput{
		OrderID:   "o1",
		UserID:    "u1",
		UserEmail: "u1@example.com",
		Total:     decimal.RequireFromString("75.00"),
	})
	require.NoError(t, err)

	payload, sig := f.gw.SignEvent("payment_intent.succeeded", result.ChargeReference, gateway.FlowOrder)
	w := f.post(t, "/order/gateway-webhook", payload, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	order, err := f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, order.Paid)
	assert.Equal(t, orders.PaymentSucceeded, order.PaymentDetails[0].Status)
}

func TestOrderWebhook_WalletSecretRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orderSvc.Prepaid(ctx, orders.ConfirmInput{
		OrderID:   "o1",
		UserID:    "u1",
		UserEmail: "u1@example.com",
		Total:     decimal.RequireFromString("75.00"),
	})
	require.NoError(t, err)

	payload, sig := f.gw.SignEvent("payment_intent.succeeded", result.ChargeReference, gateway.FlowWallet)
	w := f.post(t, "/order/gateway-webhook", payload, sig)
	require.Equal(t, http.StatusBadRequest, w.Code)

	order, err := f.orderStore.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, order.Paid)
}
