package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovecart/wallet-engine/internal/config"
	"github.com/trovecart/wallet-engine/internal/gateway"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                "8080",
		Env:                 "development",
		LogLevel:            "error",
		GatewayAPIKey:       "sk_test_123",
		WalletWebhookSecret: "whsec_wallet",
		OrderWebhookSecret:  "whsec_order",
		Currency:            "usd",
		GatewayTimeout:      2 * time.Second,
		GatewayMaxAttempts:  1,
		AllowedOrigins:      []string{"*"},
		RateLimitRPS:        1000,
	}
}

func newTestServer(t *testing.T) (*Server, *gateway.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := gateway.NewFake("whsec_wallet", "whsec_order")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(testConfig(), WithLogger(logger), WithGateway(gw))
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.rateLimiter.Stop()
	})
	return srv, gw
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() has started.
	w = doJSON(t, router, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.ready.Store(true)
	w = doJSON(t, router, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/api", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTopUpWebhookBalanceFlow(t *testing.T) {
	srv, gw := newTestServer(t)
	router := srv.Router()

	// Open a top-up intent.
	w := doJSON(t, router, http.MethodPost, "/wallet/topup-intent", map[string]string{
		"amount":    "75.00",
		"userEmail": "shopper@example.com",
		"userId":    "u1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var topup struct {
		ChargeReference string `json:"chargeReference"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &topup))
	require.NotEmpty(t, topup.ChargeReference)

	// Pending entries contribute nothing to the balance.
	w = doJSON(t, router, http.MethodGet, "/wallet/balance/shopper@example.com/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "0.00", bal.Balance)

	// Deliver the signed settlement event.
	payload, sig := gw.SignEvent("payment_intent.succeeded", topup.ChargeReference, gateway.FlowWallet)
	req := httptest.NewRequest(http.MethodPost, "/wallet/gateway-webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w = doJSON(t, router, http.MethodGet, "/wallet/balance/shopper@example.com/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "75.00", bal.Balance)

	// Redeem part of it.
	w = doJSON(t, router, http.MethodPost, "/wallet/redeem", map[string]any{
		"amount":    "30.00",
		"userEmail": "shopper@example.com",
		"userId":    "u1",
		"hints": []map[string]string{
			{"externalReference": topup.ChargeReference, "amount": "75.00"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var redeem struct {
		UpdatedBalance string `json:"updatedBalance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &redeem))
	assert.Equal(t, "45.00", redeem.UpdatedBalance)
}

func TestWebhookRejectsWrongFlowSecret(t *testing.T) {
	srv, gw := newTestServer(t)
	router := srv.Router()

	payload, sig := gw.SignEvent("payment_intent.succeeded", "pi_unknown", gateway.FlowOrder)
	req := httptest.NewRequest(http.MethodPost, "/wallet/gateway-webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsufficientFundsIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/wallet/redeem", map[string]any{
		"amount":    "10.00",
		"userEmail": "broke@example.com",
		"userId":    "u2",
		"hints": []map[string]string{
			{"externalReference": "pi_none", "amount": "10.00"},
		},
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wallet_engine")
}

func TestConfigValidationRejectsSharedSecret(t *testing.T) {
	cfg := testConfig()
	cfg.OrderWebhookSecret = cfg.WalletWebhookSecret
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distinct")
}

func TestInfoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv.Router(), http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "memory", info["storage"])
	assert.Equal(t, "usd", info["currency"])
}
