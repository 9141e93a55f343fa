// Package reconciliation consumes signed gateway webhook events and
// advances credit entries and order payment details. The wallet top-up
// flow and the order prepayment flow arrive on separate endpoints, each
// verified with its own signing secret; the secrets are never
// interchanged.
package reconciliation

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/ledger"
	"github.com/trovecart/wallet-engine/internal/metrics"
	"github.com/trovecart/wallet-engine/internal/orders"
)

// maxEventSize caps webhook bodies well above any real gateway event.
const maxEventSize = 256 * 1024

// sigHeader is the signature header the gateway attaches to events.
const sigHeader = "Stripe-Signature"

// Reconciler verifies gateway events and applies their outcomes.
type Reconciler struct {
	verifier gateway.EventVerifier
	wallet   *ledger.Service
	orders   *orders.Service
	logger   *slog.Logger
}

func New(verifier gateway.EventVerifier, wallet *ledger.Service, orderSvc *orders.Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		wallet:   wallet,
		orders:   orderSvc,
		logger:   logger,
	}
}

// RegisterRoutes sets up the webhook endpoints
func (r *Reconciler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/wallet/gateway-webhook", r.WalletWebhook)
	rg.POST("/order/gateway-webhook", r.OrderWebhook)
}

// WalletWebhook handles POST /wallet/gateway-webhook
func (r *Reconciler) WalletWebhook(c *gin.Context) {
	r.handle(c, gateway.FlowWallet)
}

// OrderWebhook handles POST /order/gateway-webhook
func (r *Reconciler) OrderWebhook(c *gin.Context) {
	r.handle(c, gateway.FlowOrder)
}

// handle reads the raw body, verifies the signature for the flow, and
// applies the event. The body must not be decoded before verification.
func (r *Reconciler) handle(c *gin.Context, flow gateway.Flow) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read event body",
		})
		return
	}
	if len(payload) > maxEventSize {
		metrics.GatewayEventRejectsTotal.WithLabelValues(string(flow)).Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Event body too large",
		})
		return
	}

	event, err := r.verifier.VerifyEvent(payload, c.GetHeader(sigHeader), flow)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupportedEvent) {
			// Verified but not a type we react to.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		metrics.GatewayEventRejectsTotal.WithLabelValues(string(flow)).Inc()
		r.logger.Warn("rejected gateway event", "flow", flow, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "verification_failed",
			"message": "Event signature could not be verified",
		})
		return
	}

	switch flow {
	case gateway.FlowWallet:
		err = r.wallet.ApplyOutcome(c.Request.Context(), event.Reference, event.Outcome)
	case gateway.FlowOrder:
		err = r.orders.ApplyPaymentOutcome(c.Request.Context(), event.Reference, event.Outcome)
	}

	switch {
	case err == nil:
		metrics.GatewayEventsTotal.WithLabelValues(string(flow), string(event.Outcome)).Inc()
	case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, orders.ErrOrderNotFound):
		// The event may belong to an unrelated flow; acknowledge so the
		// gateway stops redelivering.
		metrics.GatewayEventsTotal.WithLabelValues(string(flow), "unknown_reference").Inc()
		r.logger.Info("gateway event for unknown reference",
			"flow", flow, "ref", event.Reference, "outcome", event.Outcome)
	default:
		metrics.GatewayEventsTotal.WithLabelValues(string(flow), "error").Inc()
		r.logger.Error("failed to apply gateway event",
			"flow", flow, "ref", event.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": "Failed to apply event",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
