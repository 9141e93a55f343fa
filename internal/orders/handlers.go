package orders

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trovecart/wallet-engine/internal/gateway"
	"github.com/trovecart/wallet-engine/internal/ledger"
	"github.com/trovecart/wallet-engine/internal/logging"
	"github.com/trovecart/wallet-engine/internal/money"
	"github.com/trovecart/wallet-engine/internal/validation"
)

// Handler provides HTTP endpoints for order settlement and cancellation
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// tagUser stamps the order owner into the request context so the
// request-completion log line carries it.
func tagUser(c *gin.Context, userID string) {
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
}

// RegisterRoutes sets up order routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/order/confirm", h.Confirm)
	r.POST("/order/prepaid", h.Prepaid)
	r.POST("/order/cancel", h.Cancel)
	r.GET("/orders/:userId", h.List)
}

type drawDTO struct {
	ExternalReference string `json:"externalReference" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
}

type lineItemDTO struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Price     string `json:"price" binding:"required"`
}

// ConfirmRequest for POST /order/confirm
type ConfirmRequest struct {
	OrderID       string        `json:"orderId" binding:"required"`
	UserID        string        `json:"userId" binding:"required"`
	UserEmail     string        `json:"userEmail" binding:"required"`
	Total         string        `json:"total" binding:"required"`
	PaymentMethod string        `json:"paymentMethod" binding:"required"`
	Draws         []drawDTO     `json:"draws,omitempty"`
	ChargeRef     string        `json:"chargeReference,omitempty"`
	OrderSummary  string        `json:"orderSummary,omitempty"`
	Items         []lineItemDTO `json:"items,omitempty"`
}

func (h *Handler) buildInput(c *gin.Context, req *ConfirmRequest) (ConfirmInput, bool) {
	if !validation.IsValidEmail(req.UserEmail) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "userEmail must be a valid email address",
		})
		return ConfirmInput{}, false
	}
	total, ok := money.ParsePositive(req.Total)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Total must be a positive decimal number",
		})
		return ConfirmInput{}, false
	}

	in := ConfirmInput{
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		UserEmail:     req.UserEmail,
		Total:         total,
		PaymentMethod: PaymentMethod(req.PaymentMethod),
		ChargeRef:     req.ChargeRef,
		OrderSummary:  validation.SanitizeString(req.OrderSummary, 2000),
	}
	for _, d := range req.Draws {
		amount, ok := money.ParsePositive(d.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Draw amounts must be positive decimal numbers",
			})
			return ConfirmInput{}, false
		}
		in.Draws = append(in.Draws, ledger.Draw{PaymentRef: d.ExternalReference, Amount: amount})
	}
	for _, it := range req.Items {
		price, ok := money.Parse(it.Price)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Item prices must be decimal numbers",
			})
			return ConfirmInput{}, false
		}
		in.Items = append(in.Items, LineItem{ProductID: it.ProductID, Quantity: it.Quantity, Price: price})
	}
	return in, true
}

// Confirm handles POST /order/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	in, ok := h.buildInput(c, &req)
	if !ok {
		return
	}

	tagUser(c, in.UserID)
	order, err := h.service.Confirm(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "confirm_error", "Failed to confirm order")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// Prepaid handles POST /order/prepaid
func (h *Handler) Prepaid(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	in, ok := h.buildInput(c, &req)
	if !ok {
		return
	}

	tagUser(c, in.UserID)
	result, err := h.service.Prepaid(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "prepaid_error", "Failed to open prepaid order")
		return
	}

	c.JSON(http.StatusCreated, result)
}

// CancelRequest for POST /order/cancel
type CancelRequest struct {
	OrderID       string `json:"orderId" binding:"required"`
	UserID        string `json:"userId" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	EvidenceImage string `json:"evidenceImage,omitempty"`
}

// Cancel handles POST /order/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tagUser(c, req.UserID)
	order, err := h.service.Cancel(c.Request.Context(), CancelInput{
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		Reason:        validation.SanitizeString(req.Reason, 500),
		EvidenceImage: req.EvidenceImage,
	})
	if err != nil {
		h.writeError(c, err, "cancel_error", "Failed to cancel order")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// List handles GET /orders/:userId
func (h *Handler) List(c *gin.Context) {
	userID := c.Param("userId")
	orders, err := h.service.store.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		h.writeError(c, err, "orders_error", "Failed to list orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// writeError maps service and ledger errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error, fallbackCode, fallbackMsg string) {
	switch {
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrMissingDraws),
		errors.Is(err, ErrMissingCharge),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingIdentity):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ledger.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No matching order or ledger entry",
		})
	case errors.Is(err, ErrNotOrderOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Order belongs to a different user",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Settlement exceeds available balance",
		})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment gateway did not respond",
		})
	case errors.Is(err, ledger.ErrRefundNotVerified):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "gateway_verification_failed",
			"message": "Original charge could not be verified as refundable",
		})
	case errors.Is(err, ledger.ErrConsistency):
		h.logger.Error("ledger consistency violation during settlement", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "consistency_error",
			"message": "Internal ledger inconsistency",
		})
	default:
		h.logger.Error(fallbackMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   fallbackCode,
			"message": fallbackMsg,
		})
	}
}
