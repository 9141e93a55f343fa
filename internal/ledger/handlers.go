package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trovecart/wallet-engine/internal/logging"
	"github.com/trovecart/wallet-engine/internal/money"
	"github.com/trovecart/wallet-engine/internal/validation"
)

// tagUser stamps the wallet owner into the request context so the
// request-completion log line carries it.
func tagUser(c *gin.Context, userID string) {
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
}

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/topup-intent", h.TopUp)
	r.POST("/wallet/redeem", h.Redeem)
	r.GET("/wallet/balance/:email/:userId", h.Balance)
	r.GET("/wallet/transactions/:email", h.Transactions)
}

// drawDTO is the wire shape of a redemption hint or applied draw.
type drawDTO struct {
	ExternalReference string `json:"externalReference" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
}

func drawsToDTO(draws []Draw) []drawDTO {
	out := make([]drawDTO, 0, len(draws))
	for _, d := range draws {
		out = append(out, drawDTO{
			ExternalReference: d.PaymentRef,
			Amount:            money.Format(d.Amount),
		})
	}
	return out
}

// TopUpRequest for POST /wallet/topup-intent
type TopUpRequest struct {
	Amount    string `json:"amount" binding:"required"`
	UserEmail string `json:"userEmail" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

// TopUp handles POST /wallet/topup-intent
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEmail(req.UserEmail) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "userEmail must be a valid email address",
		})
		return
	}
	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	tagUser(c, req.UserID)
	result, err := h.service.TopUp(c.Request.Context(), req.UserID, req.UserEmail, amount)
	if err != nil {
		h.writeError(c, err, "topup_error", "Failed to open top-up")
		return
	}

	c.JSON(http.StatusCreated, result)
}

// RedeemRequest for POST /wallet/redeem
type RedeemRequest struct {
	Amount    string    `json:"amount" binding:"required"`
	UserEmail string    `json:"userEmail" binding:"required"`
	UserID    string    `json:"userId" binding:"required"`
	Hints     []drawDTO `json:"hints" binding:"required,min=1"`
}

// Redeem handles POST /wallet/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, ok := money.ParsePositive(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}
	hints := make([]Draw, 0, len(req.Hints))
	for _, dto := range req.Hints {
		hintAmount, ok := money.ParsePositive(dto.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Hint amounts must be positive decimal numbers",
			})
			return
		}
		hints = append(hints, Draw{PaymentRef: dto.ExternalReference, Amount: hintAmount})
	}

	tagUser(c, req.UserID)
	balance, draws, err := h.service.Redeem(c.Request.Context(), req.UserID, req.UserEmail, amount, hints)
	if err != nil {
		h.writeError(c, err, "redeem_error", "Failed to redeem wallet funds")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"updatedBalance": money.Format(balance),
		"draws":          drawsToDTO(draws),
	})
}

// Balance handles GET /wallet/balance/:email/:userId
func (h *Handler) Balance(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	tagUser(c, userID)
	balance, entries, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err, "balance_error", "Failed to retrieve balance")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": money.Format(balance),
		"entries": entries,
	})
}

// Transactions handles GET /wallet/transactions/:email
func (h *Handler) Transactions(c *gin.Context) {
	email := c.Param("email")
	if !validation.IsValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "A valid email address is required",
		})
		return
	}

	entries, err := h.service.Transactions(c.Request.Context(), email)
	if err != nil {
		h.writeError(c, err, "transactions_error", "Failed to retrieve transactions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error, fallbackCode, fallbackMsg string) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingIdentity):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "entry_not_found",
			"message": "No matching credit entry",
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Redemption exceeds available balance",
		})
	case errors.Is(err, ErrConsistency):
		h.logger.Error("ledger consistency violation", "error", err)
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
