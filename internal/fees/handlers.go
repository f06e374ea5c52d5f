package fees

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenbay/nftescrow/internal/metrics"
	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/validation"
)

// Handler provides HTTP endpoints for the fee ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new fees handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees", h.ListBalances)
}

// RegisterAdminRoutes sets up owner-only fee routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/fees/withdraw", h.Withdraw)
}

// WithdrawRequest contains the parameters for a fee withdrawal.
type WithdrawRequest struct {
	MediumKind  string `json:"mediumKind" binding:"required"` // "native" or "token"
	TokenRef    string `json:"tokenRef"`
	Destination string `json:"destination" binding:"required"`
}

// ListBalances handles GET /v1/fees
func (h *Handler) ListBalances(c *gin.Context) {
	balances, err := h.service.Balances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// Withdraw handles POST /v1/admin/fees/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "mediumKind and destination are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("destination", req.Destination),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	medium, err := payment.Parse(req.MediumKind, req.TokenRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_medium",
			"message": err.Error(),
		})
		return
	}

	caller := c.GetString("callerAddr")
	amount, err := h.service.Withdraw(c.Request.Context(), caller, medium, validation.SanitizeAddress(req.Destination))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUnauthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrNothingToWithdraw):
			status = http.StatusConflict
			code = "nothing_to_withdraw"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	metrics.FeeWithdrawalsTotal.WithLabelValues(medium.Key()).Inc()
	c.JSON(http.StatusOK, gin.H{
		"medium":    medium.Key(),
		"amount":    amount.String(),
		"recipient": validation.SanitizeAddress(req.Destination),
	})
}
