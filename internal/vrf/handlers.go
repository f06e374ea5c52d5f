package vrf

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tokenbay/nftescrow/internal/payment"
)

// Topper funds the randomness subscription on the manager contract.
type Topper interface {
	TopUpSubscription(ctx context.Context, amount *big.Int) error
}

// Handler provides the owner-only HTTP endpoint for subscription funding.
type Handler struct {
	topper Topper
	owner  string
}

// NewHandler creates a new vrf handler. owner is the only principal allowed
// to fund the subscription.
func NewHandler(topper Topper, owner string) *Handler {
	return &Handler{topper: topper, owner: owner}
}

// RegisterAdminRoutes sets up owner-only vrf routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/vrf/topup", h.TopUp)
}

// TopUpRequest contains the parameters for a subscription top-up.
type TopUpRequest struct {
	Amount string `json:"amount" binding:"required"` // native value, base units
}

// TopUp handles POST /v1/admin/vrf/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	caller := c.GetString("callerAddr")
	if h.owner == "" || !strings.EqualFold(caller, h.owner) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "only the owner can fund the randomness subscription",
		})
		return
	}

	amount, err := payment.ParseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	if err := h.topper.TopUpSubscription(c.Request.Context(), amount); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		// The chain did not accept the transaction; nothing was funded.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "topup_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "submitted",
		"amount": amount.String(),
	})
}
