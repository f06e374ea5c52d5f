package escrow

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tokenbay/nftescrow/internal/assets"
	"github.com/tokenbay/nftescrow/internal/metrics"
	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service

	// defaultAssetContract fills in assetContract when a create request
	// omits it. Empty means the field is required.
	defaultAssetContract string
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithDefaultAssetContract sets the contract used when create requests omit
// assetContract (the NFT_CONTRACT setting).
func (h *Handler) WithDefaultAssetContract(contract string) *Handler {
	h.defaultAssetContract = validation.SanitizeAddress(contract)
	return h
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes that require a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/pay", h.PayEscrow)
	r.POST("/escrows/:id/claim", h.ClaimEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/reject", h.RejectEscrow)
}

// PayRequest contains the parameters for paying an escrow.
type PayRequest struct {
	Amount string `json:"amount" binding:"required"`
	// Attached carries the value delivered alongside a native payment.
	// Token payments leave it empty.
	Attached string `json:"attached"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.AssetContract == "" {
		req.AssetContract = h.defaultAssetContract
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidAddress("assetContract", req.AssetContract),
		validation.ValidAssetID("assetId", req.AssetID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The caller must be the seller: creation asserts custody over the
	// seller's asset.
	callerAddr := c.GetString("callerAddr")
	if !strings.EqualFold(callerAddr, req.Seller) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the seller",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, assets.ErrNotOwner):
			status = http.StatusForbidden
			code = "not_asset_owner"
		case errors.Is(err, assets.ErrNotApproved):
			status = http.StatusForbidden
			code = "custody_not_approved"
		case errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, payment.ErrInvalidMedium):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid address",
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, next, err := h.service.ListByParty(c.Request.Context(), address, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is not valid",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// PayEscrow handles POST /v1/escrows/:id/pay
func (h *Handler) PayEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	callerAddr := c.GetString("callerAddr")

	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
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
	var attached *big.Int
	if req.Attached != "" {
		if attached, err = payment.ParseAmount(req.Attached); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
	}

	escrow, err := h.service.Pay(c.Request.Context(), id, callerAddr, amount, attached)
	if err != nil {
		status, code := payErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusPaid)).Inc()
	metrics.PaymentsTotal.WithLabelValues(string(escrow.Medium.Kind)).Inc()
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ClaimEscrow handles POST /v1/escrows/:id/claim
func (h *Handler) ClaimEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	callerAddr := c.GetString("callerAddr")

	escrow, err := h.service.Claim(c.Request.Context(), id, callerAddr)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrEscrowNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrUnauthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrAssetTransfer):
			// Asset did not move; the escrow stays paid and the claim
			// can be retried.
			status = http.StatusBadGateway
			code = "asset_transfer_failed"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusClaimed)).Inc()
	if escrow.PaidAt != nil && escrow.ResolvedAt != nil {
		metrics.EscrowSettlementDuration.Observe(escrow.ResolvedAt.Sub(*escrow.PaidAt).Seconds())
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.terminate(c, h.service.Cancel, StatusCancelled)
}

// RejectEscrow handles POST /v1/escrows/:id/reject
func (h *Handler) RejectEscrow(c *gin.Context) {
	h.terminate(c, h.service.Reject, StatusRejected)
}

func (h *Handler) terminate(c *gin.Context, op func(ctx context.Context, id uint64, caller string) (*Escrow, error), target Status) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	callerAddr := c.GetString("callerAddr")

	escrow, err := op(c.Request.Context(), id, callerAddr)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrEscrowNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrUnauthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	metrics.EscrowsTotal.WithLabelValues(string(target)).Inc()
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func payErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, payment.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, payment.ErrInsufficientAllowance):
		return http.StatusConflict, "insufficient_allowance"
	case errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	}
	return http.StatusInternalServerError, "internal_error"
}
