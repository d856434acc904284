package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/inventory"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/reconciliation"
	"github.com/mbd888/tradehold/internal/sellers"
	"github.com/mbd888/tradehold/internal/validation"
)

// Handler provides admin HTTP endpoints. Mount it behind an admin-only
// middleware.
type Handler struct {
	sellers    SellerStore
	products   ProductStore
	reconciler Reconciler
	logger     *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(s SellerStore, p ProductStore, logger *slog.Logger) *Handler {
	return &Handler{sellers: s, products: p, logger: logger}
}

// WithReconciler enables the reconciliation endpoints.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/sellers/:sellerId", h.upsertSeller)
	r.PUT("/products/:productId", h.upsertProduct)
	r.POST("/reconcile", h.triggerReconciliation)
	r.GET("/reconcile", h.lastReconciliation)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": msg})
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}

// upsertSeller creates or updates a seller. Tier changes apply to orders
// created afterwards; existing orders keep their frozen commission.
func (h *Handler) upsertSeller(c *gin.Context) {
	var req SellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be a JSON object")
		return
	}
	req.Tier = money.Tier(strings.ToLower(string(req.Tier)))
	if req.Tier == "" {
		req.Tier = money.TierBasic
	}
	if !money.ValidTier(req.Tier) {
		badRequest(c, "tier must be one of basic, pro, premium, enterprise")
		return
	}

	ctx := c.Request.Context()
	seller := &sellers.Seller{
		ID:            c.Param("sellerId"),
		Name:          validation.SanitizeString(req.Name, 200),
		Tier:          req.Tier,
		PayoutAccount: strings.TrimSpace(req.PayoutAccount),
	}
	if err := h.sellers.Upsert(ctx, seller); err != nil {
		h.internalError(c, "failed to save seller", err)
		return
	}
	stored, err := h.sellers.Get(ctx, seller.ID)
	if err != nil {
		h.internalError(c, "failed to load seller", err)
		return
	}
	h.logger.Info("seller updated", "seller_id", stored.ID, "tier", string(stored.Tier))
	c.JSON(http.StatusOK, gin.H{"seller": stored})
}

// upsertProduct creates or updates a product listing.
func (h *Handler) upsertProduct(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "sellerId and unitPrice are required")
		return
	}
	price, err := money.Parse(req.UnitPrice)
	if err != nil || !price.IsPositive() {
		badRequest(c, "unitPrice must be a positive amount with at most 2 decimals")
		return
	}
	if req.Available < 0 {
		badRequest(c, "available must not be negative")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.sellers.Get(ctx, req.SellerID); err != nil {
		if errors.Is(err, sellers.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "seller " + req.SellerID + " not found"})
			return
		}
		h.internalError(c, "failed to load seller", err)
		return
	}

	p := &inventory.Product{
		ID:        c.Param("productId"),
		SellerID:  req.SellerID,
		Name:      validation.SanitizeString(req.Name, 200),
		UnitPrice: price,
		Available: req.Available,
	}
	if err := h.products.UpsertProduct(ctx, p); err != nil {
		h.internalError(c, "failed to save product", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// triggerReconciliation runs an on-demand reconciliation pass.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if errors.Is(err, reconciliation.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "a reconciliation pass is already running"})
		return
	}
	if err != nil {
		h.internalError(c, "reconciliation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// lastReconciliation returns the most recent report without running a pass.
func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report := h.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
