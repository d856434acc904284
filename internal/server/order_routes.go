package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/pagination"
	"github.com/mbd888/tradehold/internal/validation"
)

// checkout handles POST /orders. The caller is the buyer.
func (s *Server) checkout(c *gin.Context) {
	var req escrow.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "productId and quantity are required")
		return
	}
	if errs := validation.Validate(validation.Amount("shippingCost", req.ShippingCost)); errs != nil {
		writeError(c, errs)
		return
	}
	req.BuyerID = auth.ActorFrom(c).UserID

	res, err := s.engine.Checkout(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":        res.Order,
		"escrow":       escrow.StatusOf(res.Order),
		"clientSecret": res.ClientSecret,
	})
}

// listOrders handles GET /orders?role=buyer|seller&status=&limit=&cursor=.
// Users see only orders they are a party to; admins may name any buyerId
// or sellerId.
func (s *Server) listOrders(c *gin.Context) {
	actor := auth.ActorFrom(c)
	role := c.DefaultQuery("role", "buyer")
	status := orders.Status(c.Query("status"))
	if errs := validation.Validate(validation.OneOf("role", role, "buyer", "seller")); errs != nil {
		writeError(c, errs)
		return
	}
	if status != "" && !status.Valid() {
		badRequest(c, "unknown status "+string(status))
		return
	}
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	f := orders.Filter{After: cursor, Limit: limit + 1}
	if status != "" {
		f.Statuses = []orders.Status{status}
	}
	switch {
	case actor.IsAdmin() && (c.Query("buyerId") != "" || c.Query("sellerId") != ""):
		f.BuyerID, f.SellerID = c.Query("buyerId"), c.Query("sellerId")
	case role == "seller":
		f.SellerID = actor.UserID
	default:
		f.BuyerID = actor.UserID
	}

	list, err := s.orders.ListOrders(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next := pagination.Page(list, limit, func(o *orders.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// getOrder handles GET /orders/:id for either party or an admin.
func (s *Server) getOrder(c *gin.Context) {
	o, err := s.engine.Authorize(c.Request.Context(), auth.ActorFrom(c), authz.ActionStatus, c.Param("id"), "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "escrow": escrow.StatusOf(o)})
}

// confirmPayment handles POST /orders/:id/confirm: the buyer's client
// reports that payment finished and the order is reconciled with the
// processor.
func (s *Server) confirmPayment(c *gin.Context) {
	ctx := c.Request.Context()
	actor := auth.ActorFrom(c)
	id := c.Param("id")
	if _, err := s.engine.Authorize(ctx, actor, authz.ActionConfirmPayment, id, ""); err != nil {
		writeError(c, err)
		return
	}
	conf, err := s.engine.ConfirmPayment(ctx, id, actor.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

type shipRequest struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

// shipOrder handles POST /orders/:id/ship (seller).
func (s *Server) shipOrder(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be a JSON object")
		return
	}
	req.TrackingNumber = validation.SanitizeString(req.TrackingNumber, 100)
	req.Carrier = validation.SanitizeString(req.Carrier, 100)
	if errs := validation.Validate(validation.Required("trackingNumber", req.TrackingNumber)); errs != nil {
		writeError(c, errs)
		return
	}

	ctx := c.Request.Context()
	actor := auth.ActorFrom(c)
	id := c.Param("id")
	if _, err := s.engine.Authorize(ctx, actor, authz.ActionShip, id, ""); err != nil {
		writeError(c, err)
		return
	}
	o, err := s.engine.MarkShipped(ctx, id, req.TrackingNumber, req.Carrier, actor.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "escrow": escrow.StatusOf(o)})
}

// confirmDelivery handles POST /orders/:id/delivered (buyer).
func (s *Server) confirmDelivery(c *gin.Context) {
	ctx := c.Request.Context()
	actor := auth.ActorFrom(c)
	id := c.Param("id")
	if _, err := s.engine.Authorize(ctx, actor, authz.ActionConfirmDelivery, id, ""); err != nil {
		writeError(c, err)
		return
	}
	o, err := s.engine.ConfirmDelivery(ctx, id, actor.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "escrow": escrow.StatusOf(o)})
}
