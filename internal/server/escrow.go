package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/auth"
	"github.com/mbd888/tradehold/internal/authz"
	"github.com/mbd888/tradehold/internal/escrow"
	"github.com/mbd888/tradehold/internal/orders"
	"github.com/mbd888/tradehold/internal/validation"
)

type escrowRequest struct {
	Action      string `json:"action"`
	OrderID     string `json:"orderId"`
	SellerID    string `json:"sellerId"`
	Reason      string `json:"reason"`
	Resolution  string `json:"resolution"`
	ProcessedBy string `json:"processedBy"`
}

var escrowActions = map[string]authz.Action{
	"release":        authz.ActionRelease,
	"refund":         authz.ActionRefund,
	"freeze":         authz.ActionFreeze,
	"resolve":        authz.ActionResolve,
	"status":         authz.ActionStatus,
	"transactions":   authz.ActionTransactions,
	"seller_summary": authz.ActionSellerSummary,
}

func (r *escrowRequest) validate() error {
	action := r.Action
	errs := validation.Validate(
		validation.Required("action", action),
		validation.OneOf("action", action, "release", "refund", "freeze", "resolve", "status", "transactions", "seller_summary"),
		validation.MaxLength("reason", r.Reason, validation.MaxStringLength),
	)
	if action == "seller_summary" {
		errs = append(errs, validation.Validate(validation.Required("sellerId", r.SellerID))...)
	} else {
		errs = append(errs, validation.Validate(
			validation.Required("orderId", r.OrderID),
			validation.OrderID("orderId", r.OrderID),
		)...)
	}
	if action == "resolve" {
		errs = append(errs, validation.Validate(
			validation.Required("resolution", r.Resolution),
			validation.OneOf("resolution", r.Resolution, escrow.ResolutionRelease, escrow.ResolutionRefund),
		)...)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// escrowAction handles POST /escrow.
func (s *Server) escrowAction(c *gin.Context) {
	var req escrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be a JSON object")
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if err := req.validate(); err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	actor := auth.ActorFrom(c)

	if req.Action == "seller_summary" {
		s.sellerSummary(c, actor, req.SellerID)
		return
	}

	if _, err := s.engine.Authorize(ctx, actor, escrowActions[req.Action], req.OrderID, req.Reason); err != nil {
		writeError(c, err)
		return
	}

	// Only admins may record someone else as the operator.
	processedBy := actor.UserID
	if actor.IsAdmin() && req.ProcessedBy != "" {
		processedBy = validation.SanitizeString(req.ProcessedBy, 200)
	}

	var (
		res *escrow.Result
		err error
	)
	switch req.Action {
	case "status":
		st, err := s.engine.GetEscrowStatus(ctx, req.OrderID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "escrow": st})
		return
	case "transactions":
		s.transactions(c, req.OrderID)
		return
	case "release":
		res, err = s.engine.ReleaseFunds(ctx, req.OrderID, processedBy)
	case "refund":
		res, err = s.engine.RefundFunds(ctx, req.OrderID, req.Reason, processedBy)
	case "freeze":
		res, err = s.engine.FreezeFunds(ctx, req.OrderID, req.Reason, processedBy)
	case "resolve":
		res, err = s.engine.ResolveDispute(ctx, req.OrderID, req.Resolution, req.Reason, processedBy)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"action":      req.Action,
		"escrow":      escrow.StatusOf(res.Order),
		"transaction": res.Transaction,
	})
}

// escrowQuery handles GET /escrow?orderId=&sellerId=&view=transactions.
func (s *Server) escrowQuery(c *gin.Context) {
	orderID := c.Query("orderId")
	sellerID := c.Query("sellerId")
	actor := auth.ActorFrom(c)

	switch {
	case orderID != "":
		if errs := validation.Validate(validation.OrderID("orderId", orderID)); errs != nil {
			writeError(c, errs)
			return
		}
		action := authz.ActionStatus
		if c.Query("view") == "transactions" {
			action = authz.ActionTransactions
		}
		o, err := s.engine.Authorize(c.Request.Context(), actor, action, orderID, "")
		if err != nil {
			writeError(c, err)
			return
		}
		if action == authz.ActionTransactions {
			s.transactions(c, orderID)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "escrow": escrow.StatusOf(o)})
	case sellerID != "":
		s.sellerSummary(c, actor, sellerID)
	default:
		badRequest(c, "orderId or sellerId is required")
	}
}

func (s *Server) transactions(c *gin.Context, orderID string) {
	txs, err := s.engine.GetEscrowTransactions(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*orders.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orderId": orderID, "transactions": txs, "count": len(txs)})
}

func (s *Server) sellerSummary(c *gin.Context, actor authz.Actor, sellerID string) {
	if err := escrow.AuthorizeSeller(actor, sellerID); err != nil {
		writeError(c, err)
		return
	}
	sum, err := s.engine.GetSellerEscrowSummary(c.Request.Context(), sellerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
}
