// Package authz decides who may act on an order's escrow. It is a pure
// function of the actor, the action and the target; it performs no I/O.
package authz

// Role is an actor's privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Action is an operation on an order's escrow.
type Action string

const (
	ActionRelease         Action = "release"
	ActionRefund          Action = "refund"
	ActionFreeze          Action = "freeze"
	ActionResolve         Action = "resolve"
	ActionStatus          Action = "status"
	ActionTransactions    Action = "transactions"
	ActionSellerSummary   Action = "seller_summary"
	ActionShip            Action = "ship"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionConfirmPayment  Action = "confirm_payment"
)

// Stable deny reasons.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonNotParty        = "not_party"
	ReasonAdminOnly       = "admin_only"
	ReasonNotSeller       = "not_seller"
	ReasonNotBuyer        = "not_buyer"
	ReasonReasonRequired  = "reason_required"
	ReasonNotSelf         = "not_self"
	ReasonUnknownAction   = "unknown_action"
)

// Actor is the authenticated caller. The zero Actor is anonymous.
type Actor struct {
	UserID string
	Role   Role
}

// Anonymous reports whether no one is authenticated.
func (a Actor) Anonymous() bool { return a.UserID == "" }

// IsAdmin reports whether the actor has the admin role.
func (a Actor) IsAdmin() bool { return !a.Anonymous() && a.Role == RoleAdmin }

// Target is what the action applies to. Order actions fill BuyerID and
// SellerID from the stored order; seller_summary fills SellerID from the
// request.
type Target struct {
	BuyerID  string
	SellerID string
	Reason   string
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Denied is the negation of Allowed.
func (d Decision) Denied() bool { return !d.Allowed }

func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny:" + d.Reason
}

// Authorize applies the escrow access rules:
//
//	release          admin or the order's seller
//	refund           admin or the order's buyer, with a reason
//	freeze, resolve  admin
//	status, transactions  admin or either party
//	seller_summary   admin or the seller themself
//	ship             admin or the order's seller
//	confirm_delivery, confirm_payment  admin or the order's buyer
func Authorize(actor Actor, action Action, target Target) Decision {
	if actor.Anonymous() {
		return deny(ReasonUnauthenticated)
	}
	admin := actor.IsAdmin()
	isBuyer := target.BuyerID != "" && actor.UserID == target.BuyerID
	isSeller := target.SellerID != "" && actor.UserID == target.SellerID

	switch action {
	case ActionRelease, ActionShip:
		if admin || isSeller {
			return allow()
		}
		if isBuyer {
			return deny(ReasonNotSeller)
		}
		return deny(ReasonNotParty)

	case ActionRefund:
		if !admin && !isBuyer {
			if isSeller {
				return deny(ReasonNotBuyer)
			}
			return deny(ReasonNotParty)
		}
		if target.Reason == "" {
			return deny(ReasonReasonRequired)
		}
		return allow()

	case ActionConfirmDelivery, ActionConfirmPayment:
		if admin || isBuyer {
			return allow()
		}
		if isSeller {
			return deny(ReasonNotBuyer)
		}
		return deny(ReasonNotParty)

	case ActionFreeze, ActionResolve:
		if admin {
			return allow()
		}
		return deny(ReasonAdminOnly)

	case ActionStatus, ActionTransactions:
		if admin || isBuyer || isSeller {
			return allow()
		}
		return deny(ReasonNotParty)

	case ActionSellerSummary:
		if admin || isSeller {
			return allow()
		}
		return deny(ReasonNotSelf)
	}
	return deny(ReasonUnknownAction)
}
