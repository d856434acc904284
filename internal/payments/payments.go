// Package payments is the boundary to the card payment processor.
//
// The escrow engine talks to a Gateway: it creates and inspects payment
// intents, pays sellers out, refunds buyers, and verifies inbound webhook
// signatures. StripeGateway is the production implementation; FakeGateway
// backs development and tests.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrProcessor wraps any failure reported by (or while reaching) the processor.
	ErrProcessor = errors.New("payment processor error")
	// ErrSignature means a webhook payload failed signature verification.
	ErrSignature = errors.New("invalid webhook signature")
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Inbound event types the service reacts to.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
	EventDisputeCreated   = "charge.dispute.created"
	EventTransferCreated  = "transfer.created"
)

// Metadata keys attached to every payment intent.
const (
	MetaOrderID  = "order_id"
	MetaBuyerID  = "buyer_id"
	MetaSellerID = "seller_id"
)

// CreateIntentRequest describes a buyer charge.
type CreateIntentRequest struct {
	OrderID        string
	BuyerID        string
	SellerID       string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// PaymentIntent is the processor's record of a buyer charge.
type PaymentIntent struct {
	ID              string
	ClientSecret    string
	Status          IntentStatus
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	Metadata        map[string]string
}

// TransferRequest moves funds from the platform to a seller's account.
type TransferRequest struct {
	OrderID        string
	Destination    string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Transfer is a completed seller payout.
type Transfer struct {
	ID     string
	Amount decimal.Decimal
}

// RefundRequest returns a captured charge to the buyer.
type RefundRequest struct {
	OrderID         string
	PaymentIntentID string
	Amount          decimal.Decimal
	Reason          string
	IdempotencyKey  string
}

// Refund is the processor's record of a refund.
type Refund struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// Event is a verified inbound processor event, flattened to the fields the
// service uses.
type Event struct {
	ID              string
	Type            string
	ObjectID        string
	PaymentIntentID string
	PaymentMethodID string
	Amount          decimal.Decimal
	Metadata        map[string]string
	DisputeReason   string
	Created         time.Time
}

// Gateway is the payment processor contract.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	TransferToSeller(ctx context.Context, req TransferRequest) (*Transfer, error)
	RefundBuyer(ctx context.Context, req RefundRequest) (*Refund, error)
	VerifyWebhookSignature(payload []byte, signature string) (*Event, error)
}
