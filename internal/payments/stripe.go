package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/tradehold/internal/metrics"
	"github.com/mbd888/tradehold/internal/money"
	"github.com/mbd888/tradehold/internal/traces"
)

// ErrMalformedEvent means a correctly signed event carried data that could
// not be decoded.
var ErrMalformedEvent = errors.New("malformed webhook event")

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

// StripeOption adjusts the backend configuration of a StripeGateway.
type StripeOption func(*stripe.BackendConfig)

// WithAPIURL points the gateway at a different API host (stripe-mock, tests).
func WithAPIURL(url string) StripeOption {
	return func(c *stripe.BackendConfig) { c.URL = stripe.String(url) }
}

// WithMaxNetworkRetries sets how often stripe-go retries transient failures.
func WithMaxNetworkRetries(n int64) StripeOption {
	return func(c *stripe.BackendConfig) { c.MaxNetworkRetries = stripe.Int64(n) }
}

// NewStripeGateway creates a gateway using the given secret API key and
// webhook endpoint secret.
func NewStripeGateway(secretKey, webhookSecret string, logger *slog.Logger, opts ...StripeOption) *StripeGateway {
	api := &client.API{}
	if len(opts) == 0 {
		api.Init(secretKey, nil)
	} else {
		cfg := &stripe.BackendConfig{}
		for _, opt := range opts {
			opt(cfg)
		}
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
		api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	}
	return &StripeGateway{api: api, webhookSecret: webhookSecret, logger: logger}
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (_ *PaymentIntent, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.CreatePaymentIntent", traces.OrderID(req.OrderID), traces.Amount(money.Format(req.Amount)))
	defer func() { traces.End(span, err) }()
	defer func(start time.Time) { metrics.ObserveGatewayCall("create_intent", start, err) }(time.Now())

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(money.ToMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetaOrderID, req.OrderID)
	params.AddMetadata(MetaBuyerID, req.BuyerID)
	params.AddMetadata(MetaSellerID, req.SellerID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, processorError("create payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, id string) (_ *PaymentIntent, err error) {
	defer func(start time.Time) { metrics.ObserveGatewayCall("retrieve_intent", start, err) }(time.Now())

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, processorError("retrieve payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, id string) (_ *PaymentIntent, err error) {
	defer func(start time.Time) { metrics.ObserveGatewayCall("cancel_intent", start, err) }(time.Now())

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, processorError("cancel payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) TransferToSeller(ctx context.Context, req TransferRequest) (_ *Transfer, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.TransferToSeller", traces.OrderID(req.OrderID), traces.Amount(money.Format(req.Amount)))
	defer func() { traces.End(span, err) }()
	defer func(start time.Time) { metrics.ObserveGatewayCall("transfer", start, err) }(time.Now())

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(money.ToMinorUnits(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.OrderID),
	}
	params.Context = ctx
	params.AddMetadata(MetaOrderID, req.OrderID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, processorError("transfer to seller", err)
	}
	g.logger.Info("seller transfer created", "order_id", req.OrderID, "transfer_id", tr.ID, "amount", money.Format(req.Amount))
	return &Transfer{ID: tr.ID, Amount: money.FromMinorUnits(tr.Amount)}, nil
}

func (g *StripeGateway) RefundBuyer(ctx context.Context, req RefundRequest) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.RefundBuyer", traces.OrderID(req.OrderID), traces.Amount(money.Format(req.Amount)))
	defer func() { traces.End(span, err) }()
	defer func(start time.Time) { metrics.ObserveGatewayCall("refund", start, err) }(time.Now())

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Amount.IsPositive() {
		params.Amount = stripe.Int64(money.ToMinorUnits(req.Amount))
	}
	params.Context = ctx
	params.AddMetadata(MetaOrderID, req.OrderID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, processorError("refund buyer", err)
	}
	g.logger.Info("buyer refund created", "order_id", req.OrderID, "refund_id", r.ID, "status", r.Status)
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: money.FromMinorUnits(r.Amount)}, nil
}

// VerifyWebhookSignature checks the Stripe-Signature header and decodes the
// event. Events signed for a different API version are still accepted; only
// the fields read below matter.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return verifyStripeEvent(payload, signature, g.webhookSecret)
}

func verifyStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	switch {
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.ObjectID = pi.ID
		out.PaymentIntentID = pi.ID
		out.Amount = money.FromMinorUnits(pi.Amount)
		out.Metadata = pi.Metadata
		if pi.PaymentMethod != nil {
			out.PaymentMethodID = pi.PaymentMethod.ID
		}
	case strings.HasPrefix(out.Type, "charge.dispute."):
		var d stripe.Dispute
		if err := json.Unmarshal(ev.Data.Raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.ObjectID = d.ID
		out.Amount = money.FromMinorUnits(d.Amount)
		out.DisputeReason = string(d.Reason)
		out.Metadata = d.Metadata
		if d.PaymentIntent != nil {
			out.PaymentIntentID = d.PaymentIntent.ID
		}
	case strings.HasPrefix(out.Type, "transfer."):
		var tr stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.ObjectID = tr.ID
		out.Amount = money.FromMinorUnits(tr.Amount)
		out.Metadata = tr.Metadata
	}
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		Amount:       money.FromMinorUnits(pi.Amount),
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	return out
}

// processorError wraps err with ErrProcessor, keeping Stripe's error code.
func processorError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		code := string(se.Code)
		if code == "" {
			code = string(se.Type)
		}
		return fmt.Errorf("%w: %s: %s (%s)", ErrProcessor, op, se.Msg, code)
	}
	return fmt.Errorf("%w: %s: %v", ErrProcessor, op, err)
}

// SignPayload produces a Stripe-Signature header value for payload. The
// fake gateway and tests use it to build events Stripe's verifier accepts.
func SignPayload(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

var _ Gateway = (*StripeGateway)(nil)
