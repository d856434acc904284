package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradehold/internal/money"
)

// Operation names accepted by FakeGateway.Fail.
const (
	OpCreateIntent   = "create_intent"
	OpRetrieveIntent = "retrieve_intent"
	OpCancelIntent   = "cancel_intent"
	OpTransfer       = "transfer"
	OpRefund         = "refund"
)

// FakeGateway is an in-memory processor for development and tests. It
// honours idempotency keys the way the real processor does and can be told
// to fail specific operations.
type FakeGateway struct {
	mu            sync.Mutex
	webhookSecret string
	seq           int
	intents       map[string]*PaymentIntent
	transfers     []TransferRecord
	refunds       []RefundRecord
	idempotent    map[string]interface{}
	failures      map[string]failure
}

type failure struct {
	err    error
	remain int // <0 means always
}

// TransferRecord is a payout the fake has performed.
type TransferRecord struct {
	Transfer
	Request TransferRequest
}

// RefundRecord is a refund the fake has performed.
type RefundRecord struct {
	Refund
	Request RefundRequest
}

// NewFakeGateway creates a fake that verifies webhooks with webhookSecret.
func NewFakeGateway(webhookSecret string) *FakeGateway {
	return &FakeGateway{
		webhookSecret: webhookSecret,
		intents:       make(map[string]*PaymentIntent),
		idempotent:    make(map[string]interface{}),
		failures:      make(map[string]failure),
	}
}

// Fail makes the next n calls of op return err wrapped in ErrProcessor.
// n < 0 fails every call until Reset.
func (f *FakeGateway) Fail(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = failure{err: err, remain: n}
}

// Reset clears injected failures.
func (f *FakeGateway) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]failure)
}

func (f *FakeGateway) injected(op string) error {
	fl, ok := f.failures[op]
	if !ok || fl.remain == 0 {
		return nil
	}
	if fl.remain > 0 {
		fl.remain--
		f.failures[op] = fl
	}
	return fmt.Errorf("%w: %s: %v", ErrProcessor, op, fl.err)
}

func (f *FakeGateway) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%06d", prefix, f.seq)
}

func (f *FakeGateway) CreatePaymentIntent(_ context.Context, req CreateIntentRequest) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpCreateIntent); err != nil {
		return nil, err
	}
	if prev, ok := f.idempotent[req.IdempotencyKey].(*PaymentIntent); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	id := f.nextID("pi")
	pi := &PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       IntentRequiresPaymentMethod,
		Amount:       money.Round(req.Amount),
		Currency:     req.Currency,
		Metadata: map[string]string{
			MetaOrderID:  req.OrderID,
			MetaBuyerID:  req.BuyerID,
			MetaSellerID: req.SellerID,
		},
	}
	f.intents[id] = pi
	if req.IdempotencyKey != "" {
		f.idempotent[req.IdempotencyKey] = pi
	}
	cp := *pi
	return &cp, nil
}

func (f *FakeGateway) RetrievePaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpRetrieveIntent); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", ErrProcessor, id)
	}
	cp := *pi
	return &cp, nil
}

func (f *FakeGateway) CancelPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpCancelIntent); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", ErrProcessor, id)
	}
	if pi.Status == IntentSucceeded {
		return nil, fmt.Errorf("%w: cannot cancel a succeeded payment intent", ErrProcessor)
	}
	pi.Status = IntentCanceled
	cp := *pi
	return &cp, nil
}

func (f *FakeGateway) TransferToSeller(_ context.Context, req TransferRequest) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpTransfer); err != nil {
		return nil, err
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("%w: transfer destination required", ErrProcessor)
	}
	if prev, ok := f.idempotent[req.IdempotencyKey].(*Transfer); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	tr := &Transfer{ID: f.nextID("tr"), Amount: money.Round(req.Amount)}
	f.transfers = append(f.transfers, TransferRecord{Transfer: *tr, Request: req})
	if req.IdempotencyKey != "" {
		f.idempotent[req.IdempotencyKey] = tr
	}
	cp := *tr
	return &cp, nil
}

func (f *FakeGateway) RefundBuyer(_ context.Context, req RefundRequest) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.injected(OpRefund); err != nil {
		return nil, err
	}
	if prev, ok := f.idempotent[req.IdempotencyKey].(*Refund); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	amount := req.Amount
	if pi, ok := f.intents[req.PaymentIntentID]; ok && !amount.IsPositive() {
		amount = pi.Amount
	}
	r := &Refund{ID: f.nextID("re"), Status: "succeeded", Amount: money.Round(amount)}
	f.refunds = append(f.refunds, RefundRecord{Refund: *r, Request: req})
	if req.IdempotencyKey != "" {
		f.idempotent[req.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (f *FakeGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return verifyStripeEvent(payload, signature, f.webhookSecret)
}

// SetIntentStatus moves a fake intent, as the buyer's browser and the
// processor would.
func (f *FakeGateway) SetIntentStatus(id string, status IntentStatus, paymentMethodID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pi, ok := f.intents[id]; ok {
		pi.Status = status
		if paymentMethodID != "" {
			pi.PaymentMethodID = paymentMethodID
		}
	}
}

// Transfers returns every payout performed so far.
func (f *FakeGateway) Transfers() []TransferRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransferRecord(nil), f.transfers...)
}

// Refunds returns every refund performed so far.
func (f *FakeGateway) Refunds() []RefundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RefundRecord(nil), f.refunds...)
}

// SignedEvent builds a webhook body for an event about payment intent
// piID, plus a matching signature header.
func (f *FakeGateway) SignedEvent(eventType, piID string, extra map[string]interface{}) ([]byte, string) {
	f.mu.Lock()
	var (
		amount   decimal.Decimal
		metadata map[string]string
		method   string
	)
	if pi, ok := f.intents[piID]; ok {
		amount, metadata, method = pi.Amount, pi.Metadata, pi.PaymentMethodID
	}
	f.seq++
	evtID := fmt.Sprintf("evt_fake_%06d", f.seq)
	f.mu.Unlock()

	payload := BuildEventPayload(evtID, eventType, piID, amount, metadata, method, extra)
	return payload, SignPayload(payload, f.webhookSecret, time.Now())
}

// BuildEventPayload renders a minimal Stripe event envelope.
func BuildEventPayload(eventID, eventType, piID string, amount decimal.Decimal, metadata map[string]string, paymentMethodID string, extra map[string]interface{}) []byte {
	object := map[string]interface{}{}
	switch {
	case eventType == EventDisputeCreated:
		object["id"] = "dp_" + eventID
		object["object"] = "dispute"
		object["payment_intent"] = piID
		object["amount"] = money.ToMinorUnits(amount)
		object["reason"] = "fraudulent"
	case eventType == EventTransferCreated:
		object["id"] = "tr_" + eventID
		object["object"] = "transfer"
		object["amount"] = money.ToMinorUnits(amount)
	default:
		object["id"] = piID
		object["object"] = "payment_intent"
		object["amount"] = money.ToMinorUnits(amount)
		object["metadata"] = metadata
		if paymentMethodID != "" {
			object["payment_method"] = paymentMethodID
		}
	}
	for k, v := range extra {
		object[k] = v
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2024-12-18.acacia",
		"data":        map[string]interface{}{"object": object},
	})
	return payload
}

var _ Gateway = (*FakeGateway)(nil)
