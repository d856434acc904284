package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tradehold/internal/circuitbreaker"
)

// BreakerGateway fails fast while the processor is unreachable. Each
// outbound operation has its own circuit; webhook verification is local and
// passes straight through.
type BreakerGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// NewBreakerGateway wraps next with breaker.
func NewBreakerGateway(next Gateway, breaker *circuitbreaker.Breaker) *BreakerGateway {
	return &BreakerGateway{next: next, breaker: breaker}
}

func isOutage(err error) bool { return errors.Is(err, ErrProcessor) }

func (b *BreakerGateway) run(op string, fn func() error) error {
	err := b.breaker.Execute("payments."+op, isOutage, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", ErrProcessor, op, err)
	}
	return err
}

func (b *BreakerGateway) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (pi *PaymentIntent, err error) {
	err = b.run(OpCreateIntent, func() error {
		pi, err = b.next.CreatePaymentIntent(ctx, req)
		return err
	})
	return pi, err
}

func (b *BreakerGateway) RetrievePaymentIntent(ctx context.Context, id string) (pi *PaymentIntent, err error) {
	err = b.run(OpRetrieveIntent, func() error {
		pi, err = b.next.RetrievePaymentIntent(ctx, id)
		return err
	})
	return pi, err
}

func (b *BreakerGateway) CancelPaymentIntent(ctx context.Context, id string) (pi *PaymentIntent, err error) {
	err = b.run(OpCancelIntent, func() error {
		pi, err = b.next.CancelPaymentIntent(ctx, id)
		return err
	})
	return pi, err
}

func (b *BreakerGateway) TransferToSeller(ctx context.Context, req TransferRequest) (tr *Transfer, err error) {
	err = b.run(OpTransfer, func() error {
		tr, err = b.next.TransferToSeller(ctx, req)
		return err
	})
	return tr, err
}

func (b *BreakerGateway) RefundBuyer(ctx context.Context, req RefundRequest) (r *Refund, err error) {
	err = b.run(OpRefund, func() error {
		r, err = b.next.RefundBuyer(ctx, req)
		return err
	})
	return r, err
}

func (b *BreakerGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return b.next.VerifyWebhookSignature(payload, signature)
}

var _ Gateway = (*BreakerGateway)(nil)
