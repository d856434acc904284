package orders

import (
	"errors"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	pending := State{Status: StatusPending}
	paid := State{Status: StatusPaid}
	shipped := State{Status: StatusShipped}
	delivered := State{Status: StatusDelivered}
	released := State{Status: StatusDelivered, Released: true}
	disputed := State{Status: StatusDisputed}
	unpaidDispute := State{Status: StatusDisputed, Unpaid: true}
	cancelled := State{Status: StatusCancelled}
	refunded := State{Status: StatusRefunded}

	tests := []struct {
		name string
		from State
		ev   Event
		want Status
		ok   bool
	}{
		{"pay", pending, EventPaymentSucceeded, StatusPaid, true},
		{"pay twice", paid, EventPaymentSucceeded, "", false},
		{"payment failed", pending, EventPaymentFailed, StatusCancelled, true},
		{"payment failed after paid", paid, EventPaymentFailed, "", false},
		{"ship", paid, EventShip, StatusShipped, true},
		{"ship pending", pending, EventShip, "", false},
		{"confirm delivery", shipped, EventConfirmDelivery, StatusDelivered, true},
		{"confirm delivery from paid", paid, EventConfirmDelivery, "", false},

		{"release paid", paid, EventRelease, StatusDelivered, true},
		{"release shipped", shipped, EventRelease, StatusDelivered, true},
		{"release delivered", delivered, EventRelease, StatusDelivered, true},
		{"release released", released, EventRelease, "", false},
		{"release pending", pending, EventRelease, "", false},
		{"release disputed", disputed, EventRelease, "", false},
		{"release refunded", refunded, EventRelease, "", false},

		{"refund pending", pending, EventRefund, StatusRefunded, true},
		{"refund paid", paid, EventRefund, StatusRefunded, true},
		{"refund shipped", shipped, EventRefund, StatusRefunded, true},
		{"refund delivered", delivered, EventRefund, StatusRefunded, true},
		{"refund disputed", disputed, EventRefund, StatusRefunded, true},
		{"refund released", released, EventRefund, "", false},
		{"refund cancelled", cancelled, EventRefund, "", false},
		{"refund refunded", refunded, EventRefund, "", false},

		{"freeze paid", paid, EventDispute, StatusDisputed, true},
		{"freeze shipped", shipped, EventDispute, StatusDisputed, true},
		{"freeze delivered", delivered, EventDispute, StatusDisputed, true},
		{"freeze pending", pending, EventDispute, StatusDisputed, true},
		{"freeze disputed", disputed, EventDispute, StatusDisputed, true},
		{"freeze released", released, EventDispute, "", false},
		{"freeze cancelled", cancelled, EventDispute, "", false},
		{"freeze refunded", refunded, EventDispute, "", false},

		{"chargeback paid", paid, EventChargeback, StatusDisputed, true},
		{"chargeback pending", pending, EventChargeback, "", false},
		{"chargeback disputed", disputed, EventChargeback, "", false},

		{"pay after unpaid freeze", unpaidDispute, EventPaymentSucceeded, StatusDisputed, true},
		{"pay disputed", disputed, EventPaymentSucceeded, "", false},

		{"resolve release", disputed, EventResolveRelease, StatusDelivered, true},
		{"resolve release unpaid", unpaidDispute, EventResolveRelease, "", false},
		{"resolve refund", disputed, EventResolveRefund, StatusRefunded, true},
		{"resolve refund unpaid", unpaidDispute, EventResolveRefund, StatusRefunded, true},
		{"resolve not disputed", paid, EventResolveRelease, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tt.want {
					t.Fatalf("expected %s, got %s", tt.want, got)
				}
				return
			}
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
			if !IsTransitionError(err) {
				t.Fatalf("expected *TransitionError, got %T", err)
			}
		})
	}
}

func TestTransition_UnknownEvent(t *testing.T) {
	_, err := Transition(State{Status: StatusPaid}, Event("teleport"))
	if err == nil {
		t.Fatal("expected error for unknown event")
	}
	if errors.Is(err, ErrInvalidState) {
		t.Fatal("unknown event should not look like a rejected transition")
	}
}

func TestTerminal(t *testing.T) {
	terminal := []State{
		{Status: StatusCancelled},
		{Status: StatusRefunded},
		{Status: StatusDelivered, Released: true},
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%+v should be terminal", s)
		}
	}

	open := []State{
		{Status: StatusPending},
		{Status: StatusPaid},
		{Status: StatusShipped},
		{Status: StatusDelivered},
		{Status: StatusDisputed},
	}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%+v should not be terminal", s)
		}
	}
}

func TestTransitionError_Message(t *testing.T) {
	_, err := Transition(State{Status: StatusDelivered, Released: true}, EventRefund)
	want := "cannot apply refund to order in status delivered (released)"
	if err == nil || err.Error() != want {
		t.Fatalf("expected %q, got %v", want, err)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("shipping").Valid() {
		t.Error("unknown status reported valid")
	}
}
