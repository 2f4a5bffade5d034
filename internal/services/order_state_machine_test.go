package services

import (
	"errors"
	"testing"
	"time"

	domain "github.com/portal-agro/api/internal/domain"
)

func TestNewOrderDeadlinesClamps(t *testing.T) {
	cases := []struct {
		name             string
		payment, confirm int
		wantPayment      time.Duration
		wantConfirm      time.Duration
	}{
		{name: "defaults", payment: 0, confirm: 0, wantPayment: 24 * time.Hour, wantConfirm: 48 * time.Hour},
		{name: "within bounds", payment: 12, confirm: 72, wantPayment: 12 * time.Hour, wantConfirm: 72 * time.Hour},
		{name: "above bounds", payment: 500, confirm: 1000, wantPayment: 168 * time.Hour, wantConfirm: 336 * time.Hour},
		{name: "negative uses defaults", payment: -4, confirm: -1, wantPayment: 24 * time.Hour, wantConfirm: 48 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NewOrderDeadlines(tc.payment, tc.confirm)
			if got.PaymentUpload != tc.wantPayment || got.DeliveredConfirm != tc.wantConfirm {
				t.Fatalf("unexpected deadlines %+v", got)
			}
		})
	}
}

func TestOrderStateMachineRejectsUnlistedTransitions(t *testing.T) {
	allowed := map[domain.OrderStatus]bool{
		domain.OrderStatusAcceptedAwaitingPayment: true,
		domain.OrderStatusRejected:                true,
		domain.OrderStatusCancelledByUser:         true,
	}
	for _, target := range domain.OrderStatuses {
		got := canTransition(domain.OrderStatusPendingReview, target)
		if got != allowed[target] {
			t.Fatalf("canTransition(pending_review, %s) = %v", target, got)
		}
	}
	for _, status := range domain.OrderStatuses {
		if !status.IsTerminal() {
			continue
		}
		for _, target := range domain.OrderStatuses {
			if canTransition(status, target) {
				t.Fatalf("terminal status %s must not move to %s", status, target)
			}
		}
	}
}

func TestOrderStateMachineGuardOrder(t *testing.T) {
	machine := NewOrderStateMachine(OrderDeadlines{})
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	producer := OrderActor{Role: OrderActorProducer, UserID: "producer-user", ProducerID: 7}

	base := domain.Order{Code: "PA-1", UserID: "buyer-1", ProducerID: 7, Status: domain.OrderStatusPendingReview, Active: true}

	unavailable := base
	unavailable.IsDeleted = true
	assertRule(t, machine.Authorize(unavailable, OrderActionAccept, OrderActor{Role: OrderActorBuyer, UserID: "x"}, now), RuleOrderUnavailable)

	inactive := base
	inactive.Active = false
	assertRule(t, machine.Authorize(inactive, OrderActionAccept, producer, now), RuleOrderUnavailable)

	other := OrderActor{Role: OrderActorProducer, UserID: "other", ProducerID: 8}
	assertRule(t, machine.Authorize(base, OrderActionAccept, other, now), RuleNotOrderProducer)

	buyerAsProducer := OrderActor{Role: OrderActorBuyer, UserID: "buyer-1"}
	assertRule(t, machine.Authorize(base, OrderActionMarkPreparing, buyerAsProducer, now), RuleNotOrderProducer)

	assertRule(t, machine.Authorize(base, OrderActionMarkPreparing, producer, now), RuleInvalidTransition)
	assertRule(t, machine.Authorize(base, OrderActionExpire, producer, now), RuleInvalidTransition)

	if err := machine.Authorize(base, OrderActionAccept, producer, now); err != nil {
		t.Fatalf("expected accept to be authorised: %v", err)
	}
}

func TestOrderStateMachineDeadlineSemantics(t *testing.T) {
	machine := NewOrderStateMachine(NewOrderDeadlines(10, 20))
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

	order := domain.Order{Status: domain.OrderStatusPendingReview, Active: true}
	if err := machine.Apply(&order, OrderActionAccept, OrderTransition{Notes: "listo"}, now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if order.AutoCloseAt == nil || !order.AutoCloseAt.Equal(now.Add(10*time.Hour)) {
		t.Fatalf("expected payment deadline, got %v", order.AutoCloseAt)
	}
	if order.AcceptedAt == nil || order.ProducerDecisionAt == nil || order.ProducerNotes != "listo" {
		t.Fatalf("expected acceptance stamps, got %+v", order)
	}

	if err := machine.Apply(&order, OrderActionUploadPayment, OrderTransition{Payment: domain.MediaObject{URL: "https://cdn/p.jpg"}}, now); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if order.AutoCloseAt != nil {
		t.Fatalf("expected deadline cleared after payment, got %v", order.AutoCloseAt)
	}

	for _, action := range []OrderAction{OrderActionMarkPreparing, OrderActionMarkDispatch, OrderActionMarkDelivered} {
		if err := machine.Apply(&order, action, OrderTransition{}, now); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}
	if order.AutoCloseAt == nil || !order.AutoCloseAt.Equal(now.Add(20*time.Hour)) {
		t.Fatalf("expected confirmation deadline, got %v", order.AutoCloseAt)
	}
	if order.UserConfirmEnabledAt == nil || !order.UserConfirmEnabledAt.Equal(now) {
		t.Fatalf("expected confirmation enabled stamp, got %v", order.UserConfirmEnabledAt)
	}
}

func TestOrderStateMachineExpiryKeepsDeadline(t *testing.T) {
	machine := NewOrderStateMachine(OrderDeadlines{})
	now := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)
	order := domain.Order{Status: domain.OrderStatusAcceptedAwaitingPayment, Active: true, AutoCloseAt: &deadline}

	if err := machine.Authorize(order, OrderActionExpire, SystemActor, now); err != nil {
		t.Fatalf("expected expiry to be due: %v", err)
	}
	if err := machine.Apply(&order, OrderActionExpire, OrderTransition{}, now); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if order.Status != domain.OrderStatusExpired || order.AutoCloseAt == nil || !order.AutoCloseAt.Equal(deadline) {
		t.Fatalf("unexpected expired order %+v", order)
	}

	withProof := domain.Order{Status: domain.OrderStatusAcceptedAwaitingPayment, Active: true, AutoCloseAt: &deadline, PaymentImageURL: "https://cdn/p.jpg"}
	assertRule(t, machine.Authorize(withProof, OrderActionExpire, SystemActor, now), RuleInvalidTransition)

	future := now.Add(time.Hour)
	notDue := domain.Order{Status: domain.OrderStatusAcceptedAwaitingPayment, Active: true, AutoCloseAt: &future}
	assertRule(t, machine.Authorize(notDue, OrderActionExpire, SystemActor, now), RuleInvalidTransition)
}

func TestParseReceivedAnswer(t *testing.T) {
	cases := map[string]domain.ReceivedAnswer{
		"yes":    domain.ReceivedAnswerYes,
		"  YES ": domain.ReceivedAnswerYes,
		"No":     domain.ReceivedAnswerNo,
		"\tno\n": domain.ReceivedAnswerNo,
	}
	for raw, want := range cases {
		got, err := ParseReceivedAnswer(raw)
		if err != nil || got != want {
			t.Fatalf("ParseReceivedAnswer(%q) = %q, %v", raw, got, err)
		}
	}

	for _, raw := range []string{"", "si", "y", "nope", "yes please"} {
		_, err := ParseReceivedAnswer(raw)
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("ParseReceivedAnswer(%q): expected validation error, got %v", raw, err)
		}
	}
}

func assertRule(t *testing.T, err error, rule BusinessRule) {
	t.Helper()
	var ruleErr *BusinessRuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected business rule error %s, got %v", rule, err)
	}
	if ruleErr.Rule != rule {
		t.Fatalf("expected rule %s, got %s (%v)", rule, ruleErr.Rule, err)
	}
}
