package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stubIntentAPI struct {
	newFn    func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getFn    func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	cancelFn func(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.newFn(params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFn(id, params)
}

func (s *stubIntentAPI) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return s.cancelFn(id, params)
}

func newTestProvider(t *testing.T, api *stubIntentAPI, secret string) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: secret,
		Intents:       api,
		Clock:         func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestCreateIntentPassesAmountAndMetadata(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	api := &stubIntentAPI{
		newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{
				ID:           "pi_1",
				ClientSecret: "pi_1_secret",
				Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
				Amount:       7220,
				Currency:     "usd",
			}, nil
		},
	}
	provider := newTestProvider(t, api, "whsec_test")

	intent, err := provider.CreateIntent(context.Background(), CreateIntentRequest{
		Amount:         7220,
		Currency:       "USD",
		Metadata:       map[string]string{"serviceRequestId": "req_1", "ownerId": "user_1"},
		IdempotencyKey: "begin:req_1:1",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if captured == nil {
		t.Fatalf("expected params to be captured")
	}
	if *captured.Amount != 7220 {
		t.Fatalf("expected amount 7220, got %d", *captured.Amount)
	}
	if *captured.Currency != "usd" {
		t.Fatalf("expected lowercase currency, got %q", *captured.Currency)
	}
	if captured.Metadata["serviceRequestId"] != "req_1" {
		t.Fatalf("expected request id metadata, got %v", captured.Metadata)
	}
	if intent.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", intent.Status)
	}
	if intent.ClientSecret != "pi_1_secret" {
		t.Fatalf("expected client secret to be carried, got %q", intent.ClientSecret)
	}
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestProvider(t, &stubIntentAPI{}, "whsec_test")
	if _, err := provider.CreateIntent(context.Background(), CreateIntentRequest{Amount: 0, Currency: "usd"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestStripeIntentStatusMapping(t *testing.T) {
	cases := []struct {
		stripeStatus stripe.PaymentIntentStatus
		lastErr      *stripe.Error
		want         Status
	}{
		{stripeStatus: stripe.PaymentIntentStatusRequiresPaymentMethod, want: StatusPending},
		{stripeStatus: stripe.PaymentIntentStatusRequiresAction, want: StatusPending},
		{stripeStatus: stripe.PaymentIntentStatusProcessing, want: StatusProcessing},
		{stripeStatus: stripe.PaymentIntentStatusSucceeded, want: StatusSucceeded},
		{stripeStatus: stripe.PaymentIntentStatusCanceled, want: StatusFailed},
		{stripeStatus: stripe.PaymentIntentStatusRequiresPaymentMethod, lastErr: &stripe.Error{Code: stripe.ErrorCodeCardDeclined}, want: StatusFailed},
	}

	for _, tc := range cases {
		t.Run(string(tc.stripeStatus), func(t *testing.T) {
			intent := stripeIntent(&stripe.PaymentIntent{
				ID:               "pi_1",
				Status:           tc.stripeStatus,
				LastPaymentError: tc.lastErr,
			})
			if intent.Status != tc.want {
				t.Fatalf("status %s: expected %q, got %q", tc.stripeStatus, tc.want, intent.Status)
			}
		})
	}
}

func TestClassifyStripeError(t *testing.T) {
	serverErr := &stripe.Error{HTTPStatusCode: 502}
	if err := classifyStripeError("create payment intent", serverErr, true); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient for 5xx, got %v", err)
	}

	notFound := &stripe.Error{HTTPStatusCode: 404}
	if err := classifyStripeError("lookup payment intent", notFound, false); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected not found for 404, got %v", err)
	}

	declined := &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined}
	err := classifyStripeError("create payment intent", declined, true)
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected permanent error for card decline, got %v", err)
	}

	if err := classifyStripeError("create payment intent", context.DeadlineExceeded, true); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ambiguous for mutating timeout, got %v", err)
	}
	if err := classifyStripeError("lookup payment intent", context.DeadlineExceeded, false); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient for read timeout, got %v", err)
	}
}

func signedHeader(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

func TestVerifyWebhookAcceptsSignedSucceededEvent(t *testing.T) {
	const secret = "whsec_test"
	provider := newTestProvider(t, &stubIntentAPI{}, secret)

	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1", "amount": 7220, "currency": "usd", "status": "succeeded"}}
	}`)

	event, err := provider.VerifyWebhook(context.Background(), payload, signedHeader(payload, secret, time.Now()))
	if err != nil {
		t.Fatalf("verify webhook: %v", err)
	}
	if event.ID != "evt_1" {
		t.Fatalf("expected event id evt_1, got %q", event.ID)
	}
	if event.IntentID != "pi_1" {
		t.Fatalf("expected intent pi_1, got %q", event.IntentID)
	}
	if event.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %q", event.Status)
	}
	if event.Amount != 7220 {
		t.Fatalf("expected amount 7220, got %d", event.Amount)
	}
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	provider := newTestProvider(t, &stubIntentAPI{}, "whsec_test")

	payload := []byte(`{"id": "evt_1", "type": "payment_intent.succeeded", "data": {"object": {"id": "pi_1"}}}`)
	_, err := provider.VerifyWebhook(context.Background(), payload, signedHeader(payload, "whsec_other", time.Now()))
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}

func TestVerifyWebhookIgnoresUnhandledType(t *testing.T) {
	const secret = "whsec_test"
	provider := newTestProvider(t, &stubIntentAPI{}, secret)

	payload := []byte(`{"id": "evt_2", "type": "charge.refunded", "data": {"object": {"id": "ch_1"}}}`)
	event, err := provider.VerifyWebhook(context.Background(), payload, signedHeader(payload, secret, time.Now()))
	if err != nil {
		t.Fatalf("verify webhook: %v", err)
	}
	if event.IntentID != "" {
		t.Fatalf("expected empty intent id for unhandled type, got %q", event.IntentID)
	}
}
