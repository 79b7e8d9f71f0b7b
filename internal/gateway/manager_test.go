package gateway

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp string
	intent Intent
	event  WebhookEvent
	err    error
}

func (f *fakeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	f.lastOp = "create"
	return f.intent, f.err
}

func (f *fakeProvider) LookupIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	f.lastOp = "lookup"
	return f.intent, f.err
}

func (f *fakeProvider) CancelIntent(ctx context.Context, req CancelRequest) (Intent, error) {
	f.lastOp = "cancel"
	return f.intent, f.err
}

func (f *fakeProvider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error) {
	f.lastOp = "verify"
	return f.event, f.err
}

func TestManagerCreateIntentUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{intent: Intent{ID: "pi_stripe"}}
	square := &fakeProvider{intent: Intent{ID: "pi_square"}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"square": square,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.CreateIntent(ctx, "square", CreateIntentRequest{Amount: 7220, Currency: "usd"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Provider != "square" {
		t.Fatalf("expected provider 'square', got %q", intent.Provider)
	}
	if square.lastOp != "create" {
		t.Fatalf("expected square provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{intent: Intent{ID: "pi_123"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.LookupIntent(ctx, "", LookupRequest{IntentID: "pi_123"})
	if err != nil {
		t.Fatalf("lookup intent: %v", err)
	}
	if stripe.lastOp != "lookup" {
		t.Fatalf("expected lookup to invoke default provider")
	}
	if intent.Provider != "stripe" {
		t.Fatalf("unexpected provider on intent: %q", intent.Provider)
	}
}

func TestManagerUnsupportedGateway(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"alpha": &fakeProvider{}, "beta": &fakeProvider{}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.CreateIntent(ctx, "unknown", CreateIntentRequest{Amount: 100, Currency: "usd"})
	if !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
