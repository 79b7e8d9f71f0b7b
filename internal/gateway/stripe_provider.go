package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// StripeIntentAPI is the slice of the Stripe client the provider calls.
// Leave Intents unset in StripeProviderConfig to use the real client.
type StripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Intents       StripeIntentAPI
}

// StripeProvider implements the Provider interface on Stripe Payment Intents.
type StripeProvider struct {
	intents       StripeIntentAPI
	webhookSecret string
	account       string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe gateway adapter using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	intents := cfg.Intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:       intents,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent opens a Stripe Payment Intent for the priced request.
func (p *StripeProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("stripe: intent amount must be positive, got %d", req.Amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripeError("create payment intent", err, true)
	}

	p.logger(ctx, "gateway.stripe.intent.created", map[string]any{
		"intentId": intent.ID,
		"amount":   intent.Amount,
		"currency": intent.Currency,
	})
	return stripeIntent(intent), nil
}

// LookupIntent retrieves the current gateway state of an intent.
func (p *StripeProvider) LookupIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return Intent{}, errors.New("stripe: intent id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.Get(id, params)
	if err != nil {
		return Intent{}, classifyStripeError("lookup payment intent", err, false)
	}
	return stripeIntent(intent), nil
}

// CancelIntent voids an intent that will no longer be confirmed.
func (p *StripeProvider) CancelIntent(ctx context.Context, req CancelRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return Intent{}, errors.New("stripe: intent id is required")
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.Cancel(id, params)
	if err != nil {
		return Intent{}, classifyStripeError("cancel payment intent", err, true)
	}
	p.logger(ctx, "gateway.stripe.intent.cancelled", map[string]any{"intentId": intent.ID})
	return stripeIntent(intent), nil
}

// VerifyWebhook checks the Stripe signature and normalises the event payload.
// Unhandled event types are returned with an empty intent ID so callers can ACK them.
func (p *StripeProvider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrVerification)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		ReceivedAt: p.clock(),
		Payload:    payload,
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode payment intent payload: %v", ErrVerification, err)
		}
		out.IntentID = intent.ID
		out.Amount = intent.Amount
		out.Currency = strings.ToLower(string(intent.Currency))
		if event.Type == "payment_intent.succeeded" {
			out.Status = StatusSucceeded
		} else {
			out.Status = StatusFailed
		}
	default:
		p.logger(ctx, "gateway.stripe.webhook.ignored", map[string]any{"eventId": event.ID, "type": event.Type})
	}

	return out, nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	case stripe.PaymentIntentStatusProcessing:
		status = StatusProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		status = StatusPending
	}

	failureCode := ""
	if intent.LastPaymentError != nil {
		failureCode = string(intent.LastPaymentError.Code)
		if intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod {
			// A declined charge leaves the intent reusable on Stripe's side, but
			// the decline itself is a terminal failure for the attempt.
			status = StatusFailed
		}
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return Intent{
		ID:           intent.ID,
		Provider:     "stripe",
		ClientSecret: intent.ClientSecret,
		Status:       status,
		Amount:       intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
		CreatedAt:    time.Unix(intent.Created, 0).UTC(),
		FailureCode:  failureCode,
		Raw:          raw,
	}
}

// classifyStripeError maps transport and API failures onto the shared sentinels.
// Mutating calls whose outcome is unknown are tagged ambiguous rather than
// transient so callers do not retry them blindly.
func classifyStripeError(op string, err error, mutating bool) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: stripe %s: %v", ErrIntentNotFound, op, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: stripe %s: %v", ErrTransient, op, err)
		default:
			return fmt.Errorf("stripe: %s: %w", op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if mutating {
			return fmt.Errorf("%w: stripe %s: %v", ErrAmbiguous, op, err)
		}
		return fmt.Errorf("%w: stripe %s: %v", ErrTransient, op, err)
	}
	if mutating {
		return fmt.Errorf("%w: stripe %s: %v", ErrAmbiguous, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrTransient, op, err)
}
