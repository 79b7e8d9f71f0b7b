package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised intent states shared across gateways.
type Status string

const (
	// StatusPending indicates the intent is awaiting customer action.
	StatusPending Status = "pending"
	// StatusProcessing indicates the gateway is processing the charge.
	StatusProcessing Status = "processing"
	// StatusSucceeded indicates the gateway reports the charge as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the charge failed or the intent was cancelled.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a provider.
	ErrUnsupportedGateway = errors.New("gateway: unsupported gateway")
	// ErrTransient marks gateway failures that are safe to retry with the same idempotency key.
	ErrTransient = errors.New("gateway: transient failure")
	// ErrAmbiguous marks gateway calls whose outcome is unknown; callers must not retry blindly.
	ErrAmbiguous = errors.New("gateway: ambiguous outcome")
	// ErrVerification marks webhook payloads that fail signature verification.
	ErrVerification = errors.New("gateway: webhook verification failed")
	// ErrIntentNotFound is returned when the gateway has no record of the intent.
	ErrIntentNotFound = errors.New("gateway: intent not found")
)

// CreateIntentRequest captures the payload required to open a payment intent.
type CreateIntentRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent normalises gateway-specific intent fields.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
	CreatedAt    time.Time
	FailureCode  string
	Raw          map[string]any
}

// LookupRequest identifies an intent for reconciliation lookups.
type LookupRequest struct {
	IntentID string
}

// CancelRequest voids an intent that will no longer be confirmed.
type CancelRequest struct {
	IntentID       string
	IdempotencyKey string
}

// WebhookEvent is a verified confirmation delivery from the gateway.
type WebhookEvent struct {
	ID         string
	Type       string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	ReceivedAt time.Time
	Payload    []byte
}

// Provider defines the contract gateway adapters implement.
type Provider interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	LookupIntent(ctx context.Context, req LookupRequest) (Intent, error)
	CancelIntent(ctx context.Context, req CancelRequest) (Intent, error)
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error)
}

// Manager coordinates gateway selection over registered providers.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default gateway key.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("gateway: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("gateway: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolveProvider(preferred string) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("gateway: no providers registered")
	}
	if key := strings.TrimSpace(strings.ToLower(preferred)); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, preferred string, req CreateIntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(preferred)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// LookupIntent delegates to the resolved provider.
func (m *Manager) LookupIntent(ctx context.Context, preferred string, req LookupRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(preferred)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.LookupIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// CancelIntent delegates to the resolved provider.
func (m *Manager) CancelIntent(ctx context.Context, preferred string, req CancelRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(preferred)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CancelIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// VerifyWebhook delegates signature verification to the resolved provider.
func (m *Manager) VerifyWebhook(ctx context.Context, preferred string, payload []byte, signature string) (WebhookEvent, error) {
	_, provider, err := m.resolveProvider(preferred)
	if err != nil {
		return WebhookEvent{}, err
	}
	return provider.VerifyWebhook(ctx, payload, signature)
}

// IsTransient reports whether the error is safe to retry with the same idempotency key.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsAmbiguous reports whether the call's outcome is unknown and must not be retried.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}
