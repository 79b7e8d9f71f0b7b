package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/gateway"
	"github.com/fixnest/api/internal/platform/httpx"
	"github.com/fixnest/api/internal/services"
)

const (
	maxWebhookBody        = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// webhookVerifier is the slice of the gateway manager the webhook handler uses.
type webhookVerifier interface {
	VerifyWebhook(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error)
}

// WebhookHandlers receives gateway confirmation deliveries.
type WebhookHandlers struct {
	gateways  webhookVerifier
	reconcile services.ReconcileService
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlersDeps bundles collaborators for webhook handling.
type WebhookHandlersDeps struct {
	Gateways  webhookVerifier
	Reconcile services.ReconcileService
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the webhook endpoint handlers.
func NewWebhookHandlers(deps WebhookHandlersDeps) (*WebhookHandlers, error) {
	if deps.Gateways == nil {
		return nil, errors.New("webhook handlers: gateway verifier is required")
	}
	if deps.Reconcile == nil {
		return nil, errors.New("webhook handlers: reconcile service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		gateways:  deps.Gateways,
		reconcile: deps.Reconcile,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/psp/{provider}", h.handleDelivery)
}

// handleDelivery verifies and reconciles one gateway delivery. Once the
// signature checks out, the response is always 2xx: reconciliation results,
// duplicates, and anomalies are all acknowledged so the gateway stops
// retrying deliveries that will never apply differently.
func (h *WebhookHandlers) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read payload", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.gateways.VerifyWebhook(ctx, provider, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, gateway.ErrVerification) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		if errors.Is(err, gateway.ErrUnsupportedGateway) {
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
		return
	}

	// Event types the adapter does not map carry no intent id; acknowledge
	// without reconciling.
	if event.IntentID == "" {
		h.logger(ctx, "webhook.ignored", map[string]any{
			"provider":  provider,
			"eventType": event.Type,
		})
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	outcome := domain.ConfirmationOutcomeSucceeded
	if event.Status == gateway.StatusFailed {
		outcome = domain.ConfirmationOutcomeFailed
	}

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = h.clock()
	}

	result, err := h.reconcile.ApplyConfirmation(ctx, services.ConfirmationCommand{
		Source:         domain.ConfirmationSourceWebhook,
		Outcome:        outcome,
		IntentID:       event.IntentID,
		GatewayEventID: event.ID,
		Amount:         event.Amount,
		Currency:       event.Currency,
		ReceivedAt:     receivedAt,
		Payload:        event.Payload,
	})
	if err != nil {
		// The delivery is valid but could not be applied; a non-2xx makes
		// the gateway redeliver once the store recovers.
		h.logger(ctx, "webhook.reconcile.failed", map[string]any{
			"provider": provider,
			"eventId":  event.ID,
			"error":    err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_retry", "delivery could not be applied", http.StatusServiceUnavailable))
		return
	}

	status := "applied"
	switch {
	case result.Duplicate:
		status = "duplicate"
	case result.Anomaly != "":
		status = "anomaly"
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": status})
}
