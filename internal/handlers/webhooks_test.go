package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/gateway"
	"github.com/fixnest/api/internal/services"
)

type stubWebhookVerifier struct {
	verifyFn func(context.Context, string, []byte, string) (gateway.WebhookEvent, error)

	provider  string
	payload   []byte
	signature string
}

func (s *stubWebhookVerifier) VerifyWebhook(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
	s.provider = preferred
	s.payload = payload
	s.signature = signature
	if s.verifyFn != nil {
		return s.verifyFn(ctx, preferred, payload, signature)
	}
	return gateway.WebhookEvent{}, errors.New("not implemented")
}

type stubReconcileService struct {
	applyFn func(context.Context, services.ConfirmationCommand) (services.ReconcileResult, error)
}

func (s *stubReconcileService) ApplyConfirmation(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func newWebhookTestRouter(t *testing.T, verifier webhookVerifier, reconcile services.ReconcileService) chi.Router {
	t.Helper()

	handler, err := NewWebhookHandlers(WebhookHandlersDeps{
		Gateways:  verifier,
		Reconcile: reconcile,
		Clock:     func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to construct webhook handlers: %v", err)
	}

	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func succeededEvent() gateway.WebhookEvent {
	return gateway.WebhookEvent{
		ID:         "evt_1",
		Type:       "payment_intent.succeeded",
		IntentID:   "pi_1",
		Status:     gateway.StatusSucceeded,
		Amount:     7220,
		Currency:   "usd",
		ReceivedAt: time.Date(2025, 6, 15, 9, 59, 0, 0, time.UTC),
		Payload:    []byte(`{"id":"evt_1"}`),
	}
}

func TestWebhookHandlersAppliesConfirmation(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return succeededEvent(), nil
		},
	}

	var captured services.ConfirmationCommand
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			captured = cmd
			return services.ReconcileResult{Request: sampleServiceRequest()}, nil
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}

	if verifier.provider != "stripe" {
		t.Fatalf("expected provider stripe, got %s", verifier.provider)
	}
	if verifier.signature != "t=1,v1=abc" {
		t.Fatalf("expected signature header forwarded, got %s", verifier.signature)
	}

	if captured.Source != domain.ConfirmationSourceWebhook {
		t.Fatalf("expected webhook source, got %s", captured.Source)
	}
	if captured.Outcome != domain.ConfirmationOutcomeSucceeded {
		t.Fatalf("expected succeeded outcome, got %s", captured.Outcome)
	}
	if captured.IntentID != "pi_1" {
		t.Fatalf("expected intent pi_1, got %s", captured.IntentID)
	}
	if captured.GatewayEventID != "evt_1" {
		t.Fatalf("expected event evt_1, got %s", captured.GatewayEventID)
	}
	if captured.Amount != 7220 || captured.Currency != "usd" {
		t.Fatalf("unexpected amount %d %s", captured.Amount, captured.Currency)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "applied" {
		t.Fatalf("expected status applied, got %s", body["status"])
	}
}

func TestWebhookHandlersFailedEventMapsToFailedOutcome(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			event := succeededEvent()
			event.Type = "payment_intent.payment_failed"
			event.Status = gateway.StatusFailed
			return event, nil
		},
	}

	var captured services.ConfirmationCommand
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			captured = cmd
			return services.ReconcileResult{Request: sampleServiceRequest()}, nil
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Outcome != domain.ConfirmationOutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", captured.Outcome)
	}
}

func TestWebhookHandlersDuplicateStillAcknowledged(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return succeededEvent(), nil
		},
	}
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{Request: sampleServiceRequest(), Duplicate: true}, nil
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "duplicate" {
		t.Fatalf("expected status duplicate, got %s", body["status"])
	}
}

func TestWebhookHandlersAnomalyStillAcknowledged(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return succeededEvent(), nil
		},
	}
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{Anomaly: "amount_mismatch"}, nil
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "anomaly" {
		t.Fatalf("expected status anomaly, got %s", body["status"])
	}
}

func TestWebhookHandlersBadSignature(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return gateway.WebhookEvent{}, gateway.ErrVerification
		},
	}

	router := newWebhookTestRouter(t, verifier, &stubReconcileService{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "invalid_signature" {
		t.Fatalf("expected invalid_signature error, got %v", body["error"])
	}
}

func TestWebhookHandlersUnknownProvider(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return gateway.WebhookEvent{}, gateway.ErrUnsupportedGateway
		},
	}

	router := newWebhookTestRouter(t, verifier, &stubReconcileService{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/acme", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestWebhookHandlersIgnoresUnmappedEventTypes(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return gateway.WebhookEvent{ID: "evt_2", Type: "charge.refund.updated"}, nil
		},
	}

	reconcileCalled := false
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			reconcileCalled = true
			return services.ReconcileResult{}, nil
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if reconcileCalled {
		t.Fatalf("expected reconcile to be skipped for unmapped event types")
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "ignored" {
		t.Fatalf("expected status ignored, got %s", body["status"])
	}
}

func TestWebhookHandlersStoreFailureRequestsRedelivery(t *testing.T) {
	verifier := &stubWebhookVerifier{
		verifyFn: func(ctx context.Context, preferred string, payload []byte, signature string) (gateway.WebhookEvent, error) {
			return succeededEvent(), nil
		},
	}
	reconcile := &stubReconcileService{
		applyFn: func(ctx context.Context, cmd services.ConfirmationCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, services.ErrReconcileUnavailable
		},
	}

	router := newWebhookTestRouter(t, verifier, reconcile)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "webhook_retry" {
		t.Fatalf("expected webhook_retry error, got %v", body["error"])
	}
}
