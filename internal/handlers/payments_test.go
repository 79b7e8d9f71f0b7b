package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

type stubPaymentService struct {
	beginFn   func(context.Context, services.BeginPaymentCommand) (services.PaymentSession, error)
	statusFn  func(context.Context, services.GetRequestQuery) (services.PaymentStatusView, error)
	confirmFn func(context.Context, services.FallbackConfirmCommand) (services.ReconcileResult, error)
}

func (s *stubPaymentService) BeginPayment(ctx context.Context, cmd services.BeginPaymentCommand) (services.PaymentSession, error) {
	if s.beginFn != nil {
		return s.beginFn(ctx, cmd)
	}
	return services.PaymentSession{}, errors.New("not implemented")
}

func (s *stubPaymentService) GetPaymentStatus(ctx context.Context, query services.GetRequestQuery) (services.PaymentStatusView, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, query)
	}
	return services.PaymentStatusView{}, errors.New("not implemented")
}

func (s *stubPaymentService) ConfirmFallback(ctx context.Context, cmd services.FallbackConfirmCommand) (services.ReconcileResult, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func newPaymentTestRouter(service services.PaymentService) chi.Router {
	handler := NewPaymentHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/payments", handler.Routes)
	return router
}

func TestPaymentHandlersBeginPaymentSuccess(t *testing.T) {
	var captured services.BeginPaymentCommand
	service := &stubPaymentService{
		beginFn: func(ctx context.Context, cmd services.BeginPaymentCommand) (services.PaymentSession, error) {
			captured = cmd
			return services.PaymentSession{
				RequestID:    "req_123",
				IntentID:     "pi_1",
				ClientSecret: "pi_1_secret",
				Amount:       7220,
				Currency:     "usd",
				Status:       domain.PaymentStatusProcessing,
			}, nil
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:begin", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if captured.RequestID != "req_123" {
		t.Fatalf("expected request req_123, got %s", captured.RequestID)
	}
	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", captured.OwnerID)
	}

	var body struct {
		RequestID     string `json:"requestId"`
		IntentID      string `json:"intentId"`
		ClientSecret  string `json:"clientSecret"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		PaymentStatus string `json:"paymentStatus"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.IntentID != "pi_1" {
		t.Fatalf("expected intent pi_1, got %s", body.IntentID)
	}
	if body.ClientSecret != "pi_1_secret" {
		t.Fatalf("expected client secret, got %s", body.ClientSecret)
	}
	if body.Amount != 7220 {
		t.Fatalf("expected amount 7220, got %d", body.Amount)
	}
	if body.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", body.Currency)
	}
	if body.PaymentStatus != string(domain.PaymentStatusProcessing) {
		t.Fatalf("expected processing status, got %s", body.PaymentStatus)
	}
}

func TestPaymentHandlersBeginPaymentRequiresAuth(t *testing.T) {
	router := newPaymentTestRouter(&stubPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/payments/req_123:begin", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestPaymentHandlersBeginPaymentConflict(t *testing.T) {
	service := &stubPaymentService{
		beginFn: func(ctx context.Context, cmd services.BeginPaymentCommand) (services.PaymentSession, error) {
			return services.PaymentSession{}, services.ErrPaymentConflict
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:begin", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "payment_conflict" {
		t.Fatalf("expected payment_conflict error, got %v", body["error"])
	}
}

func TestPaymentHandlersBeginPaymentGatewayUnavailable(t *testing.T) {
	service := &stubPaymentService{
		beginFn: func(ctx context.Context, cmd services.BeginPaymentCommand) (services.PaymentSession, error) {
			return services.PaymentSession{}, services.ErrPaymentGatewayUnavailable
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:begin", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "gateway_unavailable" {
		t.Fatalf("expected gateway_unavailable error, got %v", body["error"])
	}
}

func TestPaymentHandlersConfirmFallbackWithEmptyBody(t *testing.T) {
	var captured services.FallbackConfirmCommand
	service := &stubPaymentService{
		confirmFn: func(ctx context.Context, cmd services.FallbackConfirmCommand) (services.ReconcileResult, error) {
			captured = cmd
			request := sampleServiceRequest()
			request.PaymentStatus = domain.PaymentStatusCompleted
			request.OverallStatus = domain.OverallStatusPaid
			return services.ReconcileResult{Request: request}, nil
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:confirm", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if captured.RequestID != "req_123" {
		t.Fatalf("expected request req_123, got %s", captured.RequestID)
	}
	if captured.IntentID != "" {
		t.Fatalf("expected empty intent id, got %s", captured.IntentID)
	}

	var body struct {
		PaymentStatus string `json:"paymentStatus"`
		OverallStatus string `json:"overallStatus"`
		Duplicate     bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.PaymentStatus != string(domain.PaymentStatusCompleted) {
		t.Fatalf("expected completed payment, got %s", body.PaymentStatus)
	}
	if body.OverallStatus != string(domain.OverallStatusPaid) {
		t.Fatalf("expected paid overall status, got %s", body.OverallStatus)
	}
	if body.Duplicate {
		t.Fatalf("expected duplicate false")
	}
}

func TestPaymentHandlersConfirmFallbackForwardsIntentID(t *testing.T) {
	var captured services.FallbackConfirmCommand
	service := &stubPaymentService{
		confirmFn: func(ctx context.Context, cmd services.FallbackConfirmCommand) (services.ReconcileResult, error) {
			captured = cmd
			return services.ReconcileResult{Request: sampleServiceRequest(), Duplicate: true}, nil
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:confirm", strings.NewReader(`{"intentId": " pi_9 "}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.IntentID != "pi_9" {
		t.Fatalf("expected trimmed intent pi_9, got %q", captured.IntentID)
	}

	var body struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Duplicate {
		t.Fatalf("expected duplicate true")
	}
}

func TestPaymentHandlersConfirmFallbackPending(t *testing.T) {
	service := &stubPaymentService{
		confirmFn: func(ctx context.Context, cmd services.FallbackConfirmCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, services.ErrPaymentPending
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:confirm", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "payment_pending" {
		t.Fatalf("expected payment_pending error, got %v", body["error"])
	}
}

func TestPaymentHandlersConfirmFallbackUnknownIntent(t *testing.T) {
	service := &stubPaymentService{
		confirmFn: func(ctx context.Context, cmd services.FallbackConfirmCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, fmt.Errorf("%w: intent pi_gone", gateway.ErrIntentNotFound)
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:confirm", strings.NewReader(`{"intentId":"pi_gone"}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d (%s)", rr.Code, rr.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "intent_not_found" {
		t.Fatalf("expected intent_not_found error, got %v", body["error"])
	}
}

func TestPaymentHandlersConfirmFallbackInvalidJSON(t *testing.T) {
	router := newPaymentTestRouter(&stubPaymentService{})

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/payments/req_123:confirm", strings.NewReader("{broken")), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPaymentHandlersGetStatus(t *testing.T) {
	paidAt := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	var captured services.GetRequestQuery
	service := &stubPaymentService{
		statusFn: func(ctx context.Context, query services.GetRequestQuery) (services.PaymentStatusView, error) {
			captured = query
			return services.PaymentStatusView{
				RequestID:       "req_123",
				IsPaid:          true,
				PaymentStatus:   domain.PaymentStatusCompleted,
				OverallStatus:   domain.OverallStatusPaid,
				GatewayIntentID: "pi_1",
				AmountDue:       0,
				Currency:        "usd",
				PaidAt:          &paidAt,
			}, nil
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/payments/req_123/status", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.RequestID != "req_123" || captured.OwnerID != "user-1" {
		t.Fatalf("unexpected query: %#v", captured)
	}

	var body struct {
		RequestID       string `json:"requestId"`
		IsPaid          bool   `json:"isPaid"`
		PaymentStatus   string `json:"paymentStatus"`
		GatewayIntentID string `json:"gatewayIntentId"`
		Currency        string `json:"currency"`
		PaidAt          string `json:"paidAt"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.IsPaid {
		t.Fatalf("expected isPaid true")
	}
	if body.GatewayIntentID != "pi_1" {
		t.Fatalf("expected intent pi_1, got %s", body.GatewayIntentID)
	}
	if body.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", body.Currency)
	}
	if body.PaidAt != paidAt.Format(time.RFC3339Nano) {
		t.Fatalf("expected paidAt %s, got %s", paidAt.Format(time.RFC3339Nano), body.PaidAt)
	}
}

func TestPaymentHandlersGetStatusNotFound(t *testing.T) {
	service := &stubPaymentService{
		statusFn: func(ctx context.Context, query services.GetRequestQuery) (services.PaymentStatusView, error) {
			return services.PaymentStatusView{}, services.ErrPaymentNotFound
		},
	}

	router := newPaymentTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/payments/req_404/status", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
