package handlers

import (
	"bytes"
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
	"github.com/fixnest/api/internal/platform/auth"
	"github.com/fixnest/api/internal/services"
)

type stubRequestService struct {
	createFn     func(context.Context, services.CreateRequestCommand) (domain.ServiceRequest, error)
	getFn        func(context.Context, services.GetRequestQuery) (domain.ServiceRequest, error)
	listFn       func(context.Context, services.ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error)
	cancelFn     func(context.Context, services.CancelRequestCommand) (domain.ServiceRequest, error)
	transitionFn func(context.Context, services.TransitionStatusCommand) (domain.ServiceRequest, error)
	lineItemFn   func(context.Context, services.UpdateLineItemStatusCommand) (domain.ServiceRequest, error)
}

func (s *stubRequestService) CreateRequest(ctx context.Context, cmd services.CreateRequestCommand) (domain.ServiceRequest, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.ServiceRequest{}, errors.New("not implemented")
}

func (s *stubRequestService) GetRequest(ctx context.Context, query services.GetRequestQuery) (domain.ServiceRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, query)
	}
	return domain.ServiceRequest{}, errors.New("not implemented")
}

func (s *stubRequestService) ListRequests(ctx context.Context, query services.ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.ServiceRequest]{}, nil
}

func (s *stubRequestService) CancelRequest(ctx context.Context, cmd services.CancelRequestCommand) (domain.ServiceRequest, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.ServiceRequest{}, errors.New("not implemented")
}

func (s *stubRequestService) TransitionStatus(ctx context.Context, cmd services.TransitionStatusCommand) (domain.ServiceRequest, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.ServiceRequest{}, errors.New("not implemented")
}

func (s *stubRequestService) UpdateLineItemStatus(ctx context.Context, cmd services.UpdateLineItemStatusCommand) (domain.ServiceRequest, error) {
	if s.lineItemFn != nil {
		return s.lineItemFn(ctx, cmd)
	}
	return domain.ServiceRequest{}, errors.New("not implemented")
}

func sampleServiceRequest() domain.ServiceRequest {
	created := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	return domain.ServiceRequest{
		ID:      "req_123",
		OwnerID: "user-1",
		LineItems: []domain.LineItem{
			{ServiceID: "svc-plumbing", Name: "Pipe repair", Category: "plumbing", UnitPrice: 1500, Quantity: 2, Scheduling: domain.SchedulingImmediate, Status: domain.LineItemStatusPending},
			{ServiceID: "svc-seal", Name: "Seal replacement", UnitPrice: 1000, Quantity: 1, Scheduling: domain.SchedulingImmediate, Status: domain.LineItemStatusPending},
		},
		Address: domain.Address{
			Line1:      "12 Main St",
			City:       "Springfield",
			Region:     "IL",
			PostalCode: "62704",
			Country:    "US",
		},
		Urgency:  domain.UrgencyHigh,
		Currency: "usd",
		Pricing: domain.Pricing{
			Subtotal:      4000,
			Tax:           720,
			CommuteCharge: 2500,
			Total:         7220,
		},
		PaymentStatus: domain.PaymentStatusPending,
		OverallStatus: domain.OverallStatusPendingPayment,
		Version:       1,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func newRequestTestRouter(service services.RequestService) chi.Router {
	handler := NewRequestHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/requests", handler.Routes)
	return router
}

func authedRequest(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestRequestHandlersCreateRequestSuccess(t *testing.T) {
	var captured services.CreateRequestCommand
	service := &stubRequestService{
		createFn: func(ctx context.Context, cmd services.CreateRequestCommand) (domain.ServiceRequest, error) {
			captured = cmd
			return sampleServiceRequest(), nil
		},
	}

	router := newRequestTestRouter(service)

	payload := `{
		"items": [
			{"serviceId": "svc-plumbing", "name": "Pipe repair", "category": "plumbing", "unitPrice": 1500, "quantity": 2, "scheduling": "scheduled", "scheduledAt": "2025-06-20T09:00:00Z", "note": "use the side entrance"},
			{"serviceId": "svc-seal", "name": "Seal replacement", "unitPrice": 1000, "quantity": 1}
		],
		"address": {"line1": "12 Main St", "city": "Springfield", "region": "IL", "postalCode": "62704", "country": "us", "coordinates": {"latitude": 39.78, "longitude": -89.65}, "provenance": "current"},
		"urgency": "high",
		"note": "Gate code 4411"
	}`

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(payload)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", rr.Code, rr.Body.String())
	}

	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", captured.OwnerID)
	}
	if len(captured.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(captured.Items))
	}
	if captured.Items[0].UnitPrice != 1500 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected first item: %#v", captured.Items[0])
	}
	if captured.Items[0].Scheduling != "scheduled" || captured.Items[0].Note != "use the side entrance" {
		t.Fatalf("scheduling not forwarded: %#v", captured.Items[0])
	}
	wantSlot := time.Date(2025, 6, 20, 9, 0, 0, 0, time.UTC)
	if captured.Items[0].ScheduledAt == nil || !captured.Items[0].ScheduledAt.Equal(wantSlot) {
		t.Fatalf("scheduled time not forwarded: %#v", captured.Items[0].ScheduledAt)
	}
	if captured.Address.Country != "us" {
		t.Fatalf("expected country forwarded untouched, got %s", captured.Address.Country)
	}
	if captured.Address.Region != "IL" {
		t.Fatalf("expected region forwarded, got %s", captured.Address.Region)
	}
	if captured.Address.Coordinates == nil || captured.Address.Coordinates.Latitude != 39.78 {
		t.Fatalf("coordinates not forwarded: %#v", captured.Address.Coordinates)
	}
	if captured.Address.Provenance != "current" {
		t.Fatalf("provenance not forwarded, got %s", captured.Address.Provenance)
	}
	if captured.Urgency != "high" {
		t.Fatalf("expected urgency high, got %s", captured.Urgency)
	}
	if captured.Note != "Gate code 4411" {
		t.Fatalf("expected note forwarded, got %q", captured.Note)
	}

	var body struct {
		Request struct {
			ID       string `json:"id"`
			Currency string `json:"currency"`
			Pricing  struct {
				Total int64 `json:"total"`
			} `json:"pricing"`
			OverallStatus string `json:"overallStatus"`
		} `json:"request"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Request.ID != "req_123" {
		t.Fatalf("expected request req_123, got %s", body.Request.ID)
	}
	if body.Request.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", body.Request.Currency)
	}
	if body.Request.Pricing.Total != 7220 {
		t.Fatalf("expected total 7220, got %d", body.Request.Pricing.Total)
	}
	if body.Request.OverallStatus != string(domain.OverallStatusPendingPayment) {
		t.Fatalf("expected overall status pending_payment, got %s", body.Request.OverallStatus)
	}
}

func TestRequestHandlersCreateRequestRequiresAuth(t *testing.T) {
	router := newRequestTestRouter(&stubRequestService{})

	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestRequestHandlersCreateRequestInvalidJSON(t *testing.T) {
	router := newRequestTestRouter(&stubRequestService{})

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader("{not json")), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestRequestHandlersCreateRequestValidationError(t *testing.T) {
	service := &stubRequestService{
		createFn: func(ctx context.Context, cmd services.CreateRequestCommand) (domain.ServiceRequest, error) {
			return domain.ServiceRequest{}, services.ErrRequestInvalidInput
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(`{"items": []}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request error, got %v", body["error"])
	}
}

func TestRequestHandlersListRequestsForwardsQuery(t *testing.T) {
	var captured services.ListRequestsQuery
	service := &stubRequestService{
		listFn: func(ctx context.Context, query services.ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error) {
			captured = query
			return domain.CursorPage[domain.ServiceRequest]{
				Items:      []domain.ServiceRequest{sampleServiceRequest()},
				NextCursor: "tok-next",
			}, nil
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests?status=pending_payment&page_size=10&page_token=tok123", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", captured.OwnerID)
	}
	if captured.OverallStatus != "pending_payment" {
		t.Fatalf("expected status filter pending_payment, got %s", captured.OverallStatus)
	}
	if captured.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.PageSize)
	}
	if captured.Cursor != "tok123" {
		t.Fatalf("expected cursor tok123, got %s", captured.Cursor)
	}

	var body struct {
		Items []struct {
			ID       string `json:"id"`
			Currency string `json:"currency"`
			Total    int64  `json:"total"`
		} `json:"items"`
		NextPageToken string `json:"next_page_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "req_123" {
		t.Fatalf("unexpected items: %#v", body.Items)
	}
	if body.Items[0].Total != 7220 {
		t.Fatalf("expected summary total 7220, got %d", body.Items[0].Total)
	}
	if body.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", body.NextPageToken)
	}
}

func TestRequestHandlersListRequestsClampsPageSize(t *testing.T) {
	var captured services.ListRequestsQuery
	service := &stubRequestService{
		listFn: func(ctx context.Context, query services.ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error) {
			captured = query
			return domain.CursorPage[domain.ServiceRequest]{}, nil
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests?page_size=500", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.PageSize != maxRequestPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxRequestPageSize, captured.PageSize)
	}
}

func TestRequestHandlersListRequestsRejectsBadPageSize(t *testing.T) {
	router := newRequestTestRouter(&stubRequestService{})

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests?page_size=ten", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestRequestHandlersGetRequestSuccess(t *testing.T) {
	var captured services.GetRequestQuery
	service := &stubRequestService{
		getFn: func(ctx context.Context, query services.GetRequestQuery) (domain.ServiceRequest, error) {
			captured = query
			return sampleServiceRequest(), nil
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests/req_123", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.RequestID != "req_123" {
		t.Fatalf("expected request req_123, got %s", captured.RequestID)
	}
	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", captured.OwnerID)
	}
}

func TestRequestHandlersGetRequestOwnershipReadsAsNotFound(t *testing.T) {
	service := &stubRequestService{
		getFn: func(ctx context.Context, query services.GetRequestQuery) (domain.ServiceRequest, error) {
			return domain.ServiceRequest{}, services.ErrRequestForbidden
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests/req_123", nil), "intruder")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "request_not_found" {
		t.Fatalf("expected request_not_found error, got %v", body["error"])
	}
}

func TestRequestHandlersGetReceiptFormatsAmounts(t *testing.T) {
	paidAt := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	request := sampleServiceRequest()
	request.PaymentStatus = domain.PaymentStatusCompleted
	request.OverallStatus = domain.OverallStatusPaid
	request.PaidAt = &paidAt
	request.Pricing = domain.Pricing{Subtotal: 720000, Tax: 129600, CommuteCharge: 2500, Total: 852100}
	request.LineItems = []domain.LineItem{
		{ServiceID: "svc-reno", Name: "Kitchen renovation", UnitPrice: 360000, Quantity: 2, Status: domain.LineItemStatusPending},
	}

	service := &stubRequestService{
		getFn: func(ctx context.Context, query services.GetRequestQuery) (domain.ServiceRequest, error) {
			return request, nil
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/requests/req_123/receipt", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body struct {
		RequestID string `json:"requestId"`
		Currency  string `json:"currency"`
		Lines     []struct {
			Label     string `json:"label"`
			Quantity  int64  `json:"quantity"`
			UnitPrice string `json:"unitPrice"`
			Amount    string `json:"amount"`
		} `json:"lines"`
		Summary struct {
			Subtotal      string `json:"subtotal"`
			Tax           string `json:"tax"`
			CommuteCharge string `json:"commuteCharge"`
			Total         string `json:"total"`
		} `json:"summary"`
		PaidAt string `json:"paidAt"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if body.RequestID != "req_123" {
		t.Fatalf("expected request req_123, got %s", body.RequestID)
	}
	if body.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", body.Currency)
	}
	if len(body.Lines) != 1 {
		t.Fatalf("expected 1 receipt line, got %d", len(body.Lines))
	}
	if body.Lines[0].UnitPrice != "USD 3,600.00" {
		t.Fatalf("expected unit price USD 3,600.00, got %s", body.Lines[0].UnitPrice)
	}
	if body.Lines[0].Amount != "USD 7,200.00" {
		t.Fatalf("expected line amount USD 7,200.00, got %s", body.Lines[0].Amount)
	}
	if body.Summary.Subtotal != "USD 7,200.00" {
		t.Fatalf("expected subtotal USD 7,200.00, got %s", body.Summary.Subtotal)
	}
	if body.Summary.Tax != "USD 1,296.00" {
		t.Fatalf("expected tax USD 1,296.00, got %s", body.Summary.Tax)
	}
	if body.Summary.CommuteCharge != "USD 25.00" {
		t.Fatalf("expected commute charge USD 25.00, got %s", body.Summary.CommuteCharge)
	}
	if body.Summary.Total != "USD 8,521.00" {
		t.Fatalf("expected total USD 8,521.00, got %s", body.Summary.Total)
	}
	if body.PaidAt == "" {
		t.Fatalf("expected paidAt to be set")
	}
}

func TestRequestHandlersCancelRequest(t *testing.T) {
	cancelledAt := time.Date(2025, 6, 11, 8, 0, 0, 0, time.UTC)
	var captured services.CancelRequestCommand
	service := &stubRequestService{
		cancelFn: func(ctx context.Context, cmd services.CancelRequestCommand) (domain.ServiceRequest, error) {
			captured = cmd
			cancelled := sampleServiceRequest()
			cancelled.OverallStatus = domain.OverallStatusCancelled
			cancelled.CancelledAt = &cancelledAt
			return cancelled, nil
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/requests/req_123:cancel", bytes.NewReader(nil)), "user-1")
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
		Request struct {
			OverallStatus string `json:"overallStatus"`
			CancelledAt   string `json:"cancelledAt"`
		} `json:"request"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Request.OverallStatus != string(domain.OverallStatusCancelled) {
		t.Fatalf("expected cancelled status, got %s", body.Request.OverallStatus)
	}
	if body.Request.CancelledAt == "" {
		t.Fatalf("expected cancelledAt to be set")
	}
}

func TestRequestHandlersCancelRequestAfterPaymentConflicts(t *testing.T) {
	service := &stubRequestService{
		cancelFn: func(ctx context.Context, cmd services.CancelRequestCommand) (domain.ServiceRequest, error) {
			return domain.ServiceRequest{}, services.ErrRequestInvalidState
		},
	}

	router := newRequestTestRouter(service)

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/requests/req_123:cancel", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["error"] != "request_invalid_state" {
		t.Fatalf("expected request_invalid_state error, got %v", body["error"])
	}
}
