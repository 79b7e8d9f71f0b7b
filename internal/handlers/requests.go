package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/platform/auth"
	"github.com/fixnest/api/internal/platform/httpx"
	"github.com/fixnest/api/internal/services"
)

const (
	defaultRequestPageSize = 20
	maxRequestPageSize     = 100
	maxCreateRequestBody   = 32 * 1024
)

// RequestHandlers exposes the service-request endpoints for authenticated customers.
type RequestHandlers struct {
	authn    *auth.Authenticator
	requests services.RequestService
	receipts *receiptFormatter
}

// NewRequestHandlers constructs request handlers guarded by Firebase authentication.
func NewRequestHandlers(authn *auth.Authenticator, requests services.RequestService) *RequestHandlers {
	return &RequestHandlers{
		authn:    authn,
		requests: requests,
		receipts: newReceiptFormatter(),
	}
}

// Routes registers the /requests endpoints.
func (h *RequestHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createRequest)
	r.Get("/", h.listRequests)
	r.Get("/{requestID}", h.getRequest)
	r.Get("/{requestID}/receipt", h.getReceipt)
	r.Post("/{requestID}:cancel", h.cancelRequest)
}

type createRequestPayload struct {
	Items   []createRequestItem  `json:"items"`
	Address createRequestAddress `json:"address"`
	Urgency string               `json:"urgency"`
	Note    string               `json:"note"`
}

type createRequestItem struct {
	ServiceID   string     `json:"serviceId"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	UnitPrice   int64      `json:"unitPrice"`
	Quantity    int64      `json:"quantity"`
	Scheduling  string     `json:"scheduling"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	Note        string     `json:"note"`
}

type createRequestAddress struct {
	Line1       string              `json:"line1"`
	Line2       string              `json:"line2"`
	City        string              `json:"city"`
	Region      string              `json:"region"`
	PostalCode  string              `json:"postalCode"`
	Country     string              `json:"country"`
	Coordinates *coordinatesPayload `json:"coordinates"`
	Provenance  string              `json:"provenance"`
}

type coordinatesPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *RequestHandlers) createRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.requests != nil, "request_service_unavailable")
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCreateRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var payload createRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	items := make([]services.LineItemInput, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, services.LineItemInput{
			ServiceID:   item.ServiceID,
			Name:        item.Name,
			Category:    item.Category,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Scheduling:  item.Scheduling,
			ScheduledAt: item.ScheduledAt,
			Note:        item.Note,
		})
	}

	address := domain.Address{
		Line1:      payload.Address.Line1,
		Line2:      payload.Address.Line2,
		City:       payload.Address.City,
		Region:     payload.Address.Region,
		PostalCode: payload.Address.PostalCode,
		Country:    payload.Address.Country,
		Provenance: domain.AddressProvenance(payload.Address.Provenance),
	}
	if payload.Address.Coordinates != nil {
		address.Coordinates = &domain.Coordinates{
			Latitude:  payload.Address.Coordinates.Latitude,
			Longitude: payload.Address.Coordinates.Longitude,
		}
	}

	created, err := h.requests.CreateRequest(ctx, services.CreateRequestCommand{
		OwnerID: identity.UID,
		Items:   items,
		Address: address,
		Urgency: payload.Urgency,
		Note:    payload.Note,
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, requestResponse{Request: buildRequestPayload(created)})
}

func (h *RequestHandlers) listRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.requests != nil, "request_service_unavailable")
	if !ok {
		return
	}

	query := r.URL.Query()
	pageSize := defaultRequestPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultRequestPageSize
		case size > maxRequestPageSize:
			pageSize = maxRequestPageSize
		default:
			pageSize = size
		}
	}

	page, err := h.requests.ListRequests(ctx, services.ListRequestsQuery{
		OwnerID:       identity.UID,
		OverallStatus: strings.TrimSpace(query.Get("status")),
		PageSize:      pageSize,
		Cursor:        strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	items := make([]requestSummaryPayload, 0, len(page.Items))
	for _, request := range page.Items {
		items = append(items, buildRequestSummary(request))
	}
	writeJSONResponse(w, http.StatusOK, requestListResponse{
		Items:         items,
		NextPageToken: page.NextCursor,
	})
}

func (h *RequestHandlers) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.requests != nil, "request_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	request, err := h.requests.GetRequest(ctx, services.GetRequestQuery{
		RequestID: requestID,
		OwnerID:   identity.UID,
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requestResponse{Request: buildRequestPayload(request)})
}

func (h *RequestHandlers) getReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.requests != nil, "request_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	request, err := h.requests.GetRequest(ctx, services.GetRequestQuery{
		RequestID: requestID,
		OwnerID:   identity.UID,
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, h.receipts.build(request))
}

func (h *RequestHandlers) cancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.requests != nil, "request_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	cancelled, err := h.requests.CancelRequest(ctx, services.CancelRequestCommand{
		RequestID: requestID,
		OwnerID:   identity.UID,
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requestResponse{Request: buildRequestPayload(cancelled)})
}

type requestListResponse struct {
	Items         []requestSummaryPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type requestSummaryPayload struct {
	ID            string `json:"id"`
	OverallStatus string `json:"overallStatus"`
	PaymentStatus string `json:"paymentStatus"`
	Urgency       string `json:"urgency"`
	Currency      string `json:"currency"`
	Total         int64  `json:"total"`
	CreatedAt     string `json:"createdAt"`
}

type requestResponse struct {
	Request requestPayload `json:"request"`
}

type requestPayload struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"ownerId"`
	LineItems       []lineItemPayload `json:"lineItems"`
	Address         addressPayload    `json:"address"`
	Urgency         string            `json:"urgency"`
	Note            string            `json:"note,omitempty"`
	Currency        string            `json:"currency"`
	Pricing         pricingPayload    `json:"pricing"`
	PaymentStatus   string            `json:"paymentStatus"`
	OverallStatus   string            `json:"overallStatus"`
	GatewayIntentID string            `json:"gatewayIntentId,omitempty"`
	PaidAt          string            `json:"paidAt,omitempty"`
	CancelledAt     string            `json:"cancelledAt,omitempty"`
	CompletedAt     string            `json:"completedAt,omitempty"`
	CreatedAt       string            `json:"createdAt"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
}

type lineItemPayload struct {
	ServiceID   string `json:"serviceId"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int64  `json:"quantity"`
	Scheduling  string `json:"scheduling"`
	ScheduledAt string `json:"scheduledAt,omitempty"`
	Note        string `json:"note,omitempty"`
	Status      string `json:"status"`
}

type addressPayload struct {
	Line1       string              `json:"line1"`
	Line2       string              `json:"line2,omitempty"`
	City        string              `json:"city"`
	Region      string              `json:"region"`
	PostalCode  string              `json:"postalCode"`
	Country     string              `json:"country,omitempty"`
	Coordinates *coordinatesPayload `json:"coordinates,omitempty"`
	Provenance  string              `json:"provenance,omitempty"`
}

type pricingPayload struct {
	Subtotal      int64 `json:"subtotal"`
	Tax           int64 `json:"tax"`
	CommuteCharge int64 `json:"commuteCharge"`
	Total         int64 `json:"total"`
}

func buildRequestSummary(request domain.ServiceRequest) requestSummaryPayload {
	return requestSummaryPayload{
		ID:            request.ID,
		OverallStatus: string(request.OverallStatus),
		PaymentStatus: string(request.PaymentStatus),
		Urgency:       string(request.Urgency),
		Currency:      strings.ToUpper(request.Currency),
		Total:         request.Pricing.Total,
		CreatedAt:     formatTime(request.CreatedAt),
	}
}

func buildRequestPayload(request domain.ServiceRequest) requestPayload {
	items := make([]lineItemPayload, 0, len(request.LineItems))
	for _, item := range request.LineItems {
		items = append(items, lineItemPayload{
			ServiceID:   item.ServiceID,
			Name:        item.Name,
			Category:    item.Category,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Scheduling:  string(item.Scheduling),
			ScheduledAt: formatTime(pointerTime(item.ScheduledAt)),
			Note:        item.Note,
			Status:      string(item.Status),
		})
	}

	address := addressPayload{
		Line1:      request.Address.Line1,
		Line2:      request.Address.Line2,
		City:       request.Address.City,
		Region:     request.Address.Region,
		PostalCode: request.Address.PostalCode,
		Country:    request.Address.Country,
		Provenance: string(request.Address.Provenance),
	}
	if request.Address.Coordinates != nil {
		address.Coordinates = &coordinatesPayload{
			Latitude:  request.Address.Coordinates.Latitude,
			Longitude: request.Address.Coordinates.Longitude,
		}
	}

	return requestPayload{
		ID:        request.ID,
		OwnerID:   request.OwnerID,
		LineItems: items,
		Address:   address,
		Urgency:  string(request.Urgency),
		Note:     request.Note,
		Currency: strings.ToUpper(request.Currency),
		Pricing: pricingPayload{
			Subtotal:      request.Pricing.Subtotal,
			Tax:           request.Pricing.Tax,
			CommuteCharge: request.Pricing.CommuteCharge,
			Total:         request.Pricing.Total,
		},
		PaymentStatus:   string(request.PaymentStatus),
		OverallStatus:   string(request.OverallStatus),
		GatewayIntentID: request.GatewayIntentID,
		PaidAt:          formatTime(pointerTime(request.PaidAt)),
		CancelledAt:     formatTime(pointerTime(request.CancelledAt)),
		CompletedAt:     formatTime(pointerTime(request.CompletedAt)),
		CreatedAt:       formatTime(request.CreatedAt),
		UpdatedAt:       formatTime(request.UpdatedAt),
	}
}

// requireIdentity centralises the service-availability and authentication
// preamble shared by the user-facing handlers.
func requireIdentity(ctx context.Context, w http.ResponseWriter, serviceReady bool, unavailableCode string) (*auth.Identity, bool) {
	if !serviceReady {
		httpx.WriteError(ctx, w, httpx.NewError(unavailableCode, "service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

func writeRequestError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrRequestInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRequestNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "service request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRequestForbidden):
		// Ownership failures read as not-found to avoid leaking request existence.
		httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "service request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRequestConflict):
		httpx.WriteError(ctx, w, httpx.NewError("request_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRequestInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("request_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("request_error", "failed to process service request", http.StatusInternalServerError))
	}
}
