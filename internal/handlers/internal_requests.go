package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/platform/httpx"
	"github.com/fixnest/api/internal/services"
)

const maxInternalRequestBody = 4 * 1024

// InternalRequestHandlers exposes aggregate and line-item transitions for the
// provider collaborator. Routes are mounted behind OIDC service auth; the
// caller identity arrives as a service subject, not a request owner.
type InternalRequestHandlers struct {
	requests services.RequestService
}

// NewInternalRequestHandlers constructs the internal transition handlers.
func NewInternalRequestHandlers(requests services.RequestService) *InternalRequestHandlers {
	return &InternalRequestHandlers{requests: requests}
}

// Routes registers the /internal/requests endpoints.
func (h *InternalRequestHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/requests/{requestID}/status", h.transitionStatus)
	r.Post("/requests/{requestID}/line-items/{serviceID}/status", h.updateLineItemStatus)
}

type transitionStatusPayload struct {
	Status  string `json:"status"`
	ActorID string `json:"actorId"`
}

type lineItemStatusPayload struct {
	Status  string `json:"status"`
	ActorID string `json:"actorId"`
}

func (h *InternalRequestHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		httpx.WriteError(ctx, w, httpx.NewError("request_service_unavailable", "service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var payload transitionStatusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	updated, err := h.requests.TransitionStatus(ctx, services.TransitionStatusCommand{
		RequestID: strings.TrimSpace(chi.URLParam(r, "requestID")),
		Target:    domain.OverallStatus(strings.TrimSpace(payload.Status)),
		ActorID:   strings.TrimSpace(payload.ActorID),
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requestResponse{Request: buildRequestPayload(updated)})
}

func (h *InternalRequestHandlers) updateLineItemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		httpx.WriteError(ctx, w, httpx.NewError("request_service_unavailable", "service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var payload lineItemStatusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	updated, err := h.requests.UpdateLineItemStatus(ctx, services.UpdateLineItemStatusCommand{
		RequestID: strings.TrimSpace(chi.URLParam(r, "requestID")),
		ServiceID: strings.TrimSpace(chi.URLParam(r, "serviceID")),
		Status:    domain.LineItemStatus(strings.TrimSpace(payload.Status)),
		ActorID:   strings.TrimSpace(payload.ActorID),
	})
	if err != nil {
		writeRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, requestResponse{Request: buildRequestPayload(updated)})
}
