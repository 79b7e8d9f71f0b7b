package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fixnest/api/internal/gateway"
	"github.com/fixnest/api/internal/platform/auth"
	"github.com/fixnest/api/internal/platform/httpx"
	"github.com/fixnest/api/internal/services"
)

const maxPaymentRequestBody = 4 * 1024

// PaymentHandlers exposes the payment lifecycle endpoints for authenticated customers.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

// NewPaymentHandlers constructs payment handlers guarded by Firebase authentication.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/{requestID}:begin", h.beginPayment)
	r.Post("/{requestID}:confirm", h.confirmFallback)
	r.Get("/{requestID}/status", h.getStatus)
}

type paymentSessionResponse struct {
	RequestID    string `json:"requestId"`
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"paymentStatus"`
	Resumed      bool   `json:"resumed,omitempty"`
}

type confirmFallbackPayload struct {
	IntentID string `json:"intentId"`
}

type confirmFallbackResponse struct {
	RequestID     string `json:"requestId"`
	PaymentStatus string `json:"paymentStatus"`
	OverallStatus string `json:"overallStatus"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Anomaly       string `json:"anomaly,omitempty"`
}

type paymentStatusResponse struct {
	RequestID       string `json:"requestId"`
	IsPaid          bool   `json:"isPaid"`
	PaymentStatus   string `json:"paymentStatus"`
	OverallStatus   string `json:"overallStatus"`
	GatewayIntentID string `json:"gatewayIntentId,omitempty"`
	AmountDue       int64  `json:"amountDue"`
	Currency        string `json:"currency"`
	PaidAt          string `json:"paidAt,omitempty"`
}

func (h *PaymentHandlers) beginPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil, "payment_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	session, err := h.payments.BeginPayment(ctx, services.BeginPaymentCommand{
		RequestID: requestID,
		OwnerID:   identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentSessionResponse{
		RequestID:    session.RequestID,
		IntentID:     session.IntentID,
		ClientSecret: session.ClientSecret,
		Amount:       session.Amount,
		Currency:     strings.ToUpper(session.Currency),
		Status:       string(session.Status),
		Resumed:      session.Resumed,
	})
}

func (h *PaymentHandlers) confirmFallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil, "payment_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))

	var payload confirmFallbackPayload
	body, err := readLimitedBody(r, maxPaymentRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	result, err := h.payments.ConfirmFallback(ctx, services.FallbackConfirmCommand{
		RequestID: requestID,
		OwnerID:   identity.UID,
		IntentID:  strings.TrimSpace(payload.IntentID),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, confirmFallbackResponse{
		RequestID:     result.Request.ID,
		PaymentStatus: string(result.Request.PaymentStatus),
		OverallStatus: string(result.Request.OverallStatus),
		Duplicate:     result.Duplicate,
		Anomaly:       result.Anomaly,
	})
}

func (h *PaymentHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.payments != nil, "payment_service_unavailable")
	if !ok {
		return
	}

	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	view, err := h.payments.GetPaymentStatus(ctx, services.GetRequestQuery{
		RequestID: requestID,
		OwnerID:   identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentStatusResponse{
		RequestID:       view.RequestID,
		IsPaid:          view.IsPaid,
		PaymentStatus:   string(view.PaymentStatus),
		OverallStatus:   string(view.OverallStatus),
		GatewayIntentID: view.GatewayIntentID,
		AmountDue:       view.AmountDue,
		Currency:        strings.ToUpper(view.Currency),
		PaidAt:          formatTime(pointerTime(view.PaidAt)),
	})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "service request not found", http.StatusNotFound))
	case errors.Is(err, gateway.ErrIntentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("intent_not_found", "payment intent not found at the gateway", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("request_not_found", "service request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentPending):
		httpx.WriteError(ctx, w, httpx.NewError("payment_pending", "payment has not reached a final outcome yet", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable; retry shortly", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
