package services

import (
	"context"
	"time"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/gateway"
	"github.com/fixnest/api/internal/pricing"
)

// RequestService assembles, exposes, and transitions service request aggregates.
type RequestService interface {
	CreateRequest(ctx context.Context, cmd CreateRequestCommand) (domain.ServiceRequest, error)
	GetRequest(ctx context.Context, query GetRequestQuery) (domain.ServiceRequest, error)
	ListRequests(ctx context.Context, query ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error)
	CancelRequest(ctx context.Context, cmd CancelRequestCommand) (domain.ServiceRequest, error)
	TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.ServiceRequest, error)
	UpdateLineItemStatus(ctx context.Context, cmd UpdateLineItemStatusCommand) (domain.ServiceRequest, error)
}

// PaymentService orchestrates the payment intent lifecycle for a request.
type PaymentService interface {
	BeginPayment(ctx context.Context, cmd BeginPaymentCommand) (PaymentSession, error)
	GetPaymentStatus(ctx context.Context, query GetRequestQuery) (PaymentStatusView, error)
	ConfirmFallback(ctx context.Context, cmd FallbackConfirmCommand) (ReconcileResult, error)
}

// ReconcileService applies confirmation events from both delivery paths.
type ReconcileService interface {
	ApplyConfirmation(ctx context.Context, cmd ConfirmationCommand) (ReconcileResult, error)
}

// CreateRequestCommand carries the validated input for request assembly.
type CreateRequestCommand struct {
	OwnerID string
	Items   []LineItemInput
	Address domain.Address
	Urgency string
	Note    string
}

// LineItemInput is a requested service line before snapshotting.
type LineItemInput struct {
	ServiceID   string
	Name        string
	Category    string
	UnitPrice   int64
	Quantity    int64
	Scheduling  string
	ScheduledAt *time.Time
	Note        string
}

// GetRequestQuery identifies a request together with the requesting owner.
// An empty OwnerID skips the ownership check and is reserved for internal callers.
type GetRequestQuery struct {
	RequestID string
	OwnerID   string
}

// ListRequestsQuery narrows and paginates an owner's request listing.
type ListRequestsQuery struct {
	OwnerID       string
	OverallStatus string
	PageSize      int
	Cursor        string
}

// CancelRequestCommand cancels a request before payment completes.
type CancelRequestCommand struct {
	RequestID string
	OwnerID   string
}

// TransitionStatusCommand moves the aggregate along the overall-status machine.
type TransitionStatusCommand struct {
	RequestID string
	Target    domain.OverallStatus
	ActorID   string
}

// UpdateLineItemStatusCommand updates one line's progress independently of the aggregate.
type UpdateLineItemStatusCommand struct {
	RequestID string
	ServiceID string
	Status    domain.LineItemStatus
	ActorID   string
}

// BeginPaymentCommand opens (or resumes) the payment intent for a request.
type BeginPaymentCommand struct {
	RequestID string
	OwnerID   string
}

// PaymentSession is the client-facing handle for completing a payment.
type PaymentSession struct {
	RequestID    string
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       domain.PaymentStatus
	Resumed      bool
}

// PaymentStatusView summarises the payment side of a request.
type PaymentStatusView struct {
	RequestID       string
	IsPaid          bool
	PaymentStatus   domain.PaymentStatus
	OverallStatus   domain.OverallStatus
	GatewayIntentID string
	AmountDue       int64
	Currency        string
	PaidAt          *time.Time
}

// FallbackConfirmCommand is the client-initiated confirmation trigger. The
// reported outcome is never trusted; the orchestrator re-reads the gateway.
type FallbackConfirmCommand struct {
	RequestID string
	OwnerID   string
	IntentID  string
}

// ConfirmationCommand is one confirmation delivery to reconcile.
type ConfirmationCommand struct {
	Source         domain.ConfirmationSource
	Outcome        domain.ConfirmationOutcome
	IntentID       string
	GatewayEventID string
	Amount         int64
	Currency       string
	ReceivedAt     time.Time
	Payload        []byte
}

// ReconcileResult reports how a confirmation delivery was settled.
type ReconcileResult struct {
	Request   domain.ServiceRequest
	Event     domain.ConfirmationEvent
	Duplicate bool
	Anomaly   string
}

// Pricer computes the immutable price breakdown at request creation.
type Pricer interface {
	Price(ctx context.Context, quote pricing.Quote) (domain.Pricing, error)
}

// IntentGateway is the slice of the gateway manager the payment services use.
type IntentGateway interface {
	CreateIntent(ctx context.Context, preferred string, req gateway.CreateIntentRequest) (gateway.Intent, error)
	LookupIntent(ctx context.Context, preferred string, req gateway.LookupRequest) (gateway.Intent, error)
}

// RequestEventPublisher emits domain events for downstream consumers such as
// the provider-assignment worker.
type RequestEventPublisher interface {
	PublishRequestPaid(ctx context.Context, event RequestPaidEvent) (string, error)
}

// RequestPaidEvent announces a completed payment.
type RequestPaidEvent struct {
	RequestID string    `json:"requestId"`
	OwnerID   string    `json:"ownerId"`
	IntentID  string    `json:"intentId"`
	Total     int64     `json:"total"`
	Currency  string    `json:"currency"`
	PaidAt    time.Time `json:"paidAt"`
}

// WebhookArchiver stores raw confirmation payloads for anomaly review.
type WebhookArchiver interface {
	ArchiveEvent(ctx context.Context, key string, payload []byte) error
}
