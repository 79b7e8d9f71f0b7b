package domain

import (
	"strings"
	"time"
)

// PaymentStatus tracks the lifecycle of the payment attached to a service request.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// Terminal reports whether the payment status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// OverallStatus tracks the service request through its full lifecycle.
type OverallStatus string

const (
	OverallStatusPendingPayment OverallStatus = "pending_payment"
	OverallStatusPaid           OverallStatus = "paid"
	OverallStatusProviderSearch OverallStatus = "provider_search"
	OverallStatusAssigned       OverallStatus = "assigned"
	OverallStatusInProgress     OverallStatus = "in_progress"
	OverallStatusCompleted      OverallStatus = "completed"
	OverallStatusCancelled      OverallStatus = "cancelled"
)

// LineItemStatus tracks an individual service line independently of the aggregate.
type LineItemStatus string

const (
	LineItemStatusPending    LineItemStatus = "pending"
	LineItemStatusAssigned   LineItemStatus = "assigned"
	LineItemStatusInProgress LineItemStatus = "in_progress"
	LineItemStatusCompleted  LineItemStatus = "completed"
	LineItemStatusCancelled  LineItemStatus = "cancelled"
)

// Scheduling distinguishes lines the customer wants done as soon as possible
// from lines booked for a specific slot.
type Scheduling string

const (
	SchedulingImmediate Scheduling = "immediate"
	SchedulingScheduled Scheduling = "scheduled"
)

// ParseScheduling normalises the raw value, defaulting to immediate when empty.
func ParseScheduling(raw string) (Scheduling, bool) {
	switch Scheduling(strings.ToLower(strings.TrimSpace(raw))) {
	case SchedulingImmediate, "":
		return SchedulingImmediate, true
	case SchedulingScheduled:
		return SchedulingScheduled, true
	default:
		return "", false
	}
}

// Urgency indicates how quickly the customer needs the work done.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// ParseUrgency normalises the raw value, defaulting to medium when empty.
func ParseUrgency(raw string) (Urgency, bool) {
	switch Urgency(strings.ToLower(strings.TrimSpace(raw))) {
	case UrgencyLow:
		return UrgencyLow, true
	case UrgencyMedium, "":
		return UrgencyMedium, true
	case UrgencyHigh:
		return UrgencyHigh, true
	case UrgencyEmergency:
		return UrgencyEmergency, true
	default:
		return "", false
	}
}

// ConfirmationSource identifies which path delivered a confirmation event.
type ConfirmationSource string

const (
	ConfirmationSourceWebhook  ConfirmationSource = "webhook"
	ConfirmationSourceFallback ConfirmationSource = "fallback"
)

// ConfirmationOutcome is the gateway-reported result carried by a confirmation event.
type ConfirmationOutcome string

const (
	ConfirmationOutcomeSucceeded ConfirmationOutcome = "succeeded"
	ConfirmationOutcomeFailed    ConfirmationOutcome = "failed"
)

// AddressProvenance records where the location snapshot came from.
type AddressProvenance string

const (
	AddressProvenancePrevious AddressProvenance = "previous"
	AddressProvenanceCurrent  AddressProvenance = "current"
	AddressProvenanceManual   AddressProvenance = "manual"
)

// Coordinates is an optional geographic point attached to an address snapshot.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Address is the service-location snapshot captured at request creation.
type Address struct {
	Line1       string            `json:"line1"`
	Line2       string            `json:"line2,omitempty"`
	City        string            `json:"city"`
	Region      string            `json:"region"`
	PostalCode  string            `json:"postalCode"`
	Country     string            `json:"country,omitempty"`
	Coordinates *Coordinates      `json:"coordinates,omitempty"`
	Provenance  AddressProvenance `json:"provenance,omitempty"`
}

// LineItem is a snapshot of one requested service. UnitPrice is minor
// currency units and is never re-read from the catalog after creation.
type LineItem struct {
	ServiceID   string         `json:"serviceId"`
	Name        string         `json:"name"`
	Category    string         `json:"category,omitempty"`
	UnitPrice   int64          `json:"unitPrice"`
	Quantity    int64          `json:"quantity"`
	Scheduling  Scheduling     `json:"scheduling"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
	Note        string         `json:"note,omitempty"`
	Status      LineItemStatus `json:"status"`
}

// Pricing is the immutable price breakdown computed at request creation.
// All amounts are minor currency units; Total = Subtotal + Tax + CommuteCharge.
type Pricing struct {
	Subtotal      int64 `json:"subtotal"`
	Tax           int64 `json:"tax"`
	CommuteCharge int64 `json:"commuteCharge"`
	Total         int64 `json:"total"`
}

// ServiceRequest is the aggregate root tying the priced request to its payment.
type ServiceRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`

	LineItems []LineItem `json:"lineItems"`
	Address   Address    `json:"address"`
	Urgency   Urgency    `json:"urgency"`
	Note      string     `json:"note,omitempty"`

	Currency string  `json:"currency"`
	Pricing  Pricing `json:"pricing"`

	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	OverallStatus   OverallStatus `json:"overallStatus"`
	GatewayIntentID string        `json:"gatewayIntentId,omitempty"`

	PaidAt      *time.Time `json:"paidAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Version increments on every persisted write and backs optimistic locking.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsPaid reports whether the request's payment has been credited.
func (r ServiceRequest) IsPaid() bool {
	return r.PaymentStatus == PaymentStatusCompleted
}

// ConfirmationEvent records one confirmation delivery after the reconciler
// has processed it. Stored events back deduplication: webhook events are
// identified by GatewayEventID, fallback events by the (IntentID, Outcome)
// pair.
type ConfirmationEvent struct {
	ID             string              `json:"id"`
	RequestID      string              `json:"requestId"`
	IntentID       string              `json:"intentId"`
	Source         ConfirmationSource  `json:"source"`
	Outcome        ConfirmationOutcome `json:"outcome"`
	GatewayEventID string              `json:"gatewayEventId,omitempty"`
	Anomaly        string              `json:"anomaly,omitempty"`
	ReceivedAt     time.Time           `json:"receivedAt"`
}

// CursorPage is a generic page of results with an opaque continuation cursor.
type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}
