package repositories

import (
	"context"
	"time"

	domain "github.com/fixnest/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Requests() RequestRepository
	Confirmations() ConfirmationRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RequestRepository persists service request aggregates.
//
// Update checks the aggregate's stored version against expectedVersion and
// fails with a conflict error when another writer got there first; the
// persisted document always carries expectedVersion+1.
type RequestRepository interface {
	Insert(ctx context.Context, request domain.ServiceRequest) (domain.ServiceRequest, error)
	Update(ctx context.Context, request domain.ServiceRequest, expectedVersion int64) (domain.ServiceRequest, error)
	FindByID(ctx context.Context, requestID string) (domain.ServiceRequest, error)
	FindByIntentID(ctx context.Context, intentID string) (domain.ServiceRequest, error)
	List(ctx context.Context, filter RequestListFilter) (domain.CursorPage[domain.ServiceRequest], error)
}

// ConfirmationRepository persists applied confirmation events and backs
// dual-path deduplication.
//
// Record inserts the event only when its dedup identity is new: webhook
// events dedupe on GatewayEventID, fallback events on (IntentID, Outcome).
// A replay surfaces as a conflict error.
type ConfirmationRepository interface {
	Record(ctx context.Context, event domain.ConfirmationEvent) error
	FindByGatewayEventID(ctx context.Context, gatewayEventID string) (domain.ConfirmationEvent, error)
	FindByIntentOutcome(ctx context.Context, intentID string, outcome domain.ConfirmationOutcome) (domain.ConfirmationEvent, error)
	ListByRequest(ctx context.Context, requestID string) ([]domain.ConfirmationEvent, error)
}

// HealthRepository evaluates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// RequestListFilter narrows and paginates request listings.
type RequestListFilter struct {
	OwnerID       string
	OverallStatus *domain.OverallStatus
	CreatedBefore *time.Time
	PageSize      int
	Cursor        string
}
