package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/platform/pagination"
	"github.com/fixnest/api/internal/pricing"
	"github.com/fixnest/api/internal/repositories"
)

const (
	requestIDPrefix = "req_"

	requestEventStatusChanged = "request.status.changed"

	maxLineItems  = 50
	maxNoteLength = 2000
)

var (
	// ErrRequestInvalidInput signals the caller provided invalid data.
	ErrRequestInvalidInput = errors.New("request: invalid input")
	// ErrRequestNotFound indicates the service request could not be located.
	ErrRequestNotFound = errors.New("request: not found")
	// ErrRequestForbidden indicates the caller does not own the request.
	ErrRequestForbidden = errors.New("request: forbidden")
	// ErrRequestConflict indicates optimistic concurrency conflicts or duplicates.
	ErrRequestConflict = errors.New("request: conflict")
	// ErrRequestInvalidState indicates an invalid status transition was attempted.
	ErrRequestInvalidState = errors.New("request: invalid status transition")
)

// RequestServiceDeps bundles collaborators required to construct the request service.
type RequestServiceDeps struct {
	Requests    repositories.RequestRepository
	Pricer      Pricer
	UnitOfWork  repositories.UnitOfWork
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type requestService struct {
	requests   repositories.RequestRepository
	pricer     Pricer
	unitOfWork repositories.UnitOfWork
	currency   string
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewRequestService wires dependencies into a concrete RequestService implementation.
func NewRequestService(deps RequestServiceDeps) (RequestService, error) {
	if deps.Requests == nil {
		return nil, errors.New("request service: request repository is required")
	}
	if deps.Pricer == nil {
		return nil, errors.New("request service: pricer is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "usd"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &requestService{
		requests:   deps.Requests,
		pricer:     deps.Pricer,
		unitOfWork: unit,
		currency:   currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *requestService) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (domain.ServiceRequest, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return domain.ServiceRequest{}, fmt.Errorf("%w: owner id is required", ErrRequestInvalidInput)
	}
	items, err := buildLineItems(cmd.Items, s.now())
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	address, err := normaliseAddress(cmd.Address)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	urgency, ok := domain.ParseUrgency(cmd.Urgency)
	if !ok {
		return domain.ServiceRequest{}, fmt.Errorf("%w: unknown urgency %q", ErrRequestInvalidInput, cmd.Urgency)
	}
	note := strings.TrimSpace(cmd.Note)
	if len(note) > maxNoteLength {
		return domain.ServiceRequest{}, fmt.Errorf("%w: note exceeds %d characters", ErrRequestInvalidInput, maxNoteLength)
	}

	breakdown, err := s.pricer.Price(ctx, pricing.Quote{
		Items:   items,
		Address: address,
		Urgency: urgency,
	})
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidInput) || errors.Is(err, pricing.ErrOverflow) {
			return domain.ServiceRequest{}, fmt.Errorf("%w: %v", ErrRequestInvalidInput, err)
		}
		return domain.ServiceRequest{}, fmt.Errorf("price request: %w", err)
	}

	now := s.now()
	request := domain.ServiceRequest{
		ID:            requestIDPrefix + s.newID(),
		OwnerID:       ownerID,
		LineItems:     items,
		Address:       address,
		Urgency:       urgency,
		Note:          note,
		Currency:      s.currency,
		Pricing:       breakdown,
		PaymentStatus: domain.PaymentStatusPending,
		OverallStatus: domain.OverallStatusPendingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	saved, err := s.requests.Insert(ctx, request)
	if err != nil {
		return domain.ServiceRequest{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "request.created", map[string]any{
		"requestId": saved.ID,
		"ownerId":   saved.OwnerID,
		"total":     saved.Pricing.Total,
		"items":     len(saved.LineItems),
		"urgency":   string(saved.Urgency),
	})
	return saved, nil
}

func (s *requestService) GetRequest(ctx context.Context, query GetRequestQuery) (domain.ServiceRequest, error) {
	request, err := s.loadOwned(ctx, query.RequestID, query.OwnerID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return request, nil
}

func (s *requestService) ListRequests(ctx context.Context, query ListRequestsQuery) (domain.CursorPage[domain.ServiceRequest], error) {
	ownerID := strings.TrimSpace(query.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[domain.ServiceRequest]{}, fmt.Errorf("%w: owner id is required", ErrRequestInvalidInput)
	}

	filter := repositories.RequestListFilter{
		OwnerID:  ownerID,
		PageSize: query.PageSize,
		Cursor:   strings.TrimSpace(query.Cursor),
	}
	if raw := strings.TrimSpace(query.OverallStatus); raw != "" {
		status := domain.OverallStatus(raw)
		if !validOverallStatus(status) {
			return domain.CursorPage[domain.ServiceRequest]{}, fmt.Errorf("%w: unknown status %q", ErrRequestInvalidInput, raw)
		}
		filter.OverallStatus = &status
	}

	page, err := s.requests.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.ServiceRequest]{}, fmt.Errorf("%w: invalid page token", ErrRequestInvalidInput)
		}
		return domain.CursorPage[domain.ServiceRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *requestService) CancelRequest(ctx context.Context, cmd CancelRequestCommand) (domain.ServiceRequest, error) {
	var updated domain.ServiceRequest
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		request, err := s.loadOwned(txCtx, cmd.RequestID, cmd.OwnerID)
		if err != nil {
			return err
		}
		if request.OverallStatus == domain.OverallStatusCancelled {
			updated = request
			return nil
		}
		if !ownerCanCancel(request.OverallStatus) {
			return fmt.Errorf("%w: cannot cancel request in status %q", ErrRequestInvalidState, request.OverallStatus)
		}
		if request.PaymentStatus == domain.PaymentStatusCompleted {
			return fmt.Errorf("%w: request already paid", ErrRequestConflict)
		}

		now := s.now()
		request.OverallStatus = domain.OverallStatusCancelled
		request.CancelledAt = &now
		request.UpdatedAt = now

		updated, err = s.requests.Update(txCtx, request, request.Version)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	s.logger(ctx, requestEventStatusChanged, map[string]any{
		"requestId": updated.ID,
		"status":    string(updated.OverallStatus),
		"actor":     "owner",
	})
	return updated, nil
}

func (s *requestService) TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (domain.ServiceRequest, error) {
	target := cmd.Target
	if !validOverallStatus(target) {
		return domain.ServiceRequest{}, fmt.Errorf("%w: unknown status %q", ErrRequestInvalidInput, target)
	}

	var updated domain.ServiceRequest
	var previous domain.OverallStatus
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		request, err := s.loadOwned(txCtx, cmd.RequestID, "")
		if err != nil {
			return err
		}
		previous = request.OverallStatus
		if request.OverallStatus == target {
			updated = request
			return nil
		}
		if !canTransitionOverall(request.OverallStatus, target) {
			return fmt.Errorf("%w: %s -> %s", ErrRequestInvalidState, request.OverallStatus, target)
		}
		if target != domain.OverallStatusCancelled && request.PaymentStatus != domain.PaymentStatusCompleted {
			// Everything past pending_payment presumes a credited payment.
			return fmt.Errorf("%w: payment not completed", ErrRequestInvalidState)
		}

		now := s.now()
		request.OverallStatus = target
		request.UpdatedAt = now
		switch target {
		case domain.OverallStatusCompleted:
			request.CompletedAt = &now
		case domain.OverallStatusCancelled:
			request.CancelledAt = &now
		}

		updated, err = s.requests.Update(txCtx, request, request.Version)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	s.logger(ctx, requestEventStatusChanged, map[string]any{
		"requestId": updated.ID,
		"from":      string(previous),
		"status":    string(updated.OverallStatus),
		"actor":     strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

func (s *requestService) UpdateLineItemStatus(ctx context.Context, cmd UpdateLineItemStatusCommand) (domain.ServiceRequest, error) {
	serviceID := strings.TrimSpace(cmd.ServiceID)
	if serviceID == "" {
		return domain.ServiceRequest{}, fmt.Errorf("%w: service id is required", ErrRequestInvalidInput)
	}
	if !validLineItemStatus(cmd.Status) {
		return domain.ServiceRequest{}, fmt.Errorf("%w: unknown line item status %q", ErrRequestInvalidInput, cmd.Status)
	}

	var updated domain.ServiceRequest
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		request, err := s.loadOwned(txCtx, cmd.RequestID, "")
		if err != nil {
			return err
		}

		found := false
		for idx := range request.LineItems {
			if request.LineItems[idx].ServiceID == serviceID {
				request.LineItems[idx].Status = cmd.Status
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: line item %s", ErrRequestNotFound, serviceID)
		}

		request.UpdatedAt = s.now()
		updated, err = s.requests.Update(txCtx, request, request.Version)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	s.logger(ctx, "request.line_item.status.changed", map[string]any{
		"requestId": updated.ID,
		"serviceId": serviceID,
		"status":    string(cmd.Status),
		"actor":     strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

func (s *requestService) loadOwned(ctx context.Context, requestID, ownerID string) (domain.ServiceRequest, error) {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request id is required", ErrRequestInvalidInput)
	}
	request, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, s.mapRepositoryError(err)
	}
	if owner := strings.TrimSpace(ownerID); owner != "" && request.OwnerID != owner {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request %s", ErrRequestForbidden, id)
	}
	return request, nil
}

func (s *requestService) now() time.Time {
	return s.clock()
}

func (s *requestService) mapRepositoryError(err error) error {
	return mapRepositoryError(err, ErrRequestNotFound, ErrRequestConflict)
}

func buildLineItems(inputs []LineItemInput, now time.Time) ([]domain.LineItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrRequestInvalidInput)
	}
	if len(inputs) > maxLineItems {
		return nil, fmt.Errorf("%w: at most %d line items are allowed", ErrRequestInvalidInput, maxLineItems)
	}

	items := make([]domain.LineItem, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		serviceID := strings.TrimSpace(input.ServiceID)
		name := strings.TrimSpace(input.Name)
		if serviceID == "" {
			return nil, fmt.Errorf("%w: line item service id is required", ErrRequestInvalidInput)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: line item %s name is required", ErrRequestInvalidInput, serviceID)
		}
		if input.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: line item %s unit price cannot be negative", ErrRequestInvalidInput, serviceID)
		}
		if input.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line item %s quantity must be positive", ErrRequestInvalidInput, serviceID)
		}
		if _, dup := seen[serviceID]; dup {
			return nil, fmt.Errorf("%w: duplicate line item %s", ErrRequestInvalidInput, serviceID)
		}
		seen[serviceID] = struct{}{}

		scheduling, ok := domain.ParseScheduling(input.Scheduling)
		if !ok {
			return nil, fmt.Errorf("%w: line item %s has unknown scheduling %q", ErrRequestInvalidInput, serviceID, input.Scheduling)
		}
		var scheduledAt *time.Time
		switch scheduling {
		case domain.SchedulingScheduled:
			if input.ScheduledAt == nil {
				return nil, fmt.Errorf("%w: line item %s requires a scheduled time", ErrRequestInvalidInput, serviceID)
			}
			at := input.ScheduledAt.UTC()
			if !at.After(now) {
				return nil, fmt.Errorf("%w: line item %s scheduled time must be in the future", ErrRequestInvalidInput, serviceID)
			}
			scheduledAt = &at
		default:
			if input.ScheduledAt != nil {
				return nil, fmt.Errorf("%w: line item %s carries a scheduled time without scheduling", ErrRequestInvalidInput, serviceID)
			}
		}
		note := strings.TrimSpace(input.Note)
		if len(note) > maxNoteLength {
			return nil, fmt.Errorf("%w: line item %s note exceeds %d characters", ErrRequestInvalidInput, serviceID, maxNoteLength)
		}

		items = append(items, domain.LineItem{
			ServiceID:   serviceID,
			Name:        name,
			Category:    strings.TrimSpace(input.Category),
			UnitPrice:   input.UnitPrice,
			Quantity:    input.Quantity,
			Scheduling:  scheduling,
			ScheduledAt: scheduledAt,
			Note:        note,
			Status:      domain.LineItemStatusPending,
		})
	}
	return items, nil
}

func normaliseAddress(address domain.Address) (domain.Address, error) {
	out := domain.Address{
		Line1:      strings.TrimSpace(address.Line1),
		Line2:      strings.TrimSpace(address.Line2),
		City:       strings.TrimSpace(address.City),
		Region:     strings.TrimSpace(address.Region),
		PostalCode: strings.TrimSpace(address.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(address.Country)),
	}
	switch {
	case out.Line1 == "":
		return domain.Address{}, fmt.Errorf("%w: address line1 is required", ErrRequestInvalidInput)
	case out.City == "":
		return domain.Address{}, fmt.Errorf("%w: address city is required", ErrRequestInvalidInput)
	case out.Region == "":
		return domain.Address{}, fmt.Errorf("%w: address region is required", ErrRequestInvalidInput)
	case out.PostalCode == "":
		return domain.Address{}, fmt.Errorf("%w: address postal code is required", ErrRequestInvalidInput)
	}
	if address.Coordinates != nil {
		coords := *address.Coordinates
		if coords.Latitude < -90 || coords.Latitude > 90 || coords.Longitude < -180 || coords.Longitude > 180 {
			return domain.Address{}, fmt.Errorf("%w: address coordinates out of range", ErrRequestInvalidInput)
		}
		out.Coordinates = &coords
	}
	if raw := strings.ToLower(strings.TrimSpace(string(address.Provenance))); raw != "" {
		switch provenance := domain.AddressProvenance(raw); provenance {
		case domain.AddressProvenancePrevious, domain.AddressProvenanceCurrent, domain.AddressProvenanceManual:
			out.Provenance = provenance
		default:
			return domain.Address{}, fmt.Errorf("%w: unknown address provenance %q", ErrRequestInvalidInput, raw)
		}
	}
	return out, nil
}

// mapRepositoryError translates repository taxonomy errors onto service sentinels.
func mapRepositoryError(err error, notFound, conflict error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("repository unavailable: %w", err)
		}
	}
	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
