package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/repositories"
)

var (
	// ErrReconcileInvalidInput signals a confirmation delivery missing required fields.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrReconcileUnavailable indicates the store rejected the reconciliation transiently.
	ErrReconcileUnavailable = errors.New("reconcile: unavailable")
)

const (
	confirmationIDPrefix = "cev_"

	anomalyUnknownIntent           = "unknown_intent"
	anomalyStaleIntent             = "stale_intent"
	anomalyAmountMismatch          = "amount_mismatch"
	anomalySuccessAfterFailure     = "success_after_failure_same_intent"
	anomalyFailureAfterCompletion  = "failure_after_completion"
	anomalyConfirmationAfterCancel = "confirmation_after_cancel"
)

// ReconcileServiceDeps bundles collaborators required to construct the reconciler.
type ReconcileServiceDeps struct {
	Requests      repositories.RequestRepository
	Confirmations repositories.ConfirmationRepository
	UnitOfWork    repositories.UnitOfWork
	Publisher     RequestEventPublisher
	Archiver      WebhookArchiver
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type reconcileService struct {
	requests      repositories.RequestRepository
	confirmations repositories.ConfirmationRepository
	unitOfWork    repositories.UnitOfWork
	publisher     RequestEventPublisher
	archiver      WebhookArchiver
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewReconcileService wires dependencies into a concrete ReconcileService implementation.
func NewReconcileService(deps ReconcileServiceDeps) (ReconcileService, error) {
	if deps.Requests == nil {
		return nil, errors.New("reconcile service: request repository is required")
	}
	if deps.Confirmations == nil {
		return nil, errors.New("reconcile service: confirmation repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &reconcileService{
		requests:      deps.Requests,
		confirmations: deps.Confirmations,
		unitOfWork:    unit,
		publisher:     deps.Publisher,
		archiver:      deps.Archiver,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ApplyConfirmation settles one confirmation delivery from either path.
// Deliveries are deduplicated before any state change, and both paths
// converge on the same crediting logic so a payment is never applied twice.
// Anomalous deliveries are recorded for review without crediting.
func (s *reconcileService) ApplyConfirmation(ctx context.Context, cmd ConfirmationCommand) (ReconcileResult, error) {
	if err := validateConfirmation(cmd); err != nil {
		return ReconcileResult{}, err
	}

	if dup, ok, err := s.findExisting(ctx, cmd); err != nil {
		return ReconcileResult{}, err
	} else if ok {
		s.logger(ctx, "confirmation.duplicate", map[string]any{
			"intentId": cmd.IntentID,
			"source":   string(cmd.Source),
			"eventId":  dup.ID,
		})
		return ReconcileResult{Event: dup, Duplicate: true}, nil
	}

	receivedAt := cmd.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock()
	}
	event := domain.ConfirmationEvent{
		ID:             confirmationIDPrefix + s.newID(),
		IntentID:       cmd.IntentID,
		Source:         cmd.Source,
		Outcome:        cmd.Outcome,
		GatewayEventID: cmd.GatewayEventID,
		ReceivedAt:     receivedAt.UTC(),
	}

	var (
		result   ReconcileResult
		credited bool
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		request, err := s.requests.FindByIntentID(txCtx, cmd.IntentID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				// No request claims this intent. Record the anomaly so the
				// delivery is acknowledged and reviewable, but change nothing.
				event.Anomaly = anomalyUnknownIntent
				if err := s.record(txCtx, &event); err != nil {
					return err
				}
				result = ReconcileResult{Event: event, Anomaly: event.Anomaly}
				return nil
			}
			return s.mapRepositoryError(err)
		}

		event.RequestID = request.ID
		anomaly := s.classify(request, cmd)
		if anomaly != "" {
			event.Anomaly = anomaly
			if err := s.record(txCtx, &event); err != nil {
				return err
			}
			result = ReconcileResult{Request: request, Event: event, Anomaly: anomaly}
			return nil
		}

		updated, err := s.apply(txCtx, request, cmd)
		if err != nil {
			return err
		}
		credited = updated.IsPaid() && !request.IsPaid()
		if err := s.record(txCtx, &event); err != nil {
			return err
		}
		result = ReconcileResult{Request: updated, Event: event}
		return nil
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Lost the dedup race to a concurrent delivery of the same
			// confirmation; surface the winner's record.
			if dup, ok, findErr := s.findExisting(ctx, cmd); findErr == nil && ok {
				return ReconcileResult{Event: dup, Duplicate: true}, nil
			}
			// The winner may have arrived through the other source, whose
			// dedup identity this delivery cannot see. The request itself
			// carries the settled state either way.
			if settled, findErr := s.requests.FindByIntentID(ctx, cmd.IntentID); findErr == nil {
				return ReconcileResult{Request: settled, Duplicate: true}, nil
			}
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
		}
		return ReconcileResult{}, err
	}

	s.archivePayload(ctx, event, cmd.Payload)

	if result.Anomaly != "" {
		s.logger(ctx, "confirmation.anomaly", map[string]any{
			"intentId":  cmd.IntentID,
			"requestId": result.Request.ID,
			"anomaly":   result.Anomaly,
			"source":    string(cmd.Source),
		})
		return result, nil
	}

	s.logger(ctx, "confirmation.applied", map[string]any{
		"intentId":  cmd.IntentID,
		"requestId": result.Request.ID,
		"outcome":   string(cmd.Outcome),
		"source":    string(cmd.Source),
	})

	if credited {
		s.publishPaid(ctx, result.Request)
	}
	return result, nil
}

// classify decides whether the delivery may credit the request or must be
// recorded as an anomaly. The zero string means the delivery is applicable.
func (s *reconcileService) classify(request domain.ServiceRequest, cmd ConfirmationCommand) string {
	if request.OverallStatus == domain.OverallStatusCancelled {
		return anomalyConfirmationAfterCancel
	}
	if request.GatewayIntentID != cmd.IntentID {
		// The request has since moved on to a different intent.
		return anomalyStaleIntent
	}
	if request.PaymentStatus == domain.PaymentStatusFailed && cmd.Outcome == domain.ConfirmationOutcomeSucceeded {
		// A success arriving for an intent already marked failed is never
		// credited; recovery requires a fresh intent.
		return anomalySuccessAfterFailure
	}
	if request.PaymentStatus == domain.PaymentStatusCompleted && cmd.Outcome == domain.ConfirmationOutcomeFailed {
		// A failure landing after the payment settled would regress a
		// terminal state. Record it and keep the credited request as is.
		return anomalyFailureAfterCompletion
	}
	if cmd.Outcome == domain.ConfirmationOutcomeSucceeded && cmd.Amount != 0 && cmd.Amount != request.Pricing.Total {
		return anomalyAmountMismatch
	}
	return ""
}

// apply moves the request's payment machine for an applicable delivery.
func (s *reconcileService) apply(ctx context.Context, request domain.ServiceRequest, cmd ConfirmationCommand) (domain.ServiceRequest, error) {
	target := domain.PaymentStatusCompleted
	if cmd.Outcome == domain.ConfirmationOutcomeFailed {
		target = domain.PaymentStatusFailed
	}

	if request.PaymentStatus == target {
		// Dedup missed a semantically identical delivery; nothing to change.
		return request, nil
	}
	if !canTransitionPayment(request.PaymentStatus, target) {
		return domain.ServiceRequest{}, fmt.Errorf("%w: payment status %s cannot move to %s",
			ErrReconcileInvalidInput, request.PaymentStatus, target)
	}

	now := s.clock()
	request.PaymentStatus = target
	request.UpdatedAt = now
	if target == domain.PaymentStatusCompleted {
		request.PaidAt = &now
		if canTransitionOverall(request.OverallStatus, domain.OverallStatusPaid) {
			request.OverallStatus = domain.OverallStatusPaid
		}
	}

	// Returned raw so a version conflict propagates as a repository conflict
	// and the caller re-checks the dedup identity.
	return s.requests.Update(ctx, request, request.Version)
}

// record persists the event, returning the raw repository error so the
// caller can tell a dedup-race conflict apart from other failures.
func (s *reconcileService) record(ctx context.Context, event *domain.ConfirmationEvent) error {
	return s.confirmations.Record(ctx, *event)
}

// findExisting checks the dedup identity of the delivery against stored events.
func (s *reconcileService) findExisting(ctx context.Context, cmd ConfirmationCommand) (domain.ConfirmationEvent, bool, error) {
	var (
		event domain.ConfirmationEvent
		err   error
	)
	if cmd.Source == domain.ConfirmationSourceWebhook {
		event, err = s.confirmations.FindByGatewayEventID(ctx, cmd.GatewayEventID)
	} else {
		event, err = s.confirmations.FindByIntentOutcome(ctx, cmd.IntentID, cmd.Outcome)
	}
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.ConfirmationEvent{}, false, nil
		}
		return domain.ConfirmationEvent{}, false, s.mapRepositoryError(err)
	}
	return event, true, nil
}

// publishPaid emits the request.paid event after the transaction commits.
// Publish failures are logged, never surfaced: the payment is already credited.
func (s *reconcileService) publishPaid(ctx context.Context, request domain.ServiceRequest) {
	if s.publisher == nil {
		return
	}
	paidAt := s.clock()
	if request.PaidAt != nil {
		paidAt = *request.PaidAt
	}
	msgID, err := s.publisher.PublishRequestPaid(ctx, RequestPaidEvent{
		RequestID: request.ID,
		OwnerID:   request.OwnerID,
		IntentID:  request.GatewayIntentID,
		Total:     request.Pricing.Total,
		Currency:  request.Currency,
		PaidAt:    paidAt,
	})
	if err != nil {
		s.logger(ctx, "confirmation.publish.failed", map[string]any{
			"requestId": request.ID,
			"error":     err.Error(),
		})
		return
	}
	s.logger(ctx, "confirmation.published", map[string]any{
		"requestId": request.ID,
		"messageId": msgID,
	})
}

// archivePayload stores the raw delivery for later review. Best effort only.
func (s *reconcileService) archivePayload(ctx context.Context, event domain.ConfirmationEvent, payload []byte) {
	if s.archiver == nil || len(payload) == 0 {
		return
	}
	key := fmt.Sprintf("confirmations/%s/%s.json", event.ReceivedAt.Format("2006/01/02"), event.ID)
	if err := s.archiver.ArchiveEvent(ctx, key, payload); err != nil {
		s.logger(ctx, "confirmation.archive.failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}
}

func (s *reconcileService) mapRepositoryError(err error) error {
	return mapRepositoryError(err, ErrReconcileInvalidInput, ErrReconcileInvalidInput)
}

func validateConfirmation(cmd ConfirmationCommand) error {
	if strings.TrimSpace(cmd.IntentID) == "" {
		return fmt.Errorf("%w: intent id is required", ErrReconcileInvalidInput)
	}
	switch cmd.Source {
	case domain.ConfirmationSourceWebhook:
		if strings.TrimSpace(cmd.GatewayEventID) == "" {
			return fmt.Errorf("%w: webhook confirmations require a gateway event id", ErrReconcileInvalidInput)
		}
	case domain.ConfirmationSourceFallback:
	default:
		return fmt.Errorf("%w: unknown confirmation source %q", ErrReconcileInvalidInput, cmd.Source)
	}
	switch cmd.Outcome {
	case domain.ConfirmationOutcomeSucceeded, domain.ConfirmationOutcomeFailed:
	default:
		return fmt.Errorf("%w: unknown confirmation outcome %q", ErrReconcileInvalidInput, cmd.Outcome)
	}
	return nil
}
