package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/fixnest/api/internal/domain"
	"github.com/fixnest/api/internal/gateway"
	"github.com/fixnest/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the request or intent could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentForbidden indicates the caller does not own the request.
	ErrPaymentForbidden = errors.New("payment: forbidden")
	// ErrPaymentConflict indicates the payment is in a state that rejects the operation.
	ErrPaymentConflict = errors.New("payment: conflict")
	// ErrPaymentGatewayUnavailable indicates the gateway could not be reached after retrying.
	ErrPaymentGatewayUnavailable = errors.New("payment: gateway unavailable")
	// ErrPaymentPending indicates the gateway has not reached a terminal outcome yet.
	ErrPaymentPending = errors.New("payment: outcome pending")
)

const gatewayCallTimeout = 10 * time.Second

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Requests   repositories.RequestRepository
	Gateway    IntentGateway
	Reconciler ReconcileService
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	requests   repositories.RequestRepository
	gateway    IntentGateway
	reconciler ReconcileService
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Requests == nil {
		return nil, errors.New("payment service: request repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment service: reconciler is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		requests:   deps.Requests,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// BeginPayment opens the payment intent for a priced request. Repeated calls
// while an intent is live resume it instead of opening a second one; a fresh
// intent is only issued after the previous attempt failed terminally.
func (s *paymentService) BeginPayment(ctx context.Context, cmd BeginPaymentCommand) (PaymentSession, error) {
	request, err := s.loadOwned(ctx, cmd.RequestID, cmd.OwnerID)
	if err != nil {
		return PaymentSession{}, err
	}

	switch {
	case request.PaymentStatus == domain.PaymentStatusCompleted:
		return PaymentSession{}, fmt.Errorf("%w: request already paid", ErrPaymentConflict)
	case request.OverallStatus == domain.OverallStatusCancelled:
		return PaymentSession{}, fmt.Errorf("%w: request cancelled", ErrPaymentConflict)
	}

	// Resume the live intent when one exists and the gateway still accepts it.
	if request.GatewayIntentID != "" && request.PaymentStatus == domain.PaymentStatusProcessing {
		intent, err := s.lookupIntent(ctx, request.GatewayIntentID)
		switch {
		case err == nil && (intent.Status == gateway.StatusPending || intent.Status == gateway.StatusProcessing):
			return PaymentSession{
				RequestID:    request.ID,
				IntentID:     intent.ID,
				ClientSecret: intent.ClientSecret,
				Amount:       intent.Amount,
				Currency:     intent.Currency,
				Status:       request.PaymentStatus,
				Resumed:      true,
			}, nil
		case err == nil && intent.Status == gateway.StatusSucceeded:
			// The charge already landed and its confirmation simply has not
			// arrived yet. Credit the request instead of opening a second
			// intent against it.
			if _, applyErr := s.reconciler.ApplyConfirmation(ctx, ConfirmationCommand{
				Source:     domain.ConfirmationSourceFallback,
				Outcome:    domain.ConfirmationOutcomeSucceeded,
				IntentID:   intent.ID,
				Amount:     intent.Amount,
				Currency:   intent.Currency,
				ReceivedAt: s.clock(),
			}); applyErr != nil {
				return PaymentSession{}, applyErr
			}
			return PaymentSession{}, fmt.Errorf("%w: request already paid", ErrPaymentConflict)
		case err != nil && !errors.Is(err, gateway.ErrIntentNotFound):
			return PaymentSession{}, err
		}
		// The previous attempt failed terminally or the gateway no longer
		// knows the intent; issue a fresh one.
	}

	intent, err := s.createIntent(ctx, request)
	if err != nil {
		return PaymentSession{}, err
	}

	var updated domain.ServiceRequest
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		fresh, err := s.requests.FindByID(txCtx, request.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if fresh.PaymentStatus == domain.PaymentStatusCompleted {
			return fmt.Errorf("%w: request already paid", ErrPaymentConflict)
		}

		// A fresh intent restarts the attempt, including after a terminal failure.
		fresh.GatewayIntentID = intent.ID
		fresh.PaymentStatus = domain.PaymentStatusProcessing
		fresh.UpdatedAt = s.clock()

		updated, err = s.requests.Update(txCtx, fresh, fresh.Version)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return PaymentSession{}, err
	}

	s.logger(ctx, "payment.intent.opened", map[string]any{
		"requestId": updated.ID,
		"intentId":  intent.ID,
		"amount":    intent.Amount,
	})

	return PaymentSession{
		RequestID:    updated.ID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       updated.PaymentStatus,
	}, nil
}

func (s *paymentService) GetPaymentStatus(ctx context.Context, query GetRequestQuery) (PaymentStatusView, error) {
	request, err := s.loadOwned(ctx, query.RequestID, query.OwnerID)
	if err != nil {
		return PaymentStatusView{}, err
	}

	return PaymentStatusView{
		RequestID:       request.ID,
		IsPaid:          request.IsPaid(),
		PaymentStatus:   request.PaymentStatus,
		OverallStatus:   request.OverallStatus,
		GatewayIntentID: request.GatewayIntentID,
		AmountDue:       request.Pricing.Total,
		Currency:        request.Currency,
		PaidAt:          request.PaidAt,
	}, nil
}

// ConfirmFallback handles the client-side confirmation trigger. The client's
// claim is never credited directly; the gateway is consulted and its status
// becomes the confirmation outcome fed to the reconciler.
func (s *paymentService) ConfirmFallback(ctx context.Context, cmd FallbackConfirmCommand) (ReconcileResult, error) {
	request, err := s.loadOwned(ctx, cmd.RequestID, cmd.OwnerID)
	if err != nil {
		return ReconcileResult{}, err
	}

	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		intentID = request.GatewayIntentID
	}
	if intentID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: no payment intent open for request", ErrPaymentInvalidInput)
	}
	if request.GatewayIntentID != "" && intentID != request.GatewayIntentID {
		return ReconcileResult{}, fmt.Errorf("%w: intent %s is not active for request", ErrPaymentConflict, intentID)
	}

	intent, err := s.lookupIntent(ctx, intentID)
	if err != nil {
		return ReconcileResult{}, err
	}

	var outcome domain.ConfirmationOutcome
	switch intent.Status {
	case gateway.StatusSucceeded:
		outcome = domain.ConfirmationOutcomeSucceeded
	case gateway.StatusFailed:
		outcome = domain.ConfirmationOutcomeFailed
	default:
		return ReconcileResult{}, fmt.Errorf("%w: gateway reports status %q", ErrPaymentPending, intent.Status)
	}

	result, err := s.reconciler.ApplyConfirmation(ctx, ConfirmationCommand{
		Source:     domain.ConfirmationSourceFallback,
		Outcome:    outcome,
		IntentID:   intentID,
		Amount:     intent.Amount,
		Currency:   intent.Currency,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

// createIntent opens the gateway intent with one bounded retry on transient
// failures. Ambiguous outcomes are surfaced without retrying; the idempotent
// begin call lets the client safely try again.
func (s *paymentService) createIntent(ctx context.Context, request domain.ServiceRequest) (gateway.Intent, error) {
	req := gateway.CreateIntentRequest{
		Amount:   request.Pricing.Total,
		Currency: request.Currency,
		Metadata: map[string]string{
			"serviceRequestId": request.ID,
			"ownerId":          request.OwnerID,
		},
		IdempotencyKey: beginPaymentKey(request.ID, request.Version),
	}

	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	intent, err := s.gateway.CreateIntent(callCtx, "", req)
	if err == nil {
		return intent, nil
	}
	if !gateway.IsTransient(err) {
		if gateway.IsAmbiguous(err) {
			return gateway.Intent{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
		}
		return gateway.Intent{}, fmt.Errorf("create intent: %w", err)
	}

	s.logger(ctx, "payment.intent.retry", map[string]any{
		"requestId": request.ID,
		"error":     err.Error(),
	})

	retryCtx, cancelRetry := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancelRetry()

	intent, err = s.gateway.CreateIntent(retryCtx, "", req)
	if err != nil {
		return gateway.Intent{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
	}
	return intent, nil
}

func (s *paymentService) lookupIntent(ctx context.Context, intentID string) (gateway.Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	intent, err := s.gateway.LookupIntent(callCtx, "", gateway.LookupRequest{IntentID: intentID})
	if err == nil {
		return intent, nil
	}
	if !gateway.IsTransient(err) {
		if errors.Is(err, gateway.ErrIntentNotFound) {
			return gateway.Intent{}, fmt.Errorf("%w: intent %s: %v", gateway.ErrIntentNotFound, intentID, err)
		}
		return gateway.Intent{}, fmt.Errorf("lookup intent: %w", err)
	}

	retryCtx, cancelRetry := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancelRetry()

	intent, err = s.gateway.LookupIntent(retryCtx, "", gateway.LookupRequest{IntentID: intentID})
	if err != nil {
		return gateway.Intent{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
	}
	return intent, nil
}

func (s *paymentService) loadOwned(ctx context.Context, requestID, ownerID string) (domain.ServiceRequest, error) {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request id is required", ErrPaymentInvalidInput)
	}
	request, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, s.mapRepositoryError(err)
	}
	if owner := strings.TrimSpace(ownerID); owner != "" && request.OwnerID != owner {
		return domain.ServiceRequest{}, fmt.Errorf("%w: request %s", ErrPaymentForbidden, id)
	}
	return request, nil
}

func (s *paymentService) mapRepositoryError(err error) error {
	return mapRepositoryError(err, ErrPaymentNotFound, ErrPaymentConflict)
}

// beginPaymentKey derives a deterministic idempotency key for intent creation.
// The aggregate version is part of the key, so a fresh attempt after a
// terminal failure produces a new key.
func beginPaymentKey(requestID string, version int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("begin_payment:%s:%d", requestID, version)))
	return hex.EncodeToString(sum[:])
}
