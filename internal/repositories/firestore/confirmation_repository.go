package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/fixnest/api/internal/domain"
	pfirestore "github.com/fixnest/api/internal/platform/firestore"
	"github.com/fixnest/api/internal/repositories"
)

const confirmationCollection = "confirmation_events"

// ConfirmationRepository persists applied confirmation events in Firestore.
// Document IDs encode the dedup identity, so a replay collides on Create
// and surfaces as a conflict without a prior read.
type ConfirmationRepository struct {
	base     *pfirestore.BaseRepository[confirmationDocument]
	provider *pfirestore.Provider
}

// NewConfirmationRepository constructs a Firestore-backed confirmation event repository.
func NewConfirmationRepository(provider *pfirestore.Provider) (*ConfirmationRepository, error) {
	if provider == nil {
		return nil, errors.New("confirmation repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[confirmationDocument](provider, confirmationCollection, nil, nil)
	return &ConfirmationRepository{base: base, provider: provider}, nil
}

// Record inserts the event under its dedup identity, failing with a conflict
// when the identity was already recorded.
func (r *ConfirmationRepository) Record(ctx context.Context, event domain.ConfirmationEvent) error {
	if r == nil || r.base == nil {
		return errors.New("confirmation repository not initialised")
	}
	docID, err := confirmationDocID(event.Source, event.GatewayEventID, event.IntentID, event.Outcome)
	if err != nil {
		return err
	}

	doc := confirmationDocument{
		EventID:        strings.TrimSpace(event.ID),
		RequestID:      strings.TrimSpace(event.RequestID),
		IntentID:       strings.TrimSpace(event.IntentID),
		Source:         string(event.Source),
		Outcome:        string(event.Outcome),
		GatewayEventID: strings.TrimSpace(event.GatewayEventID),
		Anomaly:        strings.TrimSpace(event.Anomaly),
		ReceivedAt:     event.ReceivedAt.UTC(),
	}

	ref, err := r.base.DocumentRef(ctx, docID)
	if err != nil {
		return err
	}

	if tx := txFromContext(ctx); tx != nil {
		if err := tx.Create(ref, doc); err != nil {
			return pfirestore.WrapError("confirmation_events.record", err)
		}
		return nil
	}

	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("confirmation_events.record", err)
	}
	return nil
}

// FindByGatewayEventID resolves a stored webhook delivery.
func (r *ConfirmationRepository) FindByGatewayEventID(ctx context.Context, gatewayEventID string) (domain.ConfirmationEvent, error) {
	if r == nil || r.base == nil {
		return domain.ConfirmationEvent{}, errors.New("confirmation repository not initialised")
	}
	docID, err := confirmationDocID(domain.ConfirmationSourceWebhook, gatewayEventID, "", "")
	if err != nil {
		return domain.ConfirmationEvent{}, err
	}
	return r.getByDocID(ctx, docID)
}

// FindByIntentOutcome resolves a stored fallback confirmation.
func (r *ConfirmationRepository) FindByIntentOutcome(ctx context.Context, intentID string, outcome domain.ConfirmationOutcome) (domain.ConfirmationEvent, error) {
	if r == nil || r.base == nil {
		return domain.ConfirmationEvent{}, errors.New("confirmation repository not initialised")
	}
	docID, err := confirmationDocID(domain.ConfirmationSourceFallback, "", intentID, outcome)
	if err != nil {
		return domain.ConfirmationEvent{}, err
	}
	return r.getByDocID(ctx, docID)
}

// ListByRequest returns all recorded events for a request, oldest first.
func (r *ConfirmationRepository) ListByRequest(ctx context.Context, requestID string) ([]domain.ConfirmationEvent, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("confirmation repository not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return nil, errors.New("confirmation repository: request id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("requestId", "==", id).OrderBy("receivedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.ConfirmationEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, decodeConfirmation(doc.Data))
	}
	return events, nil
}

func (r *ConfirmationRepository) getByDocID(ctx context.Context, docID string) (domain.ConfirmationEvent, error) {
	if tx := txFromContext(ctx); tx != nil {
		ref, err := r.base.DocumentRef(ctx, docID)
		if err != nil {
			return domain.ConfirmationEvent{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.ConfirmationEvent{}, pfirestore.WrapError("confirmation_events.get", err)
		}
		var doc confirmationDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.ConfirmationEvent{}, pfirestore.WrapError("confirmation_events.get", err)
		}
		return decodeConfirmation(doc), nil
	}

	doc, err := r.base.Get(ctx, docID)
	if err != nil {
		return domain.ConfirmationEvent{}, err
	}
	return decodeConfirmation(doc.Data), nil
}

// confirmationDocID derives the dedup identity used as document ID.
func confirmationDocID(source domain.ConfirmationSource, gatewayEventID, intentID string, outcome domain.ConfirmationOutcome) (string, error) {
	switch source {
	case domain.ConfirmationSourceWebhook:
		eventID := strings.TrimSpace(gatewayEventID)
		if eventID == "" {
			return "", pfirestore.WrapError("confirmation_events.id", status.Error(codes.InvalidArgument, "gateway event id is required for webhook events"))
		}
		return "wh_" + eventID, nil
	case domain.ConfirmationSourceFallback:
		intent := strings.TrimSpace(intentID)
		if intent == "" {
			return "", pfirestore.WrapError("confirmation_events.id", status.Error(codes.InvalidArgument, "intent id is required for fallback events"))
		}
		if outcome != domain.ConfirmationOutcomeSucceeded && outcome != domain.ConfirmationOutcomeFailed {
			return "", pfirestore.WrapError("confirmation_events.id", status.Error(codes.InvalidArgument, "fallback outcome is required"))
		}
		return fmt.Sprintf("fb_%s_%s", intent, outcome), nil
	default:
		return "", pfirestore.WrapError("confirmation_events.id", status.Errorf(codes.InvalidArgument, "unknown confirmation source %q", source))
	}
}

func decodeConfirmation(doc confirmationDocument) domain.ConfirmationEvent {
	return domain.ConfirmationEvent{
		ID:             doc.EventID,
		RequestID:      doc.RequestID,
		IntentID:       doc.IntentID,
		Source:         domain.ConfirmationSource(doc.Source),
		Outcome:        domain.ConfirmationOutcome(doc.Outcome),
		GatewayEventID: doc.GatewayEventID,
		Anomaly:        doc.Anomaly,
		ReceivedAt:     doc.ReceivedAt,
	}
}

type confirmationDocument struct {
	EventID        string    `firestore:"eventId"`
	RequestID      string    `firestore:"requestId"`
	IntentID       string    `firestore:"intentId"`
	Source         string    `firestore:"source"`
	Outcome        string    `firestore:"outcome"`
	GatewayEventID string    `firestore:"gatewayEventId,omitempty"`
	Anomaly        string    `firestore:"anomaly,omitempty"`
	ReceivedAt     time.Time `firestore:"receivedAt"`
}

var _ repositories.ConfirmationRepository = (*ConfirmationRepository)(nil)
