package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/fixnest/api/internal/domain"
	pfirestore "github.com/fixnest/api/internal/platform/firestore"
	"github.com/fixnest/api/internal/platform/pagination"
	"github.com/fixnest/api/internal/repositories"
)

const (
	requestCollection = "service_requests"

	// One read-modify-write retry before the version conflict surfaces.
	updateRetryAttempts = 2
)

// RequestRepository persists service request aggregates in Firestore.
type RequestRepository struct {
	base     *pfirestore.BaseRepository[requestDocument]
	provider *pfirestore.Provider
}

// NewRequestRepository constructs a Firestore-backed service request repository.
func NewRequestRepository(provider *pfirestore.Provider) (*RequestRepository, error) {
	if provider == nil {
		return nil, errors.New("request repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[requestDocument](provider, requestCollection, nil, nil)
	return &RequestRepository{base: base, provider: provider}, nil
}

// Insert creates the aggregate document. The stored version is always 1.
func (r *RequestRepository) Insert(ctx context.Context, request domain.ServiceRequest) (domain.ServiceRequest, error) {
	if r == nil || r.base == nil {
		return domain.ServiceRequest{}, errors.New("request repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return domain.ServiceRequest{}, errors.New("request repository: request id is required")
	}

	request.Version = 1
	doc := encodeRequest(request)

	ref, err := r.base.DocumentRef(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	if tx := txFromContext(ctx); tx != nil {
		if err := tx.Create(ref, doc); err != nil {
			return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.insert", err)
		}
		return request, nil
	}

	if _, err := ref.Create(ctx, doc); err != nil {
		return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.insert", err)
	}
	return request, nil
}

// Update rewrites the aggregate when the stored version still matches
// expectedVersion. The write runs in a transaction; a single fresh
// read-and-compare retry absorbs benign races before conflict surfaces.
func (r *RequestRepository) Update(ctx context.Context, request domain.ServiceRequest, expectedVersion int64) (domain.ServiceRequest, error) {
	if r == nil || r.base == nil {
		return domain.ServiceRequest{}, errors.New("request repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return domain.ServiceRequest{}, errors.New("request repository: request id is required")
	}
	if expectedVersion <= 0 {
		return domain.ServiceRequest{}, errors.New("request repository: expected version must be positive")
	}

	ref, err := r.base.DocumentRef(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}

	request.Version = expectedVersion + 1
	doc := encodeRequest(request)

	apply := func(tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var current requestDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return status.Errorf(codes.FailedPrecondition, "service request %s version %d does not match expected %d", requestID, current.Version, expectedVersion)
		}
		return tx.Set(ref, doc)
	}

	if tx := txFromContext(ctx); tx != nil {
		if err := apply(tx); err != nil {
			return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.update", err)
		}
		return request, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	err = pfirestore.RunTransaction(ctx, client, func(_ context.Context, tx *firestore.Transaction) error {
		return apply(tx)
	}, pfirestore.WithTxAttempts(updateRetryAttempts))
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return request, nil
}

// FindByID loads the aggregate by document ID.
func (r *RequestRepository) FindByID(ctx context.Context, requestID string) (domain.ServiceRequest, error) {
	if r == nil || r.base == nil {
		return domain.ServiceRequest{}, errors.New("request repository not initialised")
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return domain.ServiceRequest{}, errors.New("request repository: request id is required")
	}

	if tx := txFromContext(ctx); tx != nil {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return domain.ServiceRequest{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.get", err)
		}
		var doc requestDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.get", err)
		}
		return decodeRequest(snap.Ref.ID, doc), nil
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return decodeRequest(doc.ID, doc.Data), nil
}

// FindByIntentID resolves the aggregate holding the given active intent.
func (r *RequestRepository) FindByIntentID(ctx context.Context, intentID string) (domain.ServiceRequest, error) {
	if r == nil || r.base == nil {
		return domain.ServiceRequest{}, errors.New("request repository not initialised")
	}
	id := strings.TrimSpace(intentID)
	if id == "" {
		return domain.ServiceRequest{}, errors.New("request repository: intent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayIntentId", "==", id).Limit(1)
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if len(docs) == 0 {
		return domain.ServiceRequest{}, pfirestore.WrapError("service_requests.lookup_intent", status.Error(codes.NotFound, "no service request for intent"))
	}
	return decodeRequest(docs[0].ID, docs[0].Data), nil
}

// List returns the owner's requests ordered by creation time descending,
// over the (ownerId, createdAt) composite index.
func (r *RequestRepository) List(ctx context.Context, filter repositories.RequestListFilter) (domain.CursorPage[domain.ServiceRequest], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ServiceRequest]{}, errors.New("request repository not initialised")
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[domain.ServiceRequest]{}, errors.New("request repository: owner id is required")
	}

	pageSize := pagination.ClampPageSize(filter.PageSize)

	cursor, err := pagination.DecodeToken(filter.Cursor)
	if err != nil {
		return domain.CursorPage[domain.ServiceRequest]{}, err
	}
	// Token values round-trip through JSON, so the createdAt component comes
	// back as a string and must be restored to a timestamp for StartAfter.
	if len(cursor.StartAfter) > 0 {
		if raw, ok := cursor.StartAfter[0].(string); ok {
			parsed, parseErr := time.Parse(time.RFC3339Nano, raw)
			if parseErr != nil {
				return domain.CursorPage[domain.ServiceRequest]{}, pagination.ErrInvalidPageToken
			}
			cursor.StartAfter[0] = parsed
		}
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ServiceRequest]{}, err
	}

	query := client.Collection(requestCollection).
		Where("ownerId", "==", ownerID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)

	if filter.OverallStatus != nil {
		query = query.Where("overallStatus", "==", string(*filter.OverallStatus))
	}
	if filter.CreatedBefore != nil {
		query = query.Where("createdAt", "<", filter.CreatedBefore.UTC())
	}
	if len(cursor.StartAfter) > 0 {
		query = query.StartAfter(cursor.StartAfter...)
	}

	iter := query.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	var items []domain.ServiceRequest
	var lastCreatedAt time.Time
	var lastID string
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ServiceRequest]{}, pfirestore.WrapError("service_requests.list", err)
		}
		var doc requestDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ServiceRequest]{}, pfirestore.WrapError("service_requests.list", err)
		}
		if len(items) == pageSize {
			continue
		}
		items = append(items, decodeRequest(snap.Ref.ID, doc))
		lastCreatedAt = doc.CreatedAt
		lastID = snap.Ref.ID
	}

	page := domain.CursorPage[domain.ServiceRequest]{Items: items}
	if len(items) == pageSize && lastID != "" {
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{lastCreatedAt, lastID}})
		if err != nil {
			return domain.CursorPage[domain.ServiceRequest]{}, err
		}
		page.NextCursor = token
		page.HasMore = token != ""
	}
	return page, nil
}

func encodeRequest(request domain.ServiceRequest) requestDocument {
	items := make([]lineItemDocument, 0, len(request.LineItems))
	for _, item := range request.LineItems {
		items = append(items, lineItemDocument{
			ServiceID:   strings.TrimSpace(item.ServiceID),
			Name:        strings.TrimSpace(item.Name),
			Category:    strings.TrimSpace(item.Category),
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Scheduling:  string(item.Scheduling),
			ScheduledAt: timePtrUTC(item.ScheduledAt),
			Note:        strings.TrimSpace(item.Note),
			Status:      string(item.Status),
		})
	}

	address := addressDocument{
		Line1:      strings.TrimSpace(request.Address.Line1),
		Line2:      strings.TrimSpace(request.Address.Line2),
		City:       strings.TrimSpace(request.Address.City),
		Region:     strings.TrimSpace(request.Address.Region),
		PostalCode: strings.TrimSpace(request.Address.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(request.Address.Country)),
		Provenance: string(request.Address.Provenance),
	}
	if request.Address.Coordinates != nil {
		address.Coordinates = &coordinatesDocument{
			Latitude:  request.Address.Coordinates.Latitude,
			Longitude: request.Address.Coordinates.Longitude,
		}
	}

	return requestDocument{
		OwnerID:   strings.TrimSpace(request.OwnerID),
		LineItems: items,
		Address:   address,
		Urgency:  string(request.Urgency),
		Note:     strings.TrimSpace(request.Note),
		Currency: strings.ToLower(strings.TrimSpace(request.Currency)),
		Pricing: pricingDocument{
			Subtotal:      request.Pricing.Subtotal,
			Tax:           request.Pricing.Tax,
			CommuteCharge: request.Pricing.CommuteCharge,
			Total:         request.Pricing.Total,
		},
		PaymentStatus:   string(request.PaymentStatus),
		OverallStatus:   string(request.OverallStatus),
		GatewayIntentID: strings.TrimSpace(request.GatewayIntentID),
		PaidAt:          timePtrUTC(request.PaidAt),
		CancelledAt:     timePtrUTC(request.CancelledAt),
		CompletedAt:     timePtrUTC(request.CompletedAt),
		Version:         request.Version,
		CreatedAt:       request.CreatedAt.UTC(),
		UpdatedAt:       request.UpdatedAt.UTC(),
	}
}

func decodeRequest(id string, doc requestDocument) domain.ServiceRequest {
	items := make([]domain.LineItem, 0, len(doc.LineItems))
	for _, item := range doc.LineItems {
		items = append(items, domain.LineItem{
			ServiceID:   item.ServiceID,
			Name:        item.Name,
			Category:    item.Category,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Scheduling:  domain.Scheduling(item.Scheduling),
			ScheduledAt: item.ScheduledAt,
			Note:        item.Note,
			Status:      domain.LineItemStatus(item.Status),
		})
	}

	address := domain.Address{
		Line1:      doc.Address.Line1,
		Line2:      doc.Address.Line2,
		City:       doc.Address.City,
		Region:     doc.Address.Region,
		PostalCode: doc.Address.PostalCode,
		Country:    doc.Address.Country,
		Provenance: domain.AddressProvenance(doc.Address.Provenance),
	}
	if doc.Address.Coordinates != nil {
		address.Coordinates = &domain.Coordinates{
			Latitude:  doc.Address.Coordinates.Latitude,
			Longitude: doc.Address.Coordinates.Longitude,
		}
	}

	return domain.ServiceRequest{
		ID:        id,
		OwnerID:   doc.OwnerID,
		LineItems: items,
		Address:   address,
		Urgency:  domain.Urgency(doc.Urgency),
		Note:     doc.Note,
		Currency: doc.Currency,
		Pricing: domain.Pricing{
			Subtotal:      doc.Pricing.Subtotal,
			Tax:           doc.Pricing.Tax,
			CommuteCharge: doc.Pricing.CommuteCharge,
			Total:         doc.Pricing.Total,
		},
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		OverallStatus:   domain.OverallStatus(doc.OverallStatus),
		GatewayIntentID: doc.GatewayIntentID,
		PaidAt:          doc.PaidAt,
		CancelledAt:     doc.CancelledAt,
		CompletedAt:     doc.CompletedAt,
		Version:         doc.Version,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

func timePtrUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

type requestDocument struct {
	OwnerID         string             `firestore:"ownerId"`
	LineItems       []lineItemDocument `firestore:"lineItems"`
	Address         addressDocument    `firestore:"address"`
	Urgency         string             `firestore:"urgency"`
	Note            string             `firestore:"note,omitempty"`
	Currency        string             `firestore:"currency"`
	Pricing         pricingDocument    `firestore:"pricing"`
	PaymentStatus   string             `firestore:"paymentStatus"`
	OverallStatus   string             `firestore:"overallStatus"`
	GatewayIntentID string             `firestore:"gatewayIntentId,omitempty"`
	PaidAt          *time.Time         `firestore:"paidAt,omitempty"`
	CancelledAt     *time.Time         `firestore:"cancelledAt,omitempty"`
	CompletedAt     *time.Time         `firestore:"completedAt,omitempty"`
	Version         int64              `firestore:"version"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	UpdatedAt       time.Time          `firestore:"updatedAt"`
}

type lineItemDocument struct {
	ServiceID   string     `firestore:"serviceId"`
	Name        string     `firestore:"name"`
	Category    string     `firestore:"category,omitempty"`
	UnitPrice   int64      `firestore:"unitPrice"`
	Quantity    int64      `firestore:"quantity"`
	Scheduling  string     `firestore:"scheduling"`
	ScheduledAt *time.Time `firestore:"scheduledAt,omitempty"`
	Note        string     `firestore:"note,omitempty"`
	Status      string     `firestore:"status"`
}

type addressDocument struct {
	Line1       string               `firestore:"line1"`
	Line2       string               `firestore:"line2,omitempty"`
	City        string               `firestore:"city"`
	Region      string               `firestore:"region"`
	PostalCode  string               `firestore:"postalCode"`
	Country     string               `firestore:"country,omitempty"`
	Coordinates *coordinatesDocument `firestore:"coordinates,omitempty"`
	Provenance  string               `firestore:"provenance,omitempty"`
}

type coordinatesDocument struct {
	Latitude  float64 `firestore:"latitude"`
	Longitude float64 `firestore:"longitude"`
}

type pricingDocument struct {
	Subtotal      int64 `firestore:"subtotal"`
	Tax           int64 `firestore:"tax"`
	CommuteCharge int64 `firestore:"commuteCharge"`
	Total         int64 `firestore:"total"`
}

var _ repositories.RequestRepository = (*RequestRepository)(nil)
