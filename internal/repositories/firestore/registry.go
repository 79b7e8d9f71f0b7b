package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/fixnest/api/internal/platform/firestore"
	"github.com/fixnest/api/internal/repositories"
)

type txContextKey struct{}

func withTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) *firestore.Transaction {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx
}

// Registry bundles the Firestore-backed repositories behind the shared
// repositories.Registry contract.
type Registry struct {
	provider      *pfirestore.Provider
	requests      *RequestRepository
	confirmations *ConfirmationRepository
	health        repositories.HealthRepository
}

// RegistryDeps configures the Firestore registry.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs the Firestore repository registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	requests, err := NewRequestRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	confirmations, err := NewConfirmationRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      deps.Provider,
		requests:      requests,
		confirmations: confirmations,
		health:        deps.Health,
	}, nil
}

// Requests returns the service request repository.
func (r *Registry) Requests() repositories.RequestRepository { return r.requests }

// Confirmations returns the confirmation event repository.
func (r *Registry) Confirmations() repositories.ConfirmationRepository { return r.confirmations }

// Health returns the dependency health repository when configured.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repository calls made
// through the ctx passed to fn join the transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	if txFromContext(ctx) != nil {
		// Already transactional; Firestore does not support nesting.
		return fn(ctx)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	return pfirestore.RunTransaction(ctx, client, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(txCtx, tx))
	})
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
