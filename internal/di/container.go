package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fixnest/api/internal/platform/config"
	"github.com/fixnest/api/internal/pricing"
	"github.com/fixnest/api/internal/repositories"
	"github.com/fixnest/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Requests  services.RequestService
	Payments  services.PaymentService
	Reconcile services.ReconcileService
}

// Dependencies carries the infrastructure collaborators the container wires
// into services. Registry and Gateway are required; Publisher and Archiver
// degrade to no-ops when absent.
type Dependencies struct {
	Registry  repositories.Registry
	Gateway   services.IntentGateway
	Publisher services.RequestEventPublisher
	Archiver  services.WebhookArchiver
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries and stub gateways.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	engine, err := pricing.NewEngine(pricing.EngineDeps{
		Rater:  pricing.FixedCommuteRater{Charge: cfg.Pricing.CommuteCharge},
		Logger: serviceLogger(logger.Named("pricing")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	requestSvc, err := services.NewRequestService(services.RequestServiceDeps{
		Requests:   deps.Registry.Requests(),
		Pricer:     engine,
		UnitOfWork: deps.Registry,
		Currency:   cfg.Pricing.Currency,
		Clock:      clock,
		Logger:     serviceLogger(logger.Named("requests")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build request service: %w", err)
	}
	svc.Requests = requestSvc

	reconcileSvc, err := services.NewReconcileService(services.ReconcileServiceDeps{
		Requests:      deps.Registry.Requests(),
		Confirmations: deps.Registry.Confirmations(),
		UnitOfWork:    deps.Registry,
		Publisher:     deps.Publisher,
		Archiver:      deps.Archiver,
		Clock:         clock,
		Logger:        serviceLogger(logger.Named("reconcile")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconcile service: %w", err)
	}
	svc.Reconcile = reconcileSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Requests:   deps.Registry.Requests(),
		Gateway:    deps.Gateway,
		Reconciler: reconcileSvc,
		UnitOfWork: deps.Registry,
		Clock:      clock,
		Logger:     serviceLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	return svc, nil
}

// serviceLogger adapts a zap logger to the event/fields hook the services accept.
func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}
