package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fixnest/api/internal/domain"
)

var (
	// ErrInvalidInput signals bad request data such as missing line items or negative prices.
	ErrInvalidInput = errors.New("pricing: invalid input")
	// ErrOverflow is returned when an amount computation would exceed int64.
	ErrOverflow = errors.New("pricing: amount overflow")
)

const (
	// defaultTaxRateBasisPoints is the flat service tax applied to the subtotal.
	defaultTaxRateBasisPoints = 1800
	// defaultCommuteCharge is the flat commute fallback in minor units.
	defaultCommuteCharge = 2500
)

// CommuteRater quotes the commute charge for a service location.
type CommuteRater interface {
	RateCommute(ctx context.Context, address domain.Address, urgency domain.Urgency) (int64, error)
}

// FixedCommuteRater always quotes the same commute charge. It is the
// fallback used when no distance-based rater is configured.
type FixedCommuteRater struct {
	Charge int64
}

// RateCommute returns the fixed charge regardless of location.
func (r FixedCommuteRater) RateCommute(context.Context, domain.Address, domain.Urgency) (int64, error) {
	if r.Charge < 0 {
		return 0, fmt.Errorf("%w: negative commute charge", ErrInvalidInput)
	}
	if r.Charge == 0 {
		return defaultCommuteCharge, nil
	}
	return r.Charge, nil
}

// Engine computes the immutable price breakdown for a service request.
// It is pure apart from the injected commute rater.
type Engine struct {
	rater             CommuteRater
	taxRateBasisPoint int64
	logger            func(context.Context, string, map[string]any)
}

// EngineDeps configures the pricing engine.
type EngineDeps struct {
	Rater CommuteRater
	// TaxRateBasisPoints overrides the flat tax rate (1800 = 18%).
	TaxRateBasisPoints int64
	Logger             func(context.Context, string, map[string]any)
}

// NewEngine constructs a pricing engine, falling back to the fixed commute rater.
func NewEngine(deps EngineDeps) (*Engine, error) {
	rater := deps.Rater
	if rater == nil {
		rater = FixedCommuteRater{}
	}
	rate := deps.TaxRateBasisPoints
	if rate < 0 {
		return nil, fmt.Errorf("%w: negative tax rate", ErrInvalidInput)
	}
	if rate == 0 {
		rate = defaultTaxRateBasisPoints
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Engine{
		rater:             rater,
		taxRateBasisPoint: rate,
		logger:            logger,
	}, nil
}

// Quote is the input to Price: the validated line items plus location context.
type Quote struct {
	Items   []domain.LineItem
	Address domain.Address
	Urgency domain.Urgency
}

// Price computes Subtotal, Tax, CommuteCharge, and Total in minor units.
// Tax is the flat rate applied to the subtotal only and rounded half up;
// the commute charge is never taxed.
func (e *Engine) Price(ctx context.Context, quote Quote) (domain.Pricing, error) {
	if len(quote.Items) == 0 {
		return domain.Pricing{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidInput)
	}

	var subtotal int64
	for _, item := range quote.Items {
		if item.Quantity <= 0 {
			return domain.Pricing{}, fmt.Errorf("%w: item %s quantity must be positive", ErrInvalidInput, itemRef(item))
		}
		if item.UnitPrice < 0 {
			return domain.Pricing{}, fmt.Errorf("%w: item %s unit price cannot be negative", ErrInvalidInput, itemRef(item))
		}
		if item.UnitPrice > 0 && item.UnitPrice > math.MaxInt64/item.Quantity {
			return domain.Pricing{}, fmt.Errorf("%w: item %s line subtotal", ErrOverflow, itemRef(item))
		}
		line := item.UnitPrice * item.Quantity
		if subtotal > math.MaxInt64-line {
			return domain.Pricing{}, fmt.Errorf("%w: subtotal", ErrOverflow)
		}
		subtotal += line
	}

	tax, err := roundHalfUpBasisPoints(subtotal, e.taxRateBasisPoint)
	if err != nil {
		return domain.Pricing{}, err
	}

	commute, err := e.rater.RateCommute(ctx, quote.Address, quote.Urgency)
	if err != nil {
		return domain.Pricing{}, fmt.Errorf("rate commute: %w", err)
	}
	if commute < 0 {
		return domain.Pricing{}, fmt.Errorf("%w: negative commute charge", ErrInvalidInput)
	}

	if subtotal > math.MaxInt64-tax || subtotal+tax > math.MaxInt64-commute {
		return domain.Pricing{}, fmt.Errorf("%w: total", ErrOverflow)
	}

	pricing := domain.Pricing{
		Subtotal:      subtotal,
		Tax:           tax,
		CommuteCharge: commute,
		Total:         subtotal + tax + commute,
	}

	e.logger(ctx, "pricing_computed", map[string]any{
		"subtotal": pricing.Subtotal,
		"tax":      pricing.Tax,
		"commute":  pricing.CommuteCharge,
		"total":    pricing.Total,
	})
	return pricing, nil
}

// Verify recomputes the arithmetic identity over an existing breakdown.
func Verify(p domain.Pricing) error {
	if p.Subtotal < 0 || p.Tax < 0 || p.CommuteCharge < 0 {
		return fmt.Errorf("%w: negative component", ErrInvalidInput)
	}
	if p.Total != p.Subtotal+p.Tax+p.CommuteCharge {
		return fmt.Errorf("%w: total %d does not equal component sum", ErrInvalidInput, p.Total)
	}
	return nil
}

// roundHalfUpBasisPoints computes amount*bp/10000 rounded half up, guarding overflow.
func roundHalfUpBasisPoints(amount, basisPoints int64) (int64, error) {
	if amount == 0 || basisPoints == 0 {
		return 0, nil
	}
	if amount > (math.MaxInt64-5000)/basisPoints {
		return 0, fmt.Errorf("%w: tax", ErrOverflow)
	}
	return (amount*basisPoints + 5000) / 10000, nil
}

func itemRef(item domain.LineItem) string {
	if id := strings.TrimSpace(item.ServiceID); id != "" {
		return id
	}
	return strings.TrimSpace(item.Name)
}
