package handlers

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/fixnest/api/internal/domain"
)

// receiptFormatter renders the immutable price breakdown into a customer
// facing receipt with locale-aware amount formatting.
type receiptFormatter struct {
	printer *message.Printer
}

func newReceiptFormatter() *receiptFormatter {
	return &receiptFormatter{
		printer: message.NewPrinter(language.English),
	}
}

type receiptResponse struct {
	RequestID string         `json:"requestId"`
	Currency  string         `json:"currency"`
	Lines     []receiptLine  `json:"lines"`
	Summary   receiptSummary `json:"summary"`
	PaidAt    string         `json:"paidAt,omitempty"`
	Status    string         `json:"paymentStatus"`
}

type receiptLine struct {
	Label     string `json:"label"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Amount    string `json:"amount"`
}

type receiptSummary struct {
	Subtotal      string `json:"subtotal"`
	Tax           string `json:"tax"`
	CommuteCharge string `json:"commuteCharge"`
	Total         string `json:"total"`
}

func (f *receiptFormatter) build(request domain.ServiceRequest) receiptResponse {
	lines := make([]receiptLine, 0, len(request.LineItems))
	for _, item := range request.LineItems {
		lines = append(lines, receiptLine{
			Label:     item.Name,
			Quantity:  item.Quantity,
			UnitPrice: f.amount(request.Currency, item.UnitPrice),
			Amount:    f.amount(request.Currency, item.UnitPrice*item.Quantity),
		})
	}

	return receiptResponse{
		RequestID: request.ID,
		Currency:  strings.ToUpper(request.Currency),
		Lines:     lines,
		Summary: receiptSummary{
			Subtotal:      f.amount(request.Currency, request.Pricing.Subtotal),
			Tax:           f.amount(request.Currency, request.Pricing.Tax),
			CommuteCharge: f.amount(request.Currency, request.Pricing.CommuteCharge),
			Total:         f.amount(request.Currency, request.Pricing.Total),
		},
		PaidAt: formatTime(pointerTime(request.PaidAt)),
		Status: string(request.PaymentStatus),
	}
}

// amount renders minor units as a decimal string with grouping, e.g. 722055
// in usd becomes "USD 7,220.55".
func (f *receiptFormatter) amount(currencyCode string, minor int64) string {
	major := float64(minor) / 100
	return f.printer.Sprintf("%s %v",
		strings.ToUpper(strings.TrimSpace(currencyCode)),
		number.Decimal(major, number.MinFractionDigits(2), number.MaxFractionDigits(2)),
	)
}
