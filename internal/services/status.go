package services

import (
	"slices"

	domain "github.com/fixnest/api/internal/domain"
)

// overallStatusTransitions encodes the aggregate lifecycle. Terminal states
// have no outgoing edges.
var overallStatusTransitions = map[domain.OverallStatus][]domain.OverallStatus{
	domain.OverallStatusPendingPayment: {domain.OverallStatusPaid, domain.OverallStatusCancelled},
	domain.OverallStatusPaid:           {domain.OverallStatusProviderSearch, domain.OverallStatusCancelled},
	domain.OverallStatusProviderSearch: {domain.OverallStatusAssigned, domain.OverallStatusCancelled},
	domain.OverallStatusAssigned:       {domain.OverallStatusInProgress, domain.OverallStatusCancelled},
	domain.OverallStatusInProgress:     {domain.OverallStatusCompleted, domain.OverallStatusCancelled},
}

// paymentStatusTransitions encodes the payment machine. Completed and failed
// are terminal; recovering from failed requires a fresh intent, which resets
// the attempt rather than the stored status history.
var paymentStatusTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending:    {domain.PaymentStatusProcessing, domain.PaymentStatusCompleted, domain.PaymentStatusFailed},
	domain.PaymentStatusProcessing: {domain.PaymentStatusCompleted, domain.PaymentStatusFailed},
}

// ownerCancellableStatuses are the overall statuses from which the owner may
// cancel directly. Later cancellations go through the provider collaborator.
var ownerCancellableStatuses = []domain.OverallStatus{
	domain.OverallStatusPendingPayment,
}

func canTransitionOverall(current, target domain.OverallStatus) bool {
	if current == target {
		return true
	}
	next, ok := overallStatusTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func canTransitionPayment(current, target domain.PaymentStatus) bool {
	if current == target {
		return true
	}
	next, ok := paymentStatusTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func ownerCanCancel(status domain.OverallStatus) bool {
	return slices.Contains(ownerCancellableStatuses, status)
}

// validOverallStatus reports whether the value names a known overall status.
func validOverallStatus(status domain.OverallStatus) bool {
	switch status {
	case domain.OverallStatusPendingPayment,
		domain.OverallStatusPaid,
		domain.OverallStatusProviderSearch,
		domain.OverallStatusAssigned,
		domain.OverallStatusInProgress,
		domain.OverallStatusCompleted,
		domain.OverallStatusCancelled:
		return true
	default:
		return false
	}
}

func validLineItemStatus(status domain.LineItemStatus) bool {
	switch status {
	case domain.LineItemStatusPending,
		domain.LineItemStatusAssigned,
		domain.LineItemStatusInProgress,
		domain.LineItemStatusCompleted,
		domain.LineItemStatusCancelled:
		return true
	default:
		return false
	}
}
