package billing

import "errors"

var (
	// ErrDuplicatePayment indicates a fingerprint or external-id collision.
	// Reported as skipped during imports, never fatal.
	ErrDuplicatePayment = errors.New("billing: duplicate payment")
	// ErrPeriodClosed indicates a write into a closed period without an
	// override reason. Checked before any mutation.
	ErrPeriodClosed = errors.New("billing: period closed")
	// ErrPlotNotFound indicates the referenced plot does not exist.
	ErrPlotNotFound = errors.New("billing: plot not found")
	// ErrNotFound indicates a missing payment, penalty, or period.
	ErrNotFound = errors.New("billing: not found")
	// ErrValidation indicates a malformed row or request.
	ErrValidation = errors.New("billing: validation failed")
	// ErrPenaltyFrozen indicates a manual lock preventing recalculation.
	ErrPenaltyFrozen = errors.New("billing: penalty frozen")
	// ErrPaymentVoided indicates the payment is already voided.
	ErrPaymentVoided = errors.New("billing: payment voided")
)
