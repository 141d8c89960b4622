package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for dispatch by the executor's error
// handling (spec §7). Use errors.As to recover a *TaskError and switch on
// Kind.
type ErrorKind string

const (
	// KindTransport is network/timeout/non-2xx-without-structured-body.
	// Retried by the caller.
	KindTransport ErrorKind = "TransportError"
	// KindVenueRejection is a structured non-2xx response (insufficient
	// collateral, invalid amount, order not found on cancel). Classified
	// further by Reason.
	KindVenueRejection ErrorKind = "VenueRejection"
	// KindPriceBand means the order book moved outside the task's guard
	// band. Recovered locally by pausing the task.
	KindPriceBand ErrorKind = "PriceBandViolation"
	// KindSignatureDomain is an EIP-712 chain/contract mismatch or rejected
	// HMAC signature. Fatal to the request.
	KindSignatureDomain ErrorKind = "SignatureDomainError"
	// KindInvariant is a detected divergence between on-chain position and
	// local counters beyond tolerance. Fatal to the task.
	KindInvariant ErrorKind = "InvariantViolation"
	// KindDeadlineExceeded is an expiry or operator cancel. The executor's
	// transition-error handler begins an unwind for it; it does not cancel
	// both legs or end the task CANCELLED (the expiry sweeper marks expired
	// tasks CANCELLED on its own).
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
)

// VenueRejectionReason further classifies a KindVenueRejection error so the
// executor can dispatch the correct recovery per spec §7.
type VenueRejectionReason string

const (
	ReasonInsufficientAmount    VenueRejectionReason = "insufficient_amount"
	ReasonInsufficientCollateral VenueRejectionReason = "insufficient_collateral"
	ReasonInsufficientShares    VenueRejectionReason = "insufficient_shares"
	ReasonOrderNotFound         VenueRejectionReason = "order_not_found"
	ReasonOther                 VenueRejectionReason = "other"
)

// TaskError wraps an underlying error with the classification the Task
// Executor needs to decide between retry, local recovery, or fatal failure.
type TaskError struct {
	Kind   ErrorKind
	Reason VenueRejectionReason // only meaningful when Kind == KindVenueRejection
	Op     string               // operation that failed, e.g. "placeOrder", "cancelOrder"
	Err    error
}

func (e *TaskError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a retryable transport error.
func NewTransportError(op string, err error) *TaskError {
	return &TaskError{Kind: KindTransport, Op: op, Err: err}
}

// NewVenueRejection wraps err as a classified venue rejection.
func NewVenueRejection(op string, reason VenueRejectionReason, err error) *TaskError {
	return &TaskError{Kind: KindVenueRejection, Reason: reason, Op: op, Err: err}
}

// NewPriceBandViolation reports the guard band being violated.
func NewPriceBandViolation(op string, err error) *TaskError {
	return &TaskError{Kind: KindPriceBand, Op: op, Err: err}
}

// NewSignatureDomainError reports a fatal signing mismatch.
func NewSignatureDomainError(op string, err error) *TaskError {
	return &TaskError{Kind: KindSignatureDomain, Op: op, Err: err}
}

// NewInvariantViolation reports a fatal divergence between chain state and
// local counters.
func NewInvariantViolation(op string, err error) *TaskError {
	return &TaskError{Kind: KindInvariant, Op: op, Err: err}
}

// NewDeadlineExceeded reports an expiry or operator cancel.
func NewDeadlineExceeded(op string, err error) *TaskError {
	return &TaskError{Kind: KindDeadlineExceeded, Op: op, Err: err}
}

// ClassifyKind recovers the ErrorKind of err via errors.As, or "" if err is
// not (or does not wrap) a *TaskError.
func ClassifyKind(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// ErrEntryCostUnknown is returned when a SELL task reaches a terminal
// transition without a known entryCost. The executor must surface this
// rather than fabricate a profit number (spec §9 open question a).
var ErrEntryCostUnknown = errors.New("entry cost unknown: refusing to compute profit for SELL task")
