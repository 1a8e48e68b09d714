package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for fixed conditions callers match on directly.
var (
	// Lookup errors
	ErrProviderNotFound = errors.New("provider not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrOfferNotFound    = errors.New("offer not found")
	ErrBlockNotFound    = errors.New("block not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrEscrowNotFound   = errors.New("escrow record not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrTxnStateNotFound = errors.New("transaction state not found")

	// Concurrency errors
	ErrVersionMismatch = errors.New("row version mismatch")
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockLost        = errors.New("lock lease lost")

	// Protocol errors
	ErrDuplicateMessage   = errors.New("duplicate message")
	ErrMessageInFlight    = errors.New("message is being processed")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrGateClosed         = errors.New("gate closure passed for delivery window")
	ErrOfferWindowElapsed = errors.New("offer delivery window has elapsed")

	// Settlement errors
	ErrEscrowExpired  = errors.New("escrow block expired")
	ErrAlreadySettled = errors.New("trade already settled")
	ErrNoFundsBlocked = errors.New("no funds blocked for trade")
)

// Kind classifies an error for propagation decisions and transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindLockAcquisition
	KindOptimisticLock
	KindConflict
	KindInsufficientBlocks
	KindInsufficientBalance
	KindExpired
	KindAlreadySettled
	KindTransport
	KindInternal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidation:
		return "VALIDATION"
	case KindLockAcquisition:
		return "LOCK_ACQUISITION"
	case KindOptimisticLock:
		return "OPTIMISTIC_LOCK"
	case KindConflict:
		return "CONFLICT"
	case KindInsufficientBlocks:
		return "INSUFFICIENT_BLOCKS"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindExpired:
		return "EXPIRED"
	case KindAlreadySettled:
		return "ALREADY_SETTLED"
	case KindTransport:
		return "TRANSPORT"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed error every engine surfaces. Op names the failing
// operation ("inventory.claim_blocks"), Message is human-readable context,
// Cause is the wrapped underlying error.
type Error struct {
	Kind      Kind                   `json:"kind"`
	Op        string                 `json:"op"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind or by wrapped cause.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind && (other.Message == "" || e.Message == other.Message)
	}
	return errors.Is(e.Cause, target)
}

// WithDetail attaches a key/value to the error for structured surfaces.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// E builds a typed error. Retryability follows the kind.
func E(kind Kind, op, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Cause:     cause,
		Retryable: kindRetryable(kind),
	}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(op, message string, cause error) *Error {
	return E(KindNotFound, op, message, cause)
}

// NewValidationError reports malformed input. Never retryable.
func NewValidationError(op, message string) *Error {
	return E(KindValidation, op, message, nil)
}

// NewLockError reports a failed lease acquisition.
func NewLockError(op, resource string, cause error) *Error {
	return E(KindLockAcquisition, op, fmt.Sprintf("could not acquire %s", resource), cause).
		WithDetail("resource", resource)
}

// NewOptimisticLockError reports a version-mismatch write.
func NewOptimisticLockError(op, entity, id string) *Error {
	return E(KindOptimisticLock, op, fmt.Sprintf("%s %s changed concurrently", entity, id), ErrVersionMismatch).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

// NewConflictError reports a duplicate-key or idempotency collision.
func NewConflictError(op, message string, cause error) *Error {
	return E(KindConflict, op, message, cause)
}

// NewInsufficientBlocksError reports a claim that could not be fully served.
func NewInsufficientBlocksError(op string, requested, available int64) *Error {
	return E(KindInsufficientBlocks, op,
		fmt.Sprintf("requested %d blocks, %d available", requested, available), nil).
		WithDetail("requested", requested).
		WithDetail("available", available)
}

// NewInsufficientBalanceError reports a buyer who cannot cover a charge.
func NewInsufficientBalanceError(op, userID string) *Error {
	return E(KindInsufficientBalance, op, "balance does not cover the charge", nil).
		WithDetail("user_id", userID)
}

// NewExpiredError reports an elapsed escrow or verification window.
func NewExpiredError(op, message string) *Error {
	return E(KindExpired, op, message, ErrEscrowExpired)
}

// NewAlreadySettledError reports a trade with a terminal transfer.
func NewAlreadySettledError(op, tradeID string) *Error {
	return E(KindAlreadySettled, op, fmt.Sprintf("trade %s already settled", tradeID), ErrAlreadySettled).
		WithDetail("trade_id", tradeID)
}

// NewTransportError reports a network or timeout failure against an external
// rail. Retryable with the same message_id.
func NewTransportError(op, message string, cause error) *Error {
	return E(KindTransport, op, message, cause)
}

// NewInternalError reports a violated invariant.
func NewInternalError(op, message string, cause error) *Error {
	return E(KindInternal, op, message, cause)
}

// KindOf extracts the kind from any error in the chain, KindUnknown if none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsValidation reports whether err is a malformed-input error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsLockAcquisition reports whether err is a failed lease acquisition.
func IsLockAcquisition(err error) bool { return IsKind(err, KindLockAcquisition) }

// IsOptimisticLock reports whether err is a version-mismatch write.
func IsOptimisticLock(err error) bool { return IsKind(err, KindOptimisticLock) }

// IsConflict reports whether err is a duplicate or idempotency collision.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsInsufficientBlocks reports whether err is an under-served claim.
func IsInsufficientBlocks(err error) bool { return IsKind(err, KindInsufficientBlocks) }

// IsInsufficientBalance reports whether err is an uncovered charge.
func IsInsufficientBalance(err error) bool { return IsKind(err, KindInsufficientBalance) }

// IsExpired reports whether err is an elapsed-window error.
func IsExpired(err error) bool { return IsKind(err, KindExpired) }

// IsAlreadySettled reports whether err is a repeat settlement attempt.
func IsAlreadySettled(err error) bool { return IsKind(err, KindAlreadySettled) }

// IsTransport reports whether err is a network or timeout failure.
func IsTransport(err error) bool { return IsKind(err, KindTransport) }

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindLockAcquisition, KindOptimisticLock, KindTransport:
		return true
	default:
		return false
	}
}
