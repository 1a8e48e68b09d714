// Package coordinator implements both halves of the trade protocol: the
// buyer app (BAP) that drives a transaction through discover, select, init,
// confirm and cancel, and the provider platform (BPP) that answers those
// messages against the local engines. The two halves meet over a
// protocol.Transport, so one process can host either side, or both.
//
// Every inbound message is logged under (message_id, direction) before any
// side-effect. A duplicate short-circuits to the recorded response;
// deterministic faults are recorded and replayed exactly like successes,
// while transient failures un-log the message so the peer can retry with
// the same message_id.
package coordinator

import (
	"errors"

	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/protocol"
)

// Wire fault codes carried in protocol.Fault. They mirror the error
// taxonomy so the buyer side can rehydrate a typed error from a response.
const (
	FaultValidation          = "VALIDATION"
	FaultNotFound            = "NOT_FOUND"
	FaultConflict            = "CONFLICT"
	FaultInsufficientBlocks  = "INSUFFICIENT_BLOCKS"
	FaultInsufficientBalance = "INSUFFICIENT_BALANCE"
	FaultExpired             = "EXPIRED"
	FaultAlreadySettled      = "ALREADY_SETTLED"
	FaultGateClosed          = "GATE_CLOSED"
	FaultInFlight            = "IN_FLIGHT"
	FaultInternal            = "INTERNAL"
)

// deterministic reports whether the error would repeat on a retry of the
// same message. Deterministic outcomes are recorded as fault responses;
// everything else is treated as transient and left unrecorded.
func deterministic(err error) bool {
	if errors.Is(err, domain.ErrGateClosed) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindNotFound, domain.KindConflict,
		domain.KindInsufficientBlocks, domain.KindInsufficientBalance,
		domain.KindExpired, domain.KindAlreadySettled:
		return true
	}
	return false
}

// faultCode maps a deterministic error to its wire code.
func faultCode(err error) string {
	if errors.Is(err, domain.ErrGateClosed) {
		return FaultGateClosed
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return FaultValidation
	case domain.KindNotFound:
		return FaultNotFound
	case domain.KindConflict:
		return FaultConflict
	case domain.KindInsufficientBlocks:
		return FaultInsufficientBlocks
	case domain.KindInsufficientBalance:
		return FaultInsufficientBalance
	case domain.KindExpired:
		return FaultExpired
	case domain.KindAlreadySettled:
		return FaultAlreadySettled
	default:
		return FaultInternal
	}
}

// faultMessage extracts the human-readable part of an error for the wire,
// dropping the op-chain prefix a typed error carries.
func faultMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// faultError rebuilds the typed error a fault response stands for.
func faultError(op string, f *protocol.Fault) error {
	if f == nil {
		return domain.NewInternalError(op, "empty fault on response", nil)
	}
	switch f.Code {
	case FaultValidation:
		return domain.NewValidationError(op, f.Message)
	case FaultNotFound:
		return domain.NewNotFoundError(op, f.Message, nil)
	case FaultInsufficientBlocks:
		return domain.E(domain.KindInsufficientBlocks, op, f.Message, nil)
	case FaultInsufficientBalance:
		return domain.E(domain.KindInsufficientBalance, op, f.Message, nil)
	case FaultExpired:
		return domain.NewExpiredError(op, f.Message)
	case FaultAlreadySettled:
		return domain.E(domain.KindAlreadySettled, op, f.Message, domain.ErrAlreadySettled)
	case FaultGateClosed:
		return domain.E(domain.KindConflict, op, f.Message, domain.ErrGateClosed)
	case FaultConflict, FaultInFlight:
		return domain.NewConflictError(op, f.Message, nil)
	default:
		return domain.NewInternalError(op, f.Message, nil)
	}
}
