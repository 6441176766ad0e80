package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidRequestID         = errors.New("invalid request id")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrMissingCreditAccount     = errors.New("missing credit account")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrInvalidReservationState  = errors.New("invalid reservation state")
	ErrRequestConflict          = errors.New("request id already used")
	ErrInvalidTier              = errors.New("invalid tier")
	ErrInvalidCycleSource       = errors.New("invalid cycle source")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidAttemptStatus     = errors.New("invalid attempt status")
	ErrInvalidContext           = errors.New("invalid entry context")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrDuplicateEntry           = errors.New("duplicate entry")
)

// Reason is the stable machine-readable code attached to a rejected operation.
type Reason string

const (
	ReasonMissingUserID           Reason = "missing_user_id"
	ReasonMissingRequestID        Reason = "missing_request_id"
	ReasonInvalidAmount           Reason = "invalid_amount"
	ReasonInsufficientCredits     Reason = "insufficient_credits"
	ReasonMissingCreditAccount    Reason = "missing_credit_account"
	ReasonMissingReservation      Reason = "missing_reservation"
	ReasonInvalidReservationState Reason = "invalid_reservation_state"
	ReasonRequestConflict         Reason = "request_conflict"
	ReasonInvalidTier             Reason = "invalid_tier"
	ReasonInvalidCycleSource      Reason = "invalid_cycle_source"
	ReasonInvalidContext          Reason = "invalid_context"
	ReasonInvalidAttemptStatus    Reason = "invalid_attempt_status"
	ReasonInvalidEntryType        Reason = "invalid_entry_type"
)

var reasonsBySentinel = []struct {
	sentinel error
	reason   Reason
}{
	{ErrInvalidUserID, ReasonMissingUserID},
	{ErrInvalidRequestID, ReasonMissingRequestID},
	{ErrInvalidAmount, ReasonInvalidAmount},
	{ErrInsufficientCredits, ReasonInsufficientCredits},
	{ErrMissingCreditAccount, ReasonMissingCreditAccount},
	{ErrUnknownReservation, ReasonMissingReservation},
	{ErrInvalidReservationState, ReasonInvalidReservationState},
	{ErrRequestConflict, ReasonRequestConflict},
	{ErrReservationExists, ReasonRequestConflict},
	{ErrInvalidTier, ReasonInvalidTier},
	{ErrInvalidCycleSource, ReasonInvalidCycleSource},
	{ErrInvalidContext, ReasonInvalidContext},
	{ErrInvalidAttemptStatus, ReasonInvalidAttemptStatus},
	{ErrInvalidEntryType, ReasonInvalidEntryType},
}

// ReasonOf maps a rejection to its reason code. Errors without a reason
// (store failures, broken configuration) return false and must be treated
// as hard failures.
func ReasonOf(err error) (Reason, bool) {
	if err == nil {
		return "", false
	}
	for _, candidate := range reasonsBySentinel {
		if errors.Is(err, candidate.sentinel) {
			return candidate.reason, true
		}
	}
	return "", false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
