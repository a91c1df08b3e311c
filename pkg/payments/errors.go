package payments

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the payment service.
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrCredentialNotConfigured = errors.New("credential not configured")
	ErrCredentialUnavailable   = errors.New("credential unavailable")
	ErrGatewayRejected         = errors.New("gateway rejected credential")
	ErrGatewayUnavailable      = errors.New("gateway unavailable")
	ErrAmountMismatch          = errors.New("amount mismatch")
	ErrRaceLost                = errors.New("race lost")
	ErrExpiredTransaction      = errors.New("transaction expired")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrTransactionClosed       = errors.New("transaction closed")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownContent          = errors.New("unknown content")
	ErrUnknownChannel          = errors.New("unknown channel")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrNotTransactionOwner     = errors.New("transaction belongs to another buyer")
	ErrInvalidBuyerID          = errors.New("invalid buyer id")
	ErrInvalidChannelID        = errors.New("invalid channel id")
	ErrInvalidContentID        = errors.New("invalid content id")
	ErrInvalidOwnerID          = errors.New("invalid owner id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidPurpose          = errors.New("invalid purpose")
	ErrInvalidMethod           = errors.New("invalid method")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidChoice           = errors.New("invalid choice")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// boundaryKinds lists the errors allowed to cross the Service boundary unchanged.
var boundaryKinds = []error{
	ErrConfiguration,
	ErrCredentialNotConfigured,
	ErrCredentialUnavailable,
	ErrGatewayRejected,
	ErrGatewayUnavailable,
	ErrAmountMismatch,
	ErrRaceLost,
	ErrExpiredTransaction,
	ErrInsufficientFunds,
	ErrTransactionClosed,
	ErrDuplicateTransaction,
	ErrUnknownTransaction,
	ErrUnknownContent,
	ErrUnknownChannel,
	ErrStoreUnavailable,
	ErrNotTransactionOwner,
	ErrInvalidBuyerID,
	ErrInvalidChannelID,
	ErrInvalidContentID,
	ErrInvalidOwnerID,
	ErrInvalidTransactionID,
	ErrInvalidAmount,
	ErrInvalidPurpose,
	ErrInvalidMethod,
	ErrInvalidStatus,
	ErrInvalidChoice,
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

// IsRetryable reports whether the caller may retry the same intent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInsufficientFunds)
}

// translateError keeps known kinds and replaces anything else with ErrStoreUnavailable,
// so raw driver errors never reach the chat wrapper.
func translateError(operation string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range boundaryKinds {
		if errors.Is(err, kind) {
			return err
		}
	}
	return WrapError(operation, errorSubjectBoundary, errorCodeTranslated, fmt.Errorf("%w: %s", ErrStoreUnavailable, err.Error()))
}
