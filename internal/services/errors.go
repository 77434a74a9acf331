package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound means the payer is not a registered user
	ErrUserNotFound = errors.New("user not found")
	// ErrGatewayUnavailable means the charge call could not be completed; the
	// transaction stays INITIATED for the sweep to resolve
	ErrGatewayUnavailable = errors.New("payment gateway unavailable, please retry later")
	// ErrPaymentDeclined means the gateway definitively refused the charge
	ErrPaymentDeclined = errors.New("payment was declined")
	// ErrInvalidPayload means a notification lacks the fields reconciliation needs
	ErrInvalidPayload = errors.New("invalid notification payload")
	// ErrUnknownTransaction means no transaction has the notified reference
	ErrUnknownTransaction = errors.New("unknown transaction reference")
	// ErrPersistenceConflict means a concurrent update won twice in a row
	ErrPersistenceConflict = errors.New("concurrent update conflict")
	// ErrForbidden means the caller asked for another payer's data
	ErrForbidden = errors.New("access to another payer's payments is not allowed")
	// ErrTransactionNotFound is returned by lookups by reference
	ErrTransactionNotFound = errors.New("transaction not found")
)

// ValidationError reports bad input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is or wraps a *ValidationError
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
