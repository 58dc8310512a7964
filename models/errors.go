package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidState             = errors.New("transition not permitted from current state")
	ErrCodeMismatch             = errors.New("verification code does not match")
	ErrInvalidAmount            = errors.New("invalid payment amount")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")
	ErrNotPrincipal             = errors.New("document is a dependent; operate on its principal")
	ErrGatewayUnavailable       = errors.New("notification gateway unavailable")
	ErrNotificationExhausted    = errors.New("notification retry budget exhausted")

	ErrPaymentPending      = errors.New("document group has pending payments")
	ErrTooManyCodeAttempts = errors.New("too many wrong verification codes; try again later")
	ErrInvalidHierarchy    = errors.New("invalid principal/dependent link")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrInvalidInput        = errors.New("invalid input")
)

type ErrorClass string

const (
	// ErrorClassRejected: the request was refused; nothing changed.
	ErrorClassRejected ErrorClass = "rejected"
	ErrorClassNotFound ErrorClass = "not_found"
	// ErrorClassFault: stored data broke an invariant; escalate, do not retry.
	ErrorClassFault     ErrorClass = "fault"
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassTerminal  ErrorClass = "terminal"
	ErrorClassUnknown   ErrorClass = "unknown"
)

// Classify maps an error returned by the core to the caller-facing category.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDocumentNotFound):
		return ErrorClassNotFound
	case errors.Is(err, ErrLedgerInvariantViolation):
		return ErrorClassFault
	case errors.Is(err, ErrNotificationExhausted):
		return ErrorClassTerminal
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrCodeMismatch),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrNotPrincipal),
		errors.Is(err, ErrPaymentPending),
		errors.Is(err, ErrTooManyCodeAttempts),
		errors.Is(err, ErrInvalidHierarchy),
		errors.Is(err, ErrInvalidInput):
		return ErrorClassRejected
	}
	return ErrorClassUnknown
}

// MemberError names the group member a propagated transition failed on.
type MemberError struct {
	DocumentId int
	Err        error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("document %d: %v", e.DocumentId, e.Err)
}

func (e *MemberError) Unwrap() error {
	return e.Err
}
