package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorCode classifies a ledger failure
type ErrorCode int

const (
	CodeValidation ErrorCode = iota + 1
	CodeNotFound
	CodeInsufficientFunds
	CodeUnassignedAccount
	CodeForbidden
	CodeDuplicateAccountNumber
	CodeOperationConflict
	CodeStorageFailure
)

func (c ErrorCode) String() string {
	switch c {
	case CodeValidation:
		return "validation_error"
	case CodeNotFound:
		return "not_found"
	case CodeInsufficientFunds:
		return "insufficient_funds"
	case CodeUnassignedAccount:
		return "unassigned_account"
	case CodeForbidden:
		return "forbidden"
	case CodeDuplicateAccountNumber:
		return "duplicate_account_number"
	case CodeOperationConflict:
		return "operation_conflict"
	case CodeStorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the caller may resubmit the whole operation.
func (c ErrorCode) Retryable() bool {
	return c == CodeOperationConflict || c == CodeDuplicateAccountNumber
}

// Error is the typed error returned by the ledger and its stores
type Error struct {
	Code    ErrorCode
	Message string
	// Available is set for CodeInsufficientFunds
	Available *decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation             = &Error{Code: CodeValidation}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds}
	ErrUnassignedAccount      = &Error{Code: CodeUnassignedAccount}
	ErrForbidden              = &Error{Code: CodeForbidden}
	ErrDuplicateAccountNumber = &Error{Code: CodeDuplicateAccountNumber}
	ErrOperationConflict      = &Error{Code: CodeOperationConflict}
	ErrStorageFailure         = &Error{Code: CodeStorageFailure}
)

func Validation(msg string) error {
	return &Error{Code: CodeValidation, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func InsufficientFunds(available decimal.Decimal) error {
	return &Error{Code: CodeInsufficientFunds, Message: "insufficient funds", Available: &available}
}

func UnassignedAccount(number string) error {
	return &Error{
		Code:    CodeUnassignedAccount,
		Message: fmt.Sprintf("account %s has no owner assigned, please contact support", LastDigits(number)),
	}
}

func Forbidden(msg string) error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func DuplicateAccountNumber(err error) error {
	return &Error{Code: CodeDuplicateAccountNumber, Message: "account number conflict", Err: err}
}

func OperationConflict(err error) error {
	return &Error{Code: CodeOperationConflict, Message: "operation conflict, please retry", Err: err}
}

func StorageFailure(err error) error {
	return &Error{Code: CodeStorageFailure, Message: "storage failure", Err: err}
}

// CodeOf returns the code carried by err, or CodeStorageFailure for untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageFailure
}
