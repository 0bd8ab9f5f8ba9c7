package association

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation failures. The kind determines retry
// semantics: validation failures are retryable after fixing the input,
// precondition failures are not auto-retried, integrity faults are fatal,
// fan-out failures occurred after the local row already committed.
type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION"
	KindPrecondition ErrorKind = "PRECONDITION"
	KindIntegrity    ErrorKind = "INTEGRITY"
	KindFanOut       ErrorKind = "FANOUT"
	KindAdapter      ErrorKind = "ADAPTER"
)

// Stable error codes surfaced to callers.
const (
	CodeMissingIdentifier     = "ASSOC_MISSING_IDENTIFIER"
	CodeInvalidWindow         = "ASSOC_INVALID_WINDOW"
	CodeDisallowedType        = "ASSOC_DISALLOWED_TYPE"
	CodeDeviceNotFound        = "ASSOC_DEVICE_NOT_FOUND"
	CodeInvalidDeviceState    = "ASSOC_INVALID_DEVICE_STATE"
	CodeDeviceBlocked         = "ASSOC_DEVICE_BLOCKED"
	CodeAlreadyAssociated     = "ASSOC_ALREADY_ASSOCIATED"
	CodeReassociationDenied   = "ASSOC_REASSOCIATION_DENIED"
	CodeNotAssociated         = "ASSOC_NOT_ASSOCIATED"
	CodeInvalidTransition     = "ASSOC_INVALID_TRANSITION"
	CodeNotAuthorized         = "ASSOC_NOT_AUTHORIZED"
	CodeSubscriptionPending   = "ASSOC_SUBSCRIPTION_PENDING"
	CodeDuplicateRows         = "ASSOC_DUPLICATE_ROWS"
	CodeCredentialNotFound    = "ASSOC_CREDENTIAL_NOT_FOUND"
	CodeAdapterFailure        = "ASSOC_ADAPTER_FAILURE"
	CodeNotificationFailure   = "ASSOC_NOTIFICATION_FAILURE"
	CodeWipeSubsetMismatch    = "ASSOC_WIPE_SUBSET_MISMATCH"
	CodeNoLiveAssociations    = "ASSOC_NO_LIVE_ASSOCIATIONS"
)

// OperationError is the typed failure returned by every engine operation.
type OperationError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *OperationError) Unwrap() error { return e.Cause }

func validationError(code, format string, args ...any) *OperationError {
	return &OperationError{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func preconditionError(code, format string, args ...any) *OperationError {
	return &OperationError{Kind: KindPrecondition, Code: code, Message: fmt.Sprintf(format, args...)}
}

func integrityError(code, format string, args ...any) *OperationError {
	return &OperationError{Kind: KindIntegrity, Code: code, Message: fmt.Sprintf(format, args...)}
}

func fanOutError(code string, cause error, format string, args ...any) *OperationError {
	return &OperationError{Kind: KindFanOut, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func adapterError(code string, cause error, format string, args ...any) *OperationError {
	return &OperationError{Kind: KindAdapter, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the ErrorKind of err if it is an OperationError, or empty.
func KindOf(err error) ErrorKind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return ""
}

// CodeOf returns the stable code of err if it is an OperationError, or empty.
func CodeOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return ""
}
