package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindValidation   ErrorKind = "VALIDATION_ERROR"
	KindBusinessRule ErrorKind = "BUSINESS_RULE"
	KindConflict     ErrorKind = "CONFLICT"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindForbidden    ErrorKind = "FORBIDDEN"
	KindInternal     ErrorKind = "INTERNAL_ERROR"
)

// Reason codes surfaced to clients and recorded on audit events.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidMovementType  = "INVALID_MOVEMENT_TYPE"
	CodeInvalidQuantity      = "INVALID_QUANTITY"
	CodeNoteRequired         = "NOTE_REQUIRED"
	CodeUnknownUnit          = "UNKNOWN_UNIT"
	CodeProductNotFound      = "PRODUCT_NOT_FOUND"
	CodeProductInactive      = "PRODUCT_INACTIVE"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeInsufficientReserved = "INSUFFICIENT_RESERVED"
	CodeNegativeOnHand       = "NEGATIVE_ON_HAND"
	CodeQuantityOverflow     = "QUANTITY_OVERFLOW"

	CodePONotFound         = "PO_NOT_FOUND"
	CodePONumberTaken      = "PO_NUMBER_TAKEN"
	CodeInvalidStatus      = "INVALID_STATUS"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeAlreadyReceived    = "ALREADY_RECEIVED"
	CodePOAlreadyCancelled = "PO_ALREADY_CANCELLED"
	CodePOLockedFields     = "PO_LOCKED_FIELDS"
	CodeUnsupportedCcy     = "UNSUPPORTED_CURRENCY"
	CodeInvalidRate        = "INVALID_EXCHANGE_RATE"
	CodeInvalidDueDate     = "INVALID_DUE_DATE"

	CodePONotPayable     = "PO_NOT_PAYABLE"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeFxRateRequired   = "FX_RATE_REQUIRED"
	CodeFxRateOutOfRange = "FX_RATE_OUT_OF_RANGE"
	CodeOverpayment      = "OVERPAYMENT"

	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyConflict    = "IDEMPOTENCY_KEY_CONFLICT"
	CodeIdempotencyProcessing  = "IDEMPOTENCY_IN_PROGRESS"
	CodeIdempotencyTimeout     = "IDEMPOTENCY_TIMEOUT"
	CodeIdempotencySuperseded  = "IDEMPOTENCY_SUPERSEDED"

	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInternal     = "INTERNAL_ERROR"
)

// Error is the single error shape crossing the service boundary. Status is
// the HTTP status the transport should answer with.
type Error struct {
	Status  int
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(code string, message string) *Error {
	return &Error{Status: http.StatusBadRequest, Kind: KindValidation, Code: code, Message: message}
}

func BusinessRule(code string, message string) *Error {
	return &Error{Status: http.StatusBadRequest, Kind: KindBusinessRule, Code: code, Message: message}
}

// RuleConflict is a business-rule rejection answered with 409, used when the
// target entity's current state forbids the request.
func RuleConflict(code string, message string) *Error {
	return &Error{Status: http.StatusConflict, Kind: KindBusinessRule, Code: code, Message: message}
}

func Conflict(code string, message string) *Error {
	return &Error{Status: http.StatusConflict, Kind: KindConflict, Code: code, Message: message}
}

func NotFound(code string, message string) *Error {
	return &Error{Status: http.StatusNotFound, Kind: KindNotFound, Code: code, Message: message}
}

func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Kind: KindUnauthorized, Code: CodeUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Kind: KindForbidden, Code: CodeForbidden, Message: message}
}

func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// AsError converts any error into an *Error, treating unknown errors as
// internal failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}

// ReasonCode returns the code recorded on audit events for err.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
