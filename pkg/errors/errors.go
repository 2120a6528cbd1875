package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Call errors
	ErrCodeCallNotFound           ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallBusy               ErrorCode = "CALL_BUSY"
	ErrCodeInvalidState           ErrorCode = "INVALID_STATE"
	ErrCodeMediaAcquisitionDenied ErrorCode = "MEDIA_ACQUISITION_DENIED"
	ErrCodeNegotiationRejected    ErrorCode = "NEGOTIATION_REJECTED"
	ErrCodeMalformedICECandidate  ErrorCode = "MALFORMED_ICE_CANDIDATE"
	ErrCodeTransportDisconnected  ErrorCode = "TRANSPORT_DISCONNECTED"
	ErrCodeMalformedSignal        ErrorCode = "MALFORMED_SIGNAL"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized, err)
}

// Call errors
func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func CallBusyError() *AppError {
	return NewWithStatus(ErrCodeCallBusy, "Another call is already in progress", http.StatusConflict)
}

func InvalidStateError(operation, state string) *AppError {
	return NewWithStatus(ErrCodeInvalidState,
		fmt.Sprintf("%s is not valid in state %s", operation, state), http.StatusConflict)
}

// MediaAcquisitionDeniedError covers refused permission and missing devices.
func MediaAcquisitionDeniedError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaAcquisitionDenied, "Local media could not be acquired", http.StatusFailedDependency, err)
}

// NegotiationRejectedError covers malformed SDP and incompatible codecs.
func NegotiationRejectedError(step string, err error) *AppError {
	return WrapWithStatus(ErrCodeNegotiationRejected, "Negotiation rejected at "+step, http.StatusUnprocessableEntity, err)
}

func MalformedICECandidateError(err error) *AppError {
	return WrapWithStatus(ErrCodeMalformedICECandidate, "Malformed ICE candidate", http.StatusBadRequest, err)
}

func TransportDisconnectedError(err error) *AppError {
	return WrapWithStatus(ErrCodeTransportDisconnected, "Signaling transport disconnected", http.StatusServiceUnavailable, err)
}

func MalformedSignalError(event string, err error) *AppError {
	return WrapWithStatus(ErrCodeMalformedSignal, "Malformed payload for "+event, http.StatusBadRequest, err)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is (or wraps) an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// HasCode reports whether err is or wraps an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
