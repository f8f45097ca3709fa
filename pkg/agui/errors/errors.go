package errors

import "fmt"

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	ErrCodeSessionCreate    = "SESSION_CREATE_FAILED"
	ErrCodeSessionGet       = "SESSION_GET_FAILED"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeSessionDelete    = "SESSION_DELETE_FAILED"
	ErrCodeAppendEvent      = "APPEND_EVENT_FAILED"
	ErrCodeIdentity         = "IDENTITY_UNRESOLVED"
	ErrCodeReservedKey      = "RESERVED_KEY_INVALID"
	ErrCodeDeltaApply       = "DELTA_APPLY_FAILED"
	ErrCodeRunFailed        = "RUN_FAILED"
	ErrCodeModelCall        = "MODEL_CALL_FAILED"
	ErrCodeToolExecution    = "TOOL_EXECUTION_FAILED"
	ErrCodeTranslation      = "TRANSLATION_FAILED"
	ErrCodeTransport        = "TRANSPORT_FAILED"
	ErrCodeConfig           = "CONFIG_INVALID"
	ErrCodeInvalidInput     = "INVALID_INPUT"
)
