package schema

import (
	"errors"
	"fmt"
	"os/exec"
)

// Error codes for structured error reporting. The engine's fault kinds use
// their kind name as the code so ErrorInfo.Name carries it verbatim.
const (
	ErrCodeParameterValidation = "ParameterValidationError"
	ErrCodeDependencyCycle     = "DependencyCycleError"
	ErrCodeTemplateResolution  = "TemplateResolutionError"
	ErrCodeUnknownFilter       = "UnknownFilterError"
	ErrCodeScopeConflict       = "ScopeConflictError"
	ErrCodeProviderFault       = "ProviderFault"

	ErrCodeValidation        = "ValidationError"
	ErrCodeStageFault        = "StageFault"
	ErrCodeInvalidTransition = "InvalidTransition"
	ErrCodeCancelled         = "Cancelled"
	ErrCodeTimeout           = "Timeout"
	ErrCodeNotFound          = "NotFound"
	ErrCodeStore             = "StoreError"
)

// Names used in ErrorInfo for faults that are not FlowErrors.
const (
	ErrNamePanic = "Panic"
	ErrNameShell = "ShellError"
	ErrNameStage = "StageError"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	UnitID  string         `json:"unit_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.UnitID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches another FlowError by code, so errors.Is(err, &FlowError{Code: c}) works.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithUnit attaches the id of the job, strategy or stage that raised the error.
func (e *FlowError) WithUnit(unitID string) *FlowError {
	e.UnitID = unitID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsFatal reports whether err aborts a run before any Context is produced.
func IsFatal(err error) bool {
	return HasCode(err, ErrCodeParameterValidation) ||
		HasCode(err, ErrCodeDependencyCycle) ||
		HasCode(err, ErrCodeScopeConflict)
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// ErrorInfoFrom converts any error into the wire ErrorInfo shape.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return &ErrorInfo{Name: fe.Code, Message: fe.Message}
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return &ErrorInfo{Name: ErrNamePanic, Message: pe.Error()}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ErrorInfo{Name: ErrNameShell, Message: err.Error()}
	}
	return &ErrorInfo{Name: ErrNameStage, Message: err.Error()}
}
