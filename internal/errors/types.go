// Package errors defines the structured error type used across the preview
// runtime and the classification helpers that decide whether a failure is
// recovered at session level or is fatal to the transport.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeResolution ErrorType = "resolution"
	ErrorTypeLoad       ErrorType = "load"
	ErrorTypeRender     ErrorType = "render"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeUnresolvedImport = "ERR_UNRESOLVED_IMPORT"
	ErrCodeLoadDirectory    = "ERR_LOAD_DIRECTORY"
	ErrCodeTransform        = "ERR_TRANSFORM"
	ErrCodeRealmClosed      = "ERR_REALM_CLOSED"
	ErrCodeRefreshTimeout   = "ERR_REFRESH_TIMEOUT"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeFileNotFound     = "ERR_FILE_NOT_FOUND"
	ErrCodeInternal         = "ERR_INTERNAL"
)

// PreviewError is a structured error type with context.
type PreviewError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *PreviewError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PreviewError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so sentinel PreviewErrors work with errors.Is.
func (e *PreviewError) Is(target error) bool {
	var t *PreviewError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PreviewError) WithContext(key string, value interface{}) *PreviewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *PreviewError) WithLocation(filePath string, line, column int) *PreviewError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// NewResolutionError creates an error for an import nothing in the resolver
// chain could satisfy.
func NewResolutionError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeResolution,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewLoadError creates a load-time structural error.
func NewLoadError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeLoad,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewRenderError wraps a failure thrown by the previewed component.
func NewRenderError(message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeRender,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewTransportError creates a channel failure. These are the only errors
// fatal to a session.
func NewTransportError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeTransport,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewTimeoutError creates an explicit timeout failure.
func NewTimeoutError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeTimeout,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable at session level.
func IsRecoverable(err error) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}

	return false
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

// IsTransport reports whether err is a channel failure.
func IsTransport(err error) bool {
	return hasType(err, ErrorTypeTransport)
}

// IsLoad reports whether err is a load-time structural error.
func IsLoad(err error) bool {
	return hasType(err, ErrorTypeLoad)
}

func hasType(err error, t ErrorType) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Type == t
	}

	return false
}

// Describe renders err the way a developer should read it in the preview
// log: the bare message for structured errors, Error() otherwise.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var pe *PreviewError
	if errors.As(err, &pe) {
		if pe.Cause != nil && pe.Type != ErrorTypeLoad && pe.Type != ErrorTypeResolution {
			return pe.Message + ": " + pe.Cause.Error()
		}
		return pe.Message
	}

	return err.Error()
}
