// Package errors provides structured error types for the trace query engine.
// Every error carries a category, a code and a retryable flag so callers at
// the orchestrator boundary can turn failures into a definite result code.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by how the engine recovers from them.
type ErrorCategory string

const (
	// ErrCategoryParse covers malformed filter or aggregation text. The stage
	// is disabled for the current call only.
	ErrCategoryParse ErrorCategory = "PARSE"
	// ErrCategoryExecution aborts the current orchestration step and leaves
	// cached state untouched.
	ErrCategoryExecution ErrorCategory = "EXECUTION"
	// ErrCategoryStructural marks an internal invariant violation.
	ErrCategoryStructural ErrorCategory = "STRUCTURAL"
	// ErrCategoryPartial means a contributor was skipped.
	ErrCategoryPartial    ErrorCategory = "PARTIAL"
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Parse codes
	CodeParseError      = "PARSE_ERROR"
	CodeUnknownOperator = "UNKNOWN_OPERATOR"
	CodeUnmatchedParen  = "UNMATCHED_PAREN"
	CodeUnknownColumn   = "UNKNOWN_COLUMN"
	CodeTypeMismatch    = "TYPE_MISMATCH"

	// Execution codes
	CodeQueryFailed      = "QUERY_FAILED"
	CodeInterrupted      = "INTERRUPTED"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"
	CodeNotLoaded        = "NOT_LOADED"
	CodeMergeFailed      = "MERGE_FAILED"

	// Structural codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeOutOfRange     = "OUT_OF_RANGE"
	CodeEmptyQuery     = "EMPTY_QUERY"

	// Partial codes
	CodeUnknownTrack = "UNKNOWN_TRACK"

	// Validation codes
	CodeInvalidRequest = "INVALID_REQUEST"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeListFailed     = "LIST_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TraceError is the structured error type used throughout the engine.
type TraceError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TraceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TraceError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TraceError) Is(target error) bool {
	var t *TraceError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TraceError.
func New(category ErrorCategory, code, message string) *TraceError {
	return &TraceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new TraceError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *TraceError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new TraceError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TraceError {
	return &TraceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetail returns a copy of the error with one more detail entry.
func (e *TraceError) WithDetail(key string, value interface{}) *TraceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TraceError.
func GetCategory(err error) ErrorCategory {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TraceError.
func GetCode(err error) string {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsParse reports whether err is a parse failure.
func IsParse(err error) bool {
	return GetCategory(err) == ErrCategoryParse
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryExecution && code == CodeExecutionTimeout:
		return true
	case category == ErrCategoryExecution && code == CodeInterrupted:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewParseError(code, message string) *TraceError {
	return New(ErrCategoryParse, code, message)
}

func NewExecutionError(code, message string, cause error) *TraceError {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewStructuralError(code, message string) *TraceError {
	return New(ErrCategoryStructural, code, message)
}

func NewValidationError(code, message string) *TraceError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *TraceError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TraceError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
