package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestTraceError_Error(t *testing.T) {
	err := New(ErrCategoryParse, CodeUnknownOperator, "unknown operator ~")
	expected := "[PARSE:UNKNOWN_OPERATOR] unknown operator ~"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTraceError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryExecution, CodeQueryFailed, "track query failed", cause)
	expected := "[EXECUTION:QUERY_FAILED] track query failed: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestTraceError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryExecution, CodeMergeFailed, "merge", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestTraceError_Is(t *testing.T) {
	err1 := New(ErrCategoryExecution, CodeNotLoaded, "first")
	err2 := New(ErrCategoryExecution, CodeNotLoaded, "second")
	err3 := New(ErrCategoryExecution, CodeQueryFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("bucket 0: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryExecution, CodeExecutionTimeout, true},
		{ErrCategoryExecution, CodeInterrupted, true},
		{ErrCategoryExecution, CodeQueryFailed, false},
		{ErrCategoryParse, CodeParseError, false},
		{ErrCategoryStructural, CodeSchemaMismatch, false},
		{ErrCategoryPartial, CodeUnknownTrack, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("filter: %w", NewParseError(CodeUnmatchedParen, "expected )"))
	if GetCategory(err) != ErrCategoryParse {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryParse)
	}
	if GetCode(err) != CodeUnmatchedParen {
		t.Errorf("got %q, want %q", GetCode(err), CodeUnmatchedParen)
	}
	if !IsParse(err) {
		t.Error("IsParse should be true for a wrapped parse error")
	}
	if GetCategory(fmt.Errorf("plain")) != "" || GetCode(fmt.Errorf("plain")) != "" {
		t.Error("plain errors should have no category or code")
	}
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCategoryPartial, CodeUnknownTrack, "track skipped")
	detailed := err.WithDetail("track", 42).WithDetail("instance", "a")

	if detailed.Details["track"] != 42 || detailed.Details["instance"] != "a" {
		t.Errorf("unexpected details: %v", detailed.Details)
	}
	if err.Details != nil {
		t.Error("WithDetail should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	if e := NewExecutionError(CodeQueryFailed, "x", cause); e.Category != ErrCategoryExecution || !errors.Is(e, cause) {
		t.Error("NewExecutionError mismatch")
	}
	if e := NewStructuralError(CodeOutOfRange, "x"); e.Category != ErrCategoryStructural {
		t.Error("NewStructuralError mismatch")
	}
	if e := NewValidationError(CodeInvalidRequest, "x"); e.Category != ErrCategoryValidation {
		t.Error("NewValidationError mismatch")
	}
	if e := NewStorageError(CodeUploadFailed, "x", cause); e.Category != ErrCategoryStorage || !e.Retryable {
		t.Error("NewStorageError mismatch")
	}
	if e := NewInternalError("x", cause); e.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
	if e := Newf(ErrCategoryParse, CodeParseError, "at %d", 3); e.Message != "at 3" {
		t.Errorf("Newf message = %q", e.Message)
	}
}
