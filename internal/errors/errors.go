// Package errors provides structured error types for the districtshift pipeline.
// Every error carries a category, code, message, and retryable flag so the
// CLI can tell fatal input problems from transient storage failures.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryInput    ErrorCategory = "INPUT"
	ErrCategoryMatch    ErrorCategory = "MATCH"
	ErrCategoryJoin     ErrorCategory = "JOIN"
	ErrCategoryMetric   ErrorCategory = "METRIC"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryExport   ErrorCategory = "EXPORT"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Input codes
	CodeFileNotFound   = "FILE_NOT_FOUND"
	CodeMalformedInput = "MALFORMED_INPUT"
	CodeMissingColumn  = "MISSING_COLUMN"
	CodeInvalidTractID = "INVALID_TRACT_ID"
	CodeRequestFailed  = "REQUEST_FAILED"

	// Match codes
	CodeInvalidGeometry = "INVALID_GEOMETRY"
	CodeCacheCorrupt    = "CACHE_CORRUPT"

	// Join codes
	CodeEmptyReference = "EMPTY_REFERENCE"
	CodeNoObservations = "NO_OBSERVATIONS"

	// Metric codes
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeInsufficientData   = "INSUFFICIENT_DATA"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeWriteFailed    = "WRITE_FAILED"
	CodePrefixExists   = "PREFIX_EXISTS"

	// Export codes
	CodeConnectFailed = "CONNECT_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the pipeline.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable marks transient network and object-store failures.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryInput && code == CodeRequestFailed:
		return true
	case category == ErrCategoryExport && code == CodeConnectFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewInputError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInput, code, message, cause)
}

func NewMatchError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryMatch, code, message, cause)
}

func NewJoinError(code, message string) *PipelineError {
	return New(ErrCategoryJoin, code, message)
}

func NewMetricError(code, message string) *PipelineError {
	return New(ErrCategoryMetric, code, message)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewExportError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryExport, code, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
