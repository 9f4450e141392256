package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code for kbrunner.
// Codes follow the format E<CATEGORY>-<NUMBER>.
type ErrorCode string

const (
	// Validation errors (EVAL-xxx)
	ErrValidation   ErrorCode = "EVAL-001"
	ErrInvalidPath  ErrorCode = "EVAL-002"
	ErrMissingParam ErrorCode = "EVAL-003"
	ErrNoTestNumber ErrorCode = "EVAL-004"

	// Parse errors (EPARSE-xxx)
	ErrParse           ErrorCode = "EPARSE-001"
	ErrNoJSON          ErrorCode = "EPARSE-002"
	ErrBadExpectation  ErrorCode = "EPARSE-003"
	ErrBadActualEvent  ErrorCode = "EPARSE-004"
	ErrBadFixture      ErrorCode = "EPARSE-005"
	ErrEventCountWrong ErrorCode = "EPARSE-006"

	// Tool invocation errors (ETOOL-xxx)
	ErrTool         ErrorCode = "ETOOL-001"
	ErrToolFailed   ErrorCode = "ETOOL-002"
	ErrToolNoOutput ErrorCode = "ETOOL-003"
	ErrToolExitCode ErrorCode = "ETOOL-004"

	// Canceled operation (ECANCEL-xxx)
	ErrCanceled ErrorCode = "ECANCEL-001"

	// Missing artifacts and inputs (ENOTFOUND-xxx)
	ErrNotFound          ErrorCode = "ENOTFOUND-001"
	ErrArtifactMissing   ErrorCode = "ENOTFOUND-002"
	ErrArtifactAmbiguous ErrorCode = "ENOTFOUND-003"

	// Storage errors (ESTO-xxx)
	ErrStorage ErrorCode = "ESTO-001"
)

// KBError is the base error type with structured error codes.
// It carries a machine-readable ErrorCode, a human-readable Message,
// an optional wrapped Cause, and arbitrary key-value Details for context.
type KBError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error returns the string representation in "[CODE] message" format.
// If a Cause is present it is appended after a colon separator.
func (e *KBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying Cause so that errors.Is / errors.As
// can walk the error chain.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// WithDetails adds a key-value pair of contextual information to the
// error and returns the same pointer for convenient chaining.
func (e *KBError) WithDetails(key string, value interface{}) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ---------------------------------------------------------------------------
// Constructor helpers
// ---------------------------------------------------------------------------

// New creates a new KBError with the given code and message.
func New(code ErrorCode, message string) *KBError {
	return &KBError{
		Code:    code,
		Message: message,
	}
}

// Newf is New with fmt.Sprintf formatting of the message.
func Newf(code ErrorCode, format string, args ...interface{}) *KBError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new KBError that wraps an existing error as its Cause.
func Wrap(code ErrorCode, message string, cause error) *KBError {
	return &KBError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given ErrorCode.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ke *KBError
		if errors.As(err, &ke) {
			if ke.Code == code {
				return true
			}
			err = ke.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetCode extracts the ErrorCode from the first KBError found in err's
// chain. If none is found it returns an empty ErrorCode.
func GetCode(err error) ErrorCode {
	var ke *KBError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// Category returns the category prefix of a code, e.g. "EVAL" for "EVAL-002".
func Category(code ErrorCode) string {
	prefix := string(code)
	if idx := strings.Index(prefix, "-"); idx != -1 {
		prefix = prefix[:idx]
	}
	return prefix
}

// IsCanceled reports whether err represents a user-requested abort.
func IsCanceled(err error) bool {
	return err != nil && Category(GetCode(err)) == "ECANCEL"
}

// ---------------------------------------------------------------------------
// Exit code mapping
// ---------------------------------------------------------------------------

// ToExitCode maps an ErrorCode to a process exit status for the CLI.
// Unknown codes default to 1.
func ToExitCode(code ErrorCode) int {
	if status, ok := codeToExitCode[code]; ok {
		return status
	}
	if status, ok := prefixToExitCode[Category(code)]; ok {
		return status
	}
	return 1
}

// codeToExitCode maps individual error codes to exit statuses.
var codeToExitCode = map[ErrorCode]int{
	ErrCanceled: 130,
}

// prefixToExitCode provides category-level fallback mappings.
var prefixToExitCode = map[string]int{
	"EVAL":      2,
	"EPARSE":    3,
	"ETOOL":     4,
	"ECANCEL":   130,
	"ENOTFOUND": 5,
	"ESTO":      6,
}
