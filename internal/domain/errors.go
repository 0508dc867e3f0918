package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewDomainError for operation-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the signal-processing core.
var (
	// Configuration errors — fail fast at construction.
	ErrBudgetInvalid = fmt.Errorf("token budget reservations exceed cap")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")

	// Admission errors.
	ErrNoGuideline = fmt.Errorf("no guideline for signal type")

	// Timeout errors — always surfaced as structured failure results.
	ErrQueueTimeout   = fmt.Errorf("queue wait exceeded: %w", ErrTimeout)
	ErrRequestTimeout = fmt.Errorf("request wait exceeded: %w", ErrTimeout)

	// External-call errors.
	ErrReasoningCall    = fmt.Errorf("reasoning service call failed")
	ErrDeliveryFailed   = fmt.Errorf("notification delivery failed")
	ErrRetriesExhausted = fmt.Errorf("delivery retries exhausted")

	// Validation errors.
	ErrMalformedResult = fmt.Errorf("malformed reasoning result")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Queue.Enqueue")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeBudgetInvalid    ErrorCode = "BUDGET_INVALID"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeNoGuideline      ErrorCode = "NO_GUIDELINE"
	CodeQueueTimeout     ErrorCode = "QUEUE_TIMEOUT"
	CodeRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	CodeReasoningCall    ErrorCode = "REASONING_CALL"
	CodeDeliveryFailed   ErrorCode = "DELIVERY_FAILED"
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	CodeMalformedResult  ErrorCode = "MALFORMED_RESULT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeList maps sentinel errors to their machine-parseable codes.
// Specific sentinels are listed before the categories they wrap so that the
// ordered walk in ErrorCodeOf resolves the most specific code.
var errorCodeList = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrBudgetInvalid, CodeBudgetInvalid},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrNoGuideline, CodeNoGuideline},
	{ErrQueueTimeout, CodeQueueTimeout},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrReasoningCall, CodeReasoningCall},
	{ErrRetriesExhausted, CodeRetriesExhausted},
	{ErrDeliveryFailed, CodeDeliveryFailed},
	{ErrMalformedResult, CodeMalformedResult},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrDisabled, CodeDisabled},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, matching the most specific
// sentinel first. Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeList {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
