package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass names the category of a non-success outcome. Clients key their
// retry behaviour off it.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassPolicyDenied      ErrorClass = "POLICY_DENIED"
	ClassSecurityViolation ErrorClass = "SECURITY_VIOLATION"
	ClassExecutionFailure  ErrorClass = "EXECUTION_FAILURE"
	ClassProtocolFailure   ErrorClass = "PROTOCOL_FAILURE"
	ClassStorageFailure    ErrorClass = "STORAGE_FAILURE"
)

var (
	// ErrTimeout is returned by the client when no result arrives in time.
	ErrTimeout = errors.New("timed out waiting for result")
	// ErrMalformed marks an airlock artifact that could not be decoded or authenticated.
	ErrMalformed = errors.New("malformed artifact")
	// ErrDuplicateID marks an id re-used with different content.
	ErrDuplicateID = errors.New("command id re-used with different content")
	// ErrHalted is returned while the kernel refuses work after a storage failure.
	ErrHalted = errors.New("kernel halted")
)

// PolicyDenied is a governance refusal. It is an expected outcome, not a fault.
type PolicyDenied struct {
	Reason string
	Detail string
}

func (e *PolicyDenied) Error() string {
	if e.Detail == "" {
		return "policy denied: " + e.Reason
	}
	return fmt.Sprintf("policy denied: %s: %s", e.Reason, e.Detail)
}

// SecurityViolation is a script rejected before execution.
type SecurityViolation struct {
	Violations []string
}

func (e *SecurityViolation) Error() string {
	return "security violation: " + strings.Join(e.Violations, "; ")
}

// ExecutionFailure wraps an error raised by the host executor.
type ExecutionFailure struct {
	Kind string
	Err  error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution of %s failed: %v", e.Kind, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// ProtocolFailure covers transport-level problems: timeouts, malformed
// artifacts and duplicate ids.
type ProtocolFailure struct {
	Op  string
	Err error
}

func (e *ProtocolFailure) Error() string {
	return fmt.Sprintf("protocol failure during %s: %v", e.Op, e.Err)
}

func (e *ProtocolFailure) Unwrap() error { return e.Err }

// StorageFailure means a durable store for policy state or the ledger
// rejected a write.
type StorageFailure struct {
	Store string
	Err   error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Store, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// ClassOf maps an error onto its ErrorClass.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var (
		pd *PolicyDenied
		sv *SecurityViolation
		ef *ExecutionFailure
		pf *ProtocolFailure
		sf *StorageFailure
	)
	switch {
	case errors.As(err, &pd):
		return ClassPolicyDenied
	case errors.As(err, &sv):
		return ClassSecurityViolation
	case errors.As(err, &ef):
		return ClassExecutionFailure
	case errors.As(err, &sf), errors.Is(err, ErrHalted):
		return ClassStorageFailure
	case errors.As(err, &pf), errors.Is(err, ErrTimeout), errors.Is(err, ErrMalformed), errors.Is(err, ErrDuplicateID):
		return ClassProtocolFailure
	default:
		return ClassExecutionFailure
	}
}

// Retryable reports whether resubmitting the same work (under a fresh id)
// can succeed without the caller changing anything. Policy denials and
// security violations are never retryable as-is.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassProtocolFailure:
		return !errors.Is(err, ErrDuplicateID)
	case ClassStorageFailure:
		return true
	default:
		return false
	}
}
