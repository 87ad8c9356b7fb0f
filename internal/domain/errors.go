package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
)

// Bridge sentinels. Transport and lifecycle failures are recovered at the
// command client boundary; business failures travel as ErrRemote.
var (
	ErrWorkerUnavailable = fmt.Errorf("worker unavailable")
	ErrUnreachable       = fmt.Errorf("worker unreachable")
	ErrProtocol          = fmt.Errorf("malformed protocol frame")
	ErrTransportClosed   = fmt.Errorf("transport closed")
	ErrWorkerExited      = fmt.Errorf("worker exited")
	ErrWorkerStopped     = fmt.Errorf("worker stopped by supervisor")
	ErrRemote            = fmt.Errorf("worker reported failure")
	ErrNotLoggedIn       = fmt.Errorf("no user logged in")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Client.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "bridge", "calls"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError carries a business-level failure reported by the worker
// (success:false with an error string). It passes through the command client
// unchanged.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Command, ErrRemote)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// IsTransportError reports whether err is a transport-level failure that the
// command client may retry.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrWorkerExited)
}

// IsSupervisorStop reports whether err comes from a deliberate stop or
// restart of the worker rather than from a broken worker.
func IsSupervisorStop(err error) bool {
	return errors.Is(err, ErrWorkerStopped)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Worker unavailability is retryable once a first attempt has reached a live worker.
func IsRetryableError(err error) bool {
	return IsTransportError(err) || errors.Is(err, ErrWorkerUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeWorkerUnavailable ErrorCode = "WORKER_UNAVAILABLE"
	CodeUnreachable       ErrorCode = "UNREACHABLE"
	CodeProtocol          ErrorCode = "PROTOCOL_ERROR"
	CodeTransportClosed   ErrorCode = "TRANSPORT_CLOSED"
	CodeWorkerExited      ErrorCode = "WORKER_EXITED"
	CodeRemote            ErrorCode = "REMOTE_FAILURE"
	CodeNotLoggedIn       ErrorCode = "NOT_LOGGED_IN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeCommandTimeout  ErrorCode = "COMMAND_TIMEOUT"
	CodeCallNotFound    ErrorCode = "CALL_NOT_FOUND"
	CodeCallTransition  ErrorCode = "CALL_INVALID_TRANSITION"
	CodeNotifyNotFound  ErrorCode = "NOTIFICATION_NOT_FOUND"
	CodeFrameTooLarge   ErrorCode = "FRAME_TOO_LARGE"
	CodeSupervisorStart ErrorCode = "SUPERVISOR_START"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrConfigLoad:   CodeConfigLoad,

	ErrWorkerUnavailable: CodeWorkerUnavailable,
	ErrUnreachable:       CodeUnreachable,
	ErrProtocol:          CodeProtocol,
	ErrTransportClosed:   CodeTransportClosed,
	ErrWorkerExited:      CodeWorkerExited,
	ErrRemote:            CodeRemote,
	ErrNotLoggedIn:       CodeNotLoggedIn,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"calls":  CodeCallNotFound,
		"notify": CodeNotifyNotFound,
	},
	ErrTimeout: {
		"command": CodeCommandTimeout,
	},
	ErrInvalidInput: {
		"calls": CodeCallTransition,
	},
	ErrLimitReached: {
		"bridge": CodeFrameTooLarge,
	},
	ErrUnreachable: {
		"supervisor": CodeSupervisorStart,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
