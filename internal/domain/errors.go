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
	ErrDisabled     = fmt.Errorf("disabled")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the routing core.
var (
	// ErrMessageNotClassified is returned when a message reaches the router
	// without a classification attached. Caller error; nothing is mutated
	// beyond the failure counter.
	ErrMessageNotClassified = fmt.Errorf("message has no classification")

	// ErrNoAgentsAvailable is the backpressure signal: every selection path,
	// including the fallback scan, found no enabled agent with spare capacity.
	ErrNoAgentsAvailable = fmt.Errorf("no agents available")

	// ErrNoEnabledAgents means the enabled set was empty when a strategy
	// needed one. At construction time this is fatal.
	ErrNoEnabledAgents = fmt.Errorf("no enabled agents")

	// ErrTaskPersistence means the durable task write failed. The routing
	// call is aborted and leaves no workload or stat mutation behind; the
	// caller should retry the whole call.
	ErrTaskPersistence = fmt.Errorf("routing task persistence failed")

	// ErrDuplicateMessage is returned when a message id is seen again inside
	// the dedupe window.
	ErrDuplicateMessage = fmt.Errorf("message: %w", ErrDuplicate)

	ErrAgentNotFound   = fmt.Errorf("agent: %w", ErrNotFound)
	ErrDuplicateAgent  = fmt.Errorf("agent: %w", ErrDuplicate)
	ErrTaskNotFound    = fmt.Errorf("task: %w", ErrNotFound)
	ErrUnknownStrategy = fmt.Errorf("unknown routing strategy")

	// Store errors.
	ErrStoreUnavailable = fmt.Errorf("store: %w", ErrUnavailable)

	// Configuration / secrets errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrForbidden         = fmt.Errorf("operation not permitted")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.Route")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "registry", "store"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode
// dispatch. Use with category sentinels (ErrNotFound, ErrDuplicate, ...) so that
// ErrorCodeOf can map the sentinel + subsystem pair to a specific code.
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

// IsRetryableError reports whether err is transient and the whole call may
// succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTaskPersistence) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeMessageNotClassified ErrorCode = "MESSAGE_NOT_CLASSIFIED"
	CodeNoAgentsAvailable    ErrorCode = "NO_AGENTS_AVAILABLE"
	CodeNoEnabledAgents      ErrorCode = "NO_ENABLED_AGENTS"
	CodeTaskPersistence      ErrorCode = "TASK_PERSISTENCE"
	CodeDuplicateMessage     ErrorCode = "DUPLICATE_MESSAGE"
	CodeAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate       ErrorCode = "AGENT_DUPLICATE"
	CodeTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	CodeUnknownStrategy      ErrorCode = "UNKNOWN_STRATEGY"
	CodeStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeDisabled     ErrorCode = "DISABLED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrDisabled:     CodeDisabled,
	ErrInvalidInput: CodeInvalidInput,
	ErrUnavailable:  CodeUnavailable,

	// Routing sentinels.
	ErrMessageNotClassified: CodeMessageNotClassified,
	ErrNoAgentsAvailable:    CodeNoAgentsAvailable,
	ErrNoEnabledAgents:      CodeNoEnabledAgents,
	ErrTaskPersistence:      CodeTaskPersistence,
	ErrDuplicateMessage:     CodeDuplicateMessage,
	ErrAgentNotFound:        CodeAgentNotFound,
	ErrDuplicateAgent:       CodeAgentDuplicate,
	ErrTaskNotFound:         CodeTaskNotFound,
	ErrUnknownStrategy:      CodeUnknownStrategy,
	ErrStoreUnavailable:     CodeStoreUnavailable,
	ErrConfigLoad:           CodeConfigLoad,
	ErrEncryption:           CodeEncryption,
	ErrDecryption:           CodeDecryption,
	ErrGatewayAuthFailed:    CodeGatewayAuth,
	ErrRPCMethodNotFound:    CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:    CodeRPCInvalidPayload,
	ErrForbidden:            CodeForbidden,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrRateLimit:            CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
		"task":  CodeTaskNotFound,
	},
	ErrDuplicate: {
		"agent":   CodeAgentDuplicate,
		"message": CodeDuplicateMessage,
	},
	ErrInvalidInput: {
		"strategy": CodeUnknownStrategy,
	},
	ErrUnavailable: {
		"store": CodeStoreUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, the subSystemCodeMap resolves category
// sentinels to specific codes. Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
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
