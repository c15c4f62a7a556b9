package iotdevice

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by outbound operations
	// submitted while the session is not active.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownOption is returned by SetOption for unrecognized names.
	ErrUnknownOption = errors.New("unknown option")

	// ErrDuplicateContext is returned when a correlation context is
	// already used by a pending operation of the same kind.
	ErrDuplicateContext = errors.New("correlation context is already pending")

	// ErrTimeout is the completion error of expired operations.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled is the completion error of operations pending on close.
	ErrCancelled = errors.New("operation cancelled")
)

// DoubleCompletionError signals that an operation was completed twice,
// it's an internal invariant violation.
type DoubleCompletionError struct {
	ID OperationID
}

func (e *DoubleCompletionError) Error() string {
	return fmt.Sprintf("operation %d is already completed", e.ID)
}

// OperationID identifies a submitted operation.
type OperationID uint64

// OpKind is an outbound operation kind.
type OpKind uint8

const (
	OpSend OpKind = iota
	OpUpload
	OpTwinUpdate
	OpMethodResponse
	numOpKinds
)

func (k OpKind) String() string {
	switch k {
	case OpSend:
		return "send"
	case OpUpload:
		return "upload"
	case OpTwinUpdate:
		return "twin-update"
	case OpMethodResponse:
		return "method-response"
	default:
		return "unknown"
	}
}

// Result is an asynchronous operation outcome.
type Result uint8

const (
	ResultOK Result = iota
	ResultFailure
	ResultTimeout
	ResultCancelled
	numResults
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultFailure:
		return "ERROR"
	case ResultTimeout:
		return "MESSAGE_TIMEOUT"
	case ResultCancelled:
		return "BECAUSE_DESTROY"
	default:
		return "UNKNOWN"
	}
}
