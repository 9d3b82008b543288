// Package errors provides structured error handling for the write pipeline.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Contract violations
	CodeUnregisteredKind Code = "UNREGISTERED_KIND"
	CodePayloadEncoding  Code = "PAYLOAD_ENCODING"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"

	// Queue errors
	CodeActionNotFound      Code = "ACTION_NOT_FOUND"
	CodeActionStateConflict Code = "ACTION_STATE_CONFLICT"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"

	// Breaker errors
	CodeCircuitOpen Code = "CIRCUIT_OPEN"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnregisteredKind,
		CodePayloadEncoding,
		CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeActionNotFound:
		return codes.NotFound
	case CodeActionStateConflict:
		return codes.FailedPrecondition
	case CodeCircuitOpen,
		CodeStoreUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Retryable reports whether an error with this code may succeed if retried.
func (c Code) Retryable() bool {
	switch c.GRPCCode() {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}
