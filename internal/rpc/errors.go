package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable indicates retries were exhausted or the
	// backend is otherwise unreachable.
	ErrServiceUnavailable = errors.New("backend service unavailable")

	// ErrCircuitOpen indicates the circuit breaker rejected the call
	// without contacting the node. It is one flavor of service
	// unavailability, so errors.Is(err, ErrServiceUnavailable) holds.
	ErrCircuitOpen = fmt.Errorf("circuit breaker open: %w", ErrServiceUnavailable)
)

// NetworkError wraps a transport-level failure: the daemon was unreachable,
// the connection dropped, or the call timed out.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RPCError is an explicit error returned by the daemon. These are never
// retried: the node responded, it just refused the request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
