package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds for the HTTP boundary.
var (
	ErrNotConfigured = errors.New("server not configured")
	ErrDisabled      = errors.New("server disabled")
	ErrCircuitOpen   = errors.New("circuit breaker open")
)

// Error is an MCP operation failure attributed to one server.
type Error struct {
	Server string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp %s: %s: %v", e.Server, e.Msg, e.Err)
	}
	return fmt.Sprintf("mcp %s: %s", e.Server, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func serverError(server, msg string, err error) *Error {
	return &Error{Server: server, Msg: msg, Err: err}
}

// CircuitOpenError reports a rejected call while the breaker cools down.
// RetryAfter is zero when no failure timestamp is known.
type CircuitOpenError struct {
	Server     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("mcp %s: circuit breaker open, retry in %s", e.Server, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("mcp %s: circuit breaker open", e.Server)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }
