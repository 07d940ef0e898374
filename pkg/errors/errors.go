// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mtap.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMissingConfig indicates a required configuration value is absent.
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrInvalidConfig indicates a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProtocolViolation indicates a malformed or out-of-order phase message.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrQueueFull indicates the dispatcher queue rejected a record.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrDeliveryFailed indicates a batch could not be delivered to the collector.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrCircuitOpen indicates delivery was skipped because the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrDispatcherClosed indicates a submission after shutdown.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// StreamError wraps an error with the stream it happened on.
type StreamError struct {
	Op       string // Operation that failed
	StreamID string // Stream identifier
	Phase    string // Phase being processed (request_headers, response_body, ...)
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.StreamID, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.StreamID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// New creates a new StreamError.
func New(op, streamID, phase string, err error) error {
	if err == nil {
		return nil
	}
	return &StreamError{
		Op:       op,
		StreamID: streamID,
		Phase:    phase,
		Err:      err,
	}
}

// StatusError reports a non-success HTTP status returned by the collector.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned status %d", e.StatusCode)
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
