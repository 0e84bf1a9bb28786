// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errs provides structured error handling for the forwarder.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec.md §7.
var (
	// ErrCapacityExceeded means max_connections was reached; the newcomer
	// is dropped rather than served.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrResourceExhausted means the OS refused a socket/accept call
	// (EMFILE/ENFILE or similar); the caller should rate-limit its warn.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrConfigFatal means a configuration or listener-bind error that
	// must abort the process with a non-zero exit.
	ErrConfigFatal = errors.New("configuration fatal error")
)

// ForwardError wraps an underlying error with the forwarding context that
// produced it, so logs and metrics can attribute it to a protocol, handle,
// and remote peer without string-parsing a message.
type ForwardError struct {
	Op         string // operation that failed (accept, connect, recv, send, ...)
	Protocol   string // tcp or udp
	Handle     uint64
	RemoteAddr string
	Err        error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s [handle %d] %s: %v", e.Protocol, e.Op, e.Handle, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s [handle %d]: %v", e.Protocol, e.Op, e.Handle, e.Err)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Err
}

// New builds a ForwardError, or returns nil if err is nil.
func New(op, protocol string, handle uint64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ForwardError{
		Op:         op,
		Protocol:   protocol,
		Handle:     handle,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap adds a message to err's chain without losing errors.Is/As lineage.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
