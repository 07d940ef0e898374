// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"strings"

	"github.com/absmach/mtap/pkg/transaction"
)

// Context contains stream metadata. It is passed to Handler methods and is
// filled in progressively as phases arrive.
type Context struct {
	// StreamID is a unique identifier for this ext_proc stream
	StreamID string

	// RemoteAddr is the proxy's network address
	RemoteAddr string

	// Protocol is always "ext_proc" for streams served by mtap
	Protocol string

	// Method, Path and Authority are lifted from request pseudo-headers
	Method    string
	Path      string
	Authority string

	// Status is the response status, zero until response headers arrive
	Status int
}

// Mutation collects header changes and an optional immediate response
// requested by handlers for one headers phase.
type Mutation struct {
	set    []transaction.Header
	remove []string

	// ImmediateStatus, when non-zero, answers the phase with an immediate
	// response carrying this HTTP status instead of continuing.
	ImmediateStatus  int
	ImmediateDetails string
}

// Set adds or overwrites a header.
func (m *Mutation) Set(name, value string) {
	name = strings.ToLower(name)
	for i := range m.set {
		if m.set[i].Name == name {
			m.set[i].Value = value
			return
		}
	}
	m.set = append(m.set, transaction.Header{Name: name, Value: value})
}

// Remove deletes a header.
func (m *Mutation) Remove(name string) {
	m.remove = append(m.remove, strings.ToLower(name))
}

// Reject answers the phase immediately with status.
func (m *Mutation) Reject(status int, details string) {
	m.ImmediateStatus = status
	m.ImmediateDetails = details
}

// SetHeaders returns the headers to set, in the order they were added.
func (m *Mutation) SetHeaders() []transaction.Header {
	return m.set
}

// RemoveHeaders returns the headers to remove.
func (m *Mutation) RemoveHeaders() []string {
	return m.remove
}

// Empty reports whether the mutation changes nothing.
func (m *Mutation) Empty() bool {
	return len(m.set) == 0 && len(m.remove) == 0 && m.ImmediateStatus == 0
}

// Handler defines callbacks for traffic observed on a stream.
//
// Header methods (OnRequestHeaders, OnResponseHeaders) are called BEFORE the
// proxy continues the phase. They may add changes to mut, which are sent
// back to the proxy with the phase response.
//
// Notification methods (OnTransaction, OnDisconnect) are called after the
// fact. Errors from any method are logged and counted but never change
// what the proxy forwards.
type Handler interface {
	// OnRequestHeaders is called once per stream with the captured request
	// headers, pseudo-headers included.
	OnRequestHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error

	// OnResponseHeaders is called once per stream with the captured
	// response headers.
	OnResponseHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error

	// OnTransaction is called with every record handed to the dispatcher.
	OnTransaction(ctx context.Context, hctx *Context, rec transaction.Record) error

	// OnDisconnect is called when the stream ends, cleanly or not.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that does nothing.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnRequestHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	return nil
}

func (h *NoopHandler) OnResponseHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	return nil
}

func (h *NoopHandler) OnTransaction(ctx context.Context, hctx *Context, rec transaction.Record) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
