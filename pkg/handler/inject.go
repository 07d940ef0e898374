// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"sort"

	"github.com/absmach/mtap/pkg/transaction"
)

var _ Handler = (*Inject)(nil)

// Inject adds fixed headers to every upstream request so backends can tell
// the traffic was observed.
type Inject struct {
	NoopHandler
	headers []transaction.Header
}

// NewInject builds an Inject handler. Headers are applied in name order.
func NewInject(headers map[string]string) *Inject {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	h := &Inject{}
	for _, name := range names {
		h.headers = append(h.headers, transaction.Header{Name: name, Value: headers[name]})
	}
	return h
}

// OnRequestHeaders implements Handler.
func (h *Inject) OnRequestHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	for _, hdr := range h.headers {
		mut.Set(hdr.Name, hdr.Value)
	}
	return nil
}
