// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"

	"github.com/absmach/mtap/pkg/transaction"
)

// Chain calls every handler in order. A failing handler does not stop the
// ones after it; all errors are joined.
type Chain []Handler

var _ Handler = (Chain)(nil)

// NewChain drops nil handlers.
func NewChain(handlers ...Handler) Chain {
	c := make(Chain, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			c = append(c, h)
		}
	}
	return c
}

func (c Chain) OnRequestHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnRequestHeaders(ctx, hctx, headers, mut))
	}
	return errors.Join(errs...)
}

func (c Chain) OnResponseHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnResponseHeaders(ctx, hctx, headers, mut))
	}
	return errors.Join(errs...)
}

func (c Chain) OnTransaction(ctx context.Context, hctx *Context, rec transaction.Record) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnTransaction(ctx, hctx, rec))
	}
	return errors.Join(errs...)
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	var errs []error
	for _, h := range c {
		errs = append(errs, h.OnDisconnect(ctx, hctx))
	}
	return errors.Join(errs...)
}
