// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/absmach/mtap/pkg/metrics"
	"github.com/absmach/mtap/pkg/transaction"
)

// Instrumented wraps a handler with metrics. Hook errors are counted per
// hook and passed through.
type Instrumented struct {
	handler Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ Handler = (*Instrumented)(nil)

// NewInstrumented wraps h.
func NewInstrumented(h Handler, m *metrics.Metrics, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{handler: h, metrics: m, logger: logger}
}

// OnRequestHeaders implements Handler with metrics.
func (h *Instrumented) OnRequestHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	return h.count("request_headers", h.handler.OnRequestHeaders(ctx, hctx, headers, mut))
}

// OnResponseHeaders implements Handler with metrics.
func (h *Instrumented) OnResponseHeaders(ctx context.Context, hctx *Context, headers transaction.HeaderList, mut *Mutation) error {
	return h.count("response_headers", h.handler.OnResponseHeaders(ctx, hctx, headers, mut))
}

// OnTransaction implements Handler with metrics.
func (h *Instrumented) OnTransaction(ctx context.Context, hctx *Context, rec transaction.Record) error {
	h.metrics.TransactionsTotal.WithLabelValues(methodLabel(rec.Method), statusClass(rec.Status)).Inc()
	h.metrics.RequestSize.Observe(float64(len(rec.RequestBody)))
	h.metrics.ResponseSize.Observe(float64(len(rec.ResponseBody)))
	if rec.Truncated {
		h.metrics.RecordsTruncated.Inc()
	}

	return h.count("transaction", h.handler.OnTransaction(ctx, hctx, rec))
}

// OnDisconnect implements Handler with metrics.
func (h *Instrumented) OnDisconnect(ctx context.Context, hctx *Context) error {
	return h.count("disconnect", h.handler.OnDisconnect(ctx, hctx))
}

func (h *Instrumented) count(hook string, err error) error {
	if err != nil {
		h.metrics.HandlerErrors.WithLabelValues(hook).Inc()
	}
	return err
}

// methodLabel folds non-standard methods into "other".
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return method
	case "":
		return "none"
	default:
		return "other"
	}
}

// statusClass keeps label cardinality bounded: 2xx, 4xx, ...
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
