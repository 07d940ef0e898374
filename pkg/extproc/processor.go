// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	mterrors "github.com/absmach/mtap/pkg/errors"
	"github.com/absmach/mtap/pkg/handler"
	"github.com/absmach/mtap/pkg/metrics"
	"github.com/absmach/mtap/pkg/transaction"
)

const protocol = "ext_proc"

// Processor is the per-stream phase state machine. Each direction moves
// Idle → Headers → Body* → Done independently. It is not safe for
// concurrent use.
type Processor struct {
	config   *Config
	tx       *transaction.Context
	hctx     *handler.Context
	violated bool
	// identified is set once identity was resolved at response headers.
	identified bool
}

func newProcessor(cfg *Config, streamID, remoteAddr string) *Processor {
	return &Processor{
		config: cfg,
		tx:     transaction.NewContext(streamID, cfg.MaxBodySize, cfg.Now()),
		hctx: &handler.Context{
			StreamID:   streamID,
			RemoteAddr: remoteAddr,
			Protocol:   protocol,
		},
	}
}

// Process applies one phase message and returns the matching response.
// A non-nil error means the stream must be aborted.
func (p *Processor) Process(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	phase := phaseName(req)
	p.config.Metrics.PhasesTotal.WithLabelValues(phase).Inc()

	if phase == phaseEmpty {
		return nil, p.violation(phase, "request carries no phase")
	}

	now := p.config.Now()
	if !p.tx.Finished() && p.tx.Idle(now) >= p.config.StreamMaxAge {
		p.Abandon("stream exceeded max age")
	}
	p.tx.Touch(now)

	if p.tx.Abandoned() {
		return continueResponse(req), nil
	}

	switch r := req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return p.requestHeaders(ctx, r.RequestHeaders, now)
	case *extprocv3.ProcessingRequest_RequestBody:
		if err := p.body(phase, &p.tx.Request, r.RequestBody, now); err != nil {
			return nil, err
		}
	case *extprocv3.ProcessingRequest_RequestTrailers:
		if err := p.trailers(phase, &p.tx.Request, now); err != nil {
			return nil, err
		}
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return p.responseHeaders(ctx, r.ResponseHeaders, now)
	case *extprocv3.ProcessingRequest_ResponseBody:
		if err := p.body(phase, &p.tx.Response, r.ResponseBody, now); err != nil {
			return nil, err
		}
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		if err := p.trailers(phase, &p.tx.Response, now); err != nil {
			return nil, err
		}
	}

	p.maybeEmit(ctx, now)
	return continueResponse(req), nil
}

func (p *Processor) requestHeaders(ctx context.Context, msg *extprocv3.HttpHeaders, now time.Time) (*extprocv3.ProcessingResponse, error) {
	track := &p.tx.Request
	if track.Phase != transaction.PhaseIdle {
		return nil, p.violation(phaseRequestHeaders, fmt.Sprintf("request track already in %s", track.Phase))
	}
	track.Phase = transaction.PhaseHeaders
	track.StartedAt = now

	all := headerList(msg.GetHeaders())
	pseudo, regular := split(all)
	for _, h := range pseudo {
		switch h.Name {
		case ":method":
			p.tx.Method = h.Value
		case ":path":
			p.tx.Path = h.Value
		case ":authority":
			p.tx.Authority = h.Value
		case ":scheme":
			p.tx.Scheme = h.Value
		}
	}
	if !p.tx.Finished() {
		track.Headers = regular
	}
	p.hctx.Method, p.hctx.Path, p.hctx.Authority = p.tx.Method, p.tx.Path, p.tx.Authority

	mut := &handler.Mutation{}
	if err := p.config.Handler.OnRequestHeaders(ctx, p.hctx, all, mut); err != nil {
		p.hookFailed("request_headers", err)
	}

	if msg.GetEndOfStream() {
		track.Finish(now)
	}
	if mut.ImmediateStatus != 0 {
		return p.reject(ctx, mut, now), nil
	}

	p.maybeEmit(ctx, now)
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: headersResponse(mut)},
	}, nil
}

func (p *Processor) responseHeaders(ctx context.Context, msg *extprocv3.HttpHeaders, now time.Time) (*extprocv3.ProcessingResponse, error) {
	track := &p.tx.Response
	if track.Phase != transaction.PhaseIdle {
		return nil, p.violation(phaseResponseHeaders, fmt.Sprintf("response track already in %s", track.Phase))
	}
	track.Phase = transaction.PhaseHeaders
	track.StartedAt = now

	all := headerList(msg.GetHeaders())
	pseudo, regular := split(all)
	for _, h := range pseudo {
		if h.Name != ":status" {
			continue
		}
		if status, err := strconv.Atoi(h.Value); err == nil {
			p.tx.Status = status
		}
	}
	if !p.tx.Finished() {
		track.Headers = regular
		p.tx.UserID, p.tx.CompanyID = p.config.Extractor.Resolve(p.tx.Request.Headers, regular)
		p.identified = true
	}
	p.hctx.Status = p.tx.Status

	mut := &handler.Mutation{}
	if err := p.config.Handler.OnResponseHeaders(ctx, p.hctx, all, mut); err != nil {
		p.hookFailed("response_headers", err)
	}

	if msg.GetEndOfStream() {
		track.Finish(now)
	}
	if mut.ImmediateStatus != 0 {
		return p.reject(ctx, mut, now), nil
	}

	p.maybeEmit(ctx, now)
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: headersResponse(mut)},
	}, nil
}

func (p *Processor) body(phase string, track *transaction.Track, msg *extprocv3.HttpBody, now time.Time) error {
	if track.Done() {
		return p.violation(phase, "body after end of stream")
	}
	if track.Phase == transaction.PhaseIdle {
		track.StartedAt = now
	}
	track.Phase = transaction.PhaseBody
	if !p.tx.Finished() {
		track.Body.Write(msg.GetBody())
	}
	if msg.GetEndOfStream() {
		track.Finish(now)
	}
	return nil
}

func (p *Processor) trailers(phase string, track *transaction.Track, now time.Time) error {
	if track.Done() {
		return p.violation(phase, "trailers after end of stream")
	}
	track.Finish(now)
	return nil
}

// reject answers with an immediate response. Envoy will not send further
// phases, so the transaction is completed with the local status.
func (p *Processor) reject(ctx context.Context, mut *handler.Mutation, now time.Time) *extprocv3.ProcessingResponse {
	p.tx.Status = mut.ImmediateStatus
	p.tx.Request.Finish(now)
	p.tx.Response.Finish(now)
	p.maybeEmit(ctx, now)
	return immediateResponse(mut)
}

func (p *Processor) maybeEmit(ctx context.Context, now time.Time) {
	if p.tx.Finished() || !p.tx.Response.Done() {
		return
	}
	if p.config.RequireRequestCompletion && !p.tx.Request.Done() {
		return
	}
	p.emit(ctx, now)
}

func (p *Processor) emit(ctx context.Context, now time.Time) {
	if !p.tx.Finished() && !p.identified {
		p.tx.UserID, p.tx.CompanyID = p.config.Extractor.Resolve(p.tx.Request.Headers, p.tx.Response.Headers)
		p.identified = true
	}
	rec, ok := p.tx.Snapshot(p.config.ApplicationID, now)
	if !ok {
		return
	}
	p.tx.Release()

	p.config.Extractor.Redact(rec.RequestHeaders)
	p.config.Extractor.Redact(rec.ResponseHeaders)

	if err := p.config.Handler.OnTransaction(ctx, p.hctx, rec); err != nil {
		p.hookFailed("transaction", err)
	}

	accepted := p.config.Dispatcher.Submit(rec)
	p.config.Logger.Debug("transaction emitted",
		slog.String("stream", rec.StreamID),
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.Int("status", rec.Status),
		slog.Bool("truncated", rec.Truncated),
		slog.Bool("queued", accepted))
}

// Abandon gives up on the transaction. The stream stays open and every
// later phase is answered with CONTINUE.
func (p *Processor) Abandon(reason string) {
	if p.tx.Finished() {
		return
	}
	p.tx.Abandon()
	p.config.Logger.Debug("transaction abandoned",
		slog.String("stream", p.tx.StreamID),
		slog.String("reason", reason))
}

// Close is called once when the stream ends. streamErr is nil for a clean
// close by the proxy. It returns the stream outcome.
func (p *Processor) Close(ctx context.Context, streamErr error) string {
	if streamErr == nil && p.config.EmitOnStreamClose && p.tx.Response.Phase != transaction.PhaseIdle {
		p.emit(ctx, p.config.Now())
	}

	if err := p.config.Handler.OnDisconnect(ctx, p.hctx); err != nil {
		p.hookFailed("disconnect", err)
	}

	outcome := metrics.OutcomeDropped
	switch {
	case p.tx.Emitted():
		outcome = metrics.OutcomeEmitted
	case p.violated:
		outcome = metrics.OutcomeViolation
	case p.tx.Abandoned():
		outcome = metrics.OutcomeAbandoned
	}
	p.tx.Release()
	return outcome
}

// StreamID returns the stream identifier.
func (p *Processor) StreamID() string {
	return p.tx.StreamID
}

func (p *Processor) violation(phase, detail string) error {
	p.violated = true
	p.tx.Abandon()
	p.config.Metrics.ProtocolViolations.WithLabelValues(phase).Inc()
	err := mterrors.New("process", p.tx.StreamID, phase, fmt.Errorf("%w: %s", mterrors.ErrProtocolViolation, detail))
	p.config.Logger.Warn("protocol violation", slog.String("error", err.Error()))
	return err
}

func (p *Processor) hookFailed(hook string, err error) {
	p.config.Logger.Warn("handler hook failed",
		slog.String("stream", p.tx.StreamID),
		slog.String("hook", hook),
		slog.String("error", err.Error()))
}
