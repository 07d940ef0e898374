// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	"context"
	"errors"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	mterrors "github.com/absmach/mtap/pkg/errors"
	"github.com/absmach/mtap/pkg/handler"
	"github.com/absmach/mtap/pkg/identity"
	"github.com/absmach/mtap/pkg/metrics"
	"github.com/absmach/mtap/pkg/transaction"
)

type fixture struct {
	cfg   *Config
	rec   *recorder
	clock *clock
}

func newFixture(mod func(*Config)) *fixture {
	f := &fixture{
		rec:   &recorder{},
		clock: &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := &Config{
		ApplicationID:     "app-123",
		MaxBodySize:       1024,
		StreamMaxAge:      time.Minute,
		EmitOnStreamClose: true,
		Extractor:         identity.New("x-user-id", "x-company-id", []string{"authorization"}),
		Dispatcher:        f.rec,
		Metrics:           metrics.New("test", prometheus.NewRegistry()),
		Now:               f.clock.Now,
	}
	if mod != nil {
		mod(cfg)
	}
	cfg.applyDefaults()
	f.cfg = cfg
	return f
}

func (f *fixture) processor() *Processor {
	return newProcessor(f.cfg, "stream-1", "10.0.0.1:5000")
}

func run(t *testing.T, p *Processor, reqs ...*extprocv3.ProcessingRequest) {
	t.Helper()
	for i, req := range reqs {
		resp, err := p.Process(context.Background(), req)
		require.NoError(t, err, "message %d (%s)", i, phaseName(req))
		require.NotNil(t, resp)
	}
}

func TestGetUsersTransaction(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p,
		requestHeaders(true, ":method", "GET", ":path", "/v1/users", ":authority", "api.example", "x-user-id", "u-42", "Authorization", "Bearer secret"),
	)
	f.clock.Advance(30 * time.Millisecond)
	run(t, p,
		responseHeaders(false, ":status", "200", "content-type", "application/json"),
		responseBody(`{"users":[]}`, true),
	)

	recs := f.rec.records()
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, "/v1/users", rec.Path)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, "app-123", rec.ApplicationID)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, "u-42", *rec.UserID)
	assert.Nil(t, rec.CompanyID)
	assert.Equal(t, `{"users":[]}`, string(rec.ResponseBody))
	assert.Nil(t, rec.RequestBody)
	assert.False(t, rec.Truncated)
	assert.Equal(t, 30*time.Millisecond, rec.Latency)
	assert.Equal(t, identity.Placeholder, rec.RequestHeaders["authorization"])
	assert.NotContains(t, rec.RequestHeaders, ":path")
	assert.NotContains(t, rec.ResponseHeaders, ":status")

	assert.Equal(t, metrics.OutcomeEmitted, p.Close(context.Background(), nil))
	assert.Len(t, f.rec.records(), 1)
}

func TestOversizeBodyTruncated(t *testing.T) {
	f := newFixture(func(c *Config) { c.MaxBodySize = 4 })
	p := f.processor()

	run(t, p,
		requestHeaders(false, ":method", "POST", ":path", "/upload"),
		requestBody("abc", false),
		requestBody("def", false),
		requestBody("ghi", true),
		responseHeaders(true, ":status", "201"),
	)

	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "abcd", string(recs[0].RequestBody))
	assert.True(t, recs[0].Truncated)
	assert.Equal(t, 201, recs[0].Status)
}

func TestEmitsExactlyOnce(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p,
		requestHeaders(false, ":method", "PUT", ":path", "/items/1"),
		responseHeaders(true, ":status", "204"),
		requestBody("late", false),
		requestBody("later", true),
	)
	p.Close(context.Background(), nil)

	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].RequestBody)
}

func TestRequireRequestCompletion(t *testing.T) {
	f := newFixture(func(c *Config) { c.RequireRequestCompletion = true })
	p := f.processor()

	run(t, p,
		requestHeaders(false, ":method", "POST", ":path", "/stream"),
		responseHeaders(true, ":status", "200"),
	)
	assert.Empty(t, f.rec.records())

	run(t, p, requestBody("done", true))
	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "done", string(recs[0].RequestBody))
}

func TestResponseOnlyStream(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p,
		responseHeaders(false, ":status", "500", "x-user-id", "from-response"),
		responseBody("oops", false),
		responseTrailers(),
	)

	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Method)
	assert.Empty(t, recs[0].Path)
	assert.Equal(t, 500, recs[0].Status)
	require.NotNil(t, recs[0].UserID)
	assert.Equal(t, "from-response", *recs[0].UserID)
}

func TestBodyOnIdleTrackAllowed(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p,
		requestBody("payload", true),
		responseHeaders(true, ":status", "200"),
	)
	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "payload", string(recs[0].RequestBody))
}

func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		setup []*extprocv3.ProcessingRequest
		bad   *extprocv3.ProcessingRequest
		phase string
	}{
		{
			name:  "empty request",
			bad:   &extprocv3.ProcessingRequest{},
			phase: phaseEmpty,
		},
		{
			name:  "request headers twice",
			setup: []*extprocv3.ProcessingRequest{requestHeaders(false, ":method", "GET")},
			bad:   requestHeaders(false, ":method", "GET"),
			phase: phaseRequestHeaders,
		},
		{
			name:  "response headers after body",
			setup: []*extprocv3.ProcessingRequest{responseBody("x", false)},
			bad:   responseHeaders(false, ":status", "200"),
			phase: phaseResponseHeaders,
		},
		{
			name:  "request body after end of stream",
			setup: []*extprocv3.ProcessingRequest{requestHeaders(true, ":method", "GET")},
			bad:   requestBody("x", false),
			phase: phaseRequestBody,
		},
		{
			name:  "request trailers after end of stream",
			setup: []*extprocv3.ProcessingRequest{requestBody("x", true)},
			bad:   requestTrailers(),
			phase: phaseRequestTrailers,
		},
		{
			name: "response body after end of stream",
			setup: []*extprocv3.ProcessingRequest{
				requestHeaders(false, ":method", "GET"),
				responseHeaders(true, ":status", "200"),
			},
			bad:   responseBody("x", false),
			phase: phaseResponseBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(func(c *Config) { c.RequireRequestCompletion = true })
			p := f.processor()
			run(t, p, tt.setup...)

			resp, err := p.Process(context.Background(), tt.bad)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, errors.Is(err, mterrors.ErrProtocolViolation), "got %v", err)

			var se *mterrors.StreamError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "stream-1", se.StreamID)
			assert.Equal(t, tt.phase, se.Phase)

			assert.Equal(t, metrics.OutcomeViolation, p.Close(context.Background(), err))
			assert.Empty(t, f.rec.records())
			assert.Equal(t, 1.0, testutil.ToFloat64(f.cfg.Metrics.ProtocolViolations.WithLabelValues(tt.phase)))
		})
	}
}

func TestAbandonStaleStream(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p, requestHeaders(true, ":method", "GET", ":path", "/slow"))
	f.clock.Advance(2 * time.Minute)

	resp, err := p.Process(context.Background(), responseHeaders(true, ":status", "200"))
	require.NoError(t, err)
	require.NotNil(t, resp.GetResponseHeaders())
	assert.Equal(t, extprocv3.CommonResponse_CONTINUE, resp.GetResponseHeaders().GetResponse().GetStatus())

	// An abandoned stream answers everything, even phases that would
	// otherwise be violations.
	_, err = p.Process(context.Background(), requestHeaders(false))
	require.NoError(t, err)

	assert.Equal(t, metrics.OutcomeAbandoned, p.Close(context.Background(), nil))
	assert.Empty(t, f.rec.records())
}

func TestCloseEmitsAfterResponseHeaders(t *testing.T) {
	tests := []struct {
		name      string
		onClose   bool
		streamErr error
		headers   bool
		want      string
		records   int
	}{
		{"clean close", true, nil, true, metrics.OutcomeEmitted, 1},
		{"policy disabled", false, nil, true, metrics.OutcomeDropped, 0},
		{"stream error", true, errors.New("reset"), true, metrics.OutcomeDropped, 0},
		{"no response headers", true, nil, false, metrics.OutcomeDropped, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(func(c *Config) { c.EmitOnStreamClose = tt.onClose })
			p := f.processor()
			run(t, p, requestHeaders(true, ":method", "GET", ":path", "/headers-only"))
			if tt.headers {
				run(t, p, responseHeaders(false, ":status", "200"))
			}

			assert.Equal(t, tt.want, p.Close(context.Background(), tt.streamErr))
			assert.Len(t, f.rec.records(), tt.records)
		})
	}
}

func TestInjectHeaders(t *testing.T) {
	f := newFixture(func(c *Config) {
		c.Handler = handler.NewInject(map[string]string{"x-observed-by": "mtap"})
	})
	p := f.processor()

	resp, err := p.Process(context.Background(), requestHeaders(false, ":method", "GET", ":path", "/"))
	require.NoError(t, err)

	common := resp.GetRequestHeaders().GetResponse()
	require.NotNil(t, common)
	assert.Equal(t, extprocv3.CommonResponse_CONTINUE, common.GetStatus())
	set := common.GetHeaderMutation().GetSetHeaders()
	require.Len(t, set, 1)
	assert.Equal(t, "x-observed-by", set[0].GetHeader().GetKey())
	assert.Equal(t, "mtap", string(set[0].GetHeader().GetRawValue()))
	assert.Equal(t, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, set[0].GetAppendAction())

	resp, err = p.Process(context.Background(), responseHeaders(true, ":status", "200"))
	require.NoError(t, err)
	assert.Nil(t, resp.GetResponseHeaders().GetResponse().GetHeaderMutation())
}

type rejecter struct {
	handler.NoopHandler
}

func (*rejecter) OnRequestHeaders(_ context.Context, _ *handler.Context, _ transaction.HeaderList, mut *handler.Mutation) error {
	mut.Reject(403, "blocked by policy")
	return nil
}

func TestImmediateResponse(t *testing.T) {
	f := newFixture(func(c *Config) { c.Handler = &rejecter{} })
	p := f.processor()

	resp, err := p.Process(context.Background(), requestHeaders(false, ":method", "DELETE", ":path", "/admin"))
	require.NoError(t, err)

	imm := resp.GetImmediateResponse()
	require.NotNil(t, imm)
	assert.EqualValues(t, 403, imm.GetStatus().GetCode())
	assert.Equal(t, "blocked by policy", imm.GetDetails())

	recs := f.rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, 403, recs[0].Status)
}

func TestImmediateResponseResolvesIdentity(t *testing.T) {
	f := newFixture(func(c *Config) { c.Handler = &rejecter{} })
	p := f.processor()

	resp, err := p.Process(context.Background(), requestHeaders(false,
		":method", "GET", ":path", "/admin", "x-user-id", "alice", "x-company-id", "acme"))
	require.NoError(t, err)
	require.NotNil(t, resp.GetImmediateResponse())

	recs := f.rec.records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].UserID)
	assert.Equal(t, "alice", *recs[0].UserID)
	require.NotNil(t, recs[0].CompanyID)
	assert.Equal(t, "acme", *recs[0].CompanyID)
}

func TestIdentityWithoutResponseHeaders(t *testing.T) {
	f := newFixture(nil)
	p := f.processor()

	run(t, p,
		requestHeaders(true, ":method", "GET", ":path", "/", "x-user-id", "bob"),
		responseBody("ok", true),
	)

	recs := f.rec.records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].UserID)
	assert.Equal(t, "bob", *recs[0].UserID)
}

type failing struct {
	handler.NoopHandler
	disconnects int
}

func (h *failing) OnRequestHeaders(context.Context, *handler.Context, transaction.HeaderList, *handler.Mutation) error {
	return errors.New("hook exploded")
}

func (h *failing) OnDisconnect(context.Context, *handler.Context) error {
	h.disconnects++
	return nil
}

func TestHandlerErrorsAreIgnored(t *testing.T) {
	h := &failing{}
	f := newFixture(func(c *Config) { c.Handler = h })
	p := f.processor()

	run(t, p,
		requestHeaders(true, ":method", "GET", ":path", "/"),
		responseHeaders(true, ":status", "200"),
	)
	p.Close(context.Background(), nil)

	assert.Len(t, f.rec.records(), 1)
	assert.Equal(t, 1, h.disconnects)
}

func TestHeaderListRawValue(t *testing.T) {
	hl := headerList(&corev3.HeaderMap{Headers: []*corev3.HeaderValue{
		{Key: "X-Raw", RawValue: []byte("bytes")},
		{Key: "X-Both", Value: "value", RawValue: []byte("raw")},
		{Key: "x-raw", Value: "second"},
	}})

	assert.Equal(t, map[string]string{"x-raw": "bytes, second", "x-both": "value"}, hl.Map())
}

func TestContinueResponse(t *testing.T) {
	cont := &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE}
	tests := []struct {
		req  *extprocv3.ProcessingRequest
		want *extprocv3.ProcessingResponse
	}{
		{
			req: requestBody("x", false),
			want: &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
				RequestBody: &extprocv3.BodyResponse{Response: cont},
			}},
		},
		{
			req: responseHeaders(false),
			want: &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
				ResponseHeaders: &extprocv3.HeadersResponse{Response: cont},
			}},
		},
		{
			req: requestTrailers(),
			want: &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestTrailers{
				RequestTrailers: &extprocv3.TrailersResponse{},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(phaseName(tt.req), func(t *testing.T) {
			got := continueResponse(tt.req)
			assert.True(t, proto.Equal(tt.want, got), "got %v", got)
		})
	}
}
