// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	"log/slog"
	"time"

	"github.com/absmach/mtap/pkg/handler"
	"github.com/absmach/mtap/pkg/identity"
	"github.com/absmach/mtap/pkg/metrics"
	"github.com/absmach/mtap/pkg/transaction"
	"google.golang.org/grpc"
)

// Submitter receives completed records. It must not block.
type Submitter interface {
	Submit(rec transaction.Record) bool
}

// Config holds the ext_proc server configuration.
type Config struct {
	// Address is the gRPC listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for open streams to drain
	// during graceful shutdown. After this timeout, remaining streams are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// ServerOptions are passed to grpc.NewServer.
	ServerOptions []grpc.ServerOption

	// ApplicationID is copied into every record.
	ApplicationID string

	// MaxBodySize caps each captured body, in bytes.
	MaxBodySize int

	// StreamMaxAge is how long a stream may go without an event before its
	// transaction is abandoned.
	StreamMaxAge time.Duration

	// RequireRequestCompletion delays emission until the request side has
	// also ended. By default a finished response is enough.
	RequireRequestCompletion bool

	// EmitOnStreamClose emits a transaction whose response headers were seen
	// when the proxy closes the stream cleanly before the response ends.
	EmitOnStreamClose bool

	Extractor  *identity.Extractor
	Handler    handler.Handler
	Dispatcher Submitter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// Now is the clock; it defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":50051"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 1 << 20
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 5 * time.Minute
	}
	if c.Extractor == nil {
		c.Extractor = identity.New("", "", nil)
	}
	if c.Handler == nil {
		c.Handler = &handler.NoopHandler{}
	}
	if c.Dispatcher == nil {
		c.Dispatcher = discard{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New("mtap", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type discard struct{}

func (discard) Submit(transaction.Record) bool { return false }
