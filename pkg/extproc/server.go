// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	mterrors "github.com/absmach/mtap/pkg/errors"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ServiceName is the fully qualified ext_proc service name, also used
	// for its gRPC health status.
	ServiceName = extprocv3.ExternalProcessor_ServiceDesc.ServiceName
)

// Server implements the ext_proc ExternalProcessor service.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	config   Config
	health   *grpchealth.Server
	registry *registry
	draining atomic.Bool
}

var _ extprocv3.ExternalProcessorServer = (*Server)(nil)

// New creates a new ext_proc server.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		config:   cfg,
		health:   grpchealth.NewServer(),
		registry: newRegistry(),
	}
}

// Health returns the gRPC health service served next to ext_proc.
func (s *Server) Health() *grpchealth.Server {
	return s.health
}

// ActiveStreams returns the number of open streams.
func (s *Server) ActiveStreams() int {
	return s.registry.len()
}

// Draining reports whether shutdown has started. Open streams are still
// served, new ones are refused.
func (s *Server) Draining() bool {
	return s.draining.Load()
}

// Listen binds the configured address and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled. On cancellation it stops
// accepting streams and waits up to ShutdownTimeout for open ones to end.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// Handlers finish Close, and with it their last Submit, before Serve
	// returns even on a forced stop.
	opts := append([]grpc.ServerOption{grpc.WaitForHandlers(true)}, s.config.ServerOptions...)
	gs := grpc.NewServer(opts...)
	extprocv3.RegisterExternalProcessorServer(gs, s)
	grpc_health_v1.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	s.config.Logger.Info("ext_proc server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.config.Logger.Info("shutdown signal received, draining streams",
		slog.Int("active_streams", s.registry.len()))
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all streams closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing stream closure",
			slog.Int("active_streams", s.registry.len()))
		gs.Stop()
		<-done
		return ErrShutdownTimeout
	}
}

// Process serves one ext_proc stream: one response per request, in order.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()

	remote := ""
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		remote = pr.Addr.String()
	}

	p := newProcessor(&s.config, uuid.NewString(), remote)
	if err := s.registry.add(p); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer s.registry.remove(p.StreamID())

	s.config.Logger.Debug("stream opened",
		slog.String("stream", p.StreamID()),
		slog.String("remote", remote))

	return s.config.Metrics.ObserveStream(func() (string, error) {
		err := s.serve(ctx, stream, p)
		outcome := p.Close(context.WithoutCancel(ctx), err)

		s.config.Logger.Debug("stream closed",
			slog.String("stream", p.StreamID()),
			slog.String("outcome", outcome))
		return outcome, err
	})
}

// serve returns nil when the proxy half-closes the stream.
func (s *Server) serve(ctx context.Context, stream extprocv3.ExternalProcessor_ProcessServer, p *Processor) error {
	reqs := make(chan *extprocv3.ProcessingRequest)
	recvErr := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(s.config.StreamMaxAge)
	defer idle.Stop()

	for {
		select {
		case req := <-reqs:
			resp, err := p.Process(ctx, req)
			if err != nil {
				if errors.Is(err, mterrors.ErrProtocolViolation) {
					return status.Error(codes.InvalidArgument, err.Error())
				}
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
			idle.Reset(s.config.StreamMaxAge)
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-idle.C:
			p.Abandon("no activity within stream max age")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
