// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the mTap ext_proc sidecar.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/mtap"
	"github.com/absmach/mtap/examples/simple"
	"github.com/absmach/mtap/pkg/breaker"
	"github.com/absmach/mtap/pkg/collector"
	"github.com/absmach/mtap/pkg/dispatcher"
	"github.com/absmach/mtap/pkg/extproc"
	"github.com/absmach/mtap/pkg/handler"
	"github.com/absmach/mtap/pkg/health"
	"github.com/absmach/mtap/pkg/identity"
	"github.com/absmach/mtap/pkg/metrics"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix      = "MTAP_"
	maxGoroutines  = 50000
	healthInterval = 10 * time.Second
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := mtap.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mTap",
		slog.String("listen", cfg.ListenAddress),
		slog.String("collector", cfg.BaseURI),
		slog.Int("max_body_size", cfg.MaxBodySize))

	m := metrics.New("mtap", prometheus.DefaultRegisterer)

	client := collector.New(collector.Config{
		BaseURI:       cfg.BaseURI,
		ApplicationID: cfg.ApplicationID,
		Timeout:       cfg.ConnectionTimeout,
		Gzip:          cfg.Gzip,
		Logger:        logger,
	})

	cb := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerResetTimeout,
		SuccessThreshold: 1,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("target", client.URL()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(client.URL()).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(client.URL()).Inc()
		}
	})

	var metadata map[string]any
	if cfg.UpstreamTarget != "" {
		metadata = map[string]any{"upstream": cfg.UpstreamTarget}
	}
	disp := dispatcher.New(dispatcher.Config{
		QueueMaxSize:   cfg.QueueMaxSize,
		Overflow:       cfg.QueueOverflow,
		BatchMaxSize:   cfg.BatchMaxSize,
		BatchMaxWait:   cfg.BatchMaxWait,
		Workers:        cfg.DeliveryWorkers,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		InitialBackoff: cfg.DeliveryInitialBackoff,
		MaxBackoff:     cfg.DeliveryMaxBackoff,
		Metadata:       metadata,
		Breaker:        cb,
		Metrics:        m,
		Logger:         logger,
	}, client)

	var h handler.Handler = handler.NewChain(handlerChain(cfg, logger)...)
	h = handler.NewInstrumented(h, m, logger)

	srv := extproc.New(extproc.Config{
		Address:                  cfg.ListenAddress,
		ShutdownTimeout:          cfg.ShutdownTimeout,
		ApplicationID:            cfg.ApplicationID,
		MaxBodySize:              cfg.MaxBodySize,
		StreamMaxAge:             cfg.StreamMaxAge,
		RequireRequestCompletion: cfg.RequireRequestCompletion,
		EmitOnStreamClose:        cfg.EmitOnStreamClose,
		Extractor:                identity.New(cfg.UserIDHeader, cfg.CompanyIDHeader, cfg.RedactHeaders),
		Handler:                  h,
		Dispatcher:               disp,
		Metrics:                  m,
		Logger:                   logger,
	})

	checker := newChecker(srv, cb, disp, m)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// The dispatcher outlives the ext_proc server so records from draining
	// streams are still delivered.
	dispCtx, dispCancel := context.WithCancel(context.Background())
	defer dispCancel()

	g.Go(func() error {
		return disp.Run(dispCtx)
	})

	g.Go(func() error {
		defer dispCancel()
		err := srv.Listen(ctx)
		if errors.Is(err, extproc.ErrShutdownTimeout) {
			logger.Warn("ext_proc streams did not drain in time")
			return nil
		}
		return err
	})

	g.Go(func() error {
		checker.Publish(ctx, srv.Health(), healthInterval, logger, "", extproc.ServiceName)
		return nil
	})

	if cfg.AdminAddress != "" {
		g.Go(func() error {
			return serveAdmin(ctx, cfg.AdminAddress, checker, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mTap service terminated with error: %s", err))
		os.Exit(1)
	}

	stats := disp.Stats()
	logger.Info("mTap service stopped",
		slog.Uint64("records_delivered", stats.RecordsDelivered),
		slog.Uint64("records_dropped", stats.RecordsDropped+stats.QueueDropped))
}

func handlerChain(cfg mtap.Config, logger *slog.Logger) []handler.Handler {
	var hs []handler.Handler
	if len(cfg.InjectHeaders) > 0 {
		hs = append(hs, handler.NewInject(cfg.InjectHeaders))
	}
	if cfg.Debug {
		hs = append(hs, simple.New(logger))
	}
	return hs
}

func newChecker(srv *extproc.Server, cb *breaker.CircuitBreaker, disp *dispatcher.Dispatcher, m *metrics.Metrics) *health.Checker {
	checker := health.NewChecker(healthInterval)

	checker.RegisterCritical("ext_proc", func(ctx context.Context) error {
		if srv.Draining() {
			return fmt.Errorf("ext_proc draining %d streams", srv.ActiveStreams())
		}
		return nil
	})

	checker.Register("collector", func(ctx context.Context) error {
		if state := cb.State(); state == breaker.StateOpen {
			return fmt.Errorf("collector circuit %s", state)
		}
		return nil
	})

	checker.Register("queue", func(ctx context.Context) error {
		m.QueueDepth.Set(float64(disp.Stats().Queued))
		return nil
	})

	checker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.Set(float64(count))
		if count > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, maxGoroutines)
		}
		return nil
	})

	checker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})

	return checker
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var logHandler slog.Handler
	if format == "json" {
		logHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(logHandler)
}

// serveAdmin exposes metrics and health probes until ctx is cancelled.
func serveAdmin(ctx context.Context, addr string, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server started", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
