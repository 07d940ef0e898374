// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mtap/pkg/breaker"
	"github.com/absmach/mtap/pkg/collector"
	mterrors "github.com/absmach/mtap/pkg/errors"
	"github.com/absmach/mtap/pkg/metrics"
	"github.com/absmach/mtap/pkg/ratelimit"
	"github.com/absmach/mtap/pkg/transaction"
	"github.com/cenkalti/backoff/v4"
)

// Overflow policies.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

// Batch drop reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCircuitOpen      = "circuit_open"
	ReasonShutdown         = "shutdown"
)

// DefaultDrainTimeout bounds the final flush on shutdown.
const DefaultDrainTimeout = 2 * time.Second

// Sender delivers one batch. *collector.Client implements it.
type Sender interface {
	Send(ctx context.Context, events []collector.Event) error
}

// Config holds the dispatcher configuration.
type Config struct {
	QueueMaxSize int
	Overflow     string

	BatchMaxSize int
	BatchMaxWait time.Duration

	// Workers is the number of concurrent batch senders.
	Workers int

	// MaxAttempts counts the first attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	DrainTimeout time.Duration

	// Metadata is attached to every event.
	Metadata map[string]any

	// Breaker is optional.
	Breaker *breaker.CircuitBreaker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Submitted        uint64
	QueueDropped     uint64
	Queued           int
	RecordsDelivered uint64
	BatchesDelivered uint64
	BatchesDropped   uint64
	RecordsDropped   uint64
}

// Dispatcher moves records from stream handlers to the collector without
// ever blocking the caller.
type Dispatcher struct {
	config Config
	sender Sender
	queue  chan transaction.Record
	warn   *ratelimit.Throttle

	// mu orders Submit against the final drain: Submit holds it shared
	// while enqueueing, Run takes it exclusively to close.
	mu     sync.RWMutex
	closed bool

	submitted        atomic.Uint64
	queueDropped     atomic.Uint64
	recordsDelivered atomic.Uint64
	batchesDelivered atomic.Uint64
	batchesDropped   atomic.Uint64
	recordsDropped   atomic.Uint64
}

// New creates a dispatcher. Call Run to start delivery.
func New(cfg Config, sender Sender) *Dispatcher {
	if cfg.QueueMaxSize <= 0 {
		cfg.QueueMaxSize = 10000
	}
	if cfg.Overflow != DropNewest {
		cfg.Overflow = DropOldest
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 100
	}
	if cfg.BatchMaxWait <= 0 {
		cfg.BatchMaxWait = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("mtap", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		config: cfg,
		sender: sender,
		queue:  make(chan transaction.Record, cfg.QueueMaxSize),
		warn:   ratelimit.NewThrottle(1, 1, 8),
	}
}

// Submit enqueues rec without blocking. It reports whether rec was
// accepted; under drop_oldest an older record may be evicted instead.
func (d *Dispatcher) Submit(rec transaction.Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropQueued("closed", mterrors.ErrDispatcherClosed)
		return false
	}
	d.submitted.Add(1)

	for {
		select {
		case d.queue <- rec:
			return true
		default:
		}

		if d.config.Overflow == DropNewest {
			d.dropQueued(DropNewest, mterrors.ErrQueueFull)
			return false
		}

		select {
		case <-d.queue:
			d.dropQueued(DropOldest, mterrors.ErrQueueFull)
		default:
		}
	}
}

func (d *Dispatcher) dropQueued(policy string, err error) {
	d.queueDropped.Add(1)
	d.config.Metrics.QueueDropped.WithLabelValues(policy).Inc()
	if ok, suppressed := d.warn.Allow("queue_" + policy); ok {
		d.config.Logger.Warn("dispatch queue dropped a record",
			slog.String("policy", policy),
			slog.Int("capacity", d.config.QueueMaxSize),
			slog.Int64("suppressed", suppressed),
			slog.Any("error", err))
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:        d.submitted.Load(),
		QueueDropped:     d.queueDropped.Load(),
		Queued:           len(d.queue),
		RecordsDelivered: d.recordsDelivered.Load(),
		BatchesDelivered: d.batchesDelivered.Load(),
		BatchesDropped:   d.batchesDropped.Load(),
		RecordsDropped:   d.recordsDropped.Load(),
	}
}

// Run batches and delivers records until ctx is cancelled, then drains the
// queue and flushes once more within DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()

	batches := make(chan []transaction.Record, d.config.Workers)
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				d.deliver(sendCtx, batch)
			}
		}()
	}

	d.config.Logger.Info("dispatcher started",
		slog.Int("workers", d.config.Workers),
		slog.Int("batch_max_size", d.config.BatchMaxSize),
		slog.Duration("batch_max_wait", d.config.BatchMaxWait))

	pending := d.batchLoop(ctx, batches)

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drain := time.AfterFunc(d.config.DrainTimeout, cancelSend)
	defer drain.Stop()

	for more := true; more; {
		select {
		case rec := <-d.queue:
			pending = append(pending, rec)
		default:
			more = false
		}
	}

	d.config.Logger.Info("draining dispatcher", slog.Int("records", len(pending)))
	for len(pending) > 0 {
		n := min(len(pending), d.config.BatchMaxSize)
		chunk := pending[:n:n]
		pending = pending[n:]
		select {
		case batches <- chunk:
		case <-sendCtx.Done():
			d.dropBatch(chunk, ReasonShutdown, sendCtx.Err())
		}
	}
	close(batches)
	wg.Wait()

	d.config.Logger.Info("dispatcher stopped")
	return nil
}

// batchLoop returns the records still buffered when ctx is cancelled.
func (d *Dispatcher) batchLoop(ctx context.Context, batches chan<- []transaction.Record) []transaction.Record {
	buf := make([]transaction.Record, 0, d.config.BatchMaxSize)
	timer := time.NewTimer(d.config.BatchMaxWait)
	timer.Stop()
	defer timer.Stop()
	var wait <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return buf
		case rec := <-d.queue:
			if len(buf) == 0 {
				timer.Reset(d.config.BatchMaxWait)
				wait = timer.C
			}
			buf = append(buf, rec)
			if len(buf) < d.config.BatchMaxSize {
				continue
			}
		case <-wait:
		}

		timer.Stop()
		wait = nil

		select {
		case batches <- buf:
			buf = make([]transaction.Record, 0, d.config.BatchMaxSize)
		case <-ctx.Done():
			return buf
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, batch []transaction.Record) {
	events := make([]collector.Event, len(batch))
	for i, rec := range batch {
		events[i] = collector.NewEvent(rec, d.config.Metadata)
	}
	d.config.Metrics.BatchSize.Observe(float64(len(batch)))

	attempts := 0
	send := func() error {
		policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.config.MaxAttempts-1)), ctx)
		return backoff.RetryNotify(func() error {
			attempts++
			return d.config.Metrics.ObserveDelivery(func() error {
				return d.sender.Send(ctx, events)
			})
		}, policy, func(err error, wait time.Duration) {
			d.config.Logger.Debug("batch delivery failed, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()))
		})
	}

	var err error
	if d.config.Breaker != nil {
		err = d.config.Breaker.Call(send)
	} else {
		err = send()
	}

	switch {
	case err == nil:
		d.batchesDelivered.Add(1)
		d.recordsDelivered.Add(uint64(len(batch)))
		d.config.Metrics.BatchesDelivered.Inc()
		d.config.Metrics.RecordsDelivered.Add(float64(len(batch)))
	case errors.Is(err, mterrors.ErrCircuitOpen):
		d.dropBatch(batch, ReasonCircuitOpen, err)
	case ctx.Err() != nil:
		d.dropBatch(batch, ReasonShutdown, err)
	default:
		d.dropBatch(batch, ReasonRetriesExhausted, fmt.Errorf("%w after %d attempts: %w", mterrors.ErrDeliveryFailed, attempts, err))
	}
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

func (d *Dispatcher) dropBatch(batch []transaction.Record, reason string, err error) {
	d.batchesDropped.Add(1)
	d.recordsDropped.Add(uint64(len(batch)))
	d.config.Metrics.BatchesDropped.WithLabelValues(reason).Inc()

	if ok, suppressed := d.warn.Allow("batch_" + reason); ok {
		d.config.Logger.Warn("dropped batch",
			slog.String("reason", reason),
			slog.Int("records", len(batch)),
			slog.Int64("suppressed", suppressed),
			slog.Any("error", err))
	}
}
