// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher decouples stream handling from collector delivery.
//
// # Pipeline
//
//	Submit ──→ bounded queue ──→ batcher ──→ senders (Workers) ──→ collector
//
// Submit never blocks. When the queue is full the configured policy either
// evicts the oldest queued record (drop_oldest) or rejects the new one
// (drop_newest); both are counted.
//
// The batcher flushes when BatchMaxSize records are buffered or when
// BatchMaxWait has passed since the first record of the batch arrived.
//
// Each batch gets at most MaxAttempts delivery attempts separated by
// exponential backoff. A batch that exhausts its attempts is dropped and
// counted once. An optional circuit breaker skips delivery entirely while
// the collector is known to be down.
//
// # Shutdown
//
// Cancelling the context passed to Run stops the batcher, drains whatever
// is still queued into final batches and waits for the senders. Backoff
// waits and in-flight requests are abandoned once DrainTimeout elapses.
package dispatcher
