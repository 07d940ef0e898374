// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transaction holds the per-stream view of one HTTP exchange as it is
// observed through the external-processing protocol, and the immutable
// Record that is handed to the dispatcher once the exchange completes.
//
// # Lifecycle
//
// A Context is created when a stream opens and is owned by the goroutine
// serving that stream. Request and response events are applied to it as they
// arrive. When the completion rule is met, Snapshot copies everything into a
// Record and the Context is marked emitted; any later events are ignored.
//
// # Bounds
//
// Bodies are captured through Body, which keeps at most a fixed number of
// bytes and records whether anything was dropped. Headers are kept in
// arrival order with lowercased names so duplicates survive until the
// Record is built, where they are joined with ", ".
package transaction
