// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package extproc implements the Envoy external processing service.
//
// # Overview
//
// Envoy opens one bidirectional stream per HTTP exchange and pushes the
// exchange to mtap phase by phase. Each phase is answered before the next
// one is read, so responses are matched 1:1 and in order.
//
//	┌─────────┐  ProcessingRequest   ┌─────────┐        ┌────────────┐
//	│  Envoy  │ ───────────────────→ │  Server │ ─────→ │ Processor  │
//	│         │ ←─────────────────── │         │ ←───── │ (stream)   │
//	└─────────┘  ProcessingResponse  └─────────┘        └────────────┘
//	                                                          │ Record
//	                                                          ↓
//	                                                    dispatcher.Submit
//
// # Phases
//
// The request and response sides each move Idle → Headers → Body* → Done:
//
//   - request_headers: lifts :method, :path, :authority and :scheme, keeps
//     the rest in arrival order, may return header mutations
//   - request_body: captured up to MaxBodySize, the rest is counted and
//     discarded
//   - request_trailers: ends the request side
//   - response_headers: lifts :status and resolves caller identity
//   - response_body, response_trailers: as for the request side
//
// A record is emitted once, when the response side is done (and the request
// side too, if RequireRequestCompletion is set). Later phases are answered
// with CONTINUE and not captured.
//
// # Failure Handling
//
// A request with no phase, a headers phase on a side that is already past
// Idle, or any phase on a side that is done aborts the stream with
// InvalidArgument. Everything else is fail-open: a stream that goes
// StreamMaxAge without an event has its transaction abandoned and keeps
// being answered with CONTINUE, and handler errors are only logged.
//
// When the proxy closes a stream cleanly before the response ended, the
// transaction is still emitted if response headers were seen and
// EmitOnStreamClose is set. Streams that end with an error are dropped.
//
// # Graceful Shutdown
//
// When the context given to Listen is cancelled the health service reports
// NOT_SERVING, no new streams are accepted and open ones get up to
// ShutdownTimeout to finish before being closed.
package extproc
