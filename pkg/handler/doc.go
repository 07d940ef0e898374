// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface between the ext_proc state
// machine and pluggable behaviour.
//
// # Data Flow
//
//	Envoy → extproc.Processor → Handler.OnRequestHeaders (may mutate) → Envoy
//	Envoy → extproc.Processor → Handler.OnResponseHeaders (may mutate) → Envoy
//	extproc.Processor → Handler.OnTransaction → dispatcher
//	stream end → Handler.OnDisconnect
//
// # Handler Methods
//
// Header methods run before the phase is answered and may add header
// changes, or an immediate response, to the Mutation they receive:
//   - OnRequestHeaders: request headers, pseudo-headers included
//   - OnResponseHeaders: response headers
//
// Notification methods run after the fact:
//   - OnTransaction: every record handed to the dispatcher
//   - OnDisconnect: stream end
//
// Errors never affect the proxied traffic; the processor logs and counts
// them.
//
// # Implementations
//
//   - NoopHandler: does nothing, embed it to implement a subset
//   - Inject: adds fixed headers to upstream requests
//   - Instrumented: wraps another handler with Prometheus metrics
//   - Chain: fans out to several handlers
//
// # Example
//
//	h := handler.NewInstrumented(
//		handler.NewChain(handler.NewInject(cfg.InjectHeaders), simple.New(logger)),
//		m, logger)
package handler
