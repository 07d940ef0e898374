// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mtap is an Envoy external-processing sidecar that observes API
// traffic and ships a governed summary of every transaction to an analytics
// collector.
//
// The root package only holds the process configuration. The moving parts
// live under pkg/:
//
//	Envoy ──ext_proc──→ extproc.Server ──→ extproc.Processor ──→ transaction.Context
//	                                              │
//	                                              ↓
//	                                     identity.Extractor
//	                                              │
//	                                              ↓
//	                   collector ←──HTTP── dispatcher.Dispatcher
//
// Everything on the traffic path is fail-open: capture problems, collector
// outages and malformed data never change what the proxy forwards.
package mtap
