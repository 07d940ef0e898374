// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package collector encodes transaction records as analytics events and
// posts them in batches to the collector's ingestion endpoint.
//
// Request and response bodies that parse as JSON are embedded verbatim.
// Anything else, including JSON cut short by the capture cap, is sent as a
// base64 string with transfer_encoding set to "base64".
package collector
