// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"net/netip"
	"strings"
	"time"
)

// APIVersionHeader carries the API version reported with each record.
const APIVersionHeader = "x-api-version"

// clientIPHeaders are checked in order for the caller's address.
var clientIPHeaders = []string{
	"x-client-ip",
	"x-forwarded-for",
	"cf-connecting-ip",
	"fastly-client-ip",
	"true-client-ip",
	"x-real-ip",
	"x-cluster-client-ip",
	"x-forwarded",
	"forwarded-for",
	"forwarded",
	"x-appengine-user-ip",
	"cf-pseudo-ipv4",
}

// Record is the immutable summary of one completed transaction.
type Record struct {
	StreamID      string
	ApplicationID string

	Method     string
	Path       string
	APIVersion string
	ClientIP   string

	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	RequestBody     []byte
	ResponseBody    []byte

	Status       int
	RequestTime  time.Time
	ResponseTime time.Time
	Latency      time.Duration

	// UserID and CompanyID are nil when not resolved, never empty.
	UserID    *string
	CompanyID *string

	Truncated bool
}

// ClientIP returns the first parseable address found in the well-known
// forwarding headers, or "" when none is present.
func ClientIP(headers map[string]string) string {
	for _, name := range clientIPHeaders {
		value, ok := headers[name]
		if !ok {
			continue
		}
		for _, candidate := range strings.Split(value, ",") {
			candidate = strings.TrimSpace(candidate)
			if _, err := netip.ParseAddr(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
