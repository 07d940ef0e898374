// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves caller identity from captured headers and
// redacts sensitive header values before they leave the process.
package identity

import (
	"strings"

	"github.com/absmach/mtap/pkg/transaction"
)

// Placeholder replaces the value of every redacted header.
const Placeholder = "*****"

// Extractor is immutable after construction and safe for concurrent use.
type Extractor struct {
	userHeader    string
	companyHeader string
	redact        map[string]struct{}
}

// New builds an Extractor. Empty header names disable that identity.
func New(userHeader, companyHeader string, redact []string) *Extractor {
	e := &Extractor{
		userHeader:    strings.ToLower(strings.TrimSpace(userHeader)),
		companyHeader: strings.ToLower(strings.TrimSpace(companyHeader)),
		redact:        make(map[string]struct{}, len(redact)),
	}
	for _, name := range redact {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			e.redact[name] = struct{}{}
		}
	}
	return e
}

// Resolve looks up user and company ids. Request headers take precedence
// over response headers. Absent or empty values yield nil.
func (e *Extractor) Resolve(req, resp transaction.HeaderList) (userID, companyID *string) {
	return lookup(e.userHeader, req, resp), lookup(e.companyHeader, req, resp)
}

func lookup(name string, lists ...transaction.HeaderList) *string {
	if name == "" {
		return nil
	}
	for _, l := range lists {
		if v, ok := l.Get(name); ok && v != "" {
			return &v
		}
	}
	return nil
}

// Redact replaces block-listed header values in place.
func (e *Extractor) Redact(headers map[string]string) {
	if len(e.redact) == 0 {
		return
	}
	for name := range headers {
		if _, ok := e.redact[strings.ToLower(name)]; ok {
			headers[name] = Placeholder
		}
	}
}

// Redacted reports whether name is on the block-list.
func (e *Extractor) Redacted(name string) bool {
	_, ok := e.redact[strings.ToLower(name)]
	return ok
}
