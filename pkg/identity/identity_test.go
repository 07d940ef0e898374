// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"

	"github.com/absmach/mtap/pkg/transaction"
)

func headers(kv ...string) transaction.HeaderList {
	var h transaction.HeaderList
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		userHeader  string
		compHeader  string
		req         transaction.HeaderList
		resp        transaction.HeaderList
		wantUser    *string
		wantCompany *string
	}{
		{
			name:        "request headers",
			userHeader:  "X-User-Id",
			compHeader:  "x-company-id",
			req:         headers("x-user-id", "u-42", "X-Company-Id", "c-7"),
			wantUser:    ptr("u-42"),
			wantCompany: ptr("c-7"),
		},
		{
			name:       "request wins over response",
			userHeader: "x-user-id",
			req:        headers("x-user-id", "from-request"),
			resp:       headers("x-user-id", "from-response"),
			wantUser:   ptr("from-request"),
		},
		{
			name:       "response fallback",
			userHeader: "x-user-id",
			resp:       headers("X-USER-ID", "from-response"),
			wantUser:   ptr("from-response"),
		},
		{
			name:       "empty value is absent",
			userHeader: "x-user-id",
			req:        headers("x-user-id", ""),
			resp:       headers("x-user-id", "fallback"),
			wantUser:   ptr("fallback"),
		},
		{
			name: "not configured",
			req:  headers("x-user-id", "u-42"),
		},
		{
			name:       "configured but missing",
			userHeader: "x-user-id",
			compHeader: "x-company-id",
			req:        headers("accept", "*/*"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.userHeader, tt.compHeader, nil)
			user, company := e.Resolve(tt.req, tt.resp)
			assertPtr(t, "user", user, tt.wantUser)
			assertPtr(t, "company", company, tt.wantCompany)
		})
	}
}

func TestRedact(t *testing.T) {
	e := New("", "", []string{"Authorization", " cookie "})
	h := map[string]string{
		"authorization": "Bearer secret",
		"cookie":        "session=1",
		"accept":        "*/*",
	}
	e.Redact(h)

	if h["authorization"] != Placeholder || h["cookie"] != Placeholder {
		t.Errorf("sensitive headers not redacted: %v", h)
	}
	if h["accept"] != "*/*" {
		t.Errorf("accept changed to %q", h["accept"])
	}
	if !e.Redacted("COOKIE") || e.Redacted("accept") {
		t.Error("Redacted() mismatch")
	}
}

func ptr(s string) *string { return &s }

func assertPtr(t *testing.T, what string, got, want *string) {
	t.Helper()
	switch {
	case got == nil && want == nil:
	case got == nil || want == nil:
		t.Errorf("%s = %v, want %v", what, got, want)
	case *got != *want:
		t.Errorf("%s = %q, want %q", what, *got, *want)
	}
}
