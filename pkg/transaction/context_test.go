// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"testing"
	"time"
)

func TestSnapshotOnce(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewContext("s-1", 4, start)
	c.Method = "POST"
	c.Path = "/v1/orders"
	c.Status = 201
	c.Request.StartedAt = start
	c.Request.Headers.Add("X-Forwarded-For", "not-an-ip, 10.0.0.7")
	c.Request.Headers.Add("X-Api-Version", "2024-01")
	c.Request.Body.Write([]byte("123456"))
	c.Request.Finish(start.Add(10 * time.Millisecond))
	c.Response.Headers.Add(":status", "201")
	c.Response.Headers.Add("Content-Type", "application/json")
	c.Response.Finish(start.Add(40 * time.Millisecond))
	user := "u-1"
	c.UserID = &user

	rec, ok := c.Snapshot("app", start.Add(time.Second))
	if !ok {
		t.Fatal("first Snapshot should succeed")
	}
	if _, ok := c.Snapshot("app", start.Add(time.Second)); ok {
		t.Fatal("second Snapshot should be refused")
	}

	if rec.Latency != 40*time.Millisecond {
		t.Errorf("Latency = %v, want 40ms", rec.Latency)
	}
	if string(rec.RequestBody) != "1234" || !rec.Truncated {
		t.Errorf("body = %q truncated=%v", rec.RequestBody, rec.Truncated)
	}
	if rec.ClientIP != "10.0.0.7" {
		t.Errorf("ClientIP = %q", rec.ClientIP)
	}
	if rec.APIVersion != "2024-01" {
		t.Errorf("APIVersion = %q", rec.APIVersion)
	}
	if _, ok := rec.ResponseHeaders[":status"]; ok {
		t.Error("pseudo-header leaked into record")
	}
	if rec.UserID == nil || *rec.UserID != "u-1" || rec.CompanyID != nil {
		t.Errorf("identity = %v/%v", rec.UserID, rec.CompanyID)
	}

	user = "changed"
	if *rec.UserID != "u-1" {
		t.Error("record shares identity storage with context")
	}
}

func TestAbandonPreventsEmission(t *testing.T) {
	now := time.Now()
	c := NewContext("s-2", 16, now)
	c.Request.Body.Write([]byte("data"))
	c.Abandon()

	if !c.Finished() || !c.Abandoned() {
		t.Fatal("expected abandoned context to be finished")
	}
	if _, ok := c.Snapshot("app", now); ok {
		t.Error("abandoned context emitted a record")
	}
	if c.Request.Body.Bytes() != nil {
		t.Error("abandon should release body memory")
	}
}

func TestIdle(t *testing.T) {
	now := time.Now()
	c := NewContext("s-3", 16, now)
	c.Touch(now.Add(time.Minute))
	if got := c.Idle(now.Add(3 * time.Minute)); got != 2*time.Minute {
		t.Errorf("Idle() = %v, want 2m", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", map[string]string{}, ""},
		{"x-client-ip wins", map[string]string{"x-client-ip": "1.1.1.1", "x-real-ip": "2.2.2.2"}, "1.1.1.1"},
		{"skips invalid", map[string]string{"x-client-ip": "garbage", "x-real-ip": "2.2.2.2"}, "2.2.2.2"},
		{"ipv6", map[string]string{"true-client-ip": "2001:db8::1"}, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(tt.headers); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
