// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import "time"

// Phase is the position of one direction of a stream in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHeaders
	PhaseBody
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHeaders:
		return "headers"
	case PhaseBody:
		return "body"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Track is one direction (request or response) of a transaction.
type Track struct {
	Phase       Phase
	Headers     HeaderList
	Body        *Body
	StartedAt   time.Time
	CompletedAt time.Time
}

// Done reports whether the track has seen its end of stream.
func (t *Track) Done() bool {
	return t.Phase == PhaseDone
}

// Finish marks the track done at now. Finishing twice keeps the first time.
func (t *Track) Finish(now time.Time) {
	if t.Phase == PhaseDone {
		return
	}
	t.Phase = PhaseDone
	t.CompletedAt = now
}

// Context accumulates everything observed on a single stream. It is not
// safe for concurrent use; the goroutine serving the stream owns it.
type Context struct {
	StreamID  string
	StartedAt time.Time

	// LastActivity is refreshed on every event and drives abandonment.
	LastActivity time.Time

	Request  Track
	Response Track

	Method    string
	Path      string
	Authority string
	Scheme    string
	Status    int

	UserID    *string
	CompanyID *string

	emitted   bool
	abandoned bool
}

// NewContext creates a Context whose bodies keep at most maxBody bytes each.
func NewContext(streamID string, maxBody int, now time.Time) *Context {
	return &Context{
		StreamID:     streamID,
		StartedAt:    now,
		LastActivity: now,
		Request:      Track{Body: NewBody(maxBody)},
		Response:     Track{Body: NewBody(maxBody)},
	}
}

// Touch records activity at now.
func (c *Context) Touch(now time.Time) {
	c.LastActivity = now
}

// Idle reports how long the stream has gone without an event.
func (c *Context) Idle(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}

// Truncated reports whether either body lost bytes to the cap.
func (c *Context) Truncated() bool {
	return c.Request.Body.Truncated() || c.Response.Body.Truncated()
}

// Emitted reports whether a Record was already produced.
func (c *Context) Emitted() bool {
	return c.emitted
}

// Abandoned reports whether the Context was given up on.
func (c *Context) Abandoned() bool {
	return c.abandoned
}

// Finished reports whether the Context can no longer emit.
func (c *Context) Finished() bool {
	return c.emitted || c.abandoned
}

// Abandon drops captured data and prevents any future emission.
func (c *Context) Abandon() {
	c.abandoned = true
	c.Release()
}

// Release frees header and body memory.
func (c *Context) Release() {
	c.Request.Headers = nil
	c.Response.Headers = nil
	c.Request.Body.Release()
	c.Response.Body.Release()
}

// Snapshot copies the Context into a Record and marks it emitted. The
// second and later calls return false.
func (c *Context) Snapshot(applicationID string, now time.Time) (Record, bool) {
	if c.Finished() {
		return Record{}, false
	}
	c.emitted = true

	reqHeaders := c.Request.Headers.Map()
	respHeaders := c.Response.Headers.Map()

	requestTime := c.Request.StartedAt
	if requestTime.IsZero() {
		requestTime = c.StartedAt
	}
	responseTime := c.Response.CompletedAt
	if responseTime.IsZero() {
		responseTime = now
	}

	rec := Record{
		StreamID:        c.StreamID,
		ApplicationID:   applicationID,
		Method:          c.Method,
		Path:            c.Path,
		Status:          c.Status,
		RequestHeaders:  reqHeaders,
		ResponseHeaders: respHeaders,
		RequestBody:     c.Request.Body.Bytes(),
		ResponseBody:    c.Response.Body.Bytes(),
		RequestTime:     requestTime,
		ResponseTime:    responseTime,
		Latency:         responseTime.Sub(requestTime),
		UserID:          cloneString(c.UserID),
		CompanyID:       cloneString(c.CompanyID),
		Truncated:       c.Truncated(),
		ClientIP:        ClientIP(reqHeaders),
		APIVersion:      reqHeaders[APIVersionHeader],
	}
	return rec, true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
