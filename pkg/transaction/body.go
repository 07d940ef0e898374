// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import "bytes"

// Body captures up to Max bytes written to it, tracking the total number of
// bytes seen and whether anything was dropped.
type Body struct {
	buf       bytes.Buffer
	max       int
	truncated bool
	total     int64
}

// NewBody returns a Body that keeps at most max bytes.
func NewBody(max int) *Body {
	return &Body{max: max}
}

// Write never fails. Bytes beyond the cap are counted and discarded.
func (b *Body) Write(p []byte) (int, error) {
	n := len(p)
	b.total += int64(n)
	if b.truncated {
		return n, nil
	}
	remaining := b.max - b.buf.Len()
	if n <= remaining {
		b.buf.Write(p)
	} else {
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		b.truncated = true
	}
	return n, nil
}

// Bytes returns a copy of the captured bytes, or nil when nothing was kept.
func (b *Body) Bytes() []byte {
	if b.buf.Len() == 0 {
		return nil
	}
	return bytes.Clone(b.buf.Bytes())
}

// Len is the number of captured bytes.
func (b *Body) Len() int {
	return b.buf.Len()
}

// Total is the number of bytes observed, captured or not.
func (b *Body) Total() int64 {
	return b.total
}

// Truncated reports whether any bytes were dropped.
func (b *Body) Truncated() bool {
	return b.truncated
}

// Release frees the captured bytes. Counters are kept.
func (b *Body) Release() {
	b.buf = bytes.Buffer{}
}
