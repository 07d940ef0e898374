// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import "strings"

// Header is a single name/value pair. Name is always lowercase.
type Header struct {
	Name  string
	Value string
}

// HeaderList keeps headers in arrival order. Repeated names are appended,
// not overwritten.
type HeaderList []Header

// Add appends a header, lowercasing its name.
func (h *HeaderList) Add(name, value string) {
	*h = append(*h, Header{Name: strings.ToLower(name), Value: value})
}

// Get returns the first value for name. Lookup is case-insensitive.
func (h HeaderList) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns every value recorded for name, in order.
func (h HeaderList) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, hdr := range h {
		if hdr.Name == name {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Len returns the number of recorded pairs.
func (h HeaderList) Len() int {
	return len(h)
}

// Map flattens the list. Duplicate names are joined with ", " and
// pseudo-headers (names starting with ':') are left out.
func (h HeaderList) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, hdr := range h {
		if IsPseudo(hdr.Name) {
			continue
		}
		if prev, ok := out[hdr.Name]; ok {
			out[hdr.Name] = prev + ", " + hdr.Value
			continue
		}
		out[hdr.Name] = hdr.Value
	}
	return out
}

// IsPseudo reports whether name is an HTTP/2 pseudo-header such as :path.
func IsPseudo(name string) bool {
	return strings.HasPrefix(name, ":")
}
