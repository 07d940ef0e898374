// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/absmach/mtap/pkg/transaction"
)

const (
	// DirectionIncoming marks traffic entering the observed API.
	DirectionIncoming = "Incoming"

	// TransferEncodingBase64 is set when a body is not valid JSON.
	TransferEncodingBase64 = "base64"

	timeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Event is one entry of a batch sent to the collector.
type Event struct {
	Request   Request        `json:"request"`
	Response  *Response      `json:"response,omitempty"`
	UserID    *string        `json:"user_id,omitempty"`
	CompanyID *string        `json:"company_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Direction string         `json:"direction"`
}

// Request is the request half of an Event.
type Request struct {
	Time             string            `json:"time"`
	Verb             string            `json:"verb"`
	URI              string            `json:"uri"`
	Headers          map[string]string `json:"headers"`
	Body             json.RawMessage   `json:"body,omitempty"`
	TransferEncoding string            `json:"transfer_encoding,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	APIVersion       string            `json:"api_version,omitempty"`
}

// Response is the response half of an Event.
type Response struct {
	Time             string            `json:"time"`
	Status           int               `json:"status"`
	Headers          map[string]string `json:"headers"`
	Body             json.RawMessage   `json:"body,omitempty"`
	TransferEncoding string            `json:"transfer_encoding,omitempty"`
}

// NewEvent converts a record into its wire form. Extra metadata is merged
// in; nil is fine.
func NewEvent(rec transaction.Record, metadata map[string]any) Event {
	reqBody, reqEnc := encodeBody(rec.RequestBody)
	respBody, respEnc := encodeBody(rec.ResponseBody)

	ev := Event{
		Request: Request{
			Time:             formatTime(rec.RequestTime),
			Verb:             rec.Method,
			URI:              rec.Path,
			Headers:          nonNil(rec.RequestHeaders),
			Body:             reqBody,
			TransferEncoding: reqEnc,
			IPAddress:        rec.ClientIP,
			APIVersion:       rec.APIVersion,
		},
		Response: &Response{
			Time:             formatTime(rec.ResponseTime),
			Status:           rec.Status,
			Headers:          nonNil(rec.ResponseHeaders),
			Body:             respBody,
			TransferEncoding: respEnc,
		},
		UserID:    rec.UserID,
		CompanyID: rec.CompanyID,
		Direction: DirectionIncoming,
	}

	if len(metadata) > 0 || rec.Truncated {
		ev.Metadata = make(map[string]any, len(metadata)+1)
		for k, v := range metadata {
			ev.Metadata[k] = v
		}
		if rec.Truncated {
			ev.Metadata["truncated"] = true
		}
	}

	return ev
}

// encodeBody embeds JSON bodies as-is and base64-encodes everything else.
// JSON carrying invalid UTF-8 is not embedded; it would corrupt the batch.
func encodeBody(b []byte) (json.RawMessage, string) {
	if len(b) == 0 {
		return nil, ""
	}
	if json.Valid(b) && utf8.Valid(b) {
		return json.RawMessage(b), ""
	}
	enc, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return json.RawMessage(enc), TransferEncodingBase64
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFormat)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
