// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	mterrors "github.com/absmach/mtap/pkg/errors"
	"github.com/klauspost/compress/gzip"
)

const (
	// BatchPath is appended to the base URI for batch ingestion.
	BatchPath = "/v1/events/batch"

	ApplicationIDHeader = "X-Moesif-Application-Id"
	ConfigEtagHeader    = "X-Moesif-Config-Etag"
	RulesEtagHeader     = "X-Moesif-Rules-Etag"

	userAgent = "mtap/1.0"
)

// Config holds the collector client configuration.
type Config struct {
	// BaseURI is the collector root, without a trailing slash.
	BaseURI string

	// ApplicationID authenticates every batch.
	ApplicationID string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Gzip compresses request bodies.
	Gzip bool

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client posts event batches to the collector.
type Client struct {
	config Config
	url    string
	http   *http.Client
}

// New creates a collector client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		config: cfg,
		url:    strings.TrimRight(cfg.BaseURI, "/") + BatchPath,
		http:   hc,
	}
}

// URL is the batch endpoint this client posts to.
func (c *Client) URL() string {
	return c.url
}

// Send posts one batch. Any transport error or non-2xx status is returned.
func (c *Client) Send(ctx context.Context, events []Event) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return mterrors.Wrap(err, "failed to encode batch")
	}

	body := payload
	if c.config.Gzip {
		if body, err = compress(payload); err != nil {
			return mterrors.Wrap(err, "failed to compress batch")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return mterrors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(ApplicationIDHeader, c.config.ApplicationID)
	if c.config.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	if c.config.Logger.Enabled(ctx, slog.LevelDebug) {
		c.config.Logger.Debug("sending batch",
			slog.Int("events", len(events)),
			slog.Int("bytes", len(body)),
			slog.String("curl", curlCommand(req, payload)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return mterrors.Wrap(err, "failed to post batch")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.config.Logger.Debug("collector responded",
		slog.Int("status", resp.StatusCode),
		slog.String("config_etag", resp.Header.Get(ConfigEtagHeader)),
		slog.String("rules_etag", resp.Header.Get(RulesEtagHeader)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &mterrors.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// curlCommand renders an equivalent curl invocation with the credential
// masked. The payload is shown uncompressed, so Content-Encoding is left out.
func curlCommand(req *http.Request, payload []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "curl -X %s '%s'", req.Method, req.URL.String())

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "Content-Encoding" {
			continue
		}
		value := req.Header.Get(name)
		if name == http.CanonicalHeaderKey(ApplicationIDHeader) {
			value = "*****"
		}
		fmt.Fprintf(&sb, " -H '%s: %s'", name, value)
	}
	fmt.Fprintf(&sb, " -d '%s'", strings.ReplaceAll(string(payload), "'", `'\''`))
	return sb.String()
}
