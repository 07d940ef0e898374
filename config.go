// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mtap

import (
	"fmt"
	"strings"
	"time"

	mterrors "github.com/absmach/mtap/pkg/errors"
	"github.com/caarlos0/env/v11"
)

// Overflow policies for the dispatcher queue.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

// Config holds the process-wide settings. It is loaded once at startup and
// shared read-only by every component.
type Config struct {
	// Collector
	ApplicationID     string        `env:"APPLICATION_ID"`
	BaseURI           string        `env:"BASE_URI"           envDefault:"https://api.moesif.net"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"5s"`
	Gzip              bool          `env:"GZIP"               envDefault:"false"`

	// Identity and redaction
	UserIDHeader    string   `env:"USER_ID_HEADER"`
	CompanyIDHeader string   `env:"COMPANY_ID_HEADER"`
	RedactHeaders   []string `env:"REDACT_HEADERS" envSeparator:"," envDefault:"authorization,cookie,set-cookie,proxy-authorization"`

	// Header rewriting on the request path
	InjectHeaders map[string]string `env:"INJECT_HEADERS" envSeparator:"," envKeyValSeparator:":"`

	// Listeners
	ListenAddress string `env:"LISTEN_ADDRESS" envDefault:":50051"`
	AdminAddress  string `env:"ADMIN_ADDRESS"`

	UpstreamTarget string `env:"UPSTREAM_TARGET"`
	Debug          bool   `env:"DEBUG"     envDefault:"false"`
	LogLevel       string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`

	// Capture policy
	MaxBodySize              int           `env:"MAX_BODY_SIZE"              envDefault:"1048576"`
	StreamMaxAge             time.Duration `env:"STREAM_MAX_AGE"             envDefault:"5m"`
	RequireRequestCompletion bool          `env:"REQUIRE_REQUEST_COMPLETION" envDefault:"false"`
	EmitOnStreamClose        bool          `env:"EMIT_ON_STREAM_CLOSE"       envDefault:"true"`

	// Dispatcher
	QueueMaxSize           int           `env:"QUEUE_MAX_SIZE"           envDefault:"10000"`
	QueueOverflow          string        `env:"QUEUE_OVERFLOW"           envDefault:"drop_oldest"`
	BatchMaxSize           int           `env:"BATCH_MAX_SIZE"           envDefault:"100"`
	BatchMaxWait           time.Duration `env:"BATCH_MAX_WAIT"           envDefault:"2s"`
	DeliveryWorkers        int           `env:"DELIVERY_WORKERS"         envDefault:"2"`
	DeliveryMaxAttempts    int           `env:"DELIVERY_MAX_ATTEMPTS"    envDefault:"3"`
	DeliveryInitialBackoff time.Duration `env:"DELIVERY_INITIAL_BACKOFF" envDefault:"500ms"`
	DeliveryMaxBackoff     time.Duration `env:"DELIVERY_MAX_BACKOFF"     envDefault:"10s"`

	// Circuit breaker around delivery
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the environment into a Config, normalizes it and
// validates it.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %w", mterrors.ErrInvalidConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize lowercases header names so lookups against captured headers,
// which are stored lowercased, are case-insensitive.
func (c *Config) normalize() {
	c.ApplicationID = strings.TrimSpace(c.ApplicationID)
	c.UserIDHeader = strings.ToLower(strings.TrimSpace(c.UserIDHeader))
	c.CompanyIDHeader = strings.ToLower(strings.TrimSpace(c.CompanyIDHeader))
	c.BaseURI = strings.TrimRight(c.BaseURI, "/")

	redact := make([]string, 0, len(c.RedactHeaders))
	for _, h := range c.RedactHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			redact = append(redact, h)
		}
	}
	c.RedactHeaders = redact

	if len(c.InjectHeaders) > 0 {
		inject := make(map[string]string, len(c.InjectHeaders))
		for k, v := range c.InjectHeaders {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				inject[k] = strings.TrimSpace(v)
			}
		}
		c.InjectHeaders = inject
	}

	if c.Debug {
		c.LogLevel = "debug"
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ApplicationID == "" {
		return fmt.Errorf("%w: APPLICATION_ID cannot be empty", mterrors.ErrMissingConfig)
	}
	if c.BaseURI == "" {
		return fmt.Errorf("%w: BASE_URI cannot be empty", mterrors.ErrInvalidConfig)
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("%w: LISTEN_ADDRESS cannot be empty", mterrors.ErrInvalidConfig)
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"MAX_BODY_SIZE", int64(c.MaxBodySize)},
		{"QUEUE_MAX_SIZE", int64(c.QueueMaxSize)},
		{"BATCH_MAX_SIZE", int64(c.BatchMaxSize)},
		{"BATCH_MAX_WAIT", int64(c.BatchMaxWait)},
		{"DELIVERY_WORKERS", int64(c.DeliveryWorkers)},
		{"DELIVERY_MAX_ATTEMPTS", int64(c.DeliveryMaxAttempts)},
		{"CONNECTION_TIMEOUT", int64(c.ConnectionTimeout)},
		{"STREAM_MAX_AGE", int64(c.StreamMaxAge)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", mterrors.ErrInvalidConfig, p.name)
		}
	}

	switch c.QueueOverflow {
	case DropOldest, DropNewest:
	default:
		return fmt.Errorf("%w: QUEUE_OVERFLOW must be %q or %q, got %q",
			mterrors.ErrInvalidConfig, DropOldest, DropNewest, c.QueueOverflow)
	}

	return nil
}
