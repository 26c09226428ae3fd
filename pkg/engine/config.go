package engine

import (
	"time"

	"github.com/gatewaykit/oagw-go/pkg/audit"
	"github.com/gatewaykit/oagw-go/pkg/breaker"
	"github.com/gatewaykit/oagw-go/pkg/stream"
	"github.com/gatewaykit/oagw-go/pkg/tokencache"
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// DefaultConnectTimeout applies when a link does not set one.
	DefaultConnectTimeout time.Duration `json:"default_connect_timeout"`

	// DefaultRequestTimeout applies when neither the request nor the link
	// sets one.
	DefaultRequestTimeout time.Duration `json:"default_request_timeout"`

	// Breaker holds the circuit breaker defaults; per-link policies
	// override individual fields.
	Breaker breaker.Config `json:"breaker"`

	// TokenCache configures derived-credential caching.
	TokenCache tokencache.Config `json:"token_cache"`

	// Stream configures the streaming pipeline.
	Stream stream.Config `json:"stream"`

	// Audit configures invocation record delivery.
	Audit audit.Config `json:"audit"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConnectTimeout: 10 * time.Second,
		DefaultRequestTimeout: 30 * time.Second,
		Breaker:               breaker.DefaultConfig(),
		TokenCache:            tokencache.DefaultConfig(),
		Stream:                stream.DefaultConfig(),
		Audit:                 audit.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultConnectTimeout <= 0 {
		c.DefaultConnectTimeout = def.DefaultConnectTimeout
	}
	if c.DefaultRequestTimeout <= 0 {
		c.DefaultRequestTimeout = def.DefaultRequestTimeout
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = def.Breaker.SuccessThreshold
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if c.TokenCache.MaxEntries <= 0 {
		c.TokenCache.MaxEntries = def.TokenCache.MaxEntries
	}
	if c.TokenCache.MaxTTL <= 0 {
		c.TokenCache.MaxTTL = def.TokenCache.MaxTTL
	}
	if c.TokenCache.SafetyMargin <= 0 {
		c.TokenCache.SafetyMargin = def.TokenCache.SafetyMargin
	}
	if c.Stream.IdleTimeout <= 0 {
		c.Stream.IdleTimeout = def.Stream.IdleTimeout
	}
	if c.Stream.MaxBytes <= 0 {
		c.Stream.MaxBytes = def.Stream.MaxBytes
	}
	if c.Stream.Buffer <= 0 {
		c.Stream.Buffer = def.Stream.Buffer
	}
	return c
}
