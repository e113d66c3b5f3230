package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// defaultMaxBodyBytes bounds JSON request bodies when Options leave it unset.
const defaultMaxBodyBytes int64 = 1 << 20

// CORSOptions configures the opt-in CORS middleware.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Options configures the HTTP layer.
type Options struct {
	Logger zerolog.Logger
	// LogLevel is the per-request log level when a request does not
	// override it (see requestLogLevel).
	LogLevel LogLevel
	// MaxBodyBytes limits JSON request bodies; <= 0 means 1 MiB.
	MaxBodyBytes int64
	// GenerateTimeout bounds a /generate request; 0 disables.
	GenerateTimeout time.Duration
	// BaseContext is canceled on shutdown; in-flight generations are
	// canceled with it.
	BaseContext context.Context
	CORS        CORSOptions
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.GenerateTimeout < 0 {
		o.GenerateTimeout = 0
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if len(o.CORS.AllowedMethods) == 0 {
		o.CORS.AllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(o.CORS.AllowedHeaders) == 0 {
		o.CORS.AllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return o
}
