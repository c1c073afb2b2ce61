package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// DefaultMaxBodyBytes bounds webhook request bodies.
const DefaultMaxBodyBytes int64 = 256 << 10

// Config holds configuration for the webhook HTTP handler
type Config struct {
	// Processor runs the webhook pipeline (required)
	Processor *gohook.Processor

	// SignatureHeader is the request header carrying the signature.
	// Default: gohook.DefaultSignatureHeader
	SignatureHeader string

	// MaxBodyBytes rejects larger bodies with 413. Default: 256 KiB
	MaxBodyBytes int64

	// GetEventID extracts the event id for the status endpoint.
	// Default: FromQuery("id")
	GetEventID func(*http.Request) string

	// OnResult is called after every processed delivery, before the response is written
	OnResult func(*http.Request, *gohook.Result)

	// OnError handles status endpoint errors.
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; NoopLogger when nil
	Logger gohook.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Processor == nil {
		return fmt.Errorf("processor is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative")
	}
	return nil
}

// NewHandler creates a new webhook handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = gohook.DefaultSignatureHeader
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.GetEventID == nil {
		config.GetEventID = FromQuery("id")
	}
	if config.Logger == nil {
		config.Logger = &gohook.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common event id extraction patterns

// FromQuery returns a GetEventID function that reads a query parameter
func FromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FromPathValue returns a GetEventID function that reads a net/http route wildcard
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromHeader returns a GetEventID function that extracts the event id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
