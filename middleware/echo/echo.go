// Package echo provides an Echo handler for webhook ingestion
package echo

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// ResultKey is the Echo context key holding the *gohook.Result of the delivery
const ResultKey = "gohook.result"

const defaultMaxBodyBytes int64 = 256 << 10

// Config holds handler configuration
type Config struct {
	// Processor runs the webhook pipeline (required)
	Processor *gohook.Processor

	// SignatureHeader is the request header carrying the signature.
	// Default: gohook.DefaultSignatureHeader
	SignatureHeader string

	// MaxBodyBytes rejects larger bodies with 413. Default: 256 KiB
	MaxBodyBytes int64

	// OnResult renders the pipeline result.
	// If nil, responds with the result's status code and plain-text message.
	OnResult func(c echo.Context, result *gohook.Result) error
}

// Handler creates an Echo handler that processes webhook deliveries
func Handler(config Config) echo.HandlerFunc {
	if config.Processor == nil {
		panic("gohook/echo: Config.Processor is required")
	}

	// Set defaults
	if config.SignatureHeader == "" {
		config.SignatureHeader = gohook.DefaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.OnResult == nil {
		config.OnResult = defaultResult
	}

	return func(c echo.Context) error {
		setSecurityHeaders(c)

		req := c.Request()
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return c.String(http.StatusRequestEntityTooLarge, "Payload too large")
			}
			return c.String(http.StatusBadRequest, gohook.ResultMalformed.Message())
		}

		result := config.Processor.Process(req.Context(), &gohook.RawRequest{
			Body:       body,
			Signature:  req.Header.Get(config.SignatureHeader),
			ReceivedAt: time.Now().UTC(),
		})
		c.Set(ResultKey, result)

		return config.OnResult(c, result)
	}
}

// ResultFromContext returns the delivery result stored by Handler
func ResultFromContext(c echo.Context) (*gohook.Result, bool) {
	result, ok := c.Get(ResultKey).(*gohook.Result)
	return result, ok
}

func defaultResult(c echo.Context, result *gohook.Result) error {
	return c.String(result.StatusCode(), result.Message())
}

func setSecurityHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
}
