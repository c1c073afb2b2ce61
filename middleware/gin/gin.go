// Package gin provides a Gin handler for webhook ingestion
package gin

import (
	"errors"
	"io"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// ResultKey is the Gin context key holding the *gohook.Result of the delivery
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
	OnResult func(c *gongin.Context, result *gohook.Result)
}

// Handler creates a Gin handler that processes webhook deliveries
func Handler(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Processor == nil {
		panic("gohook/gin: Config.Processor is required")
	}

	// Set defaults
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = gohook.DefaultSignatureHeader
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.OnResult == nil {
		cfg.OnResult = defaultResult
	}

	return func(c *gongin.Context) {
		setSecurityHeaders(c)

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.String(http.StatusRequestEntityTooLarge, "Payload too large")
			} else {
				c.String(http.StatusBadRequest, gohook.ResultMalformed.Message())
			}
			c.Abort()
			return
		}

		result := cfg.Processor.Process(c.Request.Context(), &gohook.RawRequest{
			Body:       body,
			Signature:  c.GetHeader(cfg.SignatureHeader),
			ReceivedAt: time.Now().UTC(),
		})
		c.Set(ResultKey, result)

		cfg.OnResult(c, result)
	}
}

// ResultFromContext returns the delivery result stored by Handler
func ResultFromContext(c *gongin.Context) (*gohook.Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	result, ok := v.(*gohook.Result)
	return result, ok
}

func defaultResult(c *gongin.Context, result *gohook.Result) {
	c.String(result.StatusCode(), result.Message())
}

func setSecurityHeaders(c *gongin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
}
