// Package fiber provides a Fiber handler for webhook ingestion
package fiber

import (
	"bytes"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// ResultKey is the Fiber locals key holding the *gohook.Result of the delivery
const ResultKey = "gohook.result"

const defaultMaxBodyBytes = 256 << 10

// Config holds handler configuration
type Config struct {
	// Processor runs the webhook pipeline (required)
	Processor *gohook.Processor

	// SignatureHeader is the request header carrying the signature.
	// Default: gohook.DefaultSignatureHeader
	SignatureHeader string

	// MaxBodyBytes rejects larger bodies with 413. Default: 256 KiB.
	// The app-level fiber.Config.BodyLimit still applies first.
	MaxBodyBytes int

	// OnResult renders the pipeline result.
	// If nil, responds with the result's status code and plain-text message.
	OnResult func(c *fiber.Ctx, result *gohook.Result) error
}

// Handler creates a Fiber handler that processes webhook deliveries
func Handler(config Config) fiber.Handler {
	if config.Processor == nil {
		panic("gohook/fiber: Config.Processor is required")
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

	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-store")
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")

		// fasthttp reuses the body buffer after the handler returns
		body := bytes.Clone(c.Body())
		if len(body) > config.MaxBodyBytes {
			return c.Status(fiber.StatusRequestEntityTooLarge).SendString("Payload too large")
		}

		result := config.Processor.Process(c.UserContext(), &gohook.RawRequest{
			Body:       body,
			Signature:  c.Get(config.SignatureHeader),
			ReceivedAt: time.Now().UTC(),
		})
		c.Locals(ResultKey, result)

		return config.OnResult(c, result)
	}
}

// ResultFromContext returns the delivery result stored by Handler
func ResultFromContext(c *fiber.Ctx) (*gohook.Result, bool) {
	result, ok := c.Locals(ResultKey).(*gohook.Result)
	return result, ok
}

func defaultResult(c *fiber.Ctx, result *gohook.Result) error {
	return c.Status(result.StatusCode()).SendString(result.Message())
}
