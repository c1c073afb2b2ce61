// Package http provides net/http middleware that verifies webhook signatures
// before a request reaches a downstream handler.
package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

type contextKey string

// BodyKey is the context key holding the verified raw body
const BodyKey contextKey = "gohook.body"

const defaultMaxBodyBytes int64 = 256 << 10

// Config holds middleware configuration
type Config struct {
	// Verifier checks request signatures (required)
	Verifier gohook.Verifier

	// SignatureHeader is the request header carrying the signature.
	// Default: gohook.DefaultSignatureHeader
	SignatureHeader string

	// MaxBodyBytes rejects larger bodies with 413. Default: 256 KiB
	MaxBodyBytes int64

	// OnInvalidSignature is called when verification fails
	// If nil, returns 400 "Invalid signature"
	OnInvalidSignature func(w http.ResponseWriter, r *http.Request)

	// Metrics is optional; signature failures are recorded when set
	Metrics gohook.Metrics
}

// VerifySignature creates middleware that only lets correctly signed requests through.
// The body is buffered and replaced, so downstream handlers can read it again.
func VerifySignature(config Config) func(http.Handler) http.Handler {
	if config.Verifier == nil {
		panic("gohook/http: Config.Verifier is required")
	}

	// Set defaults
	if config.SignatureHeader == "" {
		config.SignatureHeader = gohook.DefaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.OnInvalidSignature == nil {
		config.OnInvalidSignature = defaultInvalidSignature
	}
	if config.Metrics == nil {
		config.Metrics = &gohook.NoopMetrics{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, gohook.ResultMalformed.Message(), http.StatusBadRequest)
				return
			}

			if !config.Verifier.Verify(body, r.Header.Get(config.SignatureHeader)) {
				config.Metrics.RecordSignatureFailure()
				config.OnInvalidSignature(w, r)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), BodyKey, body)))
		})
	}
}

// BodyFromContext returns the verified raw body stored by VerifySignature
func BodyFromContext(ctx context.Context) ([]byte, bool) {
	body, ok := ctx.Value(BodyKey).([]byte)
	return body, ok
}

func defaultInvalidSignature(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, gohook.ResultInvalidSignature.Message(), http.StatusBadRequest)
}
