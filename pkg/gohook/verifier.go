package gohook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	// SchemeHMAC signs the raw body with HMAC-SHA256 (header: hex, base64 or "sha256=<hex>")
	SchemeHMAC = "hmac-sha256"

	// SchemeStripe uses the Stripe "t=<ts>,v1=<sig>" header with replay tolerance
	SchemeStripe = "stripe"

	// DefaultSignatureHeader is the header read for SchemeHMAC
	DefaultSignatureHeader = "X-Signature"

	// StripeSignatureHeader is the header read for SchemeStripe
	StripeSignatureHeader = "Stripe-Signature"

	// DefaultStripeTolerance is the maximum accepted age of a Stripe signature
	DefaultStripeTolerance = 5 * time.Minute

	hmacSignaturePrefix = "sha256="
)

// Verifier checks that a payload was produced by the trusted sender.
// Implementations never panic and report malformed input as a failed verification.
type Verifier interface {
	Verify(body []byte, signatureHeader string) bool
}

// Verify reports whether signatureHeader carries the HMAC-SHA256 of rawBody keyed with secret.
// The comparison is constant time. A missing or malformed header, or an empty
// secret, is a verification failure.
func Verify(rawBody []byte, signatureHeader string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	expected, ok := decodeSignature(signatureHeader)
	if !ok {
		return false
	}
	return hmac.Equal(expected, computeHMAC(rawBody, secret))
}

// Sign returns the hex HMAC-SHA256 of body keyed with secret, as accepted by Verify.
func Sign(body, secret []byte) string {
	return hex.EncodeToString(computeHMAC(body, secret))
}

func computeHMAC(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func decodeSignature(header string) ([]byte, bool) {
	sig := strings.TrimSpace(header)
	if len(sig) > len(hmacSignaturePrefix) && strings.EqualFold(sig[:len(hmacSignaturePrefix)], hmacSignaturePrefix) {
		sig = sig[len(hmacSignaturePrefix):]
	}
	if sig == "" {
		return nil, false
	}
	if len(sig) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(sig); err == nil {
			return b, true
		}
	}
	if b, err := base64.StdEncoding.DecodeString(sig); err == nil && len(b) == sha256.Size {
		return b, true
	}
	return nil, false
}

// HMACVerifier verifies SchemeHMAC signatures against one or more secrets.
// Several secrets allow rotation: a payload signed with any of them is accepted.
type HMACVerifier struct {
	secrets [][]byte
}

// NewHMACVerifier creates a verifier for the given secrets. Blank secrets are ignored.
func NewHMACVerifier(secrets ...string) (*HMACVerifier, error) {
	v := &HMACVerifier{}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	if len(v.secrets) == 0 {
		return nil, fmt.Errorf("%w: at least one webhook secret is required", ErrInvalidConfig)
	}
	return v, nil
}

// Verify implements Verifier. Every secret is checked so timing does not reveal which one matched.
func (v *HMACVerifier) Verify(body []byte, signatureHeader string) bool {
	ok := false
	for _, secret := range v.secrets {
		if Verify(body, signatureHeader, secret) {
			ok = true
		}
	}
	return ok
}

// StripeVerifier verifies SchemeStripe signatures.
type StripeVerifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewStripeVerifier creates a Stripe-scheme verifier. A zero tolerance uses DefaultStripeTolerance.
func NewStripeVerifier(tolerance time.Duration, secrets ...string) (*StripeVerifier, error) {
	if tolerance <= 0 {
		tolerance = DefaultStripeTolerance
	}
	v := &StripeVerifier{tolerance: tolerance}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s != "" {
			v.secrets = append(v.secrets, s)
		}
	}
	if len(v.secrets) == 0 {
		return nil, fmt.Errorf("%w: at least one webhook secret is required", ErrInvalidConfig)
	}
	return v, nil
}

// Verify implements Verifier.
func (v *StripeVerifier) Verify(body []byte, signatureHeader string) bool {
	if strings.TrimSpace(signatureHeader) == "" {
		return false
	}
	ok := false
	for _, secret := range v.secrets {
		if webhook.ValidatePayloadWithTolerance(body, signatureHeader, secret, v.tolerance) == nil {
			ok = true
		}
	}
	return ok
}

// NewVerifier builds the verifier for scheme.
func NewVerifier(scheme string, tolerance time.Duration, secrets ...string) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", SchemeHMAC, "hmac":
		return NewHMACVerifier(secrets...)
	case SchemeStripe:
		return NewStripeVerifier(tolerance, secrets...)
	default:
		return nil, fmt.Errorf("%w: unknown signature scheme %q", ErrInvalidConfig, scheme)
	}
}
