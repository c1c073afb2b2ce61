package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

// Ledger and domain backends selectable through the environment.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// Config holds the service configuration, read from the environment.
type Config struct {
	Addr            string
	WebhookPath     string
	ShutdownTimeout time.Duration

	SignatureScheme string
	SignatureHeader string
	WebhookSecrets  []string
	StripeTolerance time.Duration
	MaxBodyBytes    int64

	HandlerTimeout time.Duration
	LeaseTTL       time.Duration
	WaitTimeout    time.Duration

	LedgerBackend string
	DomainBackend string

	RedisAddr          string
	DatabaseURL        string
	FirestoreProjectID string

	BreakerThreshold    int
	BreakerResetTimeout time.Duration

	KafkaBrokers string
	KafkaTopic   string

	OTelEnabled  bool
	OTelEndpoint string

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:                ":8080",
		WebhookPath:         "/webhook",
		ShutdownTimeout:     15 * time.Second,
		SignatureScheme:     gohook.SchemeHMAC,
		StripeTolerance:     gohook.DefaultStripeTolerance,
		MaxBodyBytes:        256 << 10,
		HandlerTimeout:      10 * time.Second,
		LeaseTTL:            30 * time.Second,
		WaitTimeout:         2 * time.Second,
		LedgerBackend:       BackendMemory,
		DomainBackend:       BackendMemory,
		RedisAddr:           "localhost:6379",
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
		KafkaTopic:          "webhook-events",
		OTelEndpoint:        "localhost:4317",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// LoadConfig reads a .env file when present, then the process environment.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		// Variables already set in the environment take precedence
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return ConfigFromEnv(os.LookupEnv)
}

// ConfigFromEnv builds a Config from lookup, starting from DefaultConfig.
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := DefaultConfig()
	p := envParser{lookup: lookup}

	p.stringVar("GOHOOK_ADDR", &c.Addr)
	p.stringVar("GOHOOK_WEBHOOK_PATH", &c.WebhookPath)
	p.durationVar("GOHOOK_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	p.stringVar("GOHOOK_SIGNATURE_SCHEME", &c.SignatureScheme)
	p.stringVar("GOHOOK_SIGNATURE_HEADER", &c.SignatureHeader)
	p.listVar("GOHOOK_WEBHOOK_SECRETS", &c.WebhookSecrets)
	p.durationVar("GOHOOK_STRIPE_TOLERANCE", &c.StripeTolerance)
	p.int64Var("GOHOOK_MAX_BODY_BYTES", &c.MaxBodyBytes)

	p.durationVar("GOHOOK_HANDLER_TIMEOUT", &c.HandlerTimeout)
	p.durationVar("GOHOOK_LEASE_TTL", &c.LeaseTTL)
	p.durationVar("GOHOOK_WAIT_TIMEOUT", &c.WaitTimeout)

	p.stringVar("GOHOOK_LEDGER_BACKEND", &c.LedgerBackend)
	p.stringVar("GOHOOK_DOMAIN_BACKEND", &c.DomainBackend)
	p.stringVar("REDIS_ADDR", &c.RedisAddr)
	p.stringVar("DATABASE_URL", &c.DatabaseURL)
	p.stringVar("FIRESTORE_PROJECT_ID", &c.FirestoreProjectID)

	p.intVar("GOHOOK_BREAKER_THRESHOLD", &c.BreakerThreshold)
	p.durationVar("GOHOOK_BREAKER_RESET_TIMEOUT", &c.BreakerResetTimeout)

	p.stringVar("KAFKA_BROKERS", &c.KafkaBrokers)
	p.stringVar("KAFKA_TOPIC", &c.KafkaTopic)

	p.boolVar("OTEL_ENABLED", &c.OTelEnabled)
	p.stringVar("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	p.stringVar("LOG_LEVEL", &c.LogLevel)
	p.stringVar("LOG_FORMAT", &c.LogFormat)

	if p.err != nil {
		return Config{}, p.err
	}

	c.SignatureScheme = strings.ToLower(c.SignatureScheme)
	c.LedgerBackend = strings.ToLower(c.LedgerBackend)
	c.DomainBackend = strings.ToLower(c.DomainBackend)
	if c.SignatureHeader == "" {
		c.SignatureHeader = gohook.DefaultSignatureHeader
		if c.SignatureScheme == gohook.SchemeStripe {
			c.SignatureHeader = gohook.StripeSignatureHeader
		}
	}
	return c, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if len(c.WebhookSecrets) == 0 {
		errs = append(errs, errors.New("GOHOOK_WEBHOOK_SECRETS is required"))
	}
	switch c.SignatureScheme {
	case gohook.SchemeHMAC, "hmac", gohook.SchemeStripe:
	default:
		errs = append(errs, fmt.Errorf("unknown signature scheme %q", c.SignatureScheme))
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		errs = append(errs, fmt.Errorf("webhook path %q must start with /", c.WebhookPath))
	}
	if c.HandlerTimeout <= 0 || c.LeaseTTL <= c.HandlerTimeout {
		errs = append(errs, fmt.Errorf("lease TTL %s must exceed handler timeout %s", c.LeaseTTL, c.HandlerTimeout))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis ledger"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore ledger"))
		}
	case BackendTiered:
		if c.RedisAddr == "" || c.DatabaseURL == "" {
			errs = append(errs, errors.New("REDIS_ADDR and DATABASE_URL are required for the tiered ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.LedgerBackend))
	}

	switch c.DomainBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres domain store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown domain backend %q", c.DomainBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", gohook.ErrInvalidConfig, err)
	}
	return nil
}

// envParser records the first parse error so callers can check once.
type envParser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *envParser) value(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *envParser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", gohook.ErrInvalidConfig, key, v, err)
	}
}

func (p *envParser) stringVar(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *envParser) listVar(key string, dst *[]string) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *envParser) durationVar(key string, dst *time.Duration) {
	if v, ok := p.value(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *envParser) intVar(key string, dst *int) {
	if v, ok := p.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) int64Var(key string, dst *int64) {
	if v, ok := p.value(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) boolVar(key string, dst *bool) {
	if v, ok := p.value(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}
