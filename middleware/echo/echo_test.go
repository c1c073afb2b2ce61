package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
	"github.com/mihaimyh/gohook/storage/memory"
)

const testSecret = "whsec_test"

// Test helper to create a processor with a single charge.succeeded handler
func setupProcessor(t *testing.T, handler gohook.HandlerFunc) *gohook.Processor {
	t.Helper()

	registry, err := gohook.NewRegistry(map[gohook.EventType]gohook.Handler{
		gohook.EventChargeSucceeded: handler,
	})
	require.NoError(t, err)
	ledger, err := gohook.NewLedger(memory.New(), gohook.LedgerConfig{})
	require.NoError(t, err)
	verifier, err := gohook.NewHMACVerifier(testSecret)
	require.NoError(t, err)

	processor, err := gohook.NewProcessor(gohook.Config{Verifier: verifier, Ledger: ledger, Registry: registry})
	require.NoError(t, err)
	return processor
}

func deliver(e *echo.Echo, body string, signed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signed {
		req.Header.Set(gohook.DefaultSignatureHeader, gohook.Sign([]byte(body), []byte(testSecret)))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func ok(context.Context, *gohook.WebhookEvent) error { return nil }

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name    string
		handler gohook.HandlerFunc
		body    string
		signed  bool
		status  int
		message string
	}{
		{
			name:    "applied",
			handler: ok,
			body:    `{"id":"evt_1","type":"charge.succeeded"}`,
			signed:  true,
			status:  http.StatusOK,
			message: "Successfully received event",
		},
		{
			name:    "unsigned",
			handler: ok,
			body:    `{"id":"evt_1","type":"charge.succeeded"}`,
			status:  http.StatusBadRequest,
			message: "Invalid signature",
		},
		{
			name:    "malformed",
			handler: ok,
			body:    `{"type":"charge.succeeded"}`,
			signed:  true,
			status:  http.StatusBadRequest,
			message: "Malformed payload",
		},
		{
			name: "handler failure",
			handler: func(context.Context, *gohook.WebhookEvent) error {
				return errors.New("database is down")
			},
			body:    `{"id":"evt_1","type":"charge.succeeded"}`,
			signed:  true,
			status:  http.StatusInternalServerError,
			message: "Error processing webhook event",
		},
		{
			name:    "unknown type",
			handler: ok,
			body:    `{"id":"evt_1","type":"customer.created"}`,
			signed:  true,
			status:  http.StatusOK,
			message: "Event type not handled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.POST("/webhook", Handler(Config{Processor: setupProcessor(t, tt.handler)}))

			rec := deliver(e, tt.body, tt.signed)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, rec.Body.String())
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestHandler_InternalErrorIsNotLeaked(t *testing.T) {
	e := echo.New()
	e.POST("/webhook", Handler(Config{Processor: setupProcessor(t, func(context.Context, *gohook.WebhookEvent) error {
		return errors.New("pq: password authentication failed")
	})}))

	rec := deliver(e, `{"id":"evt_1","type":"charge.succeeded"}`, true)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestHandler_BodyTooLarge(t *testing.T) {
	e := echo.New()
	e.POST("/webhook", Handler(Config{Processor: setupProcessor(t, ok), MaxBodyBytes: 4}))

	rec := deliver(e, `{"id":"evt_1","type":"charge.succeeded"}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_CustomResult(t *testing.T) {
	e := echo.New()
	e.POST("/webhook", Handler(Config{
		Processor: setupProcessor(t, ok),
		OnResult: func(c echo.Context, result *gohook.Result) error {
			stored, found := ResultFromContext(c)
			if !found || stored != result {
				return errors.New("result not stored in context")
			}
			return c.JSON(result.StatusCode(), map[string]string{"result": string(result.Kind)})
		},
	}))

	rec := deliver(e, `{"id":"evt_1","type":"charge.succeeded"}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"applied"}`, rec.Body.String())
}

func TestHandler_RequiresProcessor(t *testing.T) {
	assert.Panics(t, func() { Handler(Config{}) })
}
