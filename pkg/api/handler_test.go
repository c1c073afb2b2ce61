package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
	"github.com/mihaimyh/gohook/pkg/payments"
	"github.com/mihaimyh/gohook/storage/memory"
)

const testSecret = "whsec_test"

// Helper to create a test processor over memory storage and the payments handlers
func newTestProcessor(t *testing.T) (*gohook.Processor, *payments.MemoryStore) {
	t.Helper()

	domain := payments.NewMemoryStore()
	require.NoError(t, domain.PutCharge(&payments.Charge{
		ID: "ch_1", CustomerID: "cus_1", Amount: 1000, Currency: "usd", Status: payments.ChargePending,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))
	registry, err := payments.NewHandlers(domain.Charges(), domain.Subscriptions(), nil).Registry()
	require.NoError(t, err)

	ledger, err := gohook.NewLedger(memory.New(), gohook.LedgerConfig{})
	require.NoError(t, err)
	verifier, err := gohook.NewHMACVerifier(testSecret)
	require.NoError(t, err)

	processor, err := gohook.NewProcessor(gohook.Config{
		Verifier: verifier,
		Ledger:   ledger,
		Registry: registry,
	})
	require.NoError(t, err)
	return processor, domain
}

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *payments.MemoryStore) {
	t.Helper()
	processor, domain := newTestProcessor(t)
	config := Config{Processor: processor}
	if mutate != nil {
		mutate(&config)
	}
	handler, err := NewHandler(config)
	require.NoError(t, err)
	return handler, domain
}

func webhookRequest(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(gohook.DefaultSignatureHeader, signature)
	}
	return req
}

func sign(body string) string {
	return gohook.Sign([]byte(body), []byte(testSecret))
}

const chargeEvent = `{"id":"evt_1","type":"charge.succeeded","occurred_at":"2030-01-01T00:00:00Z","resource":{"id":"ch_1"}}`

func TestNewHandler(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "processor is required")

	processor, _ := newTestProcessor(t)
	_, err = NewHandler(Config{Processor: processor, MaxBodyBytes: -1})
	assert.Error(t, err)

	handler, err := NewHandler(Config{Processor: processor})
	require.NoError(t, err)
	assert.Equal(t, gohook.DefaultSignatureHeader, handler.config.SignatureHeader)
	assert.Equal(t, DefaultMaxBodyBytes, handler.config.MaxBodyBytes)
}

func TestHandler_Webhook_Applied(t *testing.T) {
	handler, domain := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(chargeEvent, sign(chargeEvent)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Successfully received event", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	charge, err := domain.Charges().FindByID(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, payments.ChargeSucceeded, charge.Status)
}

func TestHandler_Webhook_Responses(t *testing.T) {
	missingCharge := `{"id":"evt_2","type":"charge.succeeded","resource":{"id":"ch_missing"}}`
	noID := `{"type":"charge.succeeded","resource":{"id":"ch_1"}}`
	unknown := `{"id":"evt_3","type":"invoice.created"}`
	rejected := `{"id":"evt_4","type":"charge.succeeded","resource":{}}`

	tests := []struct {
		name      string
		body      string
		signature string
		status    int
		message   string
	}{
		{"unknown charge", missingCharge, sign(missingCharge), http.StatusInternalServerError, "Error processing webhook event"},
		{"invalid signature", chargeEvent, sign("other"), http.StatusBadRequest, "Invalid signature"},
		{"missing signature", chargeEvent, "", http.StatusBadRequest, "Invalid signature"},
		{"missing id", noID, sign(noID), http.StatusBadRequest, "Malformed payload"},
		{"unknown type", unknown, sign(unknown), http.StatusOK, "Event type not handled"},
		{"rejected resource", rejected, sign(rejected), http.StatusOK, "Event rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler(t, nil)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, webhookRequest(tt.body, tt.signature))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, rec.Body.String())
		})
	}
}

func TestHandler_Webhook_Duplicate(t *testing.T) {
	var results []gohook.ResultKind
	handler, _ := newTestHandler(t, func(c *Config) {
		c.OnResult = func(_ *http.Request, r *gohook.Result) { results = append(results, r.Kind) }
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, webhookRequest(chargeEvent, sign(chargeEvent)))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, []gohook.ResultKind{gohook.ResultApplied, gohook.ResultDuplicate}, results)
}

func TestHandler_Webhook_MethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandler_Webhook_BodyTooLarge(t *testing.T) {
	handler, _ := newTestHandler(t, func(c *Config) { c.MaxBodyBytes = 16 })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(chargeEvent, sign(chargeEvent)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_Webhook_CustomSignatureHeader(t *testing.T) {
	handler, _ := newTestHandler(t, func(c *Config) { c.SignatureHeader = "X-Hub-Signature-256" })

	req := webhookRequest(chargeEvent, "")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(chargeEvent))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Webhook_ThroughServer(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(chargeEvent))
	require.NoError(t, err)
	req.Header.Set(gohook.DefaultSignatureHeader, sign(chargeEvent))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_EventStatus(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(chargeEvent, sign(chargeEvent)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events?id=evt_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "evt_1", resp.EventID)
	assert.Equal(t, "charge.succeeded", resp.EventType)
	assert.Equal(t, gohook.StateCompleted, resp.State)
	assert.Equal(t, gohook.OutcomeApplied, resp.Outcome)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotNil(t, resp.ProcessedAt)
}

func TestHandler_EventStatus_HidesErrorDetail(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	body := `{"id":"evt_2","type":"charge.succeeded","resource":{"id":"ch_missing"}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, webhookRequest(body, sign(body)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events?id=evt_2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ch_missing")

	var resp EventStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, gohook.StateFailed, resp.State)
	assert.Equal(t, "domain_not_found", resp.LastError)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"", ""},
		{"charge ch_1: " + gohook.ErrDomainNotFound.Error(), "domain_not_found"},
		{gohook.ErrDomainUpdateFailed.Error() + `: update charge ch_1: pq: relation "charges" does not exist`, "domain_update_failed"},
		{gohook.ErrHandlerTimeout.Error() + " after 10s", "handler_timeout"},
		{gohook.ErrHandlerPanic.Error() + ": runtime error", "handler_panic"},
		{gohook.ErrEventRejected.Error() + ": charge ch_1 refund exceeds amount", "event_rejected"},
		{gohook.ReasonNotHandled, "event_not_handled"},
		{"dial tcp 10.0.0.7:5432: connection refused", "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.reason))
		})
	}
}

func TestHandler_EventStatus_Errors(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events?id=evt_missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "event not found")
	})

	t.Run("missing id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("id too long", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events?id="+strings.Repeat("x", 300), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_EventStatus_CustomErrorHandler(t *testing.T) {
	var captured error
	handler, _ := newTestHandler(t, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	rec := httptest.NewRecorder()
	handler.EventStatus(rec, httptest.NewRequest(http.MethodGet, "/events?id=evt_missing", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.EqualError(t, captured, "event not found")
}

func TestHandler_EventStatus_PathValue(t *testing.T) {
	handler, _ := newTestHandler(t, func(c *Config) { c.GetEventID = FromPathValue("id") })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/{id}", handler.EventStatus)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/evt_missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Event-ID", "evt_1")
	assert.Equal(t, "evt_1", FromHeader("X-Event-ID")(req))
}

func TestWriteResult(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResult(rec, &gohook.Result{Kind: gohook.ResultConflict})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error processing webhook event", rec.Body.String())
}
