package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

const maxEventIDLen = 255

// Handler provides the HTTP endpoints for webhook ingestion
type Handler struct {
	config Config
}

// ServeHTTP implements http.Handler by delegating to Webhook.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Webhook(w, r)
}

// Webhook accepts one delivery and answers with the pipeline result as plain text.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// 1. Read the exact body; signatures are computed over these bytes
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.config.Logger.Warn("webhook body too large", gohook.Field{Key: "limit_bytes", Value: tooLarge.Limit})
			writeText(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		h.config.Logger.Warn("webhook body read failed", gohook.Field{Key: "error", Value: err.Error()})
		writeText(w, http.StatusBadRequest, gohook.ResultMalformed.Message())
		return
	}

	// 2. Run the pipeline
	result := h.config.Processor.Process(r.Context(), &gohook.RawRequest{
		Body:       body,
		Signature:  r.Header.Get(h.config.SignatureHeader),
		ReceivedAt: time.Now().UTC(),
	})

	if h.config.OnResult != nil {
		h.config.OnResult(r, result)
	}

	// 3. Respond; internal causes never reach the sender
	writeText(w, result.StatusCode(), result.Message())
}

// EventStatus returns the ledger record for an event id as JSON.
func (h *Handler) EventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := h.config.GetEventID(r)
	if eventID == "" || len(eventID) > maxEventIDLen {
		h.handleError(w, r, fmt.Errorf("invalid event id"), http.StatusBadRequest)
		return
	}

	record, err := h.config.Processor.Ledger().Lookup(r.Context(), eventID)
	if err != nil {
		h.config.Logger.Error("webhook event lookup failed",
			gohook.Field{Key: "event_id", Value: eventID},
			gohook.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, fmt.Errorf("failed to look up event"), http.StatusInternalServerError)
		return
	}
	if record == nil {
		h.handleError(w, r, fmt.Errorf("event not found"), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, newEventStatusResponse(record))
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

// WriteResult renders a pipeline result the way Webhook does.
// Framework adapters that own the ResponseWriter can reuse it.
func WriteResult(w http.ResponseWriter, result *gohook.Result) {
	writeText(w, result.StatusCode(), result.Message())
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeText(w http.ResponseWriter, status int, body string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
