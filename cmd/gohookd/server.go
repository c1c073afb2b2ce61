package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mihaimyh/gohook/pkg/api"
	"github.com/mihaimyh/gohook/pkg/gohook"
)

// routerDeps are the collaborators the HTTP surface needs.
type routerDeps struct {
	config    Config
	processor *gohook.Processor
	logger    zerolog.Logger
	gatherer  prometheus.Gatherer
	hookLog   gohook.Logger
}

func newRouter(deps routerDeps) (http.Handler, error) {
	webhook, err := api.NewHandler(api.Config{
		Processor:       deps.processor,
		SignatureHeader: deps.config.SignatureHeader,
		MaxBodyBytes:    deps.config.MaxBodyBytes,
		GetEventID:      func(r *http.Request) string { return chi.URLParam(r, "eventID") },
		Logger:          deps.hookLog,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(deps.logger))
	r.Use(middleware.Recoverer)

	r.Post(deps.config.WebhookPath, webhook.Webhook)
	r.Get("/events/{eventID}", webhook.EventStatus)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok", nil)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.processor.Ledger().Ping(ctx); err != nil {
			deps.logger.Warn().Err(err).Msg("readiness check failed")
			writeStatus(w, http.StatusServiceUnavailable, "unavailable", err)
			return
		}
		writeStatus(w, http.StatusOK, "ready", nil)
	})
	if deps.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{}))
	}

	return otelhttp.NewHandler(r, "gohookd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	), nil
}

func writeStatus(w http.ResponseWriter, status int, state string, err error) {
	body := map[string]string{"status": state}
	if err != nil {
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
