// Package rest provides the operator HTTP API: alert lifecycle, sensor
// analytics, device control, the dead-letter queue, metrics and the
// dashboard websocket.
package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	// CORSOrigins lists the dashboard origins allowed to call the API. Empty
	// disables CORS headers.
	CORSOrigins []string
	// RateLimit is the per-IP request budget per minute on /api/v1. Zero
	// disables limiting.
	RateLimit int
	// WebSocket serves GET /ws when non-nil.
	WebSocket http.Handler
}

// NewRouter returns the chi router for the operator API.
//
// Route layout:
//
//	GET    /healthz                          – liveness and dependency checks
//	GET    /metrics                          – Prometheus metrics
//	GET    /ws                               – dashboard event stream
//	GET    /api/v1/alerts                    – filtered alert list
//	GET    /api/v1/alerts/stats              – alert statistics
//	GET    /api/v1/alerts/{id}               – one alert
//	PATCH  /api/v1/alerts/{id}               – administrative edit
//	POST   /api/v1/alerts/{id}/acknowledge   – acknowledge
//	POST   /api/v1/alerts/{id}/resolve       – resolve
//	GET    /api/v1/sensors/{id}/trend        – moisture trend
//	GET    /api/v1/sensors/{id}/prediction   – projected threshold breach
//	POST   /api/v1/sensors/{id}/control      – device command
//	GET    /api/v1/deadletters               – rejected device messages
//	DELETE /api/v1/deadletters/{id}          – acknowledge a rejected message
func NewRouter(srv *Server, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(srv.logger))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
		}

		if srv.alerts != nil {
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", srv.handleListAlerts)
				r.Get("/stats", srv.handleAlertStats)
				r.Get("/{id}", srv.handleGetAlert)
				r.Patch("/{id}", srv.handlePatchAlert)
				r.Post("/{id}/acknowledge", srv.handleAcknowledge)
				r.Post("/{id}/resolve", srv.handleResolve)
			})
		}

		if srv.sensors != nil {
			r.Route("/sensors/{id}", func(r chi.Router) {
				if srv.trends != nil {
					r.Get("/trend", srv.handleSensorTrend)
					r.Get("/prediction", srv.handleSensorPrediction)
				}
				if srv.controller != nil {
					r.Post("/control", srv.handleSensorControl)
				}
			})
		}

		if srv.deadLetters != nil {
			r.Get("/deadletters", srv.handleListDeadLetters)
			r.Delete("/deadletters/{id}", srv.handleAckDeadLetter)
		}
	})

	return r
}
