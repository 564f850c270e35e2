package rest

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/ingest"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// requestLogger logs one line per request at debug level, and at warn level
// for 5xx responses.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "rest: request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}

// writeDomainError maps service errors onto status codes. Unexpected errors
// are logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	switch {
	case errors.Is(err, alerting.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alerting.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, alerting.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrNotConnected):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("rest: request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
