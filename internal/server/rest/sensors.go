package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soilwatch/sentinel/internal/analytics"
)

const maxTrendHours = 7 * 24

type trendResponse struct {
	SensorID string `json:"sensor_id"`
	Hours    int    `json:"hours"`
	analytics.TrendResult
}

// handleSensorTrend responds to GET /api/v1/sensors/{id}/trend?hours=6.
func (s *Server) handleSensorTrend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hours, ok := intParam(w, r.URL.Query().Get("hours"), "hours", 1, 6)
	if !ok {
		return
	}
	if hours > maxTrendHours {
		writeJSONError(w, http.StatusBadRequest, "'hours' must be at most 168")
		return
	}
	if _, err := s.sensors.GetSensor(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	tr, err := s.trends.Trend(r.Context(), id, time.Duration(hours)*time.Hour)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trendResponse{SensorID: id, Hours: hours, TrendResult: tr})
}

type predictionResponse struct {
	SensorID  string  `json:"sensor_id"`
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
	analytics.Prediction
}

// handleSensorPrediction responds to GET /api/v1/sensors/{id}/prediction.
// threshold defaults to the sensor's critical threshold; the current value
// is the latest stored reading.
func (s *Server) handleSensorPrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sn, err := s.sensors.GetSensor(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	threshold := sn.Thresholds.OrDefault().Critical
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100 {
			writeJSONError(w, http.StatusBadRequest, "'threshold' must be a number in (0, 100]")
			return
		}
		threshold = v
	}
	latest, err := s.sensors.LatestReading(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	current := latest.Data.Moisture.Value
	pred, err := s.trends.PredictBreach(r.Context(), id, current, threshold)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, predictionResponse{
		SensorID:   id,
		Current:    current,
		Threshold:  threshold,
		Prediction: pred,
	})
}

// handleSensorControl responds to POST /api/v1/sensors/{id}/control. The
// body is an arbitrary JSON object forwarded to the device.
func (s *Server) handleSensorControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cmd map[string]any
	if !decodeJSON(w, r, &cmd) {
		return
	}
	if len(cmd) == 0 {
		writeJSONError(w, http.StatusBadRequest, "control command must be a non-empty JSON object")
		return
	}
	if _, err := s.sensors.GetSensor(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	if err := s.controller.PublishControl(r.Context(), id, cmd); err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "sensor_id": id})
}
