package rest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/soilwatch/sentinel/internal/queue"
)

// handleListDeadLetters responds to GET /api/v1/deadletters?limit=100,
// oldest first.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit", 1, 100)
	if !ok {
		return
	}
	letters, err := s.deadLetters.List(r.Context(), min(limit, maxPageSize))
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	if letters == nil {
		letters = []queue.Letter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

// handleAckDeadLetter responds to DELETE /api/v1/deadletters/{id}.
func (s *Server) handleAckDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "dead letter id must be a positive integer")
		return
	}
	if err := s.deadLetters.Ack(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
