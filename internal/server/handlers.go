package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
)

type daemonStatus struct {
	Subscribers int           `json:"subscribers"`
	Databases   []feed.Status `json:"databases"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := daemonStatus{Databases: s.source.Statuses()}
	if s.hub != nil {
		status.Subscribers = s.hub.Subscribers()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	database := chi.URLParam(r, "database")
	for _, status := range s.source.Statuses() {
		if status.Database == database {
			s.writeJSON(w, http.StatusOK, status)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "database not followed: " + database})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("writing response", zap.Error(err))
	}
}
