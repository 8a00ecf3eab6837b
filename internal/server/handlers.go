package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/realtime"
)

// handleHealthz verifies the shared store round-trips before reporting
// healthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Exists(r.Context(), "healthz"); err != nil {
		s.logger.Warn("health check store probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSendMessage is the producer entry point: POST a JSON payload, get
// back the assigned sequence number.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userID")
		return
	}

	if !s.limiters.get(userID).Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var payload realtime.Message
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	sequence, err := s.pipeline.SendMessage(r.Context(), userID, payload)
	if err != nil {
		s.logger.Error("send message failed",
			zap.String("userID", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"sequence": sequence})
}

// handleForceDisconnect routes an administrative disconnect to whichever
// workers hold the target sockets.
func (s *Server) handleForceDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing userID")
		return
	}

	var req struct {
		ClientID string `json:"client_id"`
	}
	if r.Body != nil {
		// An empty body means "all connections".
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err == nil && buf.Len() > 0 {
			if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
	}

	notified, err := s.worker.RouteForceDisconnect(r.Context(), userID, req.ClientID)
	if err != nil {
		s.logger.Error("force disconnect routing failed",
			zap.String("userID", userID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to route disconnect")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"workers_notified": notified})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
