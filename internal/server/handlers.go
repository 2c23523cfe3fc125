package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// keyView is the per-key metrics shape returned by the API.
type keyView struct {
	KeyID             string  `json:"keyId"`
	SuccessCount      int64   `json:"successCount"`
	FailureCount      int64   `json:"failureCount"`
	SuccessRate       float64 `json:"successRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	IsThrottled       bool    `json:"isThrottled"`
	ThrottledUntil    int64   `json:"throttledUntil,omitempty"`
	HealthScore       float64 `json:"healthScore"`
	LastUsedAt        int64   `json:"lastUsedAt,omitempty"`
}

func toKeyView(m keyhealth.Metrics) keyView {
	return keyView{
		KeyID:             m.KeyID,
		SuccessCount:      m.SuccessCount,
		FailureCount:      m.FailureCount,
		SuccessRate:       m.SuccessRate,
		AvgResponseTimeMs: m.AvgResponseTimeMs,
		IsThrottled:       m.IsThrottled,
		ThrottledUntil:    m.ThrottledUntil,
		HealthScore:       m.HealthScore,
		LastUsedAt:        m.LastUsedAt,
	}
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.pool.Store.AllMetrics(r.Context(), s.pool.KeyIDs)
	if err != nil {
		s.logger.Error("reading key metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read key metrics")
		return
	}
	summary, err := s.pool.Store.Summary(r.Context(), s.pool.KeyIDs)
	if err != nil {
		s.logger.Error("reading key summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read key summary")
		return
	}

	views := make([]keyView, len(metrics))
	for i, m := range metrics {
		views[i] = toKeyView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":    views,
		"summary": summary,
	})
}

// knownKey guards the mutating endpoints against arbitrary key IDs.
func (s *Server) knownKey(keyID string) bool {
	for _, id := range s.pool.KeyIDs {
		if id == keyID {
			return true
		}
	}
	return false
}

func (s *Server) handleClearThrottle(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if !s.knownKey(keyID) {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "unknown key id")
		return
	}
	if err := s.pool.Store.ClearThrottle(r.Context(), keyID); err != nil {
		s.logger.Error("clearing throttle failed", zap.String("key_id", keyID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to clear throttle")
		return
	}
	s.logger.Info("throttle cleared via api", zap.String("key_id", keyID))
	writeJSON(w, http.StatusOK, map[string]string{"keyId": keyID, "action": "clear-throttle"})
}

func (s *Server) handleResetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if !s.knownKey(keyID) {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "unknown key id")
		return
	}
	if err := s.pool.Store.ResetKey(r.Context(), keyID); err != nil {
		s.logger.Error("resetting key failed", zap.String("key_id", keyID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reset key")
		return
	}
	s.logger.Info("key reset via api", zap.String("key_id", keyID))
	writeJSON(w, http.StatusOK, map[string]string{"keyId": keyID, "action": "reset"})
}

type throttleRequest struct {
	// DurationSeconds is the manual cooldown length; zero uses the
	// default.
	DurationSeconds int `json:"durationSeconds"`
}

func (s *Server) handleThrottleKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if !s.knownKey(keyID) {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "unknown key id")
		return
	}

	var req throttleRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
			return
		}
	}
	d := keyhealth.DefaultManualCooldown
	if req.DurationSeconds > 0 {
		d = time.Duration(req.DurationSeconds) * time.Second
	}

	if err := s.pool.Store.MarkThrottled(r.Context(), keyID, d); err != nil {
		s.logger.Error("throttling key failed", zap.String("key_id", keyID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to throttle key")
		return
	}
	s.logger.Info("key throttled via api",
		zap.String("key_id", keyID),
		zap.Duration("duration", d))
	writeJSON(w, http.StatusOK, map[string]any{
		"keyId":           keyID,
		"action":          "throttle",
		"durationSeconds": int(d.Seconds()),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "queue is not configured")
		return
	}
	status, err := s.queue.Status(r.Context())
	if err != nil {
		s.logger.Error("reading queue status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read queue status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
