package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/go-chi/chi/v5"
)

// RPC actions accepted by POST /rpc.
const (
	ActionManualScrape       = "manualScrape"
	ActionGetOpportunities   = "getOpportunities"
	ActionClearOpportunities = "clearOpportunities"
)

const maxBodyBytes = 1 << 20

type rpcRequest struct {
	Action string `json:"action"`
}

type response struct {
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
	Cycle   *models.CycleResult `json:"cycle,omitempty"`
}

type statsResponse struct {
	Stats      models.RunMetadata  `json:"stats"`
	LastScrape *time.Time          `json:"last_scrape"`
	Running    bool                `json:"running"`
	NextRun    *time.Time          `json:"next_run,omitempty"`
	LastCycle  *models.CycleResult `json:"last_cycle,omitempty"`
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	switch req.Action {
	case ActionManualScrape:
		s.manualScrape(w, r)
	case ActionGetOpportunities:
		s.getOpportunities(w, r)
	case ActionClearOpportunities:
		s.clearOpportunities(w, r)
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action), nil)
	}
}

// manualScrape runs a cycle and answers once it has finished. The cycle is
// detached from the request so a dropped client does not abort it.
func (s *Server) manualScrape(w http.ResponseWriter, r *http.Request) {
	result := s.orch.RunCycle(context.WithoutCancel(r.Context()), models.TriggerManual)
	resp := response{Success: result.Err == nil && result.Status != models.CycleFailed, Cycle: result}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getOpportunities(w http.ResponseWriter, r *http.Request) {
	opps, err := s.store.GetOpportunities(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load opportunities", err)
		return
	}
	// Empty lists are encoded as [] rather than dropped.
	respondJSON(w, http.StatusOK, struct {
		Success       bool                 `json:"success"`
		Opportunities []models.Opportunity `json:"opportunities"`
	}{true, opps})
}

func (s *Server) clearOpportunities(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearOpportunities(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to clear opportunities", err)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) removeOpportunity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "catalogItemID")
	marketplace := chi.URLParam(r, "marketplace")

	removed, err := s.store.RemoveOpportunity(r.Context(), id, marketplace)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to remove opportunity", err)
		return
	}
	if !removed {
		s.respondError(w, http.StatusNotFound, "opportunity not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := decodeJSON(w, r, &settings); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid settings", err)
		return
	}
	if err := settings.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	saved, err := s.orch.UpdateSettings(r.Context(), settings)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to save settings", err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid settings patch", err)
		return
	}
	current, err := s.store.GetSettings(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	if err := patch.Apply(current).Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	saved, err := s.orch.PatchSettings(r.Context(), patch)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to save settings", err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) getErrors(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.GetErrors(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load errors", err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Errors []models.ErrorRecord `json:"errors"`
	}{records})
}

func (s *Server) clearErrors(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearErrors(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to clear errors", err)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load stats", err)
		return
	}
	last, err := s.store.GetLastScrape(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load last scrape", err)
		return
	}

	resp := statsResponse{
		Stats:      stats,
		LastScrape: last,
		Running:    s.orch.Running(),
		LastCycle:  s.orch.LastResult(),
	}
	if s.scheduler != nil {
		if next := s.scheduler.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.orch.Running(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		s.logger.Warn(message, slog.Int("status", status), slog.Any("error", err))
	}
	respondJSON(w, status, response{Success: false, Error: message})
}
