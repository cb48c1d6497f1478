package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/settlement"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// settlementStatusCode maps settlement errors onto HTTP status codes.
func settlementStatusCode(err error) int {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrDisputesDisabled):
		return http.StatusForbidden
	case settlement.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleHealth reports component liveness. Always 200; consumers read the
// status field.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := map[string]any{}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.deps.Store.Ping(ctx)
		cancel()
		if err != nil {
			healthy = false
			components["store"] = "down"
		} else {
			components["store"] = "up"
		}
	}

	if s.deps.Resilience != nil {
		snaps := s.deps.Resilience.SnapshotAll()
		healthyProviders := 0
		for _, snap := range snaps {
			if snap.Healthy {
				healthyProviders++
			}
		}
		components["providers_total"] = len(snaps)
		components["providers_healthy"] = healthyProviders
		if len(snaps) > 0 && healthyProviders == 0 {
			healthy = false
		}
	}

	if s.deps.Limiter != nil && s.deps.Limiter.Degraded() {
		healthy = false
		components["rate_limiter"] = "degraded"
	}

	components["ws_clients"] = s.hub.Stats().Clients

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"components":     components,
	})
}

// handleStatus aggregates each component's counters into one document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"ws":             s.hub.Stats(),
		"gateway":        s.metrics.Snapshot(),
	}

	if s.deps.Bus != nil {
		doc["bus"] = s.deps.Bus.Metrics()
	}
	if s.deps.Streamer != nil {
		doc["last_cycle"] = s.deps.Streamer.LastSummary()
	}
	if s.deps.Settlements != nil {
		doc["settlements"] = s.deps.Settlements.Stats()
	}
	if s.deps.Limiter != nil {
		doc["rate_limiter"] = map[string]any{
			"stats":    s.deps.Limiter.Stats(),
			"degraded": s.deps.Limiter.Degraded(),
		}
	}
	if s.deps.Guard != nil {
		doc["queue_guard"] = s.deps.Guard.Stats()
	}
	if s.deps.Resilience != nil {
		doc["providers"] = s.deps.Resilience.SnapshotAll()
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Resilience.SnapshotAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) handleProviderEnable(w http.ResponseWriter, r *http.Request) {
	s.setProviderEnabled(w, r, true)
}

func (s *Server) handleProviderDisable(w http.ResponseWriter, r *http.Request) {
	s.setProviderEnabled(w, r, false)
}

func (s *Server) setProviderEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Resilience.SetEnabled(name, enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	snap, err := s.deps.Resilience.State(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStreamCycle triggers one fetch/diff/emit cycle and returns its
// summary.
func (s *Server) handleStreamCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streamer == nil {
		writeError(w, http.StatusServiceUnavailable, "streamer not running")
		return
	}
	summary := s.deps.Streamer.RunCycle(r.Context())
	s.metrics.CycleDuration.Observe(summary.Duration.Seconds())
	writeJSON(w, http.StatusOK, summary)
}

type initiateBody struct {
	PropID string `json:"prop_id"`
	settlement.InitiateRequest
}

func (s *Server) handleSettlementInitiate(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.PropID == "" {
		writeError(w, http.StatusBadRequest, "prop_id is required")
		return
	}

	rec, err := s.deps.Settlements.Initiate(r.Context(), body.PropID, body.InitiateRequest)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	propID := mux.Vars(r)["prop_id"]

	rec, err := s.deps.Settlements.Status(r.Context(), propID)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no settlement found for prop "+propID)
		return
	}
	history, err := s.deps.Settlements.History(r.Context(), propID)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prop_id":    propID,
		"lifecycle":  s.deps.Settlements.LifecycleOf(propID),
		"settlement": rec,
		"attempts":   len(history),
	})
}

func (s *Server) handleSettlementProcess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	processed, err := s.deps.Settlements.Process(r.Context(), id)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement_id": id,
		"processed":     processed,
	})
}

func (s *Server) handleSettlementDispute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req settlement.DisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	disputed, err := s.deps.Settlements.CreateDispute(r.Context(), id, req)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement_id": id,
		"disputed":      disputed,
	})
}

func (s *Server) handleSettlementResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req settlement.ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resolved, err := s.deps.Settlements.ResolveDispute(r.Context(), id, req)
	if err != nil {
		writeError(w, settlementStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement_id": id,
		"resolved":      resolved,
	})
}

type archiveBody struct {
	CutoffDays int `json:"cutoff_days"`
}

func (s *Server) handleSettlementArchive(w http.ResponseWriter, r *http.Request) {
	body := archiveBody{CutoffDays: 30}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if body.CutoffDays <= 0 {
		writeError(w, http.StatusBadRequest, "cutoff_days must be positive")
		return
	}

	archived, err := s.deps.Settlements.Archive(r.Context(), body.CutoffDays)
	if err != nil {
		log.Error().Err(err).Int("archived", archived).Msg("Archive pass aborted")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived":    archived,
		"cutoff_days": body.CutoffDays,
	})
}

// handleRateLimitStatus returns the rate-limit status document for the
// caller's identity against a given endpoint. The probe counts as one
// request against the limit.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint query parameter is required")
		return
	}

	status, err := s.deps.Limiter.StatusFor(r.Context(), s.identityFrom(r), endpoint)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
