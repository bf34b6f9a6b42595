package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ciphernotes/svc/util"
)

// isoMillis matches the timestamp layout browsers produce with toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type HealthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	PasteCount int    `json:"pasteCount"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Storage  string `json:"storage"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(isoMillis),
	}
	status := http.StatusOK
	n, err := s.paste.Count(ctx)
	if err != nil {
		util.Error().Err(err).Msg("health check could not count pastes")
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	resp.PasteCount = n
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:   true,
		Storage: "up",
		Cache:   "up",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.paste.Ready(dbCtx); err != nil {
		util.Error().Err(err).Msg("storage health check failed")
		resp.Storage = "down"
		resp.Degraded = true
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			// The limiter falls back to local buckets, so this only degrades.
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		}
	} else {
		resp.Cache = "unavailable"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
