package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status       string `json:"status"`
	UptimeSecs   int64  `json:"uptime_secs"`
	ReclaimDepth int    `json:"reclaim_depth"`
}

type readyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		depth, _ := s.store.ReclaimDepth()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:       "ok",
			UptimeSecs:   int64(time.Since(s.startTime).Seconds()),
			ReclaimDepth: depth,
		})
	}
}

func (s *Server) readyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := s.store.ListBuckets(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(readyResponse{Status: "not ready", Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(readyResponse{Status: "ready"})
	}
}
