package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
}

type healthServices struct {
	Database  string `json:"database"`
	Redis     string `json:"redis"`
	PriceFeed string `json:"priceFeed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := s.pool.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
	}

	redisStatus := "connected"
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		redisStatus = "disconnected"
	}

	// Feed outages degrade health but the feed reconnects on its own, and
	// the TP/SL poll covers the gap.
	feedStatus := "unknown"
	if s.feed != nil {
		feedStatus = "connected"
		if !s.feed.Connected() {
			feedStatus = "disconnected"
		}
	}

	status := "ok"
	if dbStatus != "connected" || redisStatus != "connected" || feedStatus == "disconnected" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  healthServices{Database: dbStatus, Redis: redisStatus, PriceFeed: feedStatus},
	})
}
