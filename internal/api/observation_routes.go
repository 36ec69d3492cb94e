package api

import (
	"fmt"
	"net/http"

	"github.com/copyrelay/backend/internal/models"
)

func (s *Server) handleRecentObservations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)

	obs, err := s.observationRepo.GetRecent(r.Context(), limit)
	if err != nil {
		fmt.Printf("Error fetching observations: %v\n", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch observations")
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleAllocationsByLeader(w http.ResponseWriter, r *http.Request) {
	addr, err := models.NormalizeAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	allocs, err := s.allocationRepo.GetActiveByLeader(r.Context(), addr)
	if err != nil {
		fmt.Printf("Error fetching allocations for %s: %v\n", addr, err)
		writeError(w, http.StatusInternalServerError, "failed to fetch allocations")
		return
	}
	writeJSON(w, http.StatusOK, allocs)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	watched, err := s.watchedRepo.GetAllActive(r.Context())
	if err != nil {
		fmt.Printf("Error fetching watchlist: %v\n", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch watchlist")
		return
	}
	writeJSON(w, http.StatusOK, watched)
}
