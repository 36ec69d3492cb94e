package api

import (
	"fmt"
	"net/http"

	"github.com/copyrelay/backend/internal/models"
)

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)

	var status *models.PositionStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.PositionStatus(v)
		switch st {
		case models.PositionActive, models.PositionClosing, models.PositionClosed:
			status = &st
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q, expected active|closing|closed", v))
			return
		}
	}

	positions, err := s.positionRepo.GetRecent(r.Context(), limit, status)
	if err != nil {
		fmt.Printf("Error fetching positions: %v\n", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleActivePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positionRepo.GetAllActive(r.Context())
	if err != nil {
		fmt.Printf("Error fetching active positions: %v\n", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePositionByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pos, err := s.positionRepo.GetByID(r.Context(), id)
	if err != nil {
		fmt.Printf("Error fetching position %s: %v\n", id, err)
		writeError(w, http.StatusInternalServerError, "failed to fetch position")
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
