package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/copyrelay/backend/internal/ingest"
	"github.com/copyrelay/backend/internal/models"
)

// handleCopyTradeWebhook receives leader-trade deliveries from the
// monitoring provider. Providers retry on non-2xx, so everything short
// of a bad secret answers 200: duplicates and unwatched addresses are
// acknowledged no-ops, and validation failures come back as status
// "rejected" rather than an error code the provider would retry
// forever.
func (s *Server) handleCopyTradeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	var payload models.TradeWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, ingest.Result{
			Status:  ingest.StatusRejected,
			Message: "malformed payload: " + err.Error(),
		})
		return
	}

	result := s.ingestor.Ingest(r.Context(), payload)
	writeJSON(w, http.StatusOK, result)
}
