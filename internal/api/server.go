package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/copyrelay/backend/internal/ingest"
	"github.com/copyrelay/backend/internal/models"
	"github.com/copyrelay/backend/internal/repository"
)

const maxQueryLimit = 1000

// Ingestor accepts a leader-trade delivery. Satisfied by *ingest.Gateway.
type Ingestor interface {
	Ingest(ctx context.Context, payload models.TradeWebhook) ingest.Result
}

// FeedStatus reports price-feed connectivity for the health check.
// Satisfied by *feed.Client; may be nil.
type FeedStatus interface {
	Connected() bool
}

type Server struct {
	pool            *pgxpool.Pool
	rdb             *redis.Client
	ingestor        Ingestor
	positionRepo    *repository.PositionRepo
	observationRepo *repository.ObservationRepo
	allocationRepo  *repository.AllocationRepo
	watchedRepo     *repository.WatchedAddressRepo
	feed            FeedStatus
	httpServer      *http.Server
	apiKey          string
	webhookSecret   string
}

func NewServer(pool *pgxpool.Pool, rdb *redis.Client, ingestor Ingestor, feed FeedStatus, port int, apiKey, webhookSecret, corsOrigin string) *Server {
	s := &Server{
		pool:            pool,
		rdb:             rdb,
		ingestor:        ingestor,
		feed:            feed,
		positionRepo:    repository.NewPositionRepo(pool),
		observationRepo: repository.NewObservationRepo(pool),
		allocationRepo:  repository.NewAllocationRepo(pool),
		watchedRepo:     repository.NewWatchedAddressRepo(pool),
		apiKey:          apiKey,
		webhookSecret:   webhookSecret,
	}

	mux := http.NewServeMux()

	// Webhook ingestion (secret-authenticated, not Bearer)
	mux.HandleFunc("POST /webhooks/copy-trade", s.handleCopyTradeWebhook)

	// Position routes
	mux.HandleFunc("GET /v1/positions", s.handlePositions)
	mux.HandleFunc("GET /v1/positions/active", s.handleActivePositions)
	mux.HandleFunc("GET /v1/positions/{id}", s.handlePositionByID)

	// Observation routes
	mux.HandleFunc("GET /v1/observations/recent", s.handleRecentObservations)

	// Allocation routes
	mux.HandleFunc("GET /v1/allocations/leader/{address}", s.handleAllocationsByLeader)

	// Watchlist routes
	mux.HandleFunc("GET /v1/watchlist", s.handleWatchlist)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	handler := s.authMiddleware(corsMiddleware(mux, corsOrigin))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	fmt.Printf("[API] REST API server started on http://localhost%s\n", s.httpServer.Addr)
	fmt.Printf("[API] Health check: http://localhost%s/health\n", s.httpServer.Addr)
	if s.apiKey != "" {
		fmt.Println("[API] Authentication: enabled (Bearer token)")
	} else {
		fmt.Println("[API] Authentication: disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

// authMiddleware guards the read API with a Bearer token. The webhook
// route carries its own shared-secret header and the health check stays
// open for probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/webhooks/") {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Webhook-Secret")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
