package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/damwatch/internal/pipeline"
	"github.com/lox/damwatch/internal/store"
)

type Server struct {
	poller *pipeline.Poller
	store  *store.Store
	port   string
}

// NewServer serves the poller's latest results. A nil store disables the
// ingest health endpoint.
func NewServer(poller *pipeline.Poller, store *store.Store, port string) *Server {
	return &Server{
		poller: poller,
		store:  store,
		port:   port,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/timeline", s.handleAPITimeline)
	mux.HandleFunc("GET /api/accuracy", s.handleAPIAccuracy)
	mux.HandleFunc("GET /api/current", s.handleAPICurrent)
	mux.HandleFunc("GET /api/ingest-health", s.handleAPIIngestHealth)
	mux.HandleFunc("POST /api/refresh", s.handleAPIRefresh)
	mux.HandleFunc("GET /export.csv", s.handleExportCSV)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"timeline": s.poller.Timeline.Status(),
		"live":     s.poller.Live.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
