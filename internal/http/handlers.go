package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/toll-recovery/internal/dispatch"
	"github.com/example/toll-recovery/internal/geo"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/match"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/normalize"
)

const maxListLimit = 500

// Deps carries everything the operator API needs. The API is read-only with
// respect to jobs: mutation stays the scheduler's exclusive right.
type Deps struct {
	Logger     *slog.Logger
	Store      jobstore.Store
	Normalizer *normalize.Normalizer
	Trips      *match.TripCache
	Ingestor   *match.Ingestor
	Plazas     geo.PlazaLocator
	WSReg      *dispatch.WSRegistry
	// Ready reports backend connectivity for the readiness probe; nil
	// means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WSReg == nil {
		deps.WSReg = dispatch.NewWSRegistry(deps.Logger)
	}
	s := &Server{deps: deps, logger: deps.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/collector/trips", s.handleTripBatch).Methods("POST")
	s.mux.HandleFunc("/internal/collector/tolls", s.handleTollBatch).Methods("POST")
	s.mux.HandleFunc("/internal/plazas", s.handlePlazaBatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}", s.handleGetJob).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/operator", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleTripBatch(w http.ResponseWriter, r *http.Request) {
	var raw []normalize.RawTrip
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	trips := s.deps.Normalizer.Trips(raw)
	s.deps.Trips.Upsert(trips)
	writeJSON(w, map[string]any{"received": len(raw), "accepted": len(trips)})
}

func (s *Server) handleTollBatch(w http.ResponseWriter, r *http.Request) {
	var raw []normalize.RawToll
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	tolls := s.deps.Normalizer.Tolls(raw)
	created, err := s.deps.Ingestor.Run(r.Context(), tolls, s.deps.Trips.Snapshot())
	if err != nil {
		s.logger.Error("toll batch ingestion incomplete", "error", err)
		http.Error(w, "store unavailable", 503)
		return
	}
	writeJSON(w, map[string]any{"received": len(raw), "accepted": len(tolls), "jobs_created": created})
}

type plazaUpsert struct {
	PlazaID string  `json:"plaza_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (s *Server) handlePlazaBatch(w http.ResponseWriter, r *http.Request) {
	var batch []plazaUpsert
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	n := 0
	for _, p := range batch {
		if p.PlazaID == "" {
			continue
		}
		s.deps.Plazas.Upsert(p.PlazaID, models.Coord{Lat: p.Lat, Lon: p.Lon})
		n++
	}
	writeJSON(w, map[string]any{"accepted": n})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.StatusPending, models.StatusInFlight, models.StatusCompleted, models.StatusFailed:
	default:
		http.Error(w, "unknown status", 400)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	jobs, err := s.deps.Store.List(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "store unavailable", 503)
		return
	}
	writeJSON(w, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["job_id"]
	job, err := s.deps.Store.Get(r.Context(), id)
	if err == jobstore.ErrNotFound {
		http.Error(w, "no such job", 404)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", 503)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "backend not ready", 503)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	remove := s.deps.WSReg.Add(conn)
	// reader loop only to detect close
	go func() {
		defer remove()
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
