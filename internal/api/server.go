// Package api exposes the feature engine over HTTP: event ingestion,
// on-demand feature assembly, stats, snapshots, and a live vector stream.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/eval"
	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/observability"
	"github.com/featuremill/featuremill/internal/pipeline"
)

// maxBatchSize caps a single batch ingest request.
const maxBatchSize = 10000

// IngestStats tracks ingest endpoint counters.
type IngestStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsRejected int64     `json:"events_rejected"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Server wires the pipeline behind HTTP handlers. Assembly requests share a
// semaphore so in-flight work stays bounded by the configured worker count.
type Server struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	tel      *observability.Telemetry
	hub      *StreamHub
	logger   *zap.Logger
	assembly chan struct{} // semaphore

	mu    sync.RWMutex
	stats IngestStats
}

// NewServer creates a Server. The hub may be nil to disable streaming.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, tel *observability.Telemetry, hub *StreamHub) *Server {
	return &Server{
		cfg:      cfg,
		pipe:     pipe,
		tel:      tel,
		hub:      hub,
		logger:   tel.Logger(),
		assembly: make(chan struct{}, cfg.Pipeline.Workers),
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router(extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.tel.Metrics() != nil {
		r.Use(s.metricsMiddleware)
	}
	for _, m := range extra {
		r.Use(m)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/ingest", s.handleIngest)
			r.Post("/ingest/batch", s.handleIngestBatch)
			r.Post("/assemble", s.handleAssemble)
			r.Get("/stats", s.handleStats)
			r.Get("/levels", s.handleLevels)
			r.Post("/snapshot", s.handleSnapshot)
		})
	})

	// The stream holds its connection open, so it sits outside the
	// request timeout.
	if s.hub != nil {
		r.Get("/api/v1/stream", s.hub.ServeHTTP)
	}

	return r
}

// metricsMiddleware records request counts and latency labeled by the chi
// route pattern, not the raw URL, to keep label cardinality bounded.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		m := s.tel.Metrics()
		m.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest processes a single event through the ingestion path.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	res := s.pipe.Process(r.Context(), &ev)
	s.recordIngest(1, boolToInt(res.Failed()))
	if s.tel.Metrics() != nil {
		s.tel.Metrics().EventsIngested.WithLabelValues("http").Inc()
	}

	if res.Failed() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "rejected",
			"error":  res.Err.Error(),
		})
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(res.Vector)
	}
	writeJSON(w, http.StatusOK, res.Vector)
}

// batchResponse is the wire form of a batch ingest reply.
type batchResponse struct {
	Received int                          `json:"received"`
	Resolved int                          `json:"resolved"`
	Rejected int                          `json:"rejected"`
	Results  []batchResult                `json:"results"`
	Report   map[string]eval.MetricReport `json:"report,omitempty"`
}

type batchResult struct {
	Index  int                   `json:"index"`
	Vector *event.ResolvedVector `json:"vector,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// handleIngestBatch replays a batch. Per-event failures are reported in
// their result slots; the batch always completes.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
	}

	results := s.pipe.Run(r.Context(), events)
	report := eval.Evaluate(results)

	resp := batchResponse{
		Received: len(events),
		Resolved: report.Resolved,
		Rejected: report.Rejected,
		Results:  make([]batchResult, len(results)),
		Report:   report.Metrics,
	}
	for i, res := range results {
		resp.Results[i] = batchResult{Index: res.Index, Vector: res.Vector, Error: res.MarshalError()}
		if s.hub != nil && res.Vector != nil {
			s.hub.Broadcast(res.Vector)
		}
	}

	s.recordIngest(len(events), report.Rejected)
	if s.tel.Metrics() != nil {
		s.tel.Metrics().EventsIngested.WithLabelValues("http_batch").Add(float64(len(events)))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAssemble resolves features for an event without recording it — the
// serving path for downstream models. Read-only against the windows and safe
// during ingestion.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	select {
	case s.assembly <- struct{}{}:
		defer func() { <-s.assembly }()
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "assembly capacity exhausted")
		return
	}

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	vec, err := s.pipe.Assemble(&ev)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vec)
}

// statsResponse aggregates pipeline and ingest counters.
type statsResponse struct {
	Pipeline    pipeline.Stats `json:"pipeline"`
	Ingest      IngestStats    `json:"ingest"`
	WindowPairs int            `json:"window_pairs"`
	Subscribers int            `json:"stream_subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ingest := s.stats
	s.mu.RUnlock()

	resp := statsResponse{
		Pipeline:    s.pipe.Stats(),
		Ingest:      ingest,
		WindowPairs: s.pipe.Aggregator().Pairs(),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"levels":  s.pipe.Levels(),
		"metrics": s.pipe.RequestedMetrics(),
	})
}

// handleSnapshot persists the aggregator state to the configured path.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Snapshot.Enabled || s.cfg.Snapshot.Path == "" {
		writeError(w, http.StatusConflict, "snapshots disabled")
		return
	}
	if err := s.pipe.Aggregator().Snapshot(s.cfg.Snapshot.Path); err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "written",
		"path":   s.cfg.Snapshot.Path,
	})
}

func (s *Server) recordIngest(received, rejected int) {
	s.mu.Lock()
	s.stats.EventsReceived += int64(received)
	s.stats.EventsRejected += int64(rejected)
	s.stats.LastEventAt = time.Now()
	s.mu.Unlock()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
