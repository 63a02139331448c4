package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"waterWise/internal/app/dto"
	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/lib/logger/sl"
)

const dateLayout = "2006-01-02"

type BucketReader interface {
	QueryBuckets(ctx context.Context, deviceID string, sizeMs, from, to int64) ([]model.Bucket, error)
}

type HistoryReader interface {
	DailyHistory(ctx context.Context, deviceID string, from, to time.Time) ([]model.DailyUsage, error)
	Progress(ctx context.Context, deviceID string) (model.DailyUsage, error)
}

type ReadingRecorder interface {
	Record(ctx context.Context, deviceID string, liters float64, at time.Time) (model.Reading, error)
}

type AlertReader interface {
	Alerts(deviceID string) []model.AlertEvent
	State(deviceID string, kind model.AlertKind) service.MonitorState
}

type SyncStatus interface {
	ConnectionState() service.ConnectionState
}

// Deps are the services the HTTP API reads from. Nil handlers are not routed.
type Deps struct {
	Buckets   BucketReader
	History   HistoryReader
	Recorder  ReadingRecorder
	Alerts    AlertReader
	Sync      SyncStatus
	WebSocket http.HandlerFunc
	Metrics   http.Handler
	Sizes     model.BucketSizes
	Clock     quartz.Clock
	Log       *slog.Logger
}

// Server represents an HTTP server with all routes configured
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new HTTP server with configured routes
func NewServer(addr string, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Log == nil {
		deps.Log = sl.Discard()
	}

	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		log:    deps.Log.With(slog.String("component", "http")),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.registerRoutes()
	return s
}

// registerRoutes configures all HTTP routes
func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/sync/state", s.handleSyncState)
	r.Get("/alerts", s.handleAlerts)

	r.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Get("/buckets", s.handleBuckets)
		r.Get("/history", s.handleHistory)
		r.Get("/progress", s.handleProgress)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/readings", s.handleRecord)
	})

	if s.deps.WebSocket != nil {
		r.Get("/ws", s.deps.WebSocket)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", sl.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		s.log.Error(msg,
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			sl.Err(err),
		)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// storeStatus maps store failures to a response status.
func storeStatus(err error) int {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.deps.Sync != nil {
		resp["sync"] = s.deps.Sync.ConnectionState().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		s.writeError(w, r, http.StatusNotFound, "sync channel not configured", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.deps.Sync.ConnectionState().String()})
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	q := r.URL.Query()

	size := s.deps.Sizes.HourlyMs
	span := 24 * time.Hour
	switch q.Get("size") {
	case "", "hourly":
	case "daily":
		size = s.deps.Sizes.DailyMs
		span = 30 * 24 * time.Hour
	default:
		s.writeError(w, r, http.StatusBadRequest, "size must be hourly or daily", nil)
		return
	}

	to := s.deps.Clock.Now()
	from := to.Add(-span)
	var err error
	if v := q.Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid to", err)
			return
		}
	}
	if v := q.Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid from", err)
			return
		}
	}
	if to.Before(from) {
		s.writeError(w, r, http.StatusBadRequest, "to is before from", nil)
		return
	}

	buckets, err := s.deps.Buckets.QueryBuckets(r.Context(), deviceID, size,
		model.BucketStart(from.UnixMilli(), size), to.UnixMilli()+1)
	if err != nil {
		s.writeError(w, r, storeStatus(err), "failed to query buckets", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dto.FromBuckets(buckets))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	q := r.URL.Query()

	to := s.deps.Clock.Now().UTC()
	from := to.AddDate(0, 0, -6)
	var err error
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(dateLayout, v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "to must be YYYY-MM-DD", err)
			return
		}
		if q.Get("from") == "" {
			from = to.AddDate(0, 0, -6)
		}
	}
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(dateLayout, v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "from must be YYYY-MM-DD", err)
			return
		}
	}

	days, err := s.deps.History.DailyHistory(r.Context(), deviceID, from, to)
	if errors.Is(err, service.ErrInvalidRange) {
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		s.writeError(w, r, storeStatus(err), "failed to load history", err)
		return
	}

	out := make([]dto.DailyUsageDTO, len(days))
	for i, d := range days {
		out[i] = dto.FromDailyUsage(d)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.History.Progress(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, storeStatus(err), "failed to load progress", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dto.FromDailyUsage(p))
}

type alertsResponse struct {
	Alerts []dto.AlertDTO     `json:"alerts"`
	States map[string]string `json:"states,omitempty"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	resp := alertsResponse{Alerts: dto.FromAlerts(s.deps.Alerts.Alerts(deviceID))}
	if deviceID != "" {
		resp.States = make(map[string]string, 3)
		for _, kind := range []model.AlertKind{model.AlertRateExceeded, model.AlertDailyLimitExceeded, model.AlertSensorSilent} {
			resp.States[string(kind)] = string(s.deps.Alerts.State(deviceID, kind))
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req dto.RecordRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	reading, err := s.deps.Recorder.Record(r.Context(), deviceID, req.VolumeLiters, at)
	switch {
	case errors.Is(err, model.ErrMalformedReading):
		s.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
	case err != nil && reading.ID != "":
		// Queued for the backend, not yet applied locally.
		s.log.Warn("reading queued but not applied", slog.String("device", deviceID), sl.Err(err))
		s.writeJSON(w, http.StatusAccepted, dto.FromModel(reading))
	case err != nil:
		s.writeError(w, r, storeStatus(err), "failed to record reading", err)
	default:
		s.writeJSON(w, http.StatusCreated, dto.FromModel(reading))
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
