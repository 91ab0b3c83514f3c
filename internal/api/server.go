package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/alerts"
	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/metrics"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
)

// Server is the read-only query surface over the durable store. It never
// blocks on the processing pipeline; a record that has not settled yet
// simply does not exist here.
type Server struct {
	cfg     *config.Manager
	store   storage.Store
	metrics *metrics.Store
	recent  *alerts.Store
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string                   `json:"status"`
	Time       string                   `json:"time"`
	Version    string                   `json:"version"`
	ConfigPath string                   `json:"config_path"`
	Intake     intakeStatus             `json:"intake"`
	Storage    storageStatus            `json:"storage"`
	Classifier config.ClassifierConfig  `json:"classifier"`
	Pipeline   metrics.PipelineCounters `json:"pipeline"`
}

type intakeStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type storageStatus struct {
	Driver string `json:"driver"`
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, metricsStore *metrics.Store, recentAlerts *alerts.Store, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("query api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("query api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:     cfg,
		store:   store,
		metrics: metricsStore,
		recent:  recentAlerts,
		logger:  logger,
		version: version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", server.handleSummary)
	mux.HandleFunc("/records/", server.handleRecords)
	mux.HandleFunc("/anomalies/", server.handleAnomalies)
	mux.HandleFunc("/deadletters", server.handleDeadLetters)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("query api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	summary, err := s.store.Summary(r.Context())
	if err != nil {
		s.serverError(w, "summary query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	siteID := strings.TrimPrefix(r.URL.Path, "/records/")
	if siteID == "" || strings.Contains(siteID, "/") {
		writeError(w, http.StatusBadRequest, "site id required")
		return
	}
	start, ok := parseBound(w, r, "start")
	if !ok {
		return
	}
	end, ok := parseBound(w, r, "end")
	if !ok {
		return
	}
	records, err := s.store.SiteRecords(r.Context(), siteID, start, end)
	if err != nil {
		s.serverError(w, "records query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	siteID := strings.TrimPrefix(r.URL.Path, "/anomalies/")
	if siteID == "" || strings.Contains(siteID, "/") {
		writeError(w, http.StatusBadRequest, "site id required")
		return
	}
	records, err := s.store.SiteAnomalies(r.Context(), siteID)
	if err != nil {
		s.serverError(w, "anomalies query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	envelopes, err := s.store.DeadLetters(r.Context(), limit)
	if err != nil {
		s.serverError(w, "dead letter query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": envelopes,
		"count":        len(envelopes),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.recent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.AlertEvent{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.AlertEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp: "+sinceStr)
			return
		}
		list = s.recent.Since(ts)
	} else {
		list = s.recent.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Intake: intakeStatus{
			REST:  cfg.Intake.REST.Enabled,
			Kafka: cfg.Intake.Kafka.Enabled,
		},
		Storage:    storageStatus{Driver: cfg.Storage.Driver},
		Classifier: cfg.Classifier,
	}
	if s.metrics != nil {
		resp.Pipeline = s.metrics.Pipeline()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseBound reads an optional RFC3339 query bound; on malformed input it
// writes a 400 with a descriptive message and reports !ok.
func parseBound(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return nil, true
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" timestamp: "+value+" (expected ISO-8601, e.g. 2025-06-20T00:00:00Z)")
		return nil, false
	}
	utc := ts.UTC()
	return &utc, true
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
