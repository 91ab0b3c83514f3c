package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/process"
)

// RESTServer accepts batch hand-offs over HTTP: either a BatchIntakeEvent
// referencing batch contents by locator, or the raw readings array inline.
// The caller is the retrying platform; a processing failure is a 500 and
// the caller redelivers with an incremented delivery_attempt.
type RESTServer struct {
	cfg    *config.Manager
	proc   *process.Processor
	runner *Runner
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, proc *process.Processor, runner *Runner, logger *slog.Logger) *http.Server {
	current := cfg.Get().Intake.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest intake disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest intake enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, proc: proc, runner: runner, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/batches", server.handleBatches)
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
				logger.Error("rest intake server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "empty or unreadable body"})
		return
	}

	trim := bytesTrim(body)
	if len(trim) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "empty body"})
		return
	}

	if trim[0] == '[' {
		// Inline batch contents, no locator round-trip.
		ev := model.BatchIntakeEvent{BatchLocator: "inline", DeliveryAttempt: 1}
		result, err := s.proc.ProcessPayload(r.Context(), ev, trim)
		s.respond(w, ev, result, err)
		return
	}

	var ev model.BatchIntakeEvent
	if err := json.Unmarshal(trim, &ev); err != nil || ev.BatchLocator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expected a batch intake event or a readings array"})
		return
	}
	if ev.DeliveryAttempt < 1 {
		ev.DeliveryAttempt = 1
	}
	result, err := s.proc.Process(r.Context(), ev)
	s.respond(w, ev, result, err)
}

func (s *RESTServer) respond(w http.ResponseWriter, ev model.BatchIntakeEvent, result model.BatchResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "settled", "result": result})
		return
	}
	if s.runner != nil && s.runner.metrics != nil {
		s.runner.metrics.ObserveFailure()
	}
	cfg := s.cfg.Get()
	if ev.DeliveryAttempt >= cfg.Processing.MaxAttempts && ev.BatchLocator != "inline" {
		// Retry budget exhausted; capture for manual replay and settle.
		if dlqErr := s.runner.DeadLetter(context.Background(), ev, ev.DeliveryAttempt, err); dlqErr == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "dead_lettered", "result": result})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"status": "failed",
		"error":  err.Error(),
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
