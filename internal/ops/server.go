package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/conversion"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/timeutil"
)

const (
	defaultLookback = "24h"
	defaultLimit    = 50
	maxLimit        = 1000
)

// Recoverer — ручное восстановление пропущенных записей.
type Recoverer interface {
	Recover(ctx context.Context, lookback string, limit int, execute bool) (conversion.Summary, error)
}

// Server — операционный HTTP: health, снапшот метрик и ручной запуск
// восстановления. Наружу не торчит, живёт на внутреннем порту.
type Server struct {
	recorder *metrics.Recorder
	recovery Recoverer
	clock    clock.Clock
	log      zerolog.Logger
	srv      *http.Server
}

func NewServer(addr string, rec *metrics.Recorder, recovery Recoverer, clk clock.Clock, log zerolog.Logger) *Server {
	s := &Server{
		recorder: rec,
		recovery: recovery,
		clock:    clk,
		log:      log.With().Str("component", "ops").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics/summary", s.handleMetricsSummary)
	r.Post("/recovery/appointments", s.handleRecovery)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run блокируется до отмены контекста, затем гасит сервер.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("операционный HTTP запущен")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recorder.Snapshot(s.clock.Now()))
}

// POST /recovery/appointments?lookback=24h&limit=50&execute=true
// Без execute=true — dry-run: полный отчёт без единой мутации.
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lookback := q.Get("lookback")
	if lookback == "" {
		lookback = defaultLookback
	}

	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer in [1, "+strconv.Itoa(maxLimit)+"]")
			return
		}
		limit = n
	}

	execute := q.Get("execute") == "true"

	sum, err := s.recovery.Recover(r.Context(), lookback, limit, execute)
	if err != nil {
		if errors.Is(err, timeutil.ErrInvalidLookback) {
			s.writeError(w, http.StatusBadRequest, "lookback must look like 24h, 7d or all")
			return
		}
		s.log.Error().Err(err).Msg("восстановление не выполнено")
		s.writeError(w, http.StatusInternalServerError, "recovery run failed")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("ответ не записан")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
