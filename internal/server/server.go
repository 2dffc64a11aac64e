// Package server exposes the orchestration core over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/foresight/internal/core"
	"github.com/3cpo-dev/foresight/internal/health"
	"github.com/3cpo-dev/foresight/internal/stats"
	"github.com/3cpo-dev/foresight/pkg/api"
)

// CheckStatus is the result of one liveness check.
type CheckStatus string

const (
	CheckHealthy   CheckStatus = "healthy"
	CheckDegraded  CheckStatus = "degraded"
	CheckUnhealthy CheckStatus = "unhealthy"
)

type Check struct {
	Name        string            `json:"name"`
	Status      CheckStatus       `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

type Server struct {
	app            *core.App
	requestTimeout time.Duration
	checks         map[string]func() Check
	handler        http.Handler
	server         *http.Server
}

func New(cfg core.ServerConfig, app *core.App) *Server {
	s := &Server{
		app:            app,
		requestTimeout: cfg.RequestTimeout,
		checks:         defaultChecks(app),
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 30 * time.Second
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = logRequests(mux)
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/v1/forecast/{region}", s.forecastHandler)
	mux.HandleFunc("GET /api/v1/forecast/{region}/latest", s.latestHandler)
	mux.HandleFunc("GET /api/v1/regions", s.regionsHandler)
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/lock", s.lockHandler)
	mux.HandleFunc("POST /api/v1/lock/failover", s.failoverHandler)
	mux.HandleFunc("GET /api/v1/audit", s.auditHandler)
	mux.HandleFunc("GET /api/v1/health/{provider}/history", s.historyHandler)
	if s.app.Telemetry != nil && s.app.Telemetry.Enabled() {
		mux.Handle("GET /metrics", s.app.Telemetry.Handler())
	}
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) forecastHandler(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	reqContext := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			reqContext[k] = v[0]
		}
	}
	rec, err := s.app.Orchestrator.Predict(ctx, region, reqContext)
	if err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	var upstream *core.UpstreamError
	switch {
	case errors.Is(err, core.ErrInvalidRegion):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, stats.ErrRegionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, core.ErrNoProviderAvailable):
		writeJSON(w, http.StatusServiceUnavailable, api.DegradedForecast{
			Region:       region,
			Degraded:     true,
			Reason:       err.Error(),
			LastProvider: s.app.Lock.Status().LastProvider,
			Timestamp:    time.Now().UTC(),
		})
	case errors.Is(err, core.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":    err.Error(),
			"provider": upstream.Provider,
			"class":    string(upstream.Class),
		})
	default:
		log.Error().Err(err).Str("region", region).Msg("Prediction failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) latestHandler(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	rec, ok, err := s.app.Orchestrator.Forecast(region)
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, fmt.Errorf("no forecast cached for %s", region))
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) regionsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"regions": s.app.Engine.Regions()})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Orchestrator.Status())
}

func (s *Server) lockHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Lock.Status())
}

func (s *Server) failoverHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	next, err := s.app.Orchestrator.ForceFailover(r.Context(), body.Reason)
	switch {
	case errors.Is(err, core.ErrNoProviderAvailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"active_provider": next})
	}
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Lock.AuditTrail(limit))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.app.Monitor.History(r.PathValue("provider"), limit)
	if errors.Is(err, health.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []health.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// healthHandler reports process liveness. It answers 503 when any check is
// unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	checks := s.runChecks()
	overall := CheckHealthy
	for _, c := range checks {
		if c.Status == CheckUnhealthy {
			overall = CheckUnhealthy
			break
		} else if c.Status == CheckDegraded {
			overall = CheckDegraded
		}
	}
	code := http.StatusOK
	if overall == CheckUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// RegisterCheck adds a named liveness check.
func (s *Server) RegisterCheck(name string, fn func() Check) {
	s.checks[name] = fn
}

func (s *Server) runChecks() []Check {
	out := make([]Check, 0, len(s.checks))
	for _, fn := range s.checks {
		start := time.Now()
		c := fn()
		c.Duration = time.Since(start)
		c.LastChecked = time.Now().UTC()
		out = append(out, c)
	}
	return out
}

func defaultChecks(app *core.App) map[string]func() Check {
	return map[string]func() Check{
		"providers": func() Check {
			sum := app.Monitor.Summary()
			c := Check{
				Name:    "providers",
				Status:  CheckHealthy,
				Message: fmt.Sprintf("active provider: %s", sum.ActiveProvider),
				Details: map[string]string{
					"overall":   string(sum.OverallStatus),
					"healthy":   strconv.Itoa(sum.Healthy),
					"degraded":  strconv.Itoa(sum.Degraded),
					"exhausted": strconv.FormatBool(sum.Exhausted),
				},
			}
			switch sum.OverallStatus {
			case health.StatusDegraded:
				c.Status = CheckDegraded
			case health.StatusUnavailable:
				c.Status = CheckUnhealthy
				c.Message = "no provider can serve predictions"
			}
			return c
		},
		"goroutines": func() Check {
			count := runtime.NumGoroutine()
			c := Check{
				Name:    "goroutines",
				Status:  CheckHealthy,
				Message: fmt.Sprintf("Goroutines: %d", count),
				Details: map[string]string{"count": strconv.Itoa(count)},
			}
			if count > 5000 {
				c.Status = CheckDegraded
				c.Message = fmt.Sprintf("High goroutine count: %d", count)
			}
			return c
		},
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Write response failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
