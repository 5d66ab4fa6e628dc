package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/orchestrator"
	"github.com/example/slotwatch/internal/poller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type PollerStatus interface {
	Status() poller.Status
}

type Sessions interface {
	Active() (int64, bool)
	StopActive() bool
}

type Batches interface {
	Status(scheduleID int64) (orchestrator.BatchStatus, bool)
	RequestStop(scheduleID int64) bool
}

type Server struct {
	Auth     *auth.Store
	Poller   PollerStatus
	Sessions Sessions
	Batches  Batches
	Logger   zerolog.Logger

	// LoginLimit caps login attempts per client IP per minute.
	LoginLimit int
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	limit := s.LoginLimit
	if limit <= 0 {
		limit = 5
	}
	r.With(httprate.Limit(limit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
		}),
	)).Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)
		r.Get("/poller", s.handlePoller)
		r.Post("/poller/stop", s.handlePollerStop)
		r.Get("/batches/{id}", s.handleBatch)
		r.Post("/batches/{id}/stop", s.handleBatchStop)
	})
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req.Username, req.Password = r.FormValue("username"), r.FormValue("password")
	}

	user := strings.TrimSpace(req.Username)
	if err := s.Auth.Authenticate(user, req.Password); err != nil {
		s.Logger.Warn().Str("remote", r.RemoteAddr).Msg("login rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username/password"})
		return
	}
	if err := s.Auth.SetSession(w, r, user); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

type pollerResponse struct {
	poller.Status
	ScheduleID int64 `json:"schedule_id,omitempty"`
}

func (s *Server) handlePoller(w http.ResponseWriter, r *http.Request) {
	resp := pollerResponse{Status: s.Poller.Status()}
	if id, ok := s.Sessions.Active(); ok {
		resp.ScheduleID = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePollerStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.Sessions.StopActive()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, err := scheduleID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	st, ok := s.Batches.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no batch for schedule"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	id, err := scheduleID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.Batches.RequestStop(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running batch for schedule"})
		return
	}
	s.Logger.Info().Int64("schedule_id", id).Msg("batch stop requested over http")
	writeJSON(w, http.StatusAccepted, map[string]bool{"stop_requested": true})
}

func scheduleID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid schedule id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func Start(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}
