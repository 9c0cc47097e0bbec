// Package api serves the latest views over HTTP for tools that cannot embed the
// dashboard.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"emperror.dev/errors"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/pipeline"
	"github.com/Dicklesworthstone/ecoscan/internal/sampler"
)

const maxTopN = 1000

type Server struct {
	router   *mux.Router
	pipeline *pipeline.Pipeline
	server   *http.Server
}

func NewServer(p *pipeline.Pipeline) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		pipeline: p,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/api/snapshot", s.snapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/top", s.top).Methods(http.MethodGet)
	s.router.HandleFunc("/api/hourly", s.hourly).Methods(http.MethodGet)
	s.router.HandleFunc("/api/ratings", s.ratings).Methods(http.MethodGet)
	s.router.HandleFunc("/api/stale", s.stale).Methods(http.MethodGet)
	s.router.HandleFunc("/api/refresh", s.refresh).Methods(http.MethodPost)
	s.router.HandleFunc("/api/processes/{pid:[0-9]+}", s.kill).Methods(http.MethodDelete)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.pipeline.Telemetry().Registry, promhttp.HandlerOpts{}))
}

// ListenAndServe blocks until ctx is done, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("api listening on %s", addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.Publisher().Snapshot(r.Context(), s.pipeline.Config().StaleAfter)
	if err != nil {
		serverError(w, err, "error building snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) top(w http.ResponseWriter, r *http.Request) {
	n := s.pipeline.Config().TopN
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > maxTopN {
			http.Error(w, "n must be an integer between 0 and 1000", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	rows, err := s.pipeline.Publisher().TopNByMemory(r.Context(), n)
	if err != nil {
		serverError(w, err, "error listing top processes")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) hourly(w http.ResponseWriter, r *http.Request) {
	series, err := s.pipeline.Publisher().HourlySeries(r.Context())
	if err != nil {
		serverError(w, err, "error listing hourly series")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) ratings(w http.ResponseWriter, r *http.Request) {
	ratings, err := s.pipeline.Publisher().RatingsByHour(r.Context())
	if err != nil {
		serverError(w, err, "error listing ratings")
		return
	}
	writeJSON(w, http.StatusOK, ratings)
}

func (s *Server) stale(w http.ResponseWriter, r *http.Request) {
	threshold := s.pipeline.Config().StaleAfter
	if v := r.URL.Query().Get("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			http.Error(w, "days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		threshold = time.Duration(days) * 24 * time.Hour
	}
	report, err := s.pipeline.Publisher().StaleLicenseReport(r.Context(), threshold)
	if err != nil {
		serverError(w, err, "error building stale license report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) refresh(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseInt(mux.Vars(r)["pid"], 10, 32)
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	err = s.pipeline.Terminate(r.Context(), int32(pid))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, sampler.ErrNoSuchProcess):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sampler.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		serverError(w, err, "error terminating process")
	}
}

func serverError(w http.ResponseWriter, err error, msg string) {
	log.WithError(err).Error(msg)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		serverError(w, err, "error encoding response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
