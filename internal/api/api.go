// Package api serves the read path over stored documents plus the health and
// metrics endpoints every pipeline process exposes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/telemetry-pipeline/internal/log"
	"github.com/ibs-source/telemetry-pipeline/internal/message"
	"github.com/ibs-source/telemetry-pipeline/internal/metrics"
	"github.com/ibs-source/telemetry-pipeline/internal/store"
)

// Options configures a Server.
type Options struct {
	Stores       map[message.Type]store.Store // Exposed under /api/{type}-data
	Healthy      func() bool                  // Nil reports healthy
	Metrics      *metrics.Metrics
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP listener of a pipeline process
type Server struct {
	opts Options
	mux  *http.ServeMux
	log  *log.Logger
}

// New builds the routes for opts.
func New(opts Options, logger *log.Logger) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux(), log: logger}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	for typ, st := range opts.Stores {
		base := "/api/" + string(typ) + "-data"
		s.mux.HandleFunc("GET "+base, s.handleList(typ, st))
		s.mux.HandleFunc("GET "+base+"/{id}", s.handleGet(typ, st))
	}
	return s
}

// Handler returns the routing handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.opts.Healthy != nil && !s.opts.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("UNAVAILABLE"))
		return
	}
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleList(typ message.Type, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		docs, err := st.List(r.Context(), q)
		if err != nil {
			s.log.ErrorWithFields(logrus.Fields{"type": typ, "error": err}, "Error fetching %s data", typ)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if docs == nil {
			docs = []store.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func (s *Server) handleGet(typ message.Type, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := st.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, notFound(typ))
			return
		}
		if err != nil {
			s.log.ErrorWithFields(logrus.Fields{"type": typ, "error": err}, "Error fetching %s data", typ)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// parseQuery reads limit, offset and sensorId.
func parseQuery(r *http.Request) (store.Query, error) {
	values := r.URL.Query()
	q := store.Query{SensorID: values.Get("sensorId"), Limit: store.DefaultLimit}

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return store.Query{}, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return store.Query{}, fmt.Errorf("invalid offset %q", v)
		}
		q.Offset = n
	}
	return q.Normalize(), nil
}

// notFound renders "Soil data not found" for soil.
func notFound(typ message.Type) string {
	name := string(typ)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + " data not found"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
