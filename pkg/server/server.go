// Package server exposes the descriptor store and exit ring over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/descriptor"
	"github.com/agenthands/descedge/pkg/exitring"
	"github.com/agenthands/descedge/pkg/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Route names, also used as the metrics route label.
const (
	RouteDescriptor = "descriptor"
	RouteHealth     = "health"
	RouteExit       = "exit"
	RouteMetrics    = "metrics"
)

// Options wires the handler. Store and Ring are required.
type Options struct {
	// Location is this node's edge identifier, reported by /health ("unknown"
	// when empty) and used as the default locality hint for /v1/exit.
	Location       string
	LocalBackend   string
	DurableBackend string
	OriginURL      string

	Store   *descriptor.Store
	Ring    *exitring.Ring
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type handler struct {
	opts   Options
	logger *zap.Logger
}

// NewHandler returns the routed, instrumented handler.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{opts: opts, logger: opts.Logger}

	// Paths are matched as sent so dot segments reach the fallback rather
	// than a redirect.
	r := mux.NewRouter().SkipClean(true)
	r.HandleFunc(core.DescriptorPathPrefix+"{key:[A-Za-z0-9._-]+}", h.descriptor).Methods(http.MethodGet).Name(RouteDescriptor)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet).Name(RouteHealth)
	r.HandleFunc("/v1/exit", h.exit).Methods(http.MethodGet).Name(RouteExit)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet).Name(RouteMetrics)
	}
	r.NotFoundHandler = http.HandlerFunc(fallback)
	r.MethodNotAllowedHandler = http.HandlerFunc(fallback)

	return instrument(r, opts.Metrics, opts.Logger)
}

// fallback answers every unrouted request the same way.
func fallback(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handler) descriptor(w http.ResponseWriter, r *http.Request) {
	key, err := core.ParseKey(mux.Vars(r)["key"])
	if err != nil || key == "." || key == ".." {
		fallback(w, r)
		return
	}

	d, tier, err := h.opts.Store.Resolve(r.Context(), key)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			h.logger.Warn("resolve failed", zap.String("key", string(key)), zap.Error(err))
		}
		descriptor.WriteNotFound(w, key)
		return
	}
	h.logger.Debug("resolved", zap.String("key", string(key)), zap.String("tier", string(tier)))
	descriptor.WriteDescriptor(w, r, d)
}

type healthResponse struct {
	Status         string  `json:"status"`
	Edge           string  `json:"edge"`
	Durable        bool    `json:"durable"`
	DurableBackend string  `json:"durable_backend"`
	LocalBackend   string  `json:"local_backend"`
	StaticOrigin   *string `json:"static_origin"`
	Exits          int     `json:"exits"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	edge := h.opts.Location
	if edge == "" {
		edge = "unknown"
	}
	resp := healthResponse{
		Status:         "ok",
		Edge:           edge,
		Durable:        h.opts.DurableBackend != "" && h.opts.DurableBackend != "none",
		DurableBackend: h.opts.DurableBackend,
		LocalBackend:   h.opts.LocalBackend,
		Exits:          len(h.opts.Ring.Exits()),
	}
	if h.opts.OriginURL != "" {
		origin := h.opts.OriginURL
		resp.StaticOrigin = &origin
	}
	writeJSON(w, http.StatusOK, resp)
}

type exitResponse struct {
	Key    string `json:"key"`
	Exit   string `json:"exit"`
	Source string `json:"source"`
}

func (h *handler) exit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing key"})
		return
	}
	hint := q.Get("prefer")
	if hint == "" {
		hint = h.opts.Location
	}

	source := "ring"
	if hint != "" && h.opts.Ring.Contains(hint) {
		source = "locality"
	}
	exit := h.opts.Ring.Pick(key, hint)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ExitPicks.WithLabelValues(source).Inc()
	}
	writeJSON(w, http.StatusOK, exitResponse{Key: key, Exit: exit, Source: source})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server is an http.Server bound to a context.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func New(cfg core.ServerConfig, h http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
	}
}

// Serve accepts on l until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(l) }()
	s.logger.Info("listening", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.shutdownTimeout)
		defer cancel()
	}
	s.logger.Info("shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
