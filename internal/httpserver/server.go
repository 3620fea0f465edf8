package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/relay"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// StreamDirectory lists the media server's streams.
type StreamDirectory interface {
	Streams(ctx context.Context) (map[string]directory.Stream, bool)
	Options(ctx context.Context, parameterIdent string) ([]directory.DropdownEntry, bool)
}

// SessionLister reports live signaling sessions.
type SessionLister interface {
	Sessions() []relay.SessionInfo
}

// Deps are the optional collaborators behind the service routes. Nil fields
// leave the corresponding routes unregistered.
type Deps struct {
	Signaling http.Handler
	Directory StreamDirectory
	Sessions  SessionLister
	Metrics   *metrics.Metrics
	Gauges    map[string]metrics.GaugeFunc
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Caller WebSockets are long-lived, so no read/write timeouts here.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if s.cfg.ServerAddr == "" {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "media server address not configured"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics, s.deps.Gauges))
	}

	if s.deps.Signaling != nil {
		s.mux.Handle("GET /ws", s.deps.Signaling)
	}

	if s.deps.Sessions != nil {
		s.mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.Sessions()})
		})
	}

	if s.deps.Directory != nil {
		s.mux.HandleFunc("GET /api/streams", s.withOriginPolicy(s.handleStreams))
		s.mux.HandleFunc("GET /api/stream-options", s.withOriginPolicy(s.handleStreamOptions))
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, ok := s.deps.Directory.Streams(r.Context())
	if !ok {
		WriteJSON(w, http.StatusBadGateway, map[string]any{"error": "stream listing unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (s *Server) handleStreamOptions(w http.ResponseWriter, r *http.Request) {
	ident := r.URL.Query().Get("parameter_ident")
	if ident != directory.ParameterStreamID {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "unknown parameter"})
		return
	}
	entries, ok := s.deps.Directory.Options(r.Context(), ident)
	if !ok {
		WriteJSON(w, http.StatusBadGateway, map[string]any{"error": "stream listing unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dropdown_entries": entries})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
