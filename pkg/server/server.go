// Package server exposes console sessions over HTTP: boot parameters,
// session creation, power and capture commands, snapshots and the engine
// WebSocket.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lob-engine/console/pkg/console"
	"github.com/lob-engine/console/pkg/profile"
	"github.com/lob-engine/console/pkg/snapshot"
)

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	StaticDir      string
	CommandTimeout time.Duration
	SaveTimeout    time.Duration
	// MaxFrameSize caps a frame read from an engine page. Zero means no cap.
	MaxFrameSize int64
}

// Server routes HTTP requests to console sessions.
type Server struct {
	registry  *console.Registry
	snapshots *snapshot.Manager
	resolver  *profile.Resolver
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New returns a Server.
func New(registry *console.Registry, snapshots *snapshot.Manager, resolver *profile.Resolver, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = time.Minute
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	return &Server{
		registry:  registry,
		snapshots: snapshots,
		resolver:  resolver,
		opts:      opts,
		logger:    logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/profiles", s.listProfiles)
		r.Get("/boot", s.bootParams)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Get("/engine", s.engineSocket)

				r.Post("/power", s.power)
				r.Post("/pause", s.pause)
				r.Post("/reset", s.reset)

				r.Post("/fullscreen", s.fullScreen)
				r.Post("/fullscreen/exit", s.exitFullScreen)
				r.Post("/pointer-lock", s.pointerLock)
				r.Post("/capture", s.clickToCapture)

				r.Get("/snapshots", s.listSessionSnapshots)
				r.Post("/snapshots", s.saveSnapshot)
				r.Post("/snapshots/restore", s.restoreSnapshot)
			})
		})

		r.Get("/snapshots", s.listSnapshots)
		r.Get("/snapshots/{sid}", s.getSnapshot)
		r.Get("/snapshots/{sid}/download", s.downloadSnapshot)
	})

	if s.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}
