// Package server provides the HTTP server and routing.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/paperledger/internal/database"
	"github.com/aristath/paperledger/internal/events"
	ledgerhandlers "github.com/aristath/paperledger/internal/modules/ledger/handlers"
	portfoliohandlers "github.com/aristath/paperledger/internal/modules/portfolio/handlers"
	settingshandlers "github.com/aristath/paperledger/internal/modules/settings/handlers"
	"github.com/aristath/paperledger/internal/reliability"
)

// Config holds server configuration.
type Config struct {
	Log               zerolog.Logger
	Port              int
	DevMode           bool
	DataDir           string
	LedgerDB          *database.DB
	ConfigDB          *database.DB
	CacheDB           *database.DB
	EventManager      *events.Manager
	PortfolioHandlers *portfoliohandlers.Handler
	SettingsHandlers  *settingshandlers.Handler
	LedgerHandlers    *ledgerhandlers.Handler
	BackupService     *reliability.BackupService
}

// Server is the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            Config
	systemHandlers *SystemHandlers
	eventsStream   *EventsStreamHandler
	eventsSocket   *EventsSocketHandler
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.systemHandlers = NewSystemHandlers(
		cfg.Log,
		cfg.DataDir,
		[]*database.DB{cfg.LedgerDB, cfg.ConfigDB, cfg.CacheDB},
		cfg.BackupService,
	)
	s.eventsStream = NewEventsStreamHandler(cfg.EventManager, cfg.Log)
	s.eventsSocket = NewEventsSocketHandler(cfg.EventManager, cfg.Log)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !s.cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		if s.cfg.PortfolioHandlers != nil {
			s.cfg.PortfolioHandlers.RegisterRoutes(r)
		}
		if s.cfg.SettingsHandlers != nil {
			s.cfg.SettingsHandlers.RegisterRoutes(r)
		}
		if s.cfg.LedgerHandlers != nil {
			s.cfg.LedgerHandlers.RegisterRoutes(r)
		}

		r.Route("/system", func(r chi.Router) {
			r.Get("/info", s.systemHandlers.HandleSystemInfo)
			r.Get("/health", s.systemHandlers.HandleHealth)
			r.Post("/backup", s.systemHandlers.HandleTriggerBackup)
			r.Get("/backups", s.systemHandlers.HandleListBackups)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/stream", s.eventsStream.ServeHTTP)
			r.Get("/ws", s.eventsSocket.ServeHTTP)
		})
	})
}

// requestLogger logs each request with its status and duration. Noisy
// polling endpoints are logged at debug.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		event := s.log.Info()
		if r.URL.Path == "/health" || r.URL.Path == "/api/portfolio/" {
			event = s.log.Debug()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
