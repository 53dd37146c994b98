package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"site-analytics/config"
	"site-analytics/geo"
	"site-analytics/logger"
	"site-analytics/middleware"
	"site-analytics/models"
	"site-analytics/notification"
	"site-analytics/service"
	"site-analytics/state"
	"site-analytics/storage"
	"site-analytics/tracker"
)

type Server struct {
	router   *gin.Engine
	config   *config.Config
	tracker  *tracker.Tracker
	notifier *service.SessionNotifier
	events   storage.EventLog
	state    state.Store
	logger   *zap.SugaredLogger
	server   *http.Server
	started  time.Time
}

func NewServer(cfg *config.Config, events storage.EventLog, store state.Store, tr *tracker.Tracker, notifier *service.SessionNotifier, logger *zap.SugaredLogger) (*Server, error) {
	// Set Gin mode based on environment
	switch cfg.App.Env {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), middleware.RequestLogger(logger), middleware.Metrics(), middleware.CORS())

	s := &Server{
		router:   router,
		config:   cfg,
		tracker:  tr,
		notifier: notifier,
		events:   events,
		state:    store,
		logger:   logger,
		started:  time.Now(),
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRoutes() error {
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	s.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	// Health check
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Event ingestion
	ingest := []gin.HandlerFunc{}
	if s.config.Server.IngestRateLimit != "" {
		limit, err := middleware.RateLimit(s.config.Server.IngestRateLimit, s.config.Server.TrustProxyHeaders)
		if err != nil {
			return fmt.Errorf("invalid ingest rate limit: %w", err)
		}
		ingest = append(ingest, limit)
	}
	s.router.POST("/ingest", append(ingest, s.ingestEvent)...)
	s.router.OPTIONS("/ingest", s.preflight)

	// Session notifier, triggered by an external scheduler
	s.router.GET("/check-sessions", s.checkSessions)
	s.router.POST("/check-sessions", s.checkSessions)

	// Read API
	s.router.GET("/api/sessions/:id", s.getSession)
	s.router.GET("/api/events", s.listEvents)
	return nil
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infow("Server starting",
		"addr", s.config.Addr(),
		"env", s.config.App.Env,
		"storage", s.config.Storage.Driver,
		"state", s.config.State.Driver,
		"geo_strategy", s.config.Geo.Strategy,
	)

	// Graceful shutdown
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatalw("Failed to start server", "error", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	errs = append(errs, s.events.Close(), s.state.Close())
	return errors.Join(errs...)
}

// newResolver assembles the geolocation chain from the geo config section.
func newResolver(cfg *config.Config, logger *zap.SugaredLogger) *geo.Resolver {
	var providers []geo.Provider
	for _, name := range cfg.Geo.Providers {
		var p geo.Provider
		switch name {
		case "ip-api":
			p = geo.NewIPAPIProvider("", cfg.Geo.Timeout)
		case "ipinfo":
			p = geo.NewIPInfoProvider("", cfg.Geo.IPInfoToken, cfg.Geo.Timeout)
		default:
			continue
		}
		providers = append(providers, geo.NewBreakerProvider(p, cfg.Geo.RatePerMinute, logger))
	}

	var lookup geo.Provider
	if len(providers) > 0 {
		lookup = geo.NewChain(logger, providers...)
	}

	var reverse *geo.ReverseGeocoder
	if cfg.Geo.ReverseGeocode {
		reverse = geo.NewReverseGeocoder(cfg.Geo.ReverseURL, cfg.Geo.Timeout)
	}

	return geo.NewResolver(geo.ResolverConfig{
		Strategy:         geo.Strategy(cfg.Geo.Strategy),
		Timeout:          cfg.Geo.Timeout,
		ConsistencyCheck: cfg.Geo.ConsistencyCheck,
		Default: models.Geo{
			Country:   cfg.Geo.Default.Country,
			City:      cfg.Geo.Default.City,
			Latitude:  cfg.Geo.Default.Latitude,
			Longitude: cfg.Geo.Default.Longitude,
		},
	}, lookup, reverse, logger)
}

func configPath() string {
	path := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	if *path != "" {
		return *path
	}
	if env := config.GetEnv("CONFIG_PATH", ""); env != "" {
		return env
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

func main() {
	// Load configuration
	cfg := config.MustLoadConfig(configPath())

	base, err := logger.New(logger.Options{
		Env:    cfg.App.Env,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()
	log := logger.ForService(base, "site-analytics", cfg.App.Env)

	events, err := storage.Open(cfg, log.With("component", "event_log"))
	if err != nil {
		log.Fatalw("Failed to open event log", "error", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := state.Open(startCtx, cfg, log.With("component", "notifier_state"))
	cancel()
	if err != nil {
		log.Fatalw("Failed to open notifier state", "error", err)
	}

	sender, err := notification.New(cfg, log.With("component", "notification"))
	if err != nil {
		log.Fatalw("Failed to build notification sender", "error", err)
	}

	tr := tracker.NewTracker(events, newResolver(cfg, log.With("component", "geo")),
		cfg.Server.TrustProxyHeaders, log.With("component", "tracker"))
	notifier := service.NewSessionNotifier(events, store, sender,
		service.NotifierConfigFrom(cfg), log.With("component", "notifier"))

	// Create server
	server, err := NewServer(cfg, events, store, tr, notifier, log)
	if err != nil {
		log.Fatalw("Failed to create server", "error", err)
	}

	// Start server
	if err := server.Start(); err != nil {
		log.Fatalw("Failed to start server", "error", err)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("Server forced to shutdown", "error", err)
	}

	log.Info("Server exited properly")
}
