package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/config"
	"github.com/energizer-project/tftpd/internal/db"
	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/metrics"
	intnet "github.com/energizer-project/tftpd/internal/network"
	"github.com/energizer-project/tftpd/internal/session"
)

// SessionLister reports logged-in users.
type SessionLister interface {
	Users() []session.Entry
	Count() int
}

// ConnectionLister reports open connections.
type ConnectionLister interface {
	Snapshot() []intnet.ConnInfo
	Count() int
}

// FileLister lists the file store.
type FileLister interface {
	List(ctx context.Context) ([]string, error)
}

// AuditReader returns recent audit entries.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]db.AuditEntry, error)
}

// Sources are the components the API reports on. Audit and Metrics may be
// nil when disabled.
type Sources struct {
	Sessions    SessionLister
	Connections ConnectionLister
	Files       FileLister
	Audit       AuditReader
	Metrics     *metrics.Metrics
}

// Server is the admin REST API.
type Server struct {
	cfg       config.APIConfig
	eventBus  *events.EventBus
	src       Sources
	version   string
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, logLevel string, eventBus *events.EventBus, src Sources, version string) *Server {
	if logLevel == "debug" || logLevel == "trace" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		src:       src,
		version:   version,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("admin API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery(), requestLogger, readOnlyHeaders)

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(rateLimit(s.cfg.RateLimitRPS))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/connections", s.handleConnections)
		monitor.GET("/files", s.handleFiles)
		monitor.GET("/audit", s.handleAudit)
		monitor.GET("/events/ws", s.handleEventFeed)
	}

	if s.src.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.src.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "tftpd admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
