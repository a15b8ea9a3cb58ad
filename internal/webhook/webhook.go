// Package webhook provides the shared gin-based HTTP surface the
// WeCom, WeCom Self-built Application, and QQ transports register
// their inbound callback routes on, plus the gateway's own health and
// account-status endpoints.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wendell1224/openclaw-china/internal/lifecycle"
	"github.com/wendell1224/openclaw-china/internal/security"
)

// defaultWebhookRateLimit caps each remote address to this many calls
// per minute against any one account's callback path, absorbing a
// platform's retry storm without open-ended throttling configuration.
const defaultWebhookRateLimit = 120

// AccountStatus mirrors one account's lifecycle state for the
// /api/internal/channel-status endpoint.
type AccountStatus struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId"`
	Running   bool   `json:"running"`
	LastError string `json:"error,omitempty"`
}

// StatusProvider supplies the current status of every configured
// account, injected by the process that owns the lifecycle manager.
type StatusProvider func() []AccountStatus

// Options configures the webhook server's bind address.
type Options struct {
	Bind string // "loopback", "all", or empty (defaults to loopback)
	Port int
}

// Server is the shared HTTP surface for webhook-style inbound
// transports (WeCom AI Robot, WeCom Self-built Application, QQ Open
// Platform) plus internal health/status endpoints.
type Server struct {
	router    *gin.Engine
	logger    *slog.Logger
	opts      Options
	startedAt time.Time

	mu             sync.Mutex
	statusProvider StatusProvider

	limiter     *security.SlidingWindowLimiter
	broadcaster *StatusBroadcaster
}

// NewServer builds a webhook server in release mode, with panic
// recovery and a structured request logging middleware.
func NewServer(opts Options, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	limiter := security.NewSlidingWindowLimiter(defaultWebhookRateLimit, time.Minute)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLoggerMiddleware(logger))

	s := &Server{
		router:      router,
		logger:      logger,
		opts:        opts,
		startedAt:   time.Now(),
		limiter:     limiter,
		broadcaster: newStatusBroadcaster(),
	}
	router.Use(func(c *gin.Context) { s.limiter.GinMiddleware()(c) })
	s.setupInternalRoutes()
	return s
}

// StatusSink returns the sink lifecycle.Manager should publish every
// status change to, so each change reaches every connected
// /api/internal/status/stream client live.
func (s *Server) StatusSink() lifecycle.StatusSink {
	return s.broadcaster
}

func requestLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

func (s *Server) setupInternalRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/internal/channel-status", s.handleChannelStatus)
	s.router.GET("/api/internal/status/stream", s.handleStatusStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.startedAt).String()})
}

func (s *Server) handleChannelStatus(c *gin.Context) {
	s.mu.Lock()
	provider := s.statusProvider
	s.mu.Unlock()

	if provider == nil {
		c.JSON(http.StatusOK, gin.H{"accounts": []AccountStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": provider()})
}

// SetStatusProvider injects the callback used to answer
// /api/internal/channel-status.
func (s *Server) SetStatusProvider(fn StatusProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusProvider = fn
}

// RegisterWebhook mounts a transport's inbound callback handler at
// path for both GET (URL verification handshakes used by WeCom and
// QQ) and POST (the actual callback payload).
func (s *Server) RegisterWebhook(path string, handler gin.HandlerFunc) {
	s.router.GET(path, handler)
	s.router.POST(path, handler)
}

// RegisterGroup returns a gin.RouterGroup rooted at prefix, for
// callers that need more than a single route under one prefix. The
// transports in this repository register through RegisterWebhook.
func (s *Server) RegisterGroup(prefix string) *gin.RouterGroup {
	return s.router.Group(prefix)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully with a 10 second timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := s.listenAddr()
	s.logger.Info("starting webhook server", "address", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("webhook server failed to start on %s: %w", addr, err)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case err := <-listenErr:
		return fmt.Errorf("webhook server runtime error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down webhook server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) listenAddr() string {
	port := s.opts.Port
	if port == 0 {
		port = 9790
	}
	switch s.opts.Bind {
	case "all":
		return fmt.Sprintf("0.0.0.0:%d", port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", port)
	}
}
