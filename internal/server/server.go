package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"go.olrik.dev/tether/internal/bridge"
	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/state"
)

// Bridge is the host capability surface the control server consults
type Bridge interface {
	Status() bridge.Status
	IsConnected() bool
	Snapshot(ctx context.Context) (map[string]any, error)
	Selection(ctx context.Context) (string, error)
	Retry() bool
	History() []bridge.Transition
}

// ControlServer serves the worker's HTTP control and data API on loopback
type ControlServer struct {
	bridge  Bridge
	store   *state.Store
	cfg     core.WorkerConfig
	version string
	logger  *slog.Logger

	router     *gin.Engine
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	commands map[string]CommandFunc
	onStop   func()
	runGit   gitRunner
}

// New creates a control server backed by b and store
func New(b Bridge, store *state.Store, cfg core.WorkerConfig) *ControlServer {
	gin.SetMode(gin.ReleaseMode)

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &ControlServer{
		bridge:   b,
		store:    store,
		cfg:      cfg,
		version:  core.Version,
		logger:   slog.Default(),
		commands: make(map[string]CommandFunc),
		runGit:   execGit,
	}

	s.registerBuiltins()
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *ControlServer) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())
	router.Use(corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/snapshot", s.handleSnapshot)
	router.POST("/command", s.handleCommand)
	router.GET("/registry", s.handleRegistry)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Code: "not_found", Message: "no such endpoint"}})
	})

	return router
}

// Handler returns the HTTP handler serving the API
func (s *ControlServer) Handler() http.Handler {
	return s.router
}

// OnShutdown sets the function the shutdown command triggers
func (s *ControlServer) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = fn
}

// Listen binds an OS-assigned port on the loopback host and returns it
func (s *ControlServer) Listen() (int, error) {
	host := s.cfg.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	if !isLoopback(host) {
		return 0, fmt.Errorf("refusing to listen on non-loopback host %q", host)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to bind control listener: %w", err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	_, portStr, _ := net.SplitHostPort(lis.Addr().String())
	port, _ := strconv.Atoi(portStr)
	s.logger.Debug("Control listener bound", "addr", lis.Addr().String())
	return port, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr returns the bound listener address, or nil before Listen
func (s *ControlServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles requests until Shutdown. Returns nil on clean shutdown.
func (s *ControlServer) Serve() error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		return errors.New("control server is not listening")
	}

	s.logger.Info("Control server listening", "addr", lis.Addr().String(), "pid", os.Getpid())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires, then force-closes whatever remains.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("Control server drain incomplete, forcing close", "error", err)
		s.httpServer.Close()
	}

	// Bound but never served
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *ControlServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debug("Control request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// corsMiddleware allows any origin; the API is consumed from a browser-hosted client
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
