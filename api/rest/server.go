// Package rest serves a read-only status API for a node: its systems, roles,
// round counters and, for mediators, the unreported requests.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/sysarray/internal/mediator"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// PendingSource exposes the unreported requests of a mediator.
type PendingSource interface {
	PendingInvocations() []mediator.PendingInvocation
}

// Config tunes the status server.
type Config struct {
	Address      string        `yaml:"address"`
	Node         string        `yaml:"node"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AccessLog enables the fiber request log.
	AccessLog bool `yaml:"access_log"`
}

func DefaultConfig() *Config {
	return &Config{
		Address:      ":7780",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes one parallel array over HTTP.
type Server struct {
	app     *fiber.App
	array   *parallel.Array
	pending PendingSource
	config  *Config
}

// Option configures a Server.
type Option func(*Server)

// WithPending adds the pending request view of a mediator.
func WithPending(p PendingSource) Option {
	return func(s *Server) { s.pending = p }
}

// NewServer creates a status server for a.
func NewServer(a *parallel.Array, config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          errorHandler,
		AppName:               "sysarray",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})

	s := &Server{app: app, array: a, config: config}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.AccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} api ${status} ${method} ${path} ${latency}\n",
			TimeFormat: time.RFC3339,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/systems", s.listSystems)
	api.Get("/systems/:id", s.getSystem)
	api.Get("/roles", s.listRoles)
	api.Get("/roles/:name", s.getRole)
	api.Get("/stats", s.getStats)
	api.Get("/pending", s.listPending)

	s.setupEventRoutes(api)
}

// Start listens on the configured address.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// StartWithContext serves until ctx is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	logger.Info("api: listening", zap.String("address", s.config.Address))

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown waits up to five seconds for open requests.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// App is used by tests through App().Test.
func (s *Server) App() *fiber.App { return s.app }

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	name := fmt.Sprintf("error_%d", code)
	message := err.Error()

	var fe *fiber.Error
	var pe *types.ProtocolError
	switch {
	case errors.As(err, &fe):
		code, name, message = fe.Code, fmt.Sprintf("error_%d", fe.Code), fe.Message
	case errors.As(err, &pe):
		code, name = statusOf(pe.Code), string(pe.Code)
	}
	if code >= fiber.StatusInternalServerError {
		logger.Warn("api: request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(ErrorResponse{Error: name, Message: message})
}

func statusOf(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeRoleNotFound:
		return fiber.StatusNotFound
	case types.ErrCodeNoAvailablePeer, types.ErrCodeChannelNotOpen:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
