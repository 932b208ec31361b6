// Package web exposes the conversation engine over HTTP and streams its
// notifications over a websocket.
package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/hub"
	"github.com/teslashibe/go-habla/pkg/session"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// Controller is the engine surface the API drives. *session.Engine
// implements it.
type Controller interface {
	SetSessionID(ctx context.Context, id string) error
	Initiate(ctx context.Context, userInitiated bool) error
	Close(ctx context.Context, newSessionRequested bool, hint string) error
	State(ctx context.Context) (session.Snapshot, error)
	History(ctx context.Context) (history.Snapshot, error)
	Actions() map[string]toolrelay.ActionState
	SetTTSEnabled(ctx context.Context, lang string, on bool) error
}

var _ Controller = (*session.Engine)(nil)

// Config configures the server.
type Config struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// AccessLog receives one line per request. Nil disables access logging.
	AccessLog io.Writer

	Logger *slog.Logger
}

// Server is the control API.
type Server struct {
	app    *fiber.App
	ctrl   Controller
	events *hub.Hub
	logger *slog.Logger
}

// NewServer builds the routes. events may be nil, in which case /ws/events
// is not mounted.
func NewServer(cfg Config, ctrl Controller, events *hub.Hub) *Server {
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	s := &Server{
		ctrl:   ctrl,
		events: events,
		logger: lg.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "habla",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if cfg.AccessLog != nil {
		app.Use(logger.New(logger.Config{
			Output: cfg.AccessLog,
			Format: "${time} ${status} ${method} ${path} ${latency}\n",
		}))
	}

	app.Get("/health", s.handleHealth)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	api := app.Group("/api")
	api.Post("/sessions/:id", s.handleSelectSession)
	api.Get("/session", s.handleState)
	api.Post("/session/initiate", s.handleInitiate)
	api.Post("/session/close", s.handleClose)
	api.Get("/session/history", s.handleHistory)
	api.Get("/actions", s.handleActions)
	api.Put("/tts/:lang", s.handleSetTTS)

	if events != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/events", websocket.New(s.handleEventsWS))
	}

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("control API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
