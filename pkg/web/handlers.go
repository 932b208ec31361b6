package web

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-habla/pkg/hub"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/session"
)

// TTSRequest is the body of PUT /api/tts/:lang.
type TTSRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleSelectSession selects a session slug, loading its history.
func (s *Server) handleSelectSession(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return fiber.NewError(fiber.StatusBadRequest, "session id is required")
	}
	if err := s.ctrl.SetSessionID(c.UserContext(), id); err != nil {
		return err
	}
	return s.respondState(c)
}

func (s *Server) handleState(c *fiber.Ctx) error {
	return s.respondState(c)
}

// handleInitiate starts a connection. With new=true the previous session is
// closed as a new-session request first, which also forgets the last
// spoken phrase.
func (s *Server) handleInitiate(c *fiber.Ctx) error {
	fresh, err := boolQuery(c, "new")
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	if fresh {
		if err := s.ctrl.Close(ctx, true, ""); err != nil {
			return err
		}
	}
	if err := s.ctrl.Initiate(ctx, true); err != nil {
		return err
	}
	return s.respondState(c)
}

func (s *Server) handleClose(c *fiber.Ctx) error {
	fresh, err := boolQuery(c, "new")
	if err != nil {
		return err
	}
	if err := s.ctrl.Close(c.UserContext(), fresh, c.Query("hint")); err != nil {
		return err
	}
	return s.respondState(c)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	snap, err := s.ctrl.History(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *Server) handleActions(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Actions())
}

func (s *Server) handleSetTTS(c *fiber.Ctx) error {
	var req TTSRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return fiber.NewError(fiber.StatusBadRequest, `body must be {"enabled": bool}`)
	}
	if err := s.ctrl.SetTTSEnabled(c.UserContext(), c.Params("lang"), *req.Enabled); err != nil {
		return err
	}
	return s.respondState(c)
}

func (s *Server) respondState(c *fiber.Ctx) error {
	snap, err := s.ctrl.State(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// handleEventsWS streams notifications until the client goes away.
func (s *Server) handleEventsWS(conn *websocket.Conn) {
	hub.NewClient(s.events, conn).Run()
}

// handleError renders every failure as {"error": msg}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	var connErr *realtime.ConnectionError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, session.ErrUnsupportedLanguage):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSuperseded):
		return fiber.StatusConflict
	case session.IsCredentialError(err), errors.As(err, &connErr), errors.Is(err, session.ErrTransportFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, session.ErrEngineStopped):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func boolQuery(c *fiber.Ctx, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fiber.NewError(fiber.StatusBadRequest, "invalid "+key+" parameter")
	}
	return v, nil
}
