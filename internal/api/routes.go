// Package api is the collaborator HTTP/WebSocket adapter that turns
// Engine commands into routes and forwards Broadcaster events over a
// fiber websocket connection. It has no domain logic of its own; every
// handler is a thin translation to/from internal/engine.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/broadcast"
	"github.com/modbus-scada/engine/internal/engine"
	"github.com/modbus-scada/engine/internal/enginerr"
)

// Server wires an Engine and Broadcaster to a fiber app.
type Server struct {
	eng *engine.Engine
	bc  *broadcast.Broadcaster
	log *zap.Logger
}

// New constructs a Server. Call SetupRoutes to register its routes on an
// *fiber.App.
func New(eng *engine.Engine, bc *broadcast.Broadcaster, log *zap.Logger) *Server {
	return &Server{eng: eng, bc: bc, log: log}
}

// SetupRoutes registers the control API and event-stream routes.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.healthCheck)

	app.Post("/engine/start", s.startEngine)
	app.Post("/engine/stop", s.stopEngine)

	app.Post("/nodes/:id/reload", s.reloadNode)
	app.Post("/devices/:id/reconnect", s.reconnectDevice)
	app.Post("/tags/:id/write", s.writeTag)

	app.Get("/settings/archive-interval", s.getArchiveInterval)
	app.Put("/settings/archive-interval", s.setArchiveInterval)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWebSocket))
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	results := s.eng.Health().GetCheckResults()
	return c.JSON(results)
}

func (s *Server) startEngine(c *fiber.Ctx) error {
	if err := s.eng.Start(c.Context()); err != nil {
		return fiberError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) stopEngine(c *fiber.Ctx) error {
	s.eng.Stop(c.Context())
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) reloadNode(c *fiber.Ctx) error {
	if err := s.eng.ReloadNode(c.Context(), c.Params("id")); err != nil {
		return fiberError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) reconnectDevice(c *fiber.Ctx) error {
	if err := s.eng.ReconnectDevice(c.Context(), c.Params("id")); err != nil {
		return fiberError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

type writeTagRequest struct {
	Value interface{} `json:"value"`
}

func (s *Server) writeTag(c *fiber.Ctx) error {
	var req writeTagRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	confirmed, err := s.eng.WriteTag(c.Context(), c.Params("id"), req.Value)
	if err != nil {
		return fiberError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "value": confirmed})
}

type archiveIntervalRequest struct {
	Interval int64 `json:"interval"`
}

func (s *Server) getArchiveInterval(c *fiber.Ctx) error {
	interval := s.eng.ArchiveInterval(c.Context())
	return c.JSON(fiber.Map{"interval": interval.Milliseconds()})
}

func (s *Server) setArchiveInterval(c *fiber.Ctx) error {
	var req archiveIntervalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	interval := durationFromMS(req.Interval)
	if err := s.eng.SetArchiveInterval(c.Context(), interval); err != nil {
		return fiberError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func fiberError(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}
	var engErr *enginerr.Error
	if errors.As(err, &engErr) && engErr.Kind == enginerr.KindModbusException {
		body["modbusCode"] = engErr.Code
	}
	return c.Status(fiber.StatusInternalServerError).JSON(body)
}

func durationFromMS(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
