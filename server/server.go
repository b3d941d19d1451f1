// Package server is the HTTP boundary of the daemon: request parsing,
// validation of shape, and mapping of the internal error taxonomy to
// structured JSON responses. All state lives behind memory.Service.
package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/mnemod/mnemod/core"
	"github.com/mnemod/mnemod/memory"
)

// Server wires the gateway routes to the memory service.
type Server struct {
	app *fiber.App
	svc *memory.Service
	log *logrus.Entry
}

// New builds the fiber app with all routes registered.
func New(svc *memory.Service, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	app := fiber.New(fiber.Config{
		AppName:               "mnemod",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})

	s := &Server{app: app, svc: svc, log: log.WithField("component", "server")}

	app.Use(recover.New())

	prom := fiberprometheus.New("mnemod")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Post("/store", s.handleStore)
	app.Post("/query", s.handleQuery)
	app.Get("/health", s.handleHealth)
	app.Get("/stats", s.handleStats)

	app.Get("/learnings", s.handleList)
	app.Delete("/learnings/:id", s.handleDelete)
	app.Post("/learnings/delete", s.handleBulkDelete)
	app.Post("/admin/purge", s.handlePurge)

	return s
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests within the timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleStore(c *fiber.Ctx) error {
	var req memory.StoreRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, &core.ValidationError{Field: "body", Reason: "malformed JSON"})
	}
	result, err := s.svc.Store(c.Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(result)
}

type queryResponse struct {
	ID            string            `json:"id"`
	Type          core.LearningType `json:"type"`
	Content       string            `json:"content"`
	Context       string            `json:"context,omitempty"`
	Confidence    float64           `json:"confidence"`
	SessionSource string            `json:"session_source,omitempty"`
	Score         float64           `json:"score"`
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req memory.QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, &core.ValidationError{Field: "body", Reason: "malformed JSON"})
	}
	results, err := s.svc.Query(c.Context(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	out := make([]queryResponse, len(results))
	for i, r := range results {
		out[i] = queryResponse{
			ID:            r.Record.ID,
			Type:          r.Record.Type,
			Content:       r.Record.Content,
			Context:       r.Record.Context,
			Confidence:    r.Record.Confidence,
			SessionSource: r.Record.SessionSource,
			Score:         r.Score,
		}
	}
	return c.JSON(fiber.Map{"results": out})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if !s.svc.Healthy() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.svc.Stats(c.Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) handleList(c *fiber.Ctx) error {
	typeFilter := core.LearningType(c.Query("type", ""))
	if typeFilter != "" && !typeFilter.Valid() {
		return s.respondError(c, &core.ValidationError{Field: "type", Reason: "unknown learning type"})
	}
	minConfidence, _ := strconv.ParseFloat(c.Query("min_confidence", "0"), 64)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	recs, err := s.svc.List(c.Context(), core.ListFilter{
		Type:          typeFilter,
		SessionSource: c.Query("session_source", ""),
		MinConfidence: minConfidence,
		Limit:         pageSize,
		Offset:        (page - 1) * pageSize,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	if recs == nil {
		recs = []*core.LearningRecord{}
	}
	return c.JSON(fiber.Map{
		"learnings": recs,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	deleted, err := s.svc.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

func (s *Server) handleBulkDelete(c *fiber.Ctx) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, &core.ValidationError{Field: "body", Reason: "malformed JSON"})
	}
	if len(req.IDs) == 0 {
		return s.respondError(c, &core.ValidationError{Field: "ids", Reason: "must not be empty"})
	}
	results := s.svc.BulkDelete(c.Context(), req.IDs)
	return c.JSON(fiber.Map{"results": results})
}

func (s *Server) handlePurge(c *fiber.Ctx) error {
	n, err := s.svc.Purge(c.Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"purged": n})
}

// respondError maps the error taxonomy to HTTP statuses and a structured
// envelope. Internal detail never leaks beyond the taxonomy message.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	var (
		status int
		code   string
	)
	switch {
	case core.IsValidation(err):
		status, code = fiber.StatusBadRequest, "validation_error"
	case errors.Is(err, core.ErrNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrEmbeddingTimeout):
		status, code = fiber.StatusGatewayTimeout, "embedding_timeout"
	case errors.Is(err, core.ErrEmbeddingUnavailable):
		status, code = fiber.StatusBadGateway, "embedding_unavailable"
	case errors.Is(err, core.ErrConflict):
		status, code = fiber.StatusConflict, "conflict"
	case errors.Is(err, core.ErrStoreIO):
		status, code = fiber.StatusInternalServerError, "store_io"
	default:
		status, code = fiber.StatusInternalServerError, "internal"
	}
	if status >= fiber.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}
