// Package api implements the REST API for managing scripts and their runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/lemonberrylabs/yrunner/pkg/service"
	"github.com/lemonberrylabs/yrunner/pkg/store"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the REST API server.
type Server struct {
	app     *fiber.App
	svc     *service.Service
	logger  zerolog.Logger
	watcher *Watcher
}

// New creates a new API server.
func New(svc *service.Service, opts ...Option) *Server {
	srv := &Server{
		svc:    svc,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		ErrorHandler:          srv.handleError,
	})
	app.Use(srv.logRequests)

	app.Get("/healthz", srv.health)

	// Scripts
	app.Post("/v1/scripts", srv.createScript)
	app.Get("/v1/scripts", srv.listScripts)
	app.Get("/v1/scripts/:script", srv.getScript)
	app.Patch("/v1/scripts/:script", srv.updateScript)
	app.Delete("/v1/scripts/:script", srv.deleteScript)

	// Runs
	app.Post("/v1/scripts/:script/runs", srv.createRun)
	app.Get("/v1/scripts/:script/runs", srv.listRuns)
	app.Get("/v1/runs", srv.listAllRuns)
	app.Get("/v1/runs/:run", srv.getRun)
	app.Post("/v1/runs/:run\\:cancel", srv.cancelRun)

	// Ad hoc
	app.Post("/v1/run", srv.runSource)

	srv.app = app
	return srv
}

// Listen starts the HTTP server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the directory watch and gracefully shuts down the server.
func (s *Server) Shutdown() error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to stop directory watch")
		}
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("took", time.Since(start)).
		Msg("request")
	return err
}

// --- Errors ---

// apiError writes the error body shared by every endpoint.
func apiError(c *fiber.Ctx, code int, status, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}

// statusOf maps an error to an HTTP code and a status name.
func statusOf(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrAlreadyExists):
		return fiber.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, store.ErrNotActive):
		return fiber.StatusBadRequest, "FAILED_PRECONDITION"
	case errors.Is(err, store.ErrInvalidID),
		errors.Is(err, service.ErrInvalidSource),
		errors.Is(err, service.ErrInvalidArgument):
		return fiber.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "DEADLINE_EXCEEDED"
	case errors.As(err, &fe):
		switch fe.Code {
		case fiber.StatusNotFound:
			return fe.Code, "NOT_FOUND"
		case fiber.StatusMethodNotAllowed:
			return fe.Code, "UNIMPLEMENTED"
		}
		return fe.Code, "INVALID_ARGUMENT"
	}
	return fiber.StatusInternalServerError, "INTERNAL"
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code, status := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return apiError(c, code, status, err.Error())
}

// parseBody decodes a JSON body into v. An empty body leaves v untouched.
func parseBody(c *fiber.Ctx, v interface{}) error {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	if err := c.App().Config().JSONDecoder(body, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", service.ErrInvalidArgument, err)
	}
	return nil
}

// decodeVariables turns a raw JSON variables field into a value.
func decodeVariables(raw json.RawMessage) (types.Value, error) {
	v, err := store.DecodeValue(string(raw))
	if err != nil {
		return types.Null, fmt.Errorf("%w: variables: %v", service.ErrInvalidArgument, err)
	}
	return v, nil
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"activeRuns": s.svc.Active(),
	})
}

// --- Script Handlers ---

type scriptRequest struct {
	ID          string          `json:"id"`
	Description *string         `json:"description"`
	Source      *string         `json:"source"`
	Schedule    *string         `json:"schedule"`
	Variables   json.RawMessage `json:"variables"`
}

func (r *scriptRequest) variables() *string {
	if len(r.Variables) == 0 {
		return nil
	}
	v := string(r.Variables)
	if v == "null" {
		v = ""
	}
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Server) createScript(c *fiber.Ctx) error {
	var req scriptRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = c.Query("scriptId")
	}
	if req.ID == "" {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "id is required")
	}
	if deref(req.Source) == "" {
		return apiError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "source is required")
	}

	sc, err := s.svc.CreateScript(&store.Script{
		ID:          req.ID,
		Description: deref(req.Description),
		Source:      *req.Source,
		Schedule:    deref(req.Schedule),
		Variables:   deref(req.variables()),
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(scriptToJSON(sc))
}

func (s *Server) getScript(c *fiber.Ctx) error {
	sc, err := s.svc.Store().GetScript(c.Params("script"))
	if err != nil {
		return err
	}
	return c.JSON(scriptToJSON(sc))
}

func (s *Server) listScripts(c *fiber.Ctx) error {
	scripts, err := s.svc.Store().ListScripts()
	if err != nil {
		return err
	}
	items := make([]fiber.Map, len(scripts))
	for i, sc := range scripts {
		items[i] = scriptToJSON(sc)
	}
	return c.JSON(fiber.Map{"scripts": items})
}

func (s *Server) updateScript(c *fiber.Ctx) error {
	var req scriptRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	sc, err := s.svc.UpdateScript(c.Params("script"), store.ScriptUpdate{
		Description: req.Description,
		Source:      req.Source,
		Schedule:    req.Schedule,
		Variables:   req.variables(),
	})
	if err != nil {
		return err
	}
	return c.JSON(scriptToJSON(sc))
}

func (s *Server) deleteScript(c *fiber.Ctx) error {
	if err := s.svc.DeleteScript(c.Params("script")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Run Handlers ---

type runRequest struct {
	Source    string          `json:"source"`
	Variables json.RawMessage `json:"variables"`
}

func (s *Server) createRun(c *fiber.Ctx) error {
	var req runRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	vars, err := decodeVariables(req.Variables)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	if !c.QueryBool("wait") {
		// The run outlives the request.
		ctx = context.Background()
	}
	run, err := s.svc.StartRun(ctx, c.Params("script"), vars)
	if err != nil {
		return err
	}
	if !c.QueryBool("wait") {
		return c.Status(fiber.StatusAccepted).JSON(runToJSON(run))
	}

	run, err = s.svc.Await(ctx, run.ID)
	if err != nil {
		return err
	}
	return c.JSON(runToJSON(run))
}

func (s *Server) getRun(c *fiber.Ctx) error {
	run, err := s.svc.Store().GetRun(c.Params("run"))
	if err != nil {
		return err
	}
	return c.JSON(runToJSON(run))
}

func (s *Server) listRuns(c *fiber.Ctx) error {
	id := c.Params("script")
	if _, err := s.svc.Store().GetScript(id); err != nil {
		return err
	}
	return s.writeRuns(c, id)
}

func (s *Server) listAllRuns(c *fiber.Ctx) error {
	return s.writeRuns(c, "")
}

func (s *Server) writeRuns(c *fiber.Ctx, scriptID string) error {
	runs, err := s.svc.Store().ListRuns(scriptID)
	if err != nil {
		return err
	}
	items := make([]fiber.Map, len(runs))
	for i, r := range runs {
		items[i] = runToJSON(r)
	}
	return c.JSON(fiber.Map{"runs": items})
}

func (s *Server) cancelRun(c *fiber.Ctx) error {
	run, err := s.svc.CancelRun(c.Params("run"))
	if err != nil {
		return err
	}
	return c.JSON(runToJSON(run))
}

// runSource executes a script from the request body without storing it.
func (s *Server) runSource(c *fiber.Ctx) error {
	var req runRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	vars, err := decodeVariables(req.Variables)
	if err != nil {
		return err
	}
	res, err := s.svc.Execute(c.UserContext(), req.Source, vars)
	if err != nil {
		return err
	}

	out := fiber.Map{
		"exitCode":  res.Code,
		"variables": rawJSON(store.EncodeValue(res.Env.ToValue())),
		"steps":     res.Steps,
	}
	if res.Err != nil {
		out["error"] = rawJSON(store.EncodeValue(res.Err.ToValue()))
	}
	return c.JSON(out)
}

// --- Helpers ---

// rawJSON embeds stored JSON text as is; the empty string becomes null.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func scriptToJSON(sc *store.Script) fiber.Map {
	m := fiber.Map{
		"id":         sc.ID,
		"source":     sc.Source,
		"revisionId": sc.RevisionID,
		"createTime": sc.CreateTime.Format(time.RFC3339),
		"updateTime": sc.UpdateTime.Format(time.RFC3339),
	}
	if sc.Description != "" {
		m["description"] = sc.Description
	}
	if sc.Schedule != "" {
		m["schedule"] = sc.Schedule
	}
	if sc.Variables != "" {
		m["variables"] = rawJSON(sc.Variables)
	}
	return m
}

func runToJSON(r *store.Run) fiber.Map {
	m := fiber.Map{
		"id":         r.ID,
		"script":     r.Script,
		"revisionId": r.RevisionID,
		"state":      r.State,
		"exitCode":   r.ExitCode,
		"steps":      r.Steps,
		"startTime":  r.StartTime.Format(time.RFC3339),
	}
	if r.Variables != "" {
		m["variables"] = rawJSON(r.Variables)
	}
	if r.Result != "" {
		m["result"] = rawJSON(r.Result)
	}
	if r.Error != "" {
		m["error"] = rawJSON(r.Error)
	}
	if !r.EndTime.IsZero() {
		m["endTime"] = r.EndTime.Format(time.RFC3339)
	}
	return m
}
