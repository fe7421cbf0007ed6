// Package http exposes the workflow engine over a JSON REST API.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/internal/log"
	"github.com/umpire-3/workflow-api/pkg/engine"
	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

// Server routes API requests to the definition service and the
// coordinator.
type Server struct {
	echo  *echo.Echo
	defs  *engine.DefinitionService
	coord *engine.Coordinator
}

func NewServer(defs *engine.DefinitionService, coord *engine.Coordinator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, defs: defs, coord: coord}

	e.GET("/health", s.health)

	e.POST("/definitions", s.registerDefinition)
	e.GET("/definitions", s.listDefinitions)
	e.GET("/definitions/:name", s.getDefinition)
	e.POST("/definitions/:name/deprecate", s.deprecateDefinition)

	e.POST("/runs", s.startRun)
	e.GET("/runs", s.listRuns)
	e.GET("/runs/:id", s.getRun)
	e.POST("/runs/:id/cancel", s.cancelRun)
	e.DELETE("/runs/:id", s.purgeRun)

	return s
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start(addr string) error {
	log.GetLogger().Infof("Starting workflow API server on %s", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "workflow API server is running")
}

func (s *Server) registerDefinition(c echo.Context) error {
	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	stored, err := s.defs.Register(def)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) listDefinitions(c echo.Context) error {
	defs, err := s.defs.List()
	if err != nil {
		return toHTTPError(err)
	}
	if defs == nil {
		defs = []models.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) getDefinition(c echo.Context) error {
	version, err := intQueryParam(c, "version")
	if err != nil {
		return err
	}
	def, err := s.defs.Get(c.Param("name"), version)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) deprecateDefinition(c echo.Context) error {
	version, err := intQueryParam(c, "version")
	if err != nil {
		return err
	}
	if err := s.defs.Deprecate(c.Param("name"), version); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type startRunRequest struct {
	// Definition names the workflow to run; Version pins a definition
	// version, 0 meaning latest.
	Definition string        `json:"definition"`
	Version    int           `json:"version"`
	Params     models.Params `json:"params"`
	// FailFast overrides the engine default when present.
	FailFast *bool `json:"fail_fast"`
}

func (s *Server) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Definition == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing 'definition' parameter")
	}
	run, err := s.coord.Start(req.Definition, engine.StartOptions{
		Version:  req.Version,
		Params:   req.Params,
		FailFast: req.FailFast,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c echo.Context) error {
	limit, err := intQueryParam(c, "limit")
	if err != nil {
		return err
	}
	filter := storage.RunFilter{
		DefinitionName: c.QueryParam("definition"),
		Status:         models.RunStatus(c.QueryParam("status")),
		Limit:          limit,
	}
	runs, err := s.coord.ListRuns(filter)
	if err != nil {
		return toHTTPError(err)
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

type runResponse struct {
	models.WorkflowRun
	Attempts []models.TaskAttempt `json:"attempts"`
}

func (s *Server) getRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	run, attempts, err := s.coord.Status(id)
	if err != nil {
		return toHTTPError(err)
	}
	if attempts == nil {
		attempts = []models.TaskAttempt{}
	}
	return c.JSON(http.StatusOK, runResponse{WorkflowRun: run, Attempts: attempts})
}

func (s *Server) cancelRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	if err := s.coord.Cancel(id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) purgeRun(c echo.Context) error {
	id, err := runID(c)
	if err != nil {
		return err
	}
	if err := s.coord.Purge(id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func runID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid run id: "+c.Param("id"))
	}
	return id, nil
}

func intQueryParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid '"+name+"' parameter: "+raw)
	}
	return v, nil
}

// toHTTPError translates engine and storage errors into status codes.
// Anything unrecognized stays an internal error.
func toHTTPError(err error) error {
	var validationErr *graph.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDefinitionDeprecated):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
