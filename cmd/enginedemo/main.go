// Command enginedemo is a thin HTTP wrapper around the in-process engine:
// submit a workflow definition plus runtime inputs, poll the run's result,
// read its trace, and resolve suspended approval gates. Demo only; the
// scheduler packages have no HTTP dependency.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/common/config"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/compiler"
	"github.com/lyzr/flowengine/components"
	"github.com/lyzr/flowengine/condition"
	"github.com/lyzr/flowengine/logsink"
	"github.com/lyzr/flowengine/model"
	"github.com/lyzr/flowengine/nodeio"
	"github.com/lyzr/flowengine/objectstore"
	"github.com/lyzr/flowengine/runner"
	"github.com/lyzr/flowengine/scheduler"
	"github.com/lyzr/flowengine/secrets"
	"github.com/lyzr/flowengine/trace"
)

type runRequest struct {
	RunID          string          `json:"runId,omitempty"`
	WorkflowID     string          `json:"workflowId"`
	Definition     json.RawMessage `json:"definition"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	OrganizationID string          `json:"organizationId,omitempty"`
}

type resolutionRequest struct {
	Approved     bool           `json:"approved"`
	RespondedBy  string         `json:"respondedBy,omitempty"`
	ResponseNote string         `json:"responseNote,omitempty"`
	ResponseData map[string]any `json:"responseData,omitempty"`
}

type server struct {
	engine    *scheduler.Engine
	traceSink *trace.MemorySink
	pending   *runner.PendingRegistry
	log       *logger.Logger

	mu      sync.Mutex
	results map[string]*model.RunResult
}

func main() {
	cfg, err := config.Load("enginedemo")
	if err != nil {
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	registry := model.NewRegistry()
	conditions := condition.NewEvaluator()
	components.Register(registry, components.Deps{Conditions: conditions, Log: log})

	traceSink := trace.NewMemorySink()
	store := objectstore.NewMemoryStore()
	storage := objectstore.Handle{Store: store}
	pending := runner.NewPendingRegistry()
	secretStore := secrets.NewCachedStore(secrets.NewEnvProvider(nil), nil, "secret")

	engine := &scheduler.Engine{
		Registry:       registry,
		Sequencer:      trace.NewSequencer(traceSink),
		NodeIO:         nodeio.NewMemorySink(storage),
		Logs:           logsink.NewMemorySink(),
		Storage:        storage,
		Secrets:        secretStore,
		Pending:        pending,
		Conditions:     conditions,
		Log:            log,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		SpillThreshold: cfg.Engine.SpillThresholdBytes,
	}

	s := &server{
		engine:    engine,
		traceSink: traceSink,
		pending:   pending,
		log:       log,
		results:   make(map[string]*model.RunResult),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.POST("/runs", s.submitRun)
	e.GET("/runs/:id", s.getRun)
	e.GET("/runs/:id/trace", s.getTrace)
	e.POST("/runs/:id/nodes/:ref/resolution", s.resolve)

	addr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	log.Info("enginedemo listening", "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func (s *server) submitRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	schema, err := compiler.Parse(req.Definition)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	def, err := compiler.Compile(schema)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &model.Run{
		RunID:          runID,
		WorkflowID:     req.WorkflowID,
		Definition:     def,
		RuntimeInputs:  req.Inputs,
		OrganizationID: req.OrganizationID,
	}

	runLog := s.log.WithRunID(runID).WithWorkflowID(req.WorkflowID)
	go func() {
		started := time.Now()
		result := s.engine.Execute(context.Background(), run)
		s.mu.Lock()
		s.results[runID] = result
		s.mu.Unlock()
		runLog.Info("run finished", "success", result.Success, "elapsed", time.Since(started))
	}()

	return c.JSON(http.StatusAccepted, map[string]any{"runId": runID})
}

func (s *server) getRun(c echo.Context) error {
	runID := c.Param("id")
	s.mu.Lock()
	result, done := s.results[runID]
	s.mu.Unlock()
	if !done {
		return c.JSON(http.StatusOK, map[string]any{"runId": runID, "status": "running"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runId":   runID,
		"status":  "finished",
		"success": result.Success,
		"outputs": result.Outputs,
		"error":   result.Error,
	})
}

func (s *server) getTrace(c echo.Context) error {
	events := s.traceSink.ForRun(c.Param("id"))
	return c.JSON(http.StatusOK, events)
}

func (s *server) resolve(c echo.Context) error {
	var req resolutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	runID, ref := c.Param("id"), c.Param("ref")
	delivered := s.pending.Resolve(runID, ref, runner.Resolution{
		Approved:     req.Approved,
		Rejected:     !req.Approved,
		RespondedBy:  req.RespondedBy,
		ResponseNote: req.ResponseNote,
		RespondedAt:  time.Now(),
		RequestID:    runID + ":" + ref,
		ResponseData: req.ResponseData,
	})
	if !delivered {
		return echo.NewHTTPError(http.StatusNotFound, "no action awaiting input at "+ref)
	}
	return c.NoContent(http.StatusNoContent)
}
