// Package web provides the HTTP surface consumed by the visual editor, the
// chat UI and automation drivers.
package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/duetflow/duetflow/pkg/broadcast"
	"github.com/duetflow/duetflow/pkg/checkpoint"
	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/interpreter"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
	"github.com/duetflow/duetflow/pkg/registry"
)

type APIHandlers struct {
	engine      *engine.Engine
	checkpoints *checkpoint.Manager
	interpreter *interpreter.Interpreter
	broadcaster *broadcast.Broadcaster
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	checkpoints *checkpoint.Manager,
	interp *interpreter.Interpreter,
	broadcaster *broadcast.Broadcaster,
	persist persistence.Persistence,
	reg *registry.Registry,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      eng,
		checkpoints: checkpoints,
		interpreter: interp,
		broadcaster: broadcaster,
		persistence: persist,
		registry:    reg,
		validator:   validate,
	}
}

// --- Workflow graph endpoints ---

type upsertGraphRequest struct {
	Name        string              `json:"name"        validate:"required,min=3"`
	Description string              `json:"description"`
	Nodes       []*models.GraphNode `json:"nodes"`
	Edges       []*models.Edge      `json:"edges"`
	Variables   map[string]any      `json:"variables"`
	Schedule    string              `json:"schedule"`
	Owner       string              `json:"owner"`
}

func (h *APIHandlers) CreateGraph(c fiber.Ctx) error {
	var req upsertGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	graph := &models.WorkflowGraph{
		ID:          "wf-" + uuid.New().String()[:8],
		Name:        req.Name,
		Description: req.Description,
		Status:      models.GraphStatusDraft,
		GroupID:     "wg-" + uuid.New().String()[:8],
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Variables:   req.Variables,
		Schedule:    req.Schedule,
		Owner:       req.Owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := graph.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.Graphs().Save(c.Context(), graph); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(graph)
}

func (h *APIHandlers) GetGraphs(c fiber.Ctx) error {
	graphs, err := h.persistence.Graphs().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": graphs, "total_count": len(graphs)})
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	graph, err := h.persistence.Graphs().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) UpdateGraph(c fiber.Ctx) error {
	graph, err := h.persistence.Graphs().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	if graph.Status == models.GraphStatusPublished {
		return badRequest(c, "published workflows are immutable; create a new draft")
	}

	var req upsertGraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	graph.Name = req.Name
	graph.Description = req.Description
	graph.Nodes = req.Nodes
	graph.Edges = req.Edges
	graph.Variables = req.Variables
	graph.Schedule = req.Schedule
	graph.UpdatedAt = time.Now().UTC()

	if err := graph.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.Graphs().Save(c.Context(), graph); err != nil {
		return internalError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) DeleteGraph(c fiber.Ctx) error {
	err := h.persistence.Graphs().Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// PublishGraph freezes a draft. Once published the graph is immutable and
// runs may execute it.
func (h *APIHandlers) PublishGraph(c fiber.Ctx) error {
	graph, err := h.persistence.Graphs().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	if err := graph.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	graph.Status = models.GraphStatusPublished
	graph.PublishedAt = &now
	graph.UpdatedAt = now

	if err := h.persistence.Graphs().Save(c.Context(), graph); err != nil {
		return internalError(c, err)
	}

	return c.JSON(graph)
}

// GetJourney returns the conversational projection of a graph, or the
// UnmappableGraph problem explaining why there is none.
func (h *APIHandlers) GetJourney(c fiber.Ctx) error {
	graph, err := h.persistence.Graphs().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	jny, err := h.engine.MapJourney(graph)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(jny)
}

// --- Run endpoints ---

type createRunRequest struct {
	WorkflowID string               `json:"workflow_id" validate:"required"`
	Mode       models.ExecutionMode `json:"mode"        validate:"required,oneof=visual conversational hybrid"`
}

func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	var req createRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.CreateRun(c.Context(), req.WorkflowID, req.Mode)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRunState(c fiber.Ctx) error {
	state, err := h.engine.GetState(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(state)
}

// SubmitCommand is the single mutation entry point for a run. The body is
// a Command carrying the version its issuer last observed.
func (h *APIHandlers) SubmitCommand(c fiber.Ctx) error {
	var cmd models.Command
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	cmd.RunID = c.Params("id")

	if err := h.validator.Struct(cmd); err != nil {
		return badRequest(c, err.Error())
	}

	if cmd.Kind == models.CommandSwitchMode {
		state, delta, err := h.checkpoints.SwitchMode(c.Context(), cmd.RunID, cmd.TargetMode, cmd.Issuer)
		if err != nil {
			return handleEngineError(c, err)
		}

		return c.JSON(fiber.Map{"state": state, "delta": delta})
	}

	return h.respondSubmit(c, &cmd)
}

// respondSubmit submits the command and renders the outcome. A terminal
// run failure is an accepted command, so it answers 200 with the failure
// attached rather than a bare error.
func (h *APIHandlers) respondSubmit(c fiber.Ctx, cmd *models.Command) error {
	state, delta, err := h.engine.Submit(c.Context(), cmd)
	if err != nil {
		if state == nil {
			return handleEngineError(c, err)
		}

		kind := models.KindOf(err)

		return c.JSON(fiber.Map{
			"state": state,
			"delta": delta,
			"error": fiber.Map{
				"type":             string(kind),
				"detail":           err.Error(),
				"recovery_actions": models.RecoveryActions(kind),
			},
		})
	}

	return c.JSON(fiber.Map{"state": state, "delta": delta})
}

type switchModeRequest struct {
	TargetMode models.ExecutionMode `json:"target_mode" validate:"required,oneof=visual conversational hybrid"`
	Issuer     models.IssuerSurface `json:"issuer"      validate:"omitempty,oneof=visual conversational scheduler"`
}

func (h *APIHandlers) SwitchMode(c fiber.Ctx) error {
	var req switchModeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	issuer := req.Issuer
	if issuer == "" {
		issuer = models.IssuerVisual
	}

	state, delta, err := h.checkpoints.SwitchMode(c.Context(), c.Params("id"), req.TargetMode, issuer)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"state": state, "delta": delta})
}

// --- Checkpoint endpoints ---

type createCheckpointRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *APIHandlers) CreateCheckpoint(c fiber.Ctx) error {
	var req createCheckpointRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	cp, err := h.checkpoints.Create(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(cp)
}

func (h *APIHandlers) ListCheckpoints(c fiber.Ctx) error {
	cps, err := h.checkpoints.List(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"checkpoints": cps})
}

func (h *APIHandlers) RestoreCheckpoint(c fiber.Ctx) error {
	delta, err := h.checkpoints.Restore(c.Context(), c.Params("id"), c.Params("checkpointId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	state, err := h.engine.GetState(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"state": state, "delta": delta})
}

// --- Conversational endpoints ---

type utteranceRequest struct {
	Text string `json:"text" validate:"required"`
}

// SubmitUtterance runs one conversational turn: parse, map to a command,
// execute, answer. Clarifications and read-only replies short-circuit
// without mutating the run.
func (h *APIHandlers) SubmitUtterance(c fiber.Ctx) error {
	var req utteranceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	runID := c.Params("id")

	outcome, err := h.interpreter.Interpret(c.Context(), runID, req.Text)
	if err != nil {
		return handleEngineError(c, err)
	}

	if outcome.Clarification != nil {
		return c.JSON(fiber.Map{"clarification": outcome.Clarification})
	}

	if outcome.Command == nil {
		return c.JSON(fiber.Map{"reply": outcome.Reply})
	}

	if outcome.SwitchMode {
		state, delta, err := h.checkpoints.SwitchMode(c.Context(), runID, outcome.Command.TargetMode, models.IssuerConversational)
		if err != nil {
			return handleEngineError(c, err)
		}

		return c.JSON(fiber.Map{"state": state, "delta": delta})
	}

	return h.respondSubmit(c, outcome.Command)
}

// --- Delta stream ---

// StreamDeltas serves the resumable delta subscription over SSE. The
// client supplies its last-seen version; if the retained log no longer
// covers it, a full snapshot event precedes the live stream.
func (h *APIHandlers) StreamDeltas(c fiber.Ctx) error {
	runID := c.Params("id")

	subscriberID := c.Query("subscriber_id")
	if subscriberID == "" {
		subscriberID = "sub-" + uuid.New().String()[:8]
	}

	from := int64(0)

	if raw := c.Query("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badRequest(c, "invalid 'from' version: "+raw)
		}

		from = parsed
	}

	var snapshot *models.ExecutionContext

	ch, err := h.broadcaster.Subscribe(c.Context(), runID, subscriberID, from)
	if errors.Is(err, broadcast.ErrSnapshotRequired) {
		state, stateErr := h.engine.GetState(c.Context(), runID)
		if stateErr != nil {
			return handleEngineError(c, stateErr)
		}

		snapshot = state

		ch, err = h.broadcaster.Subscribe(c.Context(), runID, subscriberID, state.Version)
	}

	if err != nil {
		return handleEngineError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.broadcaster.Unsubscribe(runID, subscriberID)

		if snapshot != nil {
			if !writeSSE(w, "snapshot", snapshot) {
				return
			}
		}

		for delta := range ch {
			if !writeSSE(w, "delta", delta) {
				return
			}
		}
	})
}

func writeSSE(w *bufio.Writer, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		return false
	}

	return w.Flush() == nil
}

// --- Health ---

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy", "tools": h.registry.AvailableTools()})
}
