// Package engine executes workflow runs. Each active run is owned by a
// single actor goroutine that serializes commands, so the per-run state
// machine needs no internal locking.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetflow/duetflow/pkg/eventbus"
	"github.com/duetflow/duetflow/pkg/events"
	"github.com/duetflow/duetflow/pkg/journey"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
	"github.com/duetflow/duetflow/pkg/protocol"
	"github.com/duetflow/duetflow/pkg/statesync"
)

// Broadcaster receives every accepted delta. Implementations must append
// to the durable delta log before returning and must never block on slow
// subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, delta *models.StateDelta) error
}

// ToolSource resolves an action node's tool id to a ready adapter.
type ToolSource interface {
	CreateTool(toolID string, config map[string]any) (protocol.Tool, error)
}

// Config bounds the engine's resource usage per run.
type Config struct {
	// QueueSize is the per-run inbound command queue capacity. A full
	// queue rejects submissions with Backpressure.
	QueueSize int

	// NodeTimeout caps a single tool adapter call.
	NodeTimeout time.Duration

	// RunTimeout is the overall wall-clock budget for one run.
	RunTimeout time.Duration

	// CancelGrace is how long an in-flight tool call may keep running
	// after a cancel signal before it is forced down.
	CancelGrace time.Duration

	// MaxToolRetries bounds the exponential backoff retry loop for
	// retryable tool errors.
	MaxToolRetries int

	// DefaultLoopBound applies to loop containers that declare no
	// MaxIterations of their own.
	DefaultLoopBound int
}

// DefaultConfig returns the bounds used when the caller specifies nothing.
func DefaultConfig() Config {
	return Config{
		QueueSize:        16,
		NodeTimeout:      30 * time.Second,
		RunTimeout:       1 * time.Hour,
		CancelGrace:      5 * time.Second,
		MaxToolRetries:   3,
		DefaultLoopBound: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}

	if c.NodeTimeout <= 0 {
		c.NodeTimeout = d.NodeTimeout
	}

	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}

	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}

	if c.MaxToolRetries <= 0 {
		c.MaxToolRetries = d.MaxToolRetries
	}

	if c.DefaultLoopBound <= 0 {
		c.DefaultLoopBound = d.DefaultLoopBound
	}

	return c
}

// Engine creates runs and routes commands to their owning actors.
type Engine struct {
	config      Config
	persistence persistence.Persistence
	mapper      *journey.Mapper
	tools       ToolSource
	broadcaster Broadcaster
	publisher   eventbus.EventPublisher
	resolver    *statesync.Resolver
	logger      *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func NewEngine(
	config Config,
	persist persistence.Persistence,
	tools ToolSource,
	broadcaster Broadcaster,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		config:      config.withDefaults(),
		persistence: persist,
		mapper:      journey.NewMapper(),
		tools:       tools,
		broadcaster: broadcaster,
		publisher:   publisher,
		resolver:    statesync.NewResolver(),
		logger:      logger.With("module", "engine"),
		actors:      make(map[string]*actor),
	}
}

// CreateRun instantiates a new run over a published graph. Conversational
// and hybrid modes require the graph to map to a journey; an unmappable
// graph is rejected up front rather than failing on the first turn.
func (e *Engine) CreateRun(ctx context.Context, workflowID string, mode models.ExecutionMode) (*models.ExecutionContext, error) {
	graph, err := e.persistence.Graphs().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if graph.Status != models.GraphStatusPublished {
		return nil, models.NewEngineError(models.KindInvalidTransition,
			"workflow %s is not published", workflowID)
	}

	jny, err := e.journeyFor(graph, mode)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.ExecutionContext{
		RunID:      "run-" + uuid.New().String()[:8],
		WorkflowID: graph.ID,
		GraphHash:  graph.ContentHash(),
		Mode:       mode,
		Status:     models.RunStatusIdle,
		Bindings:   cloneBindings(graph.Variables),
		LoopCounts: map[string]int{},
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = e.persistence.Runs().Save(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	e.mu.Lock()
	e.actors[run.RunID] = e.newActor(run, graph, jny)
	e.mu.Unlock()

	created := events.RunCreated{
		BaseEvent:  events.NewBaseEvent(events.RunCreatedEvent, run.RunID),
		WorkflowID: graph.ID,
		Mode:       mode,
	}
	e.publishEvent(ctx, run.RunID, created)

	e.logger.InfoContext(ctx, "Run created",
		"run_id", run.RunID, "workflow_id", graph.ID, "mode", mode)

	return run.Clone(), nil
}

// Submit routes a command to the run's actor and waits for the outcome. A
// full inbound queue rejects with Backpressure instead of blocking.
func (e *Engine) Submit(ctx context.Context, cmd *models.Command) (*models.ExecutionContext, *models.StateDelta, error) {
	act, err := e.actorFor(ctx, cmd.RunID)
	if err != nil {
		return nil, nil, err
	}

	if cmd.Kind == models.CommandCancel {
		// The cancel signal must reach in-flight tool calls before the
		// command itself is dequeued.
		act.signalCancel()
	}

	return act.submit(ctx, cmd)
}

// GetState returns a snapshot of the run's current context.
func (e *Engine) GetState(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	act, err := e.actorFor(ctx, runID)
	if err != nil {
		return nil, err
	}

	return act.snapshot(), nil
}

// Journey returns the cached conversational projection for the run's
// graph, or UnmappableGraph.
func (e *Engine) Journey(ctx context.Context, runID string) (*journey.Journey, error) {
	act, err := e.actorFor(ctx, runID)
	if err != nil {
		return nil, err
	}

	jny := act.currentJourney()
	if jny == nil {
		return nil, models.NewEngineError(models.KindUnmappableGraph,
			"workflow %s has no conversational projection", act.currentGraph().ID)
	}

	return jny, nil
}

// WithRunLock runs fn while holding the run's structural lock, keeping
// checkpoint and migration work from interleaving with command processing.
// fn receives the live context and may replace it through the returned
// handle.
func (e *Engine) WithRunLock(ctx context.Context, runID string, fn func(run *StructuralHandle) error) error {
	act, err := e.actorFor(ctx, runID)
	if err != nil {
		return err
	}

	act.structural.Lock()
	defer act.structural.Unlock()

	return fn(&StructuralHandle{engine: e, actor: act})
}

// StructuralHandle exposes the controlled mutation surface available under
// the run lock.
type StructuralHandle struct {
	engine *Engine
	actor  *actor
}

// Context returns a snapshot of the run under the lock.
func (h *StructuralHandle) Context() *models.ExecutionContext {
	return h.actor.snapshot()
}

// Graph returns the graph the run executes.
func (h *StructuralHandle) Graph() *models.WorkflowGraph {
	return h.actor.currentGraph()
}

// Replace installs a restored or migrated context. The run's version keeps
// increasing monotonically regardless of the snapshot's recorded version,
// so deltas stay totally ordered.
func (h *StructuralHandle) Replace(ctx context.Context, snapshot *models.ExecutionContext, cmd models.CommandKind, issuer models.IssuerSurface) (*models.StateDelta, error) {
	return h.actor.replaceContext(ctx, snapshot, cmd, issuer)
}

// SetGraph swaps the graph (and its journey projection) after a validated
// structural change.
func (h *StructuralHandle) SetGraph(graph *models.WorkflowGraph, jny *journey.Journey) {
	h.actor.setGraph(graph, jny)
}

// MapJourney projects a graph, using the engine's shared mapper cache.
func (e *Engine) MapJourney(graph *models.WorkflowGraph) (*journey.Journey, error) {
	return e.mapper.Map(graph)
}

// Close stops all actors. In-flight commands finish; queued ones are
// rejected.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))

	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// actorFor returns the run's actor, reviving it from persistence after a
// restart.
func (e *Engine) actorFor(ctx context.Context, runID string) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, models.NewEngineError(models.KindInternal, "engine is shut down")
	}

	if act, ok := e.actors[runID]; ok {
		return act, nil
	}

	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	graph, err := e.persistence.Graphs().GetByID(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}

	jny, _ := e.mapper.Map(graph)

	act := e.newActor(run, graph, jny)
	e.actors[runID] = act

	return act, nil
}

func (e *Engine) journeyFor(graph *models.WorkflowGraph, mode models.ExecutionMode) (*journey.Journey, error) {
	jny, err := e.mapper.Map(graph)
	if err != nil {
		if mode == models.ModeConversational || mode == models.ModeHybrid {
			return nil, err
		}

		// Visual-only runs execute fine without a projection.
		return nil, nil
	}

	return jny, nil
}

func (e *Engine) publishEvent(ctx context.Context, runID string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, runID, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event",
			"run_id", runID, "event_type", event.GetType(), "error", err)
	}
}

func cloneBindings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
