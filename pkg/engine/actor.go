package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duetflow/duetflow/pkg/events"
	"github.com/duetflow/duetflow/pkg/journey"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/statesync"
)

type commandResult struct {
	state *models.ExecutionContext
	delta *models.StateDelta
	err   error
}

type commandEnvelope struct {
	ctx   context.Context
	cmd   *models.Command
	reply chan commandResult
}

// actor owns one run's ExecutionContext and serializes every mutation.
type actor struct {
	engine *Engine
	runID  string
	logger *slog.Logger

	queue    chan commandEnvelope
	done     chan struct{}
	stopOnce sync.Once

	// structural is the run-level lock checkpoints and migrations take so
	// they never interleave with command processing.
	structural sync.Mutex

	// stateMu guards ec and the graph/journey pair, which restores and
	// migrations swap while surfaces read them off the actor goroutine.
	// Writers hold structural too, so command handling reads them freely.
	stateMu sync.RWMutex
	ec      *models.ExecutionContext
	graph   *models.WorkflowGraph
	journey *journey.Journey

	cancelMu  sync.Mutex
	cancelled bool
	inflight  []context.CancelFunc
}

func (e *Engine) newActor(run *models.ExecutionContext, graph *models.WorkflowGraph, jny *journey.Journey) *actor {
	a := &actor{
		engine:  e,
		runID:   run.RunID,
		graph:   graph,
		journey: jny,
		logger:  e.logger.With("run_id", run.RunID),
		queue:   make(chan commandEnvelope, e.config.QueueSize),
		done:    make(chan struct{}),
		ec:      run,
	}

	go a.loop()

	return a
}

func (a *actor) loop() {
	for {
		select {
		case env := <-a.queue:
			a.structural.Lock()
			res := a.handle(env.ctx, env.cmd)
			a.structural.Unlock()

			env.reply <- res
		case <-a.done:
			return
		}
	}
}

// submit enqueues a command and waits for the actor's verdict. A full
// queue fails fast with Backpressure.
func (a *actor) submit(ctx context.Context, cmd *models.Command) (*models.ExecutionContext, *models.StateDelta, error) {
	env := commandEnvelope{ctx: ctx, cmd: cmd, reply: make(chan commandResult, 1)}

	select {
	case a.queue <- env:
	default:
		return nil, nil, models.NewEngineError(models.KindBackpressure,
			"run %s command queue is full", a.runID)
	}

	select {
	case res := <-env.reply:
		return res.state, res.delta, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-a.done:
		return nil, nil, models.NewEngineError(models.KindInternal, "run %s actor stopped", a.runID)
	}
}

func (a *actor) snapshot() *models.ExecutionContext {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	return a.ec.Clone()
}

func (a *actor) setContext(ec *models.ExecutionContext) {
	a.stateMu.Lock()
	a.ec = ec
	a.stateMu.Unlock()
}

func (a *actor) currentGraph() *models.WorkflowGraph {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	return a.graph
}

func (a *actor) currentJourney() *journey.Journey {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	return a.journey
}

func (a *actor) setGraph(graph *models.WorkflowGraph, jny *journey.Journey) {
	a.stateMu.Lock()
	a.graph = graph
	a.journey = jny
	a.stateMu.Unlock()
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// signalCancel flips the run's cooperative cancel flag and gives in-flight
// tool calls the configured grace period before forcing them down.
func (a *actor) signalCancel() {
	a.cancelMu.Lock()
	a.cancelled = true
	pending := a.inflight
	a.inflight = nil
	a.cancelMu.Unlock()

	for _, cancel := range pending {
		if cancel == nil {
			continue
		}

		go func(cancel context.CancelFunc) {
			time.Sleep(a.engine.config.CancelGrace)
			cancel()
		}(cancel)
	}
}

func (a *actor) isCancelled() bool {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()

	return a.cancelled
}

// registerInflight tracks a tool call's cancel func so a later cancel
// signal can reach it. Returns an unregister func.
func (a *actor) registerInflight(cancel context.CancelFunc) func() {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()

	if a.cancelled {
		// Cancel already signalled; schedule the forced stop immediately.
		go func() {
			time.Sleep(a.engine.config.CancelGrace)
			cancel()
		}()

		return func() {}
	}

	a.inflight = append(a.inflight, cancel)
	idx := len(a.inflight) - 1

	return func() {
		a.cancelMu.Lock()
		defer a.cancelMu.Unlock()

		if idx < len(a.inflight) {
			a.inflight[idx] = nil
		}
	}
}

// handle runs one command through resolve, apply and commit. Every
// mutation happens on a clone; the live context only advances when the
// whole command succeeds (or lands a terminal failure).
func (a *actor) handle(ctx context.Context, cmd *models.Command) commandResult {
	current := a.snapshot()

	if !current.Status.Terminal() && time.Since(current.CreatedAt) > a.engine.config.RunTimeout {
		work := current.Clone()
		a.fail(work, models.KindTimeoutExceeded, "run exceeded its wall-clock budget")

		state, delta, err := a.commit(ctx, current, work, cmd)
		if err != nil {
			return commandResult{err: err}
		}

		return commandResult{state: state, delta: delta,
			err: models.NewEngineError(models.KindTimeoutExceeded, "run %s exceeded its wall-clock budget", a.runID)}
	}

	decision, err := a.engine.resolver.Resolve(current, cmd)
	if err != nil {
		return commandResult{err: err}
	}

	if decision == statesync.Coalesce {
		a.logger.DebugContext(ctx, "Coalesced stale command",
			"kind", cmd.Kind, "expected_version", cmd.ExpectedVersion, "version", current.Version)

		return commandResult{state: current}
	}

	work := current.Clone()

	err = a.apply(ctx, work, cmd)
	if err != nil {
		kind := models.KindOf(err)
		if !terminalFailure(kind) {
			return commandResult{err: err}
		}

		a.fail(work, kind, err.Error())
	}

	state, delta, commitErr := a.commit(ctx, current, work, cmd)
	if commitErr != nil {
		return commandResult{err: commitErr}
	}

	return commandResult{state: state, delta: delta, err: err}
}

// apply dispatches a command to its state-machine transition. The switch
// is exhaustive over CommandKind.
func (a *actor) apply(ctx context.Context, work *models.ExecutionContext, cmd *models.Command) error {
	if work.Status.Terminal() {
		return models.NewEngineError(models.KindInvalidTransition,
			"run %s is %s; start a new run to retry", work.RunID, work.Status)
	}

	switch cmd.Kind {
	case models.CommandStart:
		return a.applyStart(work)
	case models.CommandPause:
		if work.Status != models.RunStatusRunning {
			return models.NewEngineError(models.KindInvalidTransition,
				"cannot pause a %s run", work.Status)
		}

		work.Status = models.RunStatusPaused

		return nil
	case models.CommandResume:
		if work.Status != models.RunStatusPaused {
			return models.NewEngineError(models.KindInvalidTransition,
				"cannot resume a %s run", work.Status)
		}

		work.Status = models.RunStatusRunning

		return nil
	case models.CommandCancel:
		a.fail(work, models.KindCancelledForcefully,
			fmt.Sprintf("cancelled by %s surface", cmd.Issuer))

		return nil
	case models.CommandSetVariable:
		if cmd.VariableName == "" {
			return models.NewEngineError(models.KindInvalidTransition, "set_variable requires a variable name")
		}

		if work.Bindings == nil {
			work.Bindings = map[string]any{}
		}

		work.Bindings[cmd.VariableName] = cmd.VariableValue

		return nil
	case models.CommandSwitchMode:
		return a.applySwitchMode(work, cmd.TargetMode)
	case models.CommandAdvanceNode:
		if work.Status != models.RunStatusRunning {
			return models.NewEngineError(models.KindInvalidTransition,
				"cannot advance a %s run", work.Status)
		}

		if cmd.TargetStepID != "" {
			return a.advanceStep(ctx, work, cmd.TargetStepID)
		}

		if work.Mode == models.ModeConversational {
			return models.NewEngineError(models.KindInvalidTransition,
				"a conversational run advances by journey step, not by node id")
		}

		return a.advanceNode(ctx, work, cmd.TargetNodeID)
	default:
		return models.NewEngineError(models.KindInvalidTransition, "unknown command kind %q", cmd.Kind)
	}
}

func (a *actor) applyStart(work *models.ExecutionContext) error {
	if work.Status != models.RunStatusIdle {
		return models.NewEngineError(models.KindInvalidTransition,
			"start is only valid from idle, run is %s", work.Status)
	}

	work.Status = models.RunStatusRunning

	for _, root := range a.graph.Roots() {
		work.AddToCursor(root.ID)
	}

	return nil
}

func (a *actor) applySwitchMode(work *models.ExecutionContext, target models.ExecutionMode) error {
	switch target {
	case models.ModeVisual:
	case models.ModeConversational, models.ModeHybrid:
		if a.journey == nil {
			return models.NewEngineError(models.KindUnmappableGraph,
				"workflow %s cannot be driven conversationally", work.WorkflowID)
		}
	default:
		return models.NewEngineError(models.KindInvalidTransition, "unknown mode %q", target)
	}

	work.Mode = target

	return nil
}

func (a *actor) fail(work *models.ExecutionContext, kind models.ErrorKind, detail string) {
	work.Status = models.RunStatusFailed
	work.FailureKind = kind
	work.FailureDetail = detail
}

// commit installs the mutated clone as the live context, bumping the
// version, persisting, and fanning the delta out. Failures to persist
// leave the previous context untouched.
func (a *actor) commit(ctx context.Context, before, work *models.ExecutionContext, cmd *models.Command) (*models.ExecutionContext, *models.StateDelta, error) {
	now := time.Now().UTC()
	work.Version = before.Version + 1
	work.UpdatedAt = now

	if work.Status.Terminal() && work.CompletedAt == nil {
		work.CompletedAt = &now
	}

	delta := &models.StateDelta{
		RunID:     work.RunID,
		Version:   work.Version,
		Command:   cmd.Kind,
		Issuer:    cmd.Issuer,
		Changes:   models.DiffContexts(before, work),
		Summary:   a.summarize(cmd, before, work),
		Timestamp: now,
	}

	err := a.engine.persistence.Runs().Save(ctx, work)
	if err != nil {
		return nil, nil, models.WrapEngineError(models.KindInternal, err, "failed to persist run %s", work.RunID)
	}

	a.setContext(work)

	if a.engine.broadcaster != nil {
		err = a.engine.broadcaster.Publish(ctx, delta)
		if err != nil {
			a.logger.WarnContext(ctx, "Failed to publish delta",
				"version", delta.Version, "error", err)
		}
	}

	a.publishLifecycle(ctx, work)

	return work.Clone(), delta, nil
}

// replaceContext installs a checkpoint snapshot as the live context. Used
// only under the structural lock.
func (a *actor) replaceContext(ctx context.Context, snapshot *models.ExecutionContext, kind models.CommandKind, issuer models.IssuerSurface) (*models.StateDelta, error) {
	before := a.snapshot()
	work := snapshot.Clone()
	work.RunID = before.RunID
	work.CreatedAt = before.CreatedAt

	_, delta, err := a.commit(ctx, before, work, &models.Command{
		RunID:  before.RunID,
		Kind:   kind,
		Issuer: issuer,
	})

	return delta, err
}

func (a *actor) publishLifecycle(ctx context.Context, work *models.ExecutionContext) {
	switch work.Status {
	case models.RunStatusCompleted:
		a.engine.publishEvent(ctx, work.RunID, events.RunCompleted{
			BaseEvent: events.NewBaseEvent(events.RunCompletedEvent, work.RunID),
			Duration:  work.UpdatedAt.Sub(work.CreatedAt),
		})
	case models.RunStatusFailed:
		a.engine.publishEvent(ctx, work.RunID, events.RunFailed{
			BaseEvent: events.NewBaseEvent(events.RunFailedEvent, work.RunID),
			Kind:      work.FailureKind,
			Detail:    work.FailureDetail,
		})
	default:
	}
}

func (a *actor) summarize(cmd *models.Command, before, work *models.ExecutionContext) string {
	if work.Status == models.RunStatusFailed && before.Status != models.RunStatusFailed {
		return fmt.Sprintf("Run failed: %s", work.FailureDetail)
	}

	switch cmd.Kind {
	case models.CommandStart:
		return "Run started"
	case models.CommandPause:
		return fmt.Sprintf("Run paused by the %s surface", cmd.Issuer)
	case models.CommandResume:
		return fmt.Sprintf("Run resumed by the %s surface", cmd.Issuer)
	case models.CommandCancel:
		return "Run cancelled"
	case models.CommandSetVariable:
		return fmt.Sprintf("Variable %q updated", cmd.VariableName)
	case models.CommandSwitchMode:
		return fmt.Sprintf("Execution mode switched to %s", work.Mode)
	case models.CommandAdvanceNode:
		name := cmd.TargetNodeID
		if node := a.graph.NodeByID(cmd.TargetNodeID); node != nil {
			name = node.Name
		} else if cmd.TargetStepID != "" {
			name = cmd.TargetStepID

			if a.journey != nil {
				if step := a.journey.StepByID(cmd.TargetStepID); step != nil {
					name = step.Name
				}
			}
		}

		if work.Status == models.RunStatusCompleted {
			return fmt.Sprintf("Completed %q; run finished", name)
		}

		return fmt.Sprintf("Completed %q", name)
	default:
		return ""
	}
}

// terminalFailure reports whether an error kind moves the run to Failed
// instead of merely rejecting the command.
func terminalFailure(kind models.ErrorKind) bool {
	switch kind {
	case models.KindToolError, models.KindLoopBoundExceeded,
		models.KindTimeoutExceeded, models.KindCancelledForcefully:
		return true
	default:
		return false
	}
}
