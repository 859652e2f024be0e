// Package checkpoint snapshots and restores run state, and wraps every
// structural change in an all-or-nothing checkpoint/apply/revalidate/
// rollback block.
package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/eventbus"
	"github.com/duetflow/duetflow/pkg/events"
	"github.com/duetflow/duetflow/pkg/journey"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

// Manager owns checkpoint lifecycle and the migrate wrapper. All of its
// operations take the run's structural lock, so they never interleave with
// ordinary command processing.
type Manager struct {
	persistence persistence.Persistence
	engine      *engine.Engine
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewManager(persist persistence.Persistence, eng *engine.Engine, publisher eventbus.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		persistence: persist,
		engine:      eng,
		publisher:   publisher,
		logger:      logger.With("module", "checkpoint"),
	}
}

// Create snapshots the run's graph and context under the run lock.
func (m *Manager) Create(ctx context.Context, runID, reason string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint

	err := m.engine.WithRunLock(ctx, runID, func(run *engine.StructuralHandle) error {
		cp = &models.Checkpoint{
			ID:        "cp-" + uuid.New().String()[:8],
			RunID:     runID,
			Reason:    reason,
			Graph:     run.Graph().Clone(),
			Context:   run.Context(),
			CreatedAt: time.Now().UTC(),
		}

		return m.persistence.Checkpoints().Append(ctx, cp)
	})
	if err != nil {
		return nil, err
	}

	m.publishEvent(ctx, runID, events.CheckpointCreated{
		BaseEvent:    events.NewBaseEvent(events.CheckpointCreatedEvent, runID),
		CheckpointID: cp.ID,
		Reason:       reason,
	})

	m.logger.InfoContext(ctx, "Checkpoint created",
		"run_id", runID, "checkpoint_id", cp.ID, "reason", reason)

	return cp, nil
}

// Restore installs a checkpoint's context as the run's current state. The
// run's version keeps increasing, so the restore itself appears as one
// more delta and restoring twice in a row yields the same state both
// times.
func (m *Manager) Restore(ctx context.Context, runID, checkpointID string) (*models.StateDelta, error) {
	cp, err := m.persistence.Checkpoints().GetByID(ctx, runID, checkpointID)
	if err != nil {
		return nil, models.WrapEngineError(models.KindRestoreError, err,
			"checkpoint %s not found for run %s", checkpointID, runID)
	}

	var delta *models.StateDelta

	err = m.engine.WithRunLock(ctx, runID, func(run *engine.StructuralHandle) error {
		jny, mapErr := m.engine.MapJourney(cp.Graph)
		if mapErr != nil {
			jny = nil
		}

		run.SetGraph(cp.Graph, jny)

		d, replaceErr := run.Replace(ctx, cp.Context, models.CommandRestore, models.IssuerVisual)
		if replaceErr != nil {
			return models.WrapEngineError(models.KindRestoreError, replaceErr,
				"failed to restore checkpoint %s", checkpointID)
		}

		delta = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publishEvent(ctx, runID, events.CheckpointRestored{
		BaseEvent:    events.NewBaseEvent(events.CheckpointRestoredEvent, runID),
		CheckpointID: cp.ID,
		Version:      delta.Version,
	})

	m.logger.InfoContext(ctx, "Checkpoint restored",
		"run_id", runID, "checkpoint_id", checkpointID, "version", delta.Version)

	return delta, nil
}

// List returns the run's retained checkpoints.
func (m *Manager) List(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	return m.persistence.Checkpoints().ListByRun(ctx, runID)
}

// Migrate applies a structural change to the run's graph atomically:
// checkpoint, mutate a copy, revalidate every graph invariant, then swap.
// Any failure automatically restores the just-created checkpoint and
// reports MigrationError.
func (m *Manager) Migrate(ctx context.Context, runID string, issuer models.IssuerSurface, change func(graph *models.WorkflowGraph) error) (*models.StateDelta, error) {
	cp, err := m.Create(ctx, runID, "pre-migration")
	if err != nil {
		return nil, models.WrapEngineError(models.KindMigrationError, err,
			"could not checkpoint run %s before migration", runID)
	}

	var delta *models.StateDelta

	err = m.engine.WithRunLock(ctx, runID, func(run *engine.StructuralHandle) error {
		mutated := run.Graph().Clone()

		applyErr := m.applyChange(ctx, run, mutated, change)
		if applyErr != nil {
			restoreErr := m.rollback(ctx, run, cp)
			if restoreErr != nil {
				return restoreErr
			}

			return models.WrapEngineError(models.KindMigrationError, applyErr,
				"migration of run %s rolled back", runID)
		}

		updated := run.Context()
		updated.GraphHash = mutated.ContentHash()

		d, replaceErr := run.Replace(ctx, updated, models.CommandMigrate, issuer)
		if replaceErr != nil {
			restoreErr := m.rollback(ctx, run, cp)
			if restoreErr != nil {
				return restoreErr
			}

			return models.WrapEngineError(models.KindMigrationError, replaceErr,
				"migration of run %s rolled back", runID)
		}

		delta = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return delta, nil
}

// applyChange mutates the graph copy, revalidates it against both the graph
// invariants and the live run context, remaps the journey when the run needs
// one, persists and swaps it in.
func (m *Manager) applyChange(ctx context.Context, run *engine.StructuralHandle, mutated *models.WorkflowGraph, change func(graph *models.WorkflowGraph) error) error {
	err := change(mutated)
	if err != nil {
		return err
	}

	err = mutated.Validate()
	if err != nil {
		return err
	}

	err = contextResolvesIn(run.Context(), mutated)
	if err != nil {
		return err
	}

	var jny *journey.Journey

	mode := run.Context().Mode
	if mode == models.ModeConversational || mode == models.ModeHybrid {
		jny, err = m.engine.MapJourney(mutated)
		if err != nil {
			return err
		}
	} else {
		jny, _ = m.engine.MapJourney(mutated)
	}

	err = m.persistence.Graphs().Save(ctx, mutated)
	if err != nil {
		return err
	}

	run.SetGraph(mutated, jny)

	return nil
}

// contextResolvesIn rejects a structural change that would orphan the live
// run: every node the context still references, open loop invocations
// included, must survive the mutation.
func contextResolvesIn(state *models.ExecutionContext, graph *models.WorkflowGraph) error {
	refs := [][]string{state.Cursor, state.Completed, state.Skipped}

	for _, ids := range refs {
		for _, id := range ids {
			if graph.NodeByID(id) == nil {
				return models.NewEngineError(models.KindInvalidTransition,
					"the run still references node %s, which the change removes", id)
			}
		}
	}

	for id := range state.LoopCounts {
		if graph.NodeByID(id) == nil {
			return models.NewEngineError(models.KindInvalidTransition,
				"loop %s has an open invocation but the change removes it", id)
		}
	}

	return nil
}

func (m *Manager) rollback(ctx context.Context, run *engine.StructuralHandle, cp *models.Checkpoint) error {
	jny, err := m.engine.MapJourney(cp.Graph)
	if err != nil {
		jny = nil
	}

	err = m.persistence.Graphs().Save(ctx, cp.Graph)
	if err != nil {
		return models.WrapEngineError(models.KindRestoreError, err,
			"failed to roll back graph for run %s", cp.RunID)
	}

	run.SetGraph(cp.Graph, jny)

	_, err = run.Replace(ctx, cp.Context, models.CommandRestore, models.IssuerVisual)
	if err != nil {
		return models.WrapEngineError(models.KindRestoreError, err,
			"failed to roll back run %s to checkpoint %s", cp.RunID, cp.ID)
	}

	return nil
}

// SwitchMode routes a mode change through a checkpoint so a failed switch
// can always roll back to the previous surface configuration.
func (m *Manager) SwitchMode(ctx context.Context, runID string, target models.ExecutionMode, issuer models.IssuerSurface) (*models.ExecutionContext, *models.StateDelta, error) {
	cp, err := m.Create(ctx, runID, "pre-mode-switch")
	if err != nil {
		return nil, nil, err
	}

	state, err := m.engine.GetState(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	updated, delta, err := m.engine.Submit(ctx, &models.Command{
		RunID:           runID,
		Kind:            models.CommandSwitchMode,
		Issuer:          issuer,
		ExpectedVersion: state.Version,
		TargetMode:      target,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "Mode switch rejected",
			"run_id", runID, "target_mode", target, "checkpoint_id", cp.ID, "error", err)

		return nil, nil, err
	}

	return updated, delta, nil
}

func (m *Manager) publishEvent(ctx context.Context, runID string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	err := m.publisher.Publish(ctx, runID, event)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event", "run_id", runID, "error", err)
	}
}
