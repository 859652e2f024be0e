// Package scheduler autostarts runs for published workflows that carry a
// cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

type Scheduler struct {
	cron        *cron.Cron
	persistence persistence.Persistence
	engine      *engine.Engine
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(persist persistence.Persistence, eng *engine.Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		persistence: persist,
		engine:      eng,
		logger:      logger.With("module", "scheduler"),
		entries:     make(map[string]cron.EntryID),
	}
}

// Start registers every scheduled published workflow and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	err := s.Refresh(ctx)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "workflows", len(s.entries))

	return nil
}

// Refresh reconciles the cron entries with the stored workflows: new
// schedules are added, removed or unpublished workflows are dropped.
func (s *Scheduler) Refresh(ctx context.Context) error {
	graphs, err := s.persistence.Graphs().List(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]string)

	for _, graph := range graphs {
		if graph.Status == models.GraphStatusPublished && graph.Schedule != "" {
			wanted[graph.ID] = graph.Schedule
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workflowID, entryID := range s.entries {
		if _, ok := wanted[workflowID]; !ok {
			s.cron.Remove(entryID)
			delete(s.entries, workflowID)
		}
	}

	for workflowID, schedule := range wanted {
		if _, ok := s.entries[workflowID]; ok {
			continue
		}

		id := workflowID

		entryID, err := s.cron.AddFunc(schedule, func() { s.launch(id) })
		if err != nil {
			s.logger.WarnContext(ctx, "Invalid workflow schedule",
				"workflow_id", workflowID, "schedule", schedule, "error", err)

			continue
		}

		s.entries[workflowID] = entryID
	}

	return nil
}

// launch creates and starts one run on behalf of the scheduler surface.
func (s *Scheduler) launch(workflowID string) {
	ctx := context.Background()

	run, err := s.engine.CreateRun(ctx, workflowID, models.ModeVisual)
	if err != nil {
		s.logger.Error("Failed to create scheduled run", "workflow_id", workflowID, "error", err)

		return
	}

	_, _, err = s.engine.Submit(ctx, &models.Command{
		RunID:           run.RunID,
		Kind:            models.CommandStart,
		Issuer:          models.IssuerScheduler,
		ExpectedVersion: run.Version,
	})
	if err != nil {
		s.logger.Error("Failed to start scheduled run",
			"workflow_id", workflowID, "run_id", run.RunID, "error", err)

		return
	}

	s.logger.Info("Scheduled run started", "workflow_id", workflowID, "run_id", run.RunID)
}

// Stop halts the cron loop and waits for in-flight launches.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
