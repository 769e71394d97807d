package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"github.com/gobbyhq/gobby/internal/store"
)

// DefaultReapSchedule sweeps hourly.
const DefaultReapSchedule = "0 * * * *"

// Reaper tombstones released worktrees whose directories have disappeared
// from disk, on a cron schedule.
type Reaper struct {
	stores   *store.Stores
	schedule string
	cron     *gronx.Gronx
	logger   *slog.Logger
}

func NewReaper(stores *store.Stores, schedule string, logger *slog.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		stores:   stores,
		schedule: schedule,
		cron:     gronx.New(),
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, checking the schedule once a minute.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := r.cron.IsDue(r.schedule, now)
			if err != nil {
				r.logger.Error("reaper.bad_schedule", "schedule", r.schedule, "error", err)
				return
			}
			if due {
				r.Sweep(ctx)
			}
		}
	}
}

// Sweep runs one pass over all projects' released worktrees.
func (r *Reaper) Sweep(ctx context.Context) {
	projects, err := r.stores.Projects.List(ctx)
	if err != nil {
		r.logger.Error("reaper.list_projects_failed", "error", err)
		return
	}
	reaped := 0
	for _, p := range projects {
		worktrees, err := r.stores.Worktrees.List(ctx, p.ID, store.WorktreeReleased)
		if err != nil {
			r.logger.Error("reaper.list_worktrees_failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, wt := range worktrees {
			if _, err := os.Stat(wt.WorktreePath); err == nil {
				continue
			}
			// Directory is gone; the row is dead weight.
			if err := r.stores.Worktrees.MarkDeleted(ctx, wt.ID); err != nil {
				r.logger.Error("reaper.mark_deleted_failed", "worktree_id", wt.ID, "error", err)
				continue
			}
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info("reaper.swept", "count", reaped)
	}
}
