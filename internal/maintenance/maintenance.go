// Package maintenance runs periodic housekeeping: pruning dead worktrees and
// compacting the database.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/swarm/internal/logging"
	"github.com/alekspetrov/swarm/internal/store"
	"github.com/alekspetrov/swarm/internal/worktree"
)

// defaultSchedule runs the housekeeping job every night at 03:00.
const defaultSchedule = "0 3 * * *"

// Runner schedules the housekeeping job.
type Runner struct {
	store     *store.Store
	worktrees *worktree.Manager
	cron      *cron.Cron
	schedule  string
	log       *slog.Logger
}

// New builds a Runner with the default nightly schedule.
func New(st *store.Store, wt *worktree.Manager) *Runner {
	return &Runner{
		store:     st,
		worktrees: wt,
		cron:      cron.New(),
		schedule:  defaultSchedule,
		log:       logging.WithComponent("maintenance"),
	}
}

// Start registers the job and starts the scheduler. The scheduler stops when
// the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("maintenance scheduled", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
		r.log.Info("maintenance stopped")
	}()
	return nil
}

// RunOnce executes one housekeeping pass. Each step is independent; a
// failure in one does not skip the others.
func (r *Runner) RunOnce(ctx context.Context) {
	r.log.Info("maintenance pass starting")

	if err := r.worktrees.Prune(ctx); err != nil {
		r.log.Error("worktree prune failed", "error", err)
	}
	if err := r.store.Vacuum(); err != nil {
		r.log.Error("database vacuum failed", "error", err)
	}

	r.log.Info("maintenance pass complete")
}
