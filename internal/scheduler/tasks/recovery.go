package tasks

import (
	"context"
	"time"

	"github.com/bangumid/bangumid/internal/pipeline"
	"github.com/bangumid/bangumid/internal/reconciler"
	"github.com/bangumid/bangumid/internal/resolver"
	"github.com/bangumid/bangumid/internal/scheduler"
)

const RecoveryTaskID = "recovery"

// RegisterRecoveryTask registers the combined catch-up pass: re-resolve
// catalog metadata, reconcile the incoming directory, sweep feeds for
// replacements, and re-add queued releases whose torrents disappeared from
// the client.
func RegisterRecoveryTask(sched *scheduler.Scheduler, r *resolver.Resolver,
	rec *reconciler.Reconciler, p *pipeline.Pipeline) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          RecoveryTaskID,
		Name:        "Recovery",
		Description: "Catalog sync, library reconcile and feed re-poll in one pass",
		Every:       20 * time.Minute,
		Offset:      8 * time.Minute,
		Timeout:     15 * time.Minute,
		Func: func(ctx context.Context) error {
			if _, err := r.SyncAll(ctx); err != nil {
				return err
			}
			if _, err := rec.Reconcile(ctx); err != nil {
				return err
			}
			if _, err := p.PollAndEnqueue(ctx, nil); err != nil {
				return err
			}
			_, err := p.Recover(ctx)
			return err
		},
	})
}
