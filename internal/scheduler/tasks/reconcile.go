package tasks

import (
	"context"
	"time"

	"github.com/bangumid/bangumid/internal/reconciler"
	"github.com/bangumid/bangumid/internal/scheduler"
)

const ReconcileTaskID = "reconcile"

// RegisterReconcileTask registers the download-to-library sweep.
func RegisterReconcileTask(sched *scheduler.Scheduler, rec *reconciler.Reconciler) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          ReconcileTaskID,
		Name:        "Reconcile Downloads",
		Description: "Classify finished downloads and move them into the library",
		Every:       10 * time.Minute,
		Offset:      2 * time.Minute,
		Timeout:     15 * time.Minute,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			_, err := rec.Reconcile(ctx)
			return err
		},
	})
}
