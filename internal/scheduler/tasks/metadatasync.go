package tasks

import (
	"context"
	"time"

	"github.com/bangumid/bangumid/internal/resolver"
	"github.com/bangumid/bangumid/internal/scheduler"
)

const MetadataSyncTaskID = "metadata-sync"

// RegisterMetadataSyncTask registers the catalog resolution sweep that keeps
// episode tables and air dates current for every tracked show.
func RegisterMetadataSyncTask(sched *scheduler.Scheduler, r *resolver.Resolver) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          MetadataSyncTaskID,
		Name:        "Metadata Sync",
		Description: "Resolve shows against the catalog and refresh episode tables",
		Every:       6 * time.Hour,
		Offset:      time.Minute,
		Timeout:     30 * time.Minute,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			_, err := r.SyncAll(ctx)
			return err
		},
	})
}
