package tasks

import (
	"context"
	"time"

	"github.com/bangumid/bangumid/internal/maintenance"
	"github.com/bangumid/bangumid/internal/scheduler"
)

const QbitMaintenanceTaskID = "qbit-maintenance"

// RegisterQbitMaintenanceTask registers the stalled-torrent and release
// pruning sweep.
func RegisterQbitMaintenanceTask(sched *scheduler.Scheduler, m *maintenance.Maintenance) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          QbitMaintenanceTaskID,
		Name:        "qBittorrent Maintenance",
		Description: "Remove stalled or orphaned torrents and prune dead release rows",
		Every:       30 * time.Minute,
		Offset:      5 * time.Minute,
		Timeout:     5 * time.Minute,
		Func: func(ctx context.Context) error {
			_, err := m.Run(ctx)
			return err
		},
	})
}
