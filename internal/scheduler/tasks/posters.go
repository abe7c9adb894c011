package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/bangumid/bangumid/internal/scheduler"
)

const PostersTaskID = "posters"

// RegisterPostersTask registers the poster refresh, which shells out to an
// operator-supplied script (typically one that pulls cover art into the
// library folders). No script configured means no task.
func RegisterPostersTask(sched *scheduler.Scheduler, scriptPath string) error {
	if scriptPath == "" {
		return nil
	}
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          PostersTaskID,
		Name:        "Poster Refresh",
		Description: "Run the configured poster script against the library",
		Every:       120 * time.Minute,
		Offset:      15 * time.Minute,
		Timeout:     10 * time.Minute,
		Func: func(ctx context.Context) error {
			out, err := exec.CommandContext(ctx, scriptPath).CombinedOutput()
			if err != nil {
				return fmt.Errorf("poster script: %w: %s", err, out)
			}
			return nil
		},
	})
}
