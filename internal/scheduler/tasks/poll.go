// Package tasks wires the daemon's background services into the scheduler.
// Each file registers one task with its interval, stagger offset, and
// deadline.
package tasks

import (
	"context"
	"time"

	"github.com/bangumid/bangumid/internal/pipeline"
	"github.com/bangumid/bangumid/internal/scheduler"
	"github.com/bangumid/bangumid/internal/store"
)

const PollTaskID = "poll"

const (
	pollInterval   = 15 * time.Minute
	perShowStagger = 20 * time.Second
	perShowTimeout = 80 * time.Second
)

// RegisterPollTask registers the feed polling sweep. Shows are polled one at
// a time with a stagger between them so the burst of per-term feed fetches
// never hits the trackers all at once.
func RegisterPollTask(sched *scheduler.Scheduler, p *pipeline.Pipeline, st *store.Store) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          PollTaskID,
		Name:        "Feed Poll",
		Description: "Sweep RSS and API feeds for missing episodes and enqueue the winners",
		Every:       pollInterval,
		Offset:      10 * time.Second,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			shows, err := st.ListShows(ctx)
			if err != nil {
				return err
			}
			for i, show := range shows {
				if i > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(perShowStagger):
					}
				}
				showCtx, cancel := context.WithTimeout(ctx, perShowTimeout)
				_, err := p.PollAndEnqueue(showCtx, map[int64]bool{show.ID: true})
				cancel()
				if err != nil {
					return err
				}
			}
			return nil
		},
	})
}
