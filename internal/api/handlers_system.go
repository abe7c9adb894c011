package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// getStatus gives the fleet-level summary the dashboard polls.
func (s *Server) getStatus(c echo.Context) error {
	ctx := c.Request().Context()
	shows, err := s.store.ListShows(ctx)
	if err != nil {
		return err
	}

	complete := 0
	for _, show := range shows {
		if show.TotalEps == nil || *show.TotalEps <= 0 {
			continue
		}
		n, err := s.store.CountDownloaded(ctx, show.ID)
		if err != nil {
			return err
		}
		if n >= *show.TotalEps {
			complete++
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"shows":          len(shows),
		"complete_shows": complete,
		"uptime_sec":     int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) getRuntime(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(http.StatusOK, map[string]any{
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"heap_alloc":   mem.HeapAlloc,
		"heap_objects": mem.HeapObjects,
		"num_gc":       mem.NumGC,
		"uptime_sec":   int(time.Since(s.startedAt).Seconds()),
		"started_at":   s.startedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) listTasks(c echo.Context) error {
	if s.sched == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.sched.ListTasks())
}
