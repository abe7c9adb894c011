package api

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bangumid/bangumid/internal/jellyfin"
	"github.com/bangumid/bangumid/internal/jobs"
)

func (s *Server) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runner.List())
}

func (s *Server) getJob(c echo.Context) error {
	job, ok := s.runner.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c echo.Context) error {
	if !s.runner.Cancel(c.Param("id")) {
		return echo.NewHTTPError(http.StatusConflict, "job is not running")
	}
	job, _ := s.runner.Get(c.Param("id"))
	return c.JSON(http.StatusOK, job)
}

func (s *Server) submit(c echo.Context, name string, timeout time.Duration, fn jobs.Fn) error {
	job := s.runner.Submit(name, timeout, fn)
	return c.JSON(http.StatusAccepted, map[string]any{"ok": true, "job": job})
}

func (s *Server) taskStatus(c echo.Context) error {
	job, ok := s.runner.Get(c.Param("job_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (s *Server) taskCancel(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": s.runner.Cancel(c.Param("job_id"))})
}

func (s *Server) syncShowFn(showID int64) jobs.Fn {
	return func(ctx context.Context) (any, error) {
		show, err := s.store.GetShow(ctx, showID)
		if err != nil {
			return nil, err
		}
		detail, err := s.resolver.SyncShow(ctx, show)
		if err != nil {
			return nil, err
		}
		return detail, nil
	}
}

type jobTargetRequest struct {
	ShowID *int64 `json:"show_id,omitempty"`
}

// syncNow runs the full acquisition pass: catalog resolution, a feed sweep,
// and a library reconcile, for one show or the whole fleet.
func (s *Server) syncNow(c echo.Context) error {
	var req jobTargetRequest
	_ = c.Bind(&req)

	var only map[int64]bool
	if req.ShowID != nil {
		only = map[int64]bool{*req.ShowID: true}
	}
	return s.submit(c, "sync-now", 30*time.Minute, func(ctx context.Context) (any, error) {
		var syncResult any
		if req.ShowID != nil {
			show, err := s.store.GetShow(ctx, *req.ShowID)
			if err != nil {
				return nil, err
			}
			detail, err := s.resolver.SyncShow(ctx, show)
			if err != nil {
				return nil, err
			}
			syncResult = detail
		} else {
			all, err := s.resolver.SyncAll(ctx)
			if err != nil {
				return nil, err
			}
			syncResult = all
		}

		poll, err := s.pipeline.PollAndEnqueue(ctx, only)
		if err != nil {
			return nil, err
		}
		rec, err := s.reconciler.Reconcile(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "sync": syncResult, "poll": poll, "reconcile": rec}, nil
	})
}

// pollNow sweeps feeds, for one show or all.
func (s *Server) pollNow(c echo.Context) error {
	var req jobTargetRequest
	_ = c.Bind(&req)

	var only map[int64]bool
	if req.ShowID != nil {
		only = map[int64]bool{*req.ShowID: true}
	}
	return s.submit(c, "poll", 10*time.Minute, func(ctx context.Context) (any, error) {
		return s.pipeline.PollAndEnqueue(ctx, only)
	})
}

const pollShowAsyncTimeout = 80 * time.Second

// pollShowNow sweeps feeds for one show inline and returns its result. The
// async variant below is the one schedulers and impatient scripts should use.
func (s *Server) pollShowNow(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	res, err := s.pipeline.PollAndEnqueue(c.Request().Context(), map[int64]bool{show.ID: true})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) pollShowAsync(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	showID := show.ID
	return s.submit(c, "poll-show", pollShowAsyncTimeout, func(ctx context.Context) (any, error) {
		return s.pipeline.PollAndEnqueue(ctx, map[int64]bool{showID: true})
	})
}

func (s *Server) reconcileNow(c echo.Context) error {
	return s.submit(c, "reconcile", 15*time.Minute, func(ctx context.Context) (any, error) {
		return s.reconciler.Reconcile(ctx)
	})
}

func (s *Server) qbitMaintenanceNow(c echo.Context) error {
	return s.submit(c, "qbit-maintenance", 5*time.Minute, func(ctx context.Context) (any, error) {
		return s.maintenance.Run(ctx)
	})
}

// recoveryNow is the belt-and-braces pass after an outage: re-resolve
// metadata, reconcile whatever already landed (dropping invalid files), then
// poll immediately so replacements refill, and finally re-add any queued
// torrents the client lost.
func (s *Server) recoveryNow(c echo.Context) error {
	return s.submit(c, "recovery", 15*time.Minute, func(ctx context.Context) (any, error) {
		sync, err := s.resolver.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		rec, err := s.reconciler.Reconcile(ctx)
		if err != nil {
			return nil, err
		}
		poll, err := s.pipeline.PollAndEnqueue(ctx, nil)
		if err != nil {
			return nil, err
		}
		requeued, err := s.pipeline.Recover(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ok": true, "sync": sync, "reconcile": rec, "poll": poll, "requeued": requeued,
		}, nil
	})
}

func (s *Server) postersNow(c echo.Context) error {
	script := s.cfg.Library.PosterScript
	if script == "" {
		return echo.NewHTTPError(http.StatusConflict, "no poster script configured")
	}
	return s.submit(c, "posters", 10*time.Minute, func(ctx context.Context) (any, error) {
		out, err := exec.CommandContext(ctx, script).CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("poster script: %w: %s", err, out)
		}
		return map[string]any{"ok": true}, nil
	})
}

func (s *Server) jellyfinStatusNow(c echo.Context) error {
	return s.submit(c, "jellyfin-status", 5*time.Minute, func(ctx context.Context) (any, error) {
		shows, err := s.store.ListShows(ctx)
		if err != nil {
			return nil, err
		}
		tracked := make([]jellyfin.TrackedShow, 0, len(shows))
		for _, show := range shows {
			tracked = append(tracked, jellyfin.TrackedShow{ID: show.ID, TitleCanonical: show.TitleCanonical})
		}
		return s.jellyfin.CollectStatus(ctx, tracked), nil
	})
}

func (s *Server) jellyfinRefreshNow(c echo.Context) error {
	return s.submit(c, "jellyfin-refresh", time.Minute, func(ctx context.Context) (any, error) {
		if err := s.jellyfin.RefreshLibrary(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

type verifyHashesRequest struct {
	Season  int `json:"season"`
	StartEp int `json:"start_ep"`
	EndEp   int `json:"end_ep"`
}

// verifyHashes re-hashes a show's organized episodes against its manifest.
func (s *Server) verifyHashes(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}

	var req verifyHashesRequest
	_ = c.Bind(&req)
	if req.Season <= 0 {
		req.Season = 1
	}
	if req.StartEp <= 0 {
		req.StartEp = 1
	}
	if req.EndEp <= 0 {
		if show.TotalEps != nil {
			req.EndEp = *show.TotalEps
		} else {
			req.EndEp = req.StartEp
		}
	}
	if req.EndEp < req.StartEp {
		return echo.NewHTTPError(http.StatusBadRequest, "end_ep before start_ep")
	}

	title := show.TitleCanonical
	return s.submit(c, "verify-hashes", 15*time.Minute, func(ctx context.Context) (any, error) {
		mismatches, err := s.manifests.VerifyRange(title, req.Season, req.StartEp, req.EndEp)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"show_id":    show.ID,
			"season":     req.Season,
			"start_ep":   req.StartEp,
			"end_ep":     req.EndEp,
			"ok":         len(mismatches) == 0,
			"mismatches": mismatches,
		}, nil
	})
}
