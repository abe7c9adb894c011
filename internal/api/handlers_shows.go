package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bangumid/bangumid/internal/store"
)

type createShowRequest struct {
	Title    string   `json:"title"`
	TotalEps *int     `json:"total_eps,omitempty"`
	EpOffset int      `json:"ep_offset,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
	MinScore *int     `json:"min_score,omitempty"`
}

type showResponse struct {
	ID             int64    `json:"id"`
	TitleInput     string   `json:"title_input"`
	TitleCanonical string   `json:"title_canonical"`
	AnilistID      *int64   `json:"anilist_id"`
	Status         string   `json:"status"`
	TotalEps       *int     `json:"total_eps"`
	EpOffset       int      `json:"ep_offset"`
	Aliases        []string `json:"aliases,omitempty"`
}

func showToResponse(show *store.Show, aliases []string) showResponse {
	return showResponse{
		ID:             show.ID,
		TitleInput:     show.TitleInput,
		TitleCanonical: show.TitleCanonical,
		AnilistID:      show.CatalogID,
		Status:         string(show.Status),
		TotalEps:       show.TotalEps,
		EpOffset:       show.EpOffset,
		Aliases:        aliases,
	}
}

func (s *Server) showFromPath(c echo.Context) (*store.Show, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid show id")
	}
	show, err := s.store.GetShow(c.Request().Context(), id)
	if err == store.ErrNotFound {
		return nil, echo.NewHTTPError(http.StatusNotFound, "show not found")
	}
	return show, err
}

// createShow registers a tracked show and kicks off its first catalog sync
// in the background.
func (s *Server) createShow(c echo.Context) error {
	var req createShowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}

	ctx := c.Request().Context()
	show, err := s.store.CreateShow(ctx, title, title, req.TotalEps)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	for _, alias := range req.Aliases {
		if err := s.store.AddAlias(ctx, show.ID, alias); err != nil {
			s.logger.Warn().Err(err).Str("alias", alias).Msg("alias insert failed")
		}
	}
	if req.MinScore != nil {
		if err := s.store.UpsertProfile(ctx, show.ID, "", *req.MinScore); err != nil {
			return err
		}
	}

	job := s.runner.Submit("sync-show", 5*time.Minute, s.syncShowFn(show.ID))

	aliases, _ := s.aliasStrings(c, show.ID)
	return c.JSON(http.StatusCreated, map[string]any{
		"show": showToResponse(show, aliases),
		"job":  job,
	})
}

const defaultIntakeMinScore = 70

type intakeShow struct {
	Title              string   `json:"title"`
	CanonicalTitle     string   `json:"canonical_title,omitempty"`
	TotalEps           *int     `json:"total_eps,omitempty"`
	Aliases            []string `json:"aliases,omitempty"`
	PreferredSubgroups []string `json:"preferred_subgroups,omitempty"`
	MinScore           int      `json:"min_score,omitempty"`
}

type intakeRequest struct {
	Shows []intakeShow `json:"shows"`
}

// intake bulk-upserts tracked shows with their aliases and profiles. It is
// idempotent: re-posting the same list touches nothing it should not.
// total_eps only fills in when previously unset, subgroups only replace an
// existing list when non-empty, and min_score always applies.
func (s *Server) intake(c echo.Context) error {
	var req intakeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	upserted := 0
	for _, item := range req.Shows {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		canonical := strings.TrimSpace(item.CanonicalTitle)
		if canonical == "" {
			canonical = title
		}

		show, err := s.store.GetShowByCanonicalTitle(ctx, canonical)
		switch {
		case err == store.ErrNotFound:
			show, err = s.store.CreateShow(ctx, title, canonical, item.TotalEps)
			if err != nil {
				return err
			}
			upserted++
		case err != nil:
			return err
		default:
			if item.TotalEps != nil && *item.TotalEps > 0 {
				if err := s.store.SetShowTotalEps(ctx, show.ID, *item.TotalEps); err != nil {
					return err
				}
			}
		}

		for _, alias := range append([]string{title, canonical}, item.Aliases...) {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			if err := s.store.AddAlias(ctx, show.ID, alias); err != nil {
				return err
			}
		}

		minScore := item.MinScore
		if minScore <= 0 {
			minScore = defaultIntakeMinScore
		}
		if err := s.store.UpsertProfile(ctx, show.ID, subgroupCSV(item.PreferredSubgroups), minScore); err != nil {
			return err
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"ok":       true,
		"upserted": upserted,
		"count":    len(req.Shows),
	})
}

func subgroupCSV(groups []string) string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return strings.Join(out, ",")
}

func (s *Server) listShows(c echo.Context) error {
	shows, err := s.store.ListShows(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]showResponse, 0, len(shows))
	for _, show := range shows {
		aliases, err := s.aliasStrings(c, show.ID)
		if err != nil {
			return err
		}
		out = append(out, showToResponse(show, aliases))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getShow(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	aliases, err := s.aliasStrings(c, show.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, showToResponse(show, aliases))
}

// getShowStatus reports acquisition progress for one show.
func (s *Server) getShowStatus(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	downloadedEps, err := s.store.DownloadedEpisodeNumbers(ctx, show.ID)
	if err != nil {
		return err
	}
	episodes, err := s.store.ListEpisodes(ctx, show.ID)
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, ep := range episodes {
		counts[string(ep.State)]++
	}

	downloaded := len(downloadedEps)
	var latest *int
	if downloaded > 0 {
		latest = &downloadedEps[downloaded-1]
	}
	var missing *int
	if show.TotalEps != nil && *show.TotalEps > 0 {
		n := *show.TotalEps - downloaded
		if n < 0 {
			n = 0
		}
		missing = &n
	}

	complete := show.TotalEps != nil && *show.TotalEps > 0 && downloaded >= *show.TotalEps
	return c.JSON(http.StatusOK, map[string]any{
		"show_id":              show.ID,
		"title_canonical":      show.TitleCanonical,
		"status":               show.Status,
		"total_eps":            show.TotalEps,
		"latest_downloaded_ep": latest,
		"downloaded_count":     downloaded,
		"missing_count":        missing,
		"complete":             complete,
		"episode_states":       counts,
	})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) addAlias(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	var req aliasRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Alias) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "alias is required")
	}
	if err := s.store.AddAlias(c.Request().Context(), show.ID, req.Alias); err != nil {
		return err
	}
	aliases, err := s.aliasStrings(c, show.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"show_id": show.ID, "aliases": aliases})
}

func (s *Server) listAliases(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	aliases, err := s.aliasStrings(c, show.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"show_id": show.ID, "aliases": aliases})
}

func (s *Server) aliasStrings(c echo.Context, showID int64) ([]string, error) {
	rows, err := s.store.ListAliases(c.Request().Context(), showID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Alias)
	}
	return out, nil
}

type profileRequest struct {
	PreferredSubgroups []string `json:"preferred_subgroups"`
	MinScore           int      `json:"min_score"`
}

func (s *Server) upsertProfile(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MinScore <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "min_score must be positive")
	}

	if err := s.store.UpsertProfile(c.Request().Context(), show.ID, subgroupCSV(req.PreferredSubgroups), req.MinScore); err != nil {
		return err
	}
	profile, err := s.store.GetProfile(c.Request().Context(), show.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"show_id":             show.ID,
		"preferred_subgroups": profile.PreferredSubgroups,
		"min_score":           profile.MinScore,
	})
}

func (s *Server) listEpisodes(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	episodes, err := s.store.ListEpisodes(c.Request().Context(), show.ID)
	if err != nil {
		return err
	}
	type epResponse struct {
		EpNo        int        `json:"ep_no"`
		State       string     `json:"state"`
		AirDatetime *time.Time `json:"air_datetime,omitempty"`
	}
	out := make([]epResponse, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, epResponse{EpNo: ep.EpNo, State: string(ep.State), AirDatetime: ep.AirDatetime})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listReleases(c echo.Context) error {
	show, err := s.showFromPath(c)
	if err != nil {
		return err
	}
	releases, err := s.store.ListReleases(c.Request().Context(), show.ID)
	if err != nil {
		return err
	}
	type relResponse struct {
		ID        int64     `json:"id"`
		EpNo      int       `json:"ep_no"`
		Source    string    `json:"source"`
		Title     string    `json:"title"`
		Score     int       `json:"score"`
		State     string    `json:"state"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]relResponse, 0, len(releases))
	for _, r := range releases {
		out = append(out, relResponse{
			ID: r.ID, EpNo: r.EpNo, Source: r.Source, Title: r.Title,
			Score: r.Score, State: string(r.State), CreatedAt: r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
