// Package jellyfin is a minimal Jellyfin API client used to cross-check the
// library: per-show episode counts, season-attribution problems, and manual
// library refresh triggers.
package jellyfin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds Jellyfin connection settings.
type Config struct {
	Host   string
	Port   int
	APIKey string
}

// ShowStatus is the Jellyfin-side view of one tracked show.
type ShowStatus struct {
	ShowID                int64  `json:"show_id"`
	TitleCanonical        string `json:"title_canonical"`
	SeriesFound           bool   `json:"jellyfin_series_found"`
	TotalEpisodes         int    `json:"jellyfin_total_episodes"`
	UnknownSeasonEpisodes int    `json:"jellyfin_unknown_season_episodes"`
	LastError             string `json:"last_error,omitempty"`
}

// TrackedShow is the minimal show identity needed for a status sweep.
type TrackedShow struct {
	ID             int64
	TitleCanonical string
}

// Client talks to one Jellyfin server.
type Client struct {
	baseURL string
	apiKey  string
	local   bool
	http    *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the server URL, used in tests.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

func NewClient(config Config, logger zerolog.Logger, opts ...Option) *Client {
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := config.Port
	if port == 0 {
		port = 8096
	}
	c := &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		apiKey:  strings.TrimSpace(config.APIKey),
		local:   host == "127.0.0.1" || host == "localhost",
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With().Str("component", "jellyfin").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// getJSON tries api_key query auth first, then the X-Emby-Token header.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}

	withKey := url.Values{}
	for k, v := range params {
		withKey[k] = v
	}
	withKey.Set("api_key", c.apiKey)

	attempts := []struct {
		query  url.Values
		header string
	}{
		{withKey, ""},
		{params, c.apiKey},
	}

	var lastErr error
	for _, a := range attempts {
		reqURL := c.baseURL + path
		if q := a.query.Encode(); q != "" {
			reqURL += "?" + q
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		if a.header != "" {
			req.Header.Set("X-Emby-Token", a.header)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("jellyfin status %d", resp.StatusCode)
			continue
		}
		if err := json.Unmarshal(data, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("jellyfin request failed")
	}
	return lastErr
}

type itemsResponse struct {
	Items []struct {
		ID                string `json:"Id"`
		Name              string `json:"Name"`
		SeasonNumber      *int   `json:"SeasonNumber"`
		ParentIndexNumber *int   `json:"ParentIndexNumber"`
	} `json:"Items"`
}

// FindSeriesID searches for a series by title, preferring an exact
// case-insensitive name match.
func (c *Client) FindSeriesID(ctx context.Context, title string) (string, error) {
	params := url.Values{}
	params.Set("IncludeItemTypes", "Series")
	params.Set("Recursive", "true")
	params.Set("SearchTerm", title)
	params.Set("Limit", "10")
	params.Set("Fields", "SortName")

	var resp itemsResponse
	if err := c.getJSON(ctx, "/Items", params, &resp); err != nil {
		return "", err
	}

	want := strings.ToLower(strings.TrimSpace(title))
	for _, item := range resp.Items {
		if strings.ToLower(strings.TrimSpace(item.Name)) == want {
			return item.ID, nil
		}
	}
	if len(resp.Items) > 0 {
		return resp.Items[0].ID, nil
	}
	return "", nil
}

// SeriesEpisodeStats counts a series' episodes and how many lack a season
// attribution (the failure mode the .nfo sidecars exist to prevent).
func (c *Client) SeriesEpisodeStats(ctx context.Context, seriesID string) (total, unknownSeason int, err error) {
	var resp itemsResponse
	if err := c.getJSON(ctx, "/Shows/"+seriesID+"/Episodes", nil, &resp); err != nil {
		return 0, 0, err
	}
	for _, item := range resp.Items {
		total++
		season := item.SeasonNumber
		if season == nil {
			season = item.ParentIndexNumber
		}
		if season == nil {
			unknownSeason++
		}
	}
	return total, unknownSeason, nil
}

// CollectStatus sweeps every tracked show against Jellyfin. A missing API
// key yields rows carrying the configuration error instead of failing.
func (c *Client) CollectStatus(ctx context.Context, shows []TrackedShow) []ShowStatus {
	out := make([]ShowStatus, 0, len(shows))

	if !c.Configured() {
		for _, show := range shows {
			out = append(out, ShowStatus{
				ShowID:         show.ID,
				TitleCanonical: show.TitleCanonical,
				LastError:      "JELLYFIN_API_KEY not configured",
			})
		}
		return out
	}

	for _, show := range shows {
		row := ShowStatus{ShowID: show.ID, TitleCanonical: show.TitleCanonical}

		seriesID, err := c.FindSeriesID(ctx, show.TitleCanonical)
		if err != nil {
			row.LastError = err.Error()
			out = append(out, row)
			continue
		}
		if seriesID == "" {
			out = append(out, row)
			continue
		}

		row.SeriesFound = true
		total, unknown, err := c.SeriesEpisodeStats(ctx, seriesID)
		if err != nil {
			row.LastError = err.Error()
		} else {
			row.TotalEpisodes = total
			row.UnknownSeasonEpisodes = unknown
		}
		out = append(out, row)
	}
	return out
}

// RefreshLibrary triggers a full library scan. With an API key both auth
// styles are attempted; on loopback an unauthenticated call is allowed as a
// final fallback.
func (c *Client) RefreshLibrary(ctx context.Context) error {
	type attempt struct {
		url    string
		header string
	}
	var attempts []attempt
	base := c.baseURL + "/Library/Refresh"

	if c.apiKey != "" {
		attempts = append(attempts,
			attempt{url: base + "?api_key=" + url.QueryEscape(c.apiKey)},
			attempt{url: base, header: c.apiKey},
		)
	}
	if c.local {
		attempts = append(attempts, attempt{url: base})
	}
	if len(attempts) == 0 {
		return fmt.Errorf("jellyfin credentials not configured")
	}

	var lastErr error
	for _, a := range attempts {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, nil)
		if err != nil {
			return err
		}
		if a.header != "" {
			req.Header.Set("X-Emby-Token", a.header)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("jellyfin status %d", resp.StatusCode)
	}
	return fmt.Errorf("jellyfin refresh failed: %w", lastErr)
}
