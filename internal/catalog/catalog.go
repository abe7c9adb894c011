// Package catalog talks to the AniList GraphQL API. It provides media
// search, lookup by id, and airing-schedule queries; the resolver turns
// those into local show and episode state.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

const defaultEndpoint = "https://graphql.anilist.co"

const userAgent = "bangumid/1.1"

// Title carries the three AniList title variants.
type Title struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

// NextAiring is the next scheduled episode, if any.
type NextAiring struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
}

// RelationEdge links a media entry to a related one (PREQUEL, SEQUEL, ...).
type RelationEdge struct {
	RelationType string `json:"relationType"`
	Node         struct {
		ID     int64  `json:"id"`
		Format string `json:"format"`
		Title  Title  `json:"title"`
	} `json:"node"`
}

// Media is one AniList anime entry.
type Media struct {
	ID         int64       `json:"id"`
	Format     string      `json:"format"`
	Status     string      `json:"status"`
	Episodes   int         `json:"episodes"`
	Title      Title       `json:"title"`
	Synonyms   []string    `json:"synonyms"`
	NextAiring *NextAiring `json:"nextAiringEpisode"`
	Relations  struct {
		Edges []RelationEdge `json:"edges"`
	} `json:"relations"`
}

// AiringSchedule is one (episode, airingAt) schedule row.
type AiringSchedule struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
}

// Client is an AniList GraphQL client.
type Client struct {
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint, used in tests.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

func NewClient(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint: defaultEndpoint,
		http:     &http.Client{Timeout: 20 * time.Second},
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (c *Client) post(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", userAgent)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("anilist status %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("anilist status %d: %s", resp.StatusCode, data))
			}
			return json.Unmarshal(data, out)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

const searchQuery = `
query ($search: String, $perPage: Int) {
  Page(page: 1, perPage: $perPage) {
    media(search: $search, type: ANIME, sort: SEARCH_MATCH) {
      id
      format
      status
      episodes
      title { romaji english native }
      synonyms
      nextAiringEpisode { episode airingAt }
      relations {
        edges {
          relationType
          node { id format title { romaji english native } }
        }
      }
    }
  }
}`

// Search returns up to perPage search-ranked anime entries.
func (c *Client) Search(ctx context.Context, term string, perPage int) ([]Media, error) {
	var resp struct {
		Data struct {
			Page struct {
				Media []Media `json:"media"`
			} `json:"Page"`
		} `json:"data"`
	}
	err := c.post(ctx, searchQuery, map[string]any{"search": term, "perPage": perPage}, &resp)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", term, err)
	}
	return resp.Data.Page.Media, nil
}

const mediaByIDQuery = `
query ($id: Int) {
  Media(id: $id, type: ANIME) {
    id
    format
    status
    episodes
    title { romaji english native }
    nextAiringEpisode { episode airingAt }
  }
}`

// MediaByID returns one entry by AniList id, or nil when absent.
func (c *Client) MediaByID(ctx context.Context, id int64) (*Media, error) {
	var resp struct {
		Data struct {
			Media *Media `json:"Media"`
		} `json:"data"`
	}
	if err := c.post(ctx, mediaByIDQuery, map[string]any{"id": id}, &resp); err != nil {
		return nil, fmt.Errorf("media %d: %w", id, err)
	}
	return resp.Data.Media, nil
}

const airingScheduleQuery = `
query ($mediaId: Int, $page: Int) {
  Page(page: $page, perPage: 50) {
    pageInfo { hasNextPage }
    airingSchedules(mediaId: $mediaId, sort: EPISODE) {
      episode
      airingAt
    }
  }
}`

// AiredUpTo returns the highest already-aired episode number according to
// the airing schedule, falling back to nextAiring-1, then total episodes for
// finished shows, then 0. Schedule fetch failures degrade to the fallbacks
// rather than erroring out.
func (c *Client) AiredUpTo(ctx context.Context, mediaID int64, finished bool, totalEps, nextAirEp int) int {
	airedMax := 0
	now := time.Now().Unix()

	for page := 1; ; page++ {
		var resp struct {
			Data struct {
				Page struct {
					PageInfo struct {
						HasNextPage bool `json:"hasNextPage"`
					} `json:"pageInfo"`
					AiringSchedules []AiringSchedule `json:"airingSchedules"`
				} `json:"Page"`
			} `json:"data"`
		}
		err := c.post(ctx, airingScheduleQuery, map[string]any{"mediaId": mediaID, "page": page}, &resp)
		if err != nil {
			c.logger.Warn().Err(err).Int64("media_id", mediaID).Msg("airing schedule fetch failed")
			break
		}
		schedules := resp.Data.Page.AiringSchedules
		if len(schedules) == 0 {
			break
		}
		for _, sc := range schedules {
			if sc.Episode > 0 && sc.AiringAt > 0 && sc.AiringAt <= now {
				if sc.Episode > airedMax {
					airedMax = sc.Episode
				}
			}
		}
		if !resp.Data.Page.PageInfo.HasNextPage {
			break
		}
	}

	if airedMax > 0 {
		return airedMax
	}
	if nextAirEp > 0 {
		return nextAirEp - 1
	}
	if finished && totalEps > 0 {
		return totalEps
	}
	return 0
}

// NameBlob joins every known name of the entry for alias matching.
func (m *Media) NameBlob() string {
	names := []string{m.Title.Romaji, m.Title.English, m.Title.Native}
	names = append(names, m.Synonyms...)
	var b bytes.Buffer
	for _, n := range names {
		if n == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(n)
	}
	return b.String()
}
