// Package feeds collects torrent candidates for episode searching. The
// primary source is RSS (nyaa, bangumi.moe, and arbitrary configured feeds);
// a bangumi.moe JSON API scan serves as fallback when feeds turn up nothing.
package feeds

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Candidate is one torrent entry found in a feed.
type Candidate struct {
	Title  string
	Link   string
	Source string
}

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123 Safari/537.36"

const defaultBangumiAPI = "https://bangumi.moe/api/v2"

// FetchOptions bound a feed sweep. Deadline is a hard wall for the whole
// sweep; per-request timeouts shrink as it approaches.
type FetchOptions struct {
	MaxFeeds          int
	MaxEntriesPerFeed int
	Timeout           time.Duration
	Deadline          time.Time
}

func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		MaxFeeds:          120,
		MaxEntriesPerFeed: 60,
		Timeout:           12 * time.Second,
	}
}

// Client fetches feeds and resolves download links.
type Client struct {
	http       *http.Client
	bangumiAPI string
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBangumiAPI overrides the bangumi.moe API base URL, used in tests.
func WithBangumiAPI(base string) Option {
	return func(c *Client) { c.bangumiAPI = strings.TrimRight(base, "/") }
}

func NewClient(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		bangumiAPI: defaultBangumiAPI,
		logger:     logger.With().Str("component", "feeds").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

type rssItem struct {
	Title      string         `xml:"title"`
	Link       string         `xml:"link"`
	Enclosures []rssEnclosure `xml:"enclosure"`
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

// normalizeURL percent-encodes the path and query so links with raw CJK or
// spaces survive the trip into qBittorrent. Magnet links pass through.
func normalizeURL(href string) string {
	if href == "" || strings.HasPrefix(href, "magnet:") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}

// pickLink chooses the best download link of an item: magnet first, then a
// torrent-file enclosure, then the entry page link.
func pickLink(item rssItem) string {
	if strings.HasPrefix(item.Link, "magnet:") {
		return item.Link
	}
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.URL, "magnet:") {
			return enc.URL
		}
	}
	for _, enc := range item.Enclosures {
		if enc.URL != "" && strings.Contains(strings.ToLower(enc.Type), "x-bittorrent") {
			return normalizeURL(enc.URL)
		}
	}
	if item.Link != "" {
		return normalizeURL(item.Link)
	}
	return ""
}

func parseRSS(data []byte) ([]rssItem, error) {
	var feed rssFeed
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	// Feeds in the wild declare GBK and friends; fall back to passing bytes
	// through rather than failing the whole feed.
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := decoder.Decode(&feed); err != nil {
		return nil, err
	}
	return feed.Channel.Items, nil
}

func (c *Client) fetchBytes(ctx context.Context, rawURL string, timeout time.Duration, accept string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// perCallTimeout shrinks the request timeout toward a sweep deadline.
// Returns false once the deadline has passed.
func perCallTimeout(base time.Duration, deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return base, true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	if remaining < base {
		if remaining < time.Second {
			return time.Second, true
		}
		return remaining, true
	}
	return base, true
}

// FetchCandidates sweeps the feed URLs in order and returns every entry with
// a usable link. Individual feed failures are logged and skipped.
func (c *Client) FetchCandidates(ctx context.Context, feedURLs []string, opts FetchOptions) []Candidate {
	var out []Candidate

	for i, feedURL := range feedURLs {
		if i >= opts.MaxFeeds {
			break
		}
		if feedURL == "" {
			continue
		}

		timeout, ok := perCallTimeout(opts.Timeout, opts.Deadline)
		if !ok {
			c.logger.Debug().Int("fetched", i).Msg("feed sweep deadline reached")
			break
		}

		data, err := c.fetchBytes(ctx, feedURL, timeout,
			"application/rss+xml, application/xml, text/xml, application/json;q=0.9, */*;q=0.1")
		if err != nil {
			c.logger.Debug().Err(err).Str("url", feedURL).Msg("feed fetch failed")
			continue
		}

		items, err := parseRSS(data)
		if err != nil {
			c.logger.Debug().Err(err).Str("url", feedURL).Msg("feed parse failed")
			continue
		}
		if len(items) > opts.MaxEntriesPerFeed {
			items = items[:opts.MaxEntriesPerFeed]
		}

		for _, item := range items {
			link := pickLink(item)
			if link == "" {
				continue
			}
			out = append(out, Candidate{Title: item.Title, Link: link, Source: feedURL})
		}
	}

	return out
}

var bangumiTorrentID = []*regexp.Regexp{
	regexp.MustCompile(`/torrent/([0-9a-f]{24})`),
	regexp.MustCompile(`/download/torrent/([0-9a-f]{24})`),
}

func bangumiIDFromLink(link string) string {
	for _, pat := range bangumiTorrentID {
		if m := pat.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// ResolveDownloadLink turns a bangumi.moe torrent page link into its magnet
// via the API. Anything else, including resolution failures, returns the
// link unchanged.
func (c *Client) ResolveDownloadLink(ctx context.Context, link string) string {
	if strings.HasPrefix(link, "magnet:") {
		return link
	}
	if !strings.Contains(link, "bangumi.moe") {
		return link
	}
	tid := bangumiIDFromLink(link)
	if tid == "" {
		return link
	}

	data, err := c.fetchBytes(ctx, c.bangumiAPI+"/torrent/"+tid, 20*time.Second, "application/json")
	if err != nil {
		c.logger.Debug().Err(err).Str("link", link).Msg("bangumi magnet resolution failed")
		return link
	}

	var obj struct {
		Magnet string `json:"magnet"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return link
	}
	if strings.HasPrefix(obj.Magnet, "magnet:") {
		return obj.Magnet
	}
	return link
}

var (
	nonWordRun = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff}]+`)
	spaceRun   = regexp.MustCompile(`\s+`)
)

func normText(s string) string {
	x := strings.ToLower(s)
	x = nonWordRun.ReplaceAllString(x, " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(x, " "))
}

func termTokens(term string) []string {
	var toks []string
	for _, t := range strings.Split(normText(term), " ") {
		if len(t) >= 2 {
			toks = append(toks, t)
		}
		if len(toks) == 6 {
			break
		}
	}
	return toks
}

func tokenSet(toks []string) map[string]bool {
	s := make(map[string]bool, len(toks))
	for _, t := range toks {
		s[t] = true
	}
	return s
}

// APIFetchOptions bound a bangumi.moe API scan.
type APIFetchOptions struct {
	MaxPages   int
	MaxResults int
	Timeout    time.Duration
	Deadline   time.Time
}

func DefaultAPIFetchOptions() APIFetchOptions {
	return APIFetchOptions{
		MaxPages:   2,
		MaxResults: 120,
		Timeout:    12 * time.Second,
	}
}

// FetchBangumiAPICandidates scans recent bangumi.moe torrent pages and keeps
// entries whose title tokens overlap any search term's token set (two shared
// tokens, or the full term contained in the title).
func (c *Client) FetchBangumiAPICandidates(ctx context.Context, searchTerms []string, opts APIFetchOptions) []Candidate {
	var tokenSets []map[string]bool
	for _, t := range searchTerms {
		if toks := termTokens(t); len(toks) > 0 {
			tokenSets = append(tokenSets, tokenSet(toks))
		}
	}
	if len(tokenSets) == 0 {
		return nil
	}

	var out []Candidate
	seen := map[string]bool{}

	for page := 1; page <= opts.MaxPages; page++ {
		timeout, ok := perCallTimeout(opts.Timeout, opts.Deadline)
		if !ok {
			break
		}

		data, err := c.fetchBytes(ctx, fmt.Sprintf("%s/torrent/page/%d", c.bangumiAPI, page), timeout, "application/json")
		if err != nil {
			c.logger.Debug().Err(err).Int("page", page).Msg("bangumi api fetch failed")
			continue
		}

		var obj struct {
			Torrents []struct {
				ID     string `json:"_id"`
				Title  string `json:"title"`
				Magnet string `json:"magnet"`
			} `json:"torrents"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			continue
		}

		for _, t := range obj.Torrents {
			title := strings.TrimSpace(t.Title)
			if title == "" {
				continue
			}
			link := ""
			if strings.HasPrefix(t.Magnet, "magnet:") {
				link = t.Magnet
			} else if t.ID != "" {
				link = "https://bangumi.moe/torrent/" + t.ID
			}
			if link == "" || seen[link] {
				continue
			}

			titleTokens := tokenSet(termTokens(title))
			if len(titleTokens) == 0 {
				continue
			}
			if !matchesAnyTermSet(titleTokens, tokenSets) {
				continue
			}

			seen[link] = true
			out = append(out, Candidate{Title: title, Link: link, Source: "bangumi_api"})
			if len(out) >= opts.MaxResults {
				return out
			}
		}
	}

	return out
}

func matchesAnyTermSet(titleTokens map[string]bool, termSets []map[string]bool) bool {
	for _, ts := range termSets {
		overlap := 0
		subset := true
		for tok := range ts {
			if titleTokens[tok] {
				overlap++
			} else {
				subset = false
			}
		}
		if overlap >= 2 || subset {
			return true
		}
	}
	return false
}
