// Package resolver maps tracked shows to AniList entries and keeps local
// show/episode state in sync with the catalog: status, total episode count,
// and per-episode aired/planned rows. The mapping is sticky; once a show is
// resolved, transient catalog failures never unresolve it.
package resolver

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bangumid/bangumid/internal/catalog"
	"github.com/bangumid/bangumid/internal/store"
)

const (
	searchPerPage = 8
	maxAliasTerms = 10
	maxSearchPool = 12
)

// Catalog is the slice of the catalog client the resolver needs.
type Catalog interface {
	Search(ctx context.Context, term string, perPage int) ([]catalog.Media, error)
	MediaByID(ctx context.Context, id int64) (*catalog.Media, error)
	AiredUpTo(ctx context.Context, mediaID int64, finished bool, totalEps, nextAirEp int) int
}

// Resolver syncs shows against the catalog.
type Resolver struct {
	store   *store.Store
	catalog Catalog
	logger  zerolog.Logger
}

func New(st *store.Store, cat Catalog, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		catalog: cat,
		logger:  logger.With().Str("component", "resolver").Logger(),
	}
}

// EpisodeRowChanges summarizes one show's episode-table sync.
type EpisodeRowChanges struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// ShowSyncDetail reports one show's outcome inside a sync sweep.
type ShowSyncDetail struct {
	ShowID                int64             `json:"show_id"`
	Title                 string            `json:"title"`
	Matched               bool              `json:"matched"`
	CatalogID             int64             `json:"anilist_id,omitempty"`
	LockedCatalogID       int64             `json:"locked_anilist_id,omitempty"`
	TransientFetchFailure bool              `json:"transient_fetch_failure,omitempty"`
	Status                store.ShowStatus  `json:"status,omitempty"`
	TotalEps              *int              `json:"total_eps,omitempty"`
	AiredUpTo             int               `json:"aired_upto"`
	EpisodeRows           EpisodeRowChanges `json:"episode_rows"`
}

// SyncResult is the outcome of a full metadata sync.
type SyncResult struct {
	OK      bool             `json:"ok"`
	Shows   int              `json:"shows"`
	Updated int              `json:"updated"`
	NoMatch int              `json:"no_match"`
	Details []ShowSyncDetail `json:"details"`
}

func statusFromCatalog(catalogStatus string) store.ShowStatus {
	switch strings.ToUpper(catalogStatus) {
	case "RELEASING":
		return store.ShowAiring
	case "FINISHED":
		return store.ShowFinished
	case "NOT_YET_RELEASED":
		return store.ShowPlanned
	default:
		return store.ShowAiring
	}
}

var seasonHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bs(?:eason)?\s*([1-9]\d?)\b`),
	regexp.MustCompile(`(?i)\b([1-9]\d?)(?:st|nd|rd|th)\s+season\b`),
	regexp.MustCompile(`第\s*([1-9]\d?)\s*[季期]`),
}

var trailingPartNumber = regexp.MustCompile(`\b([2-9])\b`)

// seasonHint extracts a season number signal from one title or alias.
func seasonHint(text string) int {
	if text == "" {
		return 0
	}
	s := strings.ToLower(text)
	for _, pat := range seasonHintPatterns {
		if m := pat.FindStringSubmatch(s); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return v
			}
		}
	}
	// Trailing part number like "Title 3".
	if m := trailingPartNumber.FindStringSubmatch(s); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return 0
}

// expectedSeason picks the most common season signal across all names,
// breaking frequency ties toward the larger season.
func expectedSeason(show *store.Show, aliases []string) int {
	var vals []int
	for _, text := range append([]string{show.TitleCanonical, show.TitleInput}, aliases...) {
		if v := seasonHint(text); v >= 1 {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	freq := map[int]int{}
	for _, v := range vals {
		freq[v]++
	}
	best, bestCount := 0, 0
	for v, n := range freq {
		if n > bestCount || (n == bestCount && v > best) {
			best, bestCount = v, n
		}
	}
	return best
}

var episodicFormats = map[string]bool{"TV": true, "TV_SHORT": true, "ONA": true}

// candidateSeasonScore scores a catalog entry against the expected season.
// The season order proxy is relation depth: prequel count + 1.
func candidateSeasonScore(media *catalog.Media, expected int) int {
	score := 0
	prequels, sequels := 0, 0
	for _, e := range media.Relations.Edges {
		switch strings.ToUpper(e.RelationType) {
		case "PREQUEL":
			prequels++
		case "SEQUEL":
			sequels++
		}
	}
	inferred := prequels + 1

	if expected > 0 {
		if inferred == expected {
			score += 80
		} else {
			diff := inferred - expected
			if diff < 0 {
				diff = -diff
			}
			score -= 25 * diff
		}
	}

	if episodicFormats[strings.ToUpper(media.Format)] {
		score += 20
	} else {
		score -= 20
	}

	if prequels > 0 {
		score += 5
	}
	if sequels > 0 {
		score += 2
	}
	return score
}

var (
	stripOrdinalSeason = regexp.MustCompile(`(?i)\b([1-9]\d?)(?:st|nd|rd|th)?\s*season\b`)
	stripSeasonToken   = regexp.MustCompile(`(?i)\bs(?:eason)?\s*[1-9]\d?\b`)
	stripCJKSeason     = regexp.MustCompile(`第\s*[1-9]\d?\s*[季期]`)
	collapseSpace      = regexp.MustCompile(`\s+`)
)

func stripSeasonTokens(text string) string {
	s := stripOrdinalSeason.ReplaceAllString(text, "")
	s = stripSeasonToken.ReplaceAllString(s, "")
	s = stripCJKSeason.ReplaceAllString(s, "")
	s = collapseSpace.ReplaceAllString(s, " ")
	return strings.Trim(strings.TrimSpace(s), " -_:/")
}

// searchTerms broadens the alias pool with season-stripped variants, keeping
// order and deduplicating.
func searchTerms(aliases []string) []string {
	var terms []string
	seen := map[string]bool{}
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			return
		}
		seen[strings.ToLower(t)] = true
		terms = append(terms, t)
	}

	limit := len(aliases)
	if limit > maxAliasTerms {
		limit = maxAliasTerms
	}
	for _, a := range aliases[:limit] {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		add(a)
		if stripped := stripSeasonTokens(a); stripped != "" && !strings.EqualFold(stripped, a) {
			add(stripped)
		}
	}
	if len(terms) > maxSearchPool {
		terms = terms[:maxSearchPool]
	}
	return terms
}

// pickBestMedia searches the catalog with every term and ranks the pooled
// results by season score, alias hit, and airing status.
func (r *Resolver) pickBestMedia(ctx context.Context, show *store.Show, aliases []string) *catalog.Media {
	expected := expectedSeason(show, aliases)

	var pool []catalog.Media
	seenIDs := map[int64]bool{}
	for _, term := range searchTerms(aliases) {
		results, err := r.catalog.Search(ctx, term, searchPerPage)
		if err != nil {
			r.logger.Debug().Err(err).Str("term", term).Msg("catalog search failed")
			continue
		}
		for _, m := range results {
			if m.ID != 0 && !seenIDs[m.ID] {
				pool = append(pool, m)
				seenIDs[m.ID] = true
			}
		}
	}
	if len(pool) == 0 {
		return nil
	}

	normAliases := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a != "" {
			normAliases = append(normAliases, strings.ToLower(a))
		}
	}

	type ranked struct {
		score int
		media catalog.Media
	}
	rankedPool := make([]ranked, 0, len(pool))
	for _, m := range pool {
		m := m
		score := candidateSeasonScore(&m, expected)
		blob := strings.ToLower(m.NameBlob())
		for _, a := range normAliases {
			if strings.Contains(blob, a) {
				score += 10
				break
			}
		}
		if strings.EqualFold(m.Status, "RELEASING") {
			score += 6
		}
		rankedPool = append(rankedPool, ranked{score, m})
	}

	sort.SliceStable(rankedPool, func(i, j int) bool {
		return rankedPool[i].score > rankedPool[j].score
	})
	return &rankedPool[0].media
}

// aliasPool collects every name the show is known by: canonical title, input
// title, then stored aliases.
func (r *Resolver) aliasPool(ctx context.Context, show *store.Show) ([]string, error) {
	aliases := []string{show.TitleCanonical, show.TitleInput}
	rows, err := r.store.ListAliases(ctx, show.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		aliases = append(aliases, row.Alias)
	}
	out := aliases[:0]
	for _, a := range aliases {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// syncEpisodeRows maintains contiguous episode rows 1..max(total, airedUpTo)
// with aired/planned states, then removes non-downloaded overflow rows.
func (r *Resolver) syncEpisodeRows(ctx context.Context, show *store.Show, airedUpTo int) (EpisodeRowChanges, error) {
	var changes EpisodeRowChanges

	existing, err := r.store.ListEpisodes(ctx, show.ID)
	if err != nil {
		return changes, err
	}
	byNo := make(map[int]*store.Episode, len(existing))
	for _, ep := range existing {
		byNo[ep.EpNo] = ep
	}

	maxEp := airedUpTo
	if show.TotalEps != nil && *show.TotalEps > maxEp {
		maxEp = *show.TotalEps
	}

	for epNo := 1; epNo <= maxEp; epNo++ {
		desired := store.EpisodePlanned
		if epNo <= airedUpTo {
			desired = store.EpisodeAired
		}
		row, ok := byNo[epNo]
		if !ok {
			if err := r.store.UpsertEpisode(ctx, show.ID, epNo, nil, desired); err != nil {
				return changes, err
			}
			changes.Created++
			continue
		}
		if row.State == store.EpisodeDownloaded || row.State == desired {
			continue
		}
		if err := r.store.UpsertEpisode(ctx, show.ID, epNo, nil, desired); err != nil {
			return changes, err
		}
		changes.Updated++
	}

	if show.TotalEps != nil {
		removed, err := r.store.DeleteEpisodesAbove(ctx, show.ID, *show.TotalEps)
		if err != nil {
			return changes, err
		}
		changes.Removed = int(removed)
	}
	return changes, nil
}

// SyncShow resolves and syncs a single show.
func (r *Resolver) SyncShow(ctx context.Context, show *store.Show) (ShowSyncDetail, error) {
	detail := ShowSyncDetail{ShowID: show.ID, Title: show.TitleCanonical}

	aliases, err := r.aliasPool(ctx, show)
	if err != nil {
		return detail, err
	}

	var media *catalog.Media
	if show.CatalogID != nil {
		media, err = r.catalog.MediaByID(ctx, *show.CatalogID)
		if err != nil {
			r.logger.Warn().Err(err).Int64("catalog_id", *show.CatalogID).Msg("locked catalog lookup failed")
			media = nil
		}
	}

	if media == nil {
		media = r.pickBestMedia(ctx, show, aliases)
		if media != nil && media.ID != 0 {
			if err := r.store.SetShowCatalogID(ctx, show.ID, media.ID); err != nil {
				return detail, err
			}
			show.CatalogID = &media.ID
		}
	}

	if media == nil {
		// Transient upstream failures must not destroy locked mappings or
		// skip overflow cleanup.
		if show.TotalEps != nil {
			removed, err := r.store.DeleteEpisodesAbove(ctx, show.ID, *show.TotalEps)
			if err != nil {
				return detail, err
			}
			detail.EpisodeRows.Removed = int(removed)
		}
		if show.CatalogID != nil {
			detail.LockedCatalogID = *show.CatalogID
			detail.TransientFetchFailure = true
		}
		return detail, nil
	}

	status := statusFromCatalog(media.Status)
	var totalEps *int
	if media.Episodes > 0 {
		totalEps = &media.Episodes
	}
	if err := r.store.UpdateShowSyncState(ctx, show.ID, status, totalEps); err != nil {
		return detail, err
	}
	show.Status = status
	if totalEps != nil {
		show.TotalEps = totalEps
	}

	nextAirEp := 0
	if media.NextAiring != nil {
		nextAirEp = media.NextAiring.Episode
	}
	total := 0
	if show.TotalEps != nil {
		total = *show.TotalEps
	}
	airedUpTo := r.catalog.AiredUpTo(ctx, media.ID, status == store.ShowFinished, total, nextAirEp)

	changes, err := r.syncEpisodeRows(ctx, show, airedUpTo)
	if err != nil {
		return detail, err
	}

	detail.Matched = true
	detail.CatalogID = media.ID
	detail.Status = status
	detail.TotalEps = show.TotalEps
	detail.AiredUpTo = airedUpTo
	detail.EpisodeRows = changes
	return detail, nil
}

// SyncAll syncs every tracked show against the catalog.
func (r *Resolver) SyncAll(ctx context.Context) (*SyncResult, error) {
	shows, err := r.store.ListShows(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{OK: true, Shows: len(shows)}
	for _, show := range shows {
		detail, err := r.SyncShow(ctx, show)
		if err != nil {
			r.logger.Error().Err(err).Str("show", show.TitleCanonical).Msg("show sync failed")
			continue
		}
		if detail.Matched {
			result.Updated++
		} else if detail.LockedCatalogID == 0 {
			result.NoMatch++
		}
		result.Details = append(result.Details, detail)
	}

	r.logger.Info().Int("shows", result.Shows).Int("updated", result.Updated).
		Int("no_match", result.NoMatch).Msg("metadata sync complete")
	return result, nil
}
