// Package pipeline drives release acquisition: it computes which episodes
// each show still needs, sweeps the configured and generated feeds for
// candidates, scores them, and enqueues the winners into qBittorrent. All
// work is bounded per show so one slow source cannot starve the fleet.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bangumid/bangumid/internal/config"
	"github.com/bangumid/bangumid/internal/feeds"
	"github.com/bangumid/bangumid/internal/matcher"
	"github.com/bangumid/bangumid/internal/qbit"
	"github.com/bangumid/bangumid/internal/store"
)

const maxBaseAliases = 6

var episodeVariants = []func(term string, ep int) string{
	func(t string, e int) string { return fmt.Sprintf("%s E%02d", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s EP%02d", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s - %02d", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s [%02d]", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s Episode %d", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s 第%d话", t, e) },
	func(t string, e int) string { return fmt.Sprintf("%s 第%d集", t, e) },
}

// FeedSource is the slice of the feeds client the pipeline needs; tests
// substitute a fake.
type FeedSource interface {
	FetchCandidates(ctx context.Context, feedURLs []string, opts feeds.FetchOptions) []feeds.Candidate
	FetchBangumiAPICandidates(ctx context.Context, searchTerms []string, opts feeds.APIFetchOptions) []feeds.Candidate
	ResolveDownloadLink(ctx context.Context, link string) string
}

// Config carries the polling bounds plus the global feed and subgroup
// configuration.
type Config struct {
	Poll               config.PollConfig
	FeedURLs           []string
	PreferredSubgroups []string
	QbitSaveRoot       string
}

// Result summarizes one poll sweep.
type Result struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	Shows      int    `json:"shows"`
	Candidates int    `json:"candidates"`
	Scanned    int    `json:"scanned"`
	Added      int    `json:"added"`
}

// Pipeline polls feeds and enqueues releases.
type Pipeline struct {
	store  *store.Store
	feeds  FeedSource
	qbit   qbit.Client
	config Config
	logger zerolog.Logger
}

func New(st *store.Store, fs FeedSource, qb qbit.Client, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:  st,
		feeds:  fs,
		qbit:   qb,
		config: cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

var (
	latinChars = regexp.MustCompile(`[A-Za-z]`)
	cjkChars   = regexp.MustCompile(`[\x{3040}-\x{30ff}\x{3400}-\x{9fff}]`)
)

// buildSearchTerms expands aliases into bounded episode-specific queries.
// Latin-script aliases sort first so nyaa searches aren't starved by CJK-only
// terms; round-robin expansion keeps episode coverage even under the cap.
func (p *Pipeline) buildSearchTerms(aliases []string, wantedEps []int) []string {
	var cleaned []string
	seen := map[string]bool{}
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if len(a) >= 2 && !seen[a] {
			seen[a] = true
			cleaned = append(cleaned, a)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		a, b := cleaned[i], cleaned[j]
		aLatin, bLatin := latinChars.MatchString(a), latinChars.MatchString(b)
		if aLatin != bLatin {
			return aLatin
		}
		aCJK, bCJK := cjkChars.MatchString(a), cjkChars.MatchString(b)
		if aCJK != bCJK {
			return aCJK
		}
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return strings.ToLower(a) < strings.ToLower(b)
	})
	baseTerms := cleaned
	if len(baseTerms) > maxBaseAliases {
		baseTerms = baseTerms[:maxBaseAliases]
	}

	targetEps := wantedEps
	if len(targetEps) > p.config.Poll.MaxEpisodeQueriesPerShow {
		targetEps = targetEps[:p.config.Poll.MaxEpisodeQueriesPerShow]
	}

	maxTerms := p.config.Poll.MaxSearchTermsPerShow
	var out []string
	added := map[string]bool{}
	add := func(t string) bool {
		if added[t] {
			return len(out) < maxTerms
		}
		added[t] = true
		out = append(out, t)
		return len(out) < maxTerms
	}

	for _, t := range baseTerms {
		if !add(t) {
			return out
		}
	}
	for _, ep := range targetEps {
		for _, variant := range episodeVariants {
			for _, term := range baseTerms {
				if !add(variant(term, ep)) {
					return out
				}
			}
		}
	}
	return out
}

// expectedSeason picks the dominant season signal among the aliases.
func expectedSeason(aliases []string) int {
	freq := map[int]int{}
	for _, a := range aliases {
		if v := matcher.ExtractSeasonNo(a); v >= 1 {
			freq[v]++
		}
	}
	best, bestCount := 0, 0
	for v, n := range freq {
		if n > bestCount || (n == bestCount && v > best) {
			best, bestCount = v, n
		}
	}
	return best
}

// showFeedURLs appends per-term search feeds (bangumi.moe RSS search plus
// the three nyaa anime categories) to the configured feeds, bounded.
func (p *Pipeline) showFeedURLs(searchTerms []string) []string {
	urls := make([]string, 0, len(p.config.FeedURLs))
	urls = append(urls, p.config.FeedURLs...)
	for _, term := range searchTerms {
		q := url.QueryEscape(term)
		urls = append(urls,
			"https://bangumi.moe/rss/search/"+q,
			"https://nyaa.si/?page=rss&q="+q+"&c=1_2&f=0",
			"https://nyaa.si/?page=rss&q="+q+"&c=1_3&f=0",
			"https://nyaa.si/?page=rss&q="+q+"&c=1_4&f=0",
		)
	}
	if len(urls) > p.config.Poll.MaxFeedURLsPerShow {
		urls = urls[:p.config.Poll.MaxFeedURLsPerShow]
	}
	return urls
}

// PollAndEnqueue sweeps feeds for every show (or the given subset) and
// enqueues the best-scoring missing episodes.
func (p *Pipeline) PollAndEnqueue(ctx context.Context, onlyShowIDs map[int64]bool) (*Result, error) {
	if len(p.config.FeedURLs) == 0 {
		return &Result{OK: false, Reason: "no_rss_urls"}, nil
	}

	shows, err := p.store.ListShows(ctx)
	if err != nil {
		return nil, err
	}
	if onlyShowIDs != nil {
		filtered := shows[:0]
		for _, s := range shows {
			if onlyShowIDs[s.ID] {
				filtered = append(filtered, s)
			}
		}
		shows = filtered
	}

	result := &Result{OK: true, Shows: len(shows)}
	for _, show := range shows {
		if err := p.pollShow(ctx, show, result); err != nil {
			p.logger.Error().Err(err).Str("show", show.TitleCanonical).Msg("poll failed")
		}
	}

	p.logger.Info().Int("shows", result.Shows).Int("candidates", result.Candidates).
		Int("scanned", result.Scanned).Int("added", result.Added).Msg("poll sweep complete")
	return result, nil
}

func (p *Pipeline) pollShow(ctx context.Context, show *store.Show, result *Result) error {
	showStart := time.Now()
	budget := time.Duration(p.config.Poll.PerShowTimeBudgetSec) * time.Second
	deadline := showStart.Add(budget)

	downloaded, err := p.store.DownloadedEpisodeNumbers(ctx, show.ID)
	if err != nil {
		return err
	}
	downloadedSet := make(map[int]bool, len(downloaded))
	for _, ep := range downloaded {
		downloadedSet[ep] = true
	}
	nextEp := 1
	if len(downloaded) > 0 {
		nextEp = downloaded[len(downloaded)-1] + 1
	}
	firstSync := len(downloaded) == 0

	episodeRows, err := p.store.ListEpisodes(ctx, show.ID)
	if err != nil {
		return err
	}
	var wantedEps []int
	for _, ep := range episodeRows {
		if (ep.State == store.EpisodeAired || ep.State == store.EpisodeMissing) && !downloadedSet[ep.EpNo] {
			wantedEps = append(wantedEps, ep.EpNo)
		}
	}
	sort.Ints(wantedEps)

	// Initial bootstrap only: with no download history, allow full backfill
	// up to the declared episode count.
	if len(wantedEps) == 0 && firstSync && show.TotalEps != nil {
		limit := *show.TotalEps
		if bound := p.config.Poll.BackfillLimitPerShow; bound > 0 && limit > bound {
			limit = bound
		}
		for ep := 1; ep <= limit; ep++ {
			if !downloadedSet[ep] {
				wantedEps = append(wantedEps, ep)
			}
		}
	}

	// Complete shows are skipped unless explicit backlog states remain.
	if show.TotalEps != nil && len(downloaded) >= *show.TotalEps && len(wantedEps) == 0 {
		return nil
	}

	aliasRows, err := p.store.ListAliases(ctx, show.ID)
	if err != nil {
		return err
	}
	aliases := []string{show.TitleInput, show.TitleCanonical}
	for _, a := range aliasRows {
		aliases = append(aliases, a.Alias)
	}
	expected := expectedSeason(aliases)

	minScore := 70
	var showSubgroups []string
	if profile, err := p.store.GetProfile(ctx, show.ID); err == nil {
		minScore = profile.MinScore
		showSubgroups = splitCSV(profile.PreferredSubgroups)
	} else if err != store.ErrNotFound {
		return err
	}
	if firstSync {
		minScore = max(55, minScore-10)
	}
	effectiveSubgroups := showSubgroups
	if len(effectiveSubgroups) == 0 {
		effectiveSubgroups = p.config.PreferredSubgroups
	}

	searchTerms := p.buildSearchTerms(aliases, wantedEps)

	fetchOpts := feeds.FetchOptions{
		MaxFeeds:          p.config.Poll.MaxFeedURLsPerShow,
		MaxEntriesPerFeed: p.config.Poll.RSSMaxEntriesPerFeed,
		Timeout:           time.Duration(p.config.Poll.RSSTimeoutSec) * time.Second,
		Deadline:          deadline,
	}
	rawCandidates := p.feeds.FetchCandidates(ctx, p.showFeedURLs(searchTerms), fetchOpts)

	var apiCandidates []feeds.Candidate
	if time.Now().Before(deadline) {
		apiCandidates = p.feeds.FetchBangumiAPICandidates(ctx, searchTerms, feeds.APIFetchOptions{
			MaxPages:   p.config.Poll.FallbackAPIPages,
			MaxResults: p.config.Poll.FallbackAPIResults,
			Timeout:    time.Duration(p.config.Poll.RSSTimeoutSec) * time.Second,
			Deadline:   deadline,
		})
	}

	var candidates []feeds.Candidate
	seenLinks := map[string]bool{}
	for _, c := range append(rawCandidates, apiCandidates...) {
		if !seenLinks[c.Link] {
			seenLinks[c.Link] = true
			candidates = append(candidates, c)
		}
	}
	if len(candidates) > p.config.Poll.MaxCandidatesPerShow {
		candidates = candidates[:p.config.Poll.MaxCandidatesPerShow]
	}
	result.Candidates += len(candidates)

	if len(wantedEps) >= 5 {
		minScore = max(45, minScore-10)
	}

	wantedSet := make(map[int]bool, len(wantedEps))
	for _, ep := range wantedEps {
		wantedSet[ep] = true
	}

	type scored struct {
		score    int
		parsedEp int
		cand     feeds.Candidate
	}
	var ranked []scored
	byEp := map[int][]scored{}

	for _, c := range candidates {
		result.Scanned++
		if matcher.IsBadRelease(c.Title) {
			continue
		}
		rawEp := matcher.ExtractEpisodeNo(c.Title)
		rangeLo, rangeHi := matcher.ExtractEpisodeRange(c.Title)
		parsedSeason := matcher.ExtractSeasonNo(c.Title)
		if expected > 0 && parsedSeason > 0 && parsedSeason != expected {
			continue
		}

		// Batch packs like "01-13" stay actionable for backfill: map the
		// range onto the earliest wanted episode it covers.
		parsedEp := rawEp
		if rangeLo > 0 && len(wantedEps) > 0 {
			for _, ep := range wantedEps {
				if ep >= rangeLo && ep <= rangeHi {
					parsedEp = ep
					break
				}
			}
		}

		// Episode offset converts absolute fansub numbering to
		// season-relative, but only when the raw number exceeds the show's
		// own range; some fansubs already number per season.
		if parsedEp > 0 && show.EpOffset > 0 && show.TotalEps != nil {
			maxSeasonEp := *show.TotalEps
			if parsedEp > maxSeasonEp {
				adjusted := parsedEp - show.EpOffset
				if adjusted >= 1 && adjusted <= maxSeasonEp {
					parsedEp = adjusted
				} else {
					// Outside both ranges: wrong season.
					continue
				}
			}
		}

		if parsedEp > 0 && len(wantedEps) > 0 && !wantedSet[parsedEp] {
			continue
		}
		expectedEp := parsedEp
		if expectedEp == 0 {
			if len(wantedEps) > 0 {
				expectedEp = wantedEps[0]
			} else {
				expectedEp = nextEp
			}
		}
		s := matcher.ScoreRelease(c.Title, aliases, expectedEp, effectiveSubgroups)
		if downloadedSet[parsedEp] {
			s -= 30
		}
		entry := scored{score: s, parsedEp: parsedEp, cand: c}
		ranked = append(ranked, entry)
		if parsedEp > 0 {
			byEp[parsedEp] = append(byEp[parsedEp], entry)
		}
	}

	for ep := range byEp {
		list := byEp[ep]
		sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
		byEp[ep] = list
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].parsedEp > ranked[j].parsedEp
	})

	maxAdd := p.config.Poll.MaxAddPerShowPerCycle
	maxAttempts := max(6, maxAdd*4)
	perShowAdded := 0
	attempts := 0

	existing, err := p.store.ListReleases(ctx, show.ID)
	if err != nil {
		return err
	}
	epsWithRelease := map[int]bool{}
	for _, r := range existing {
		epsWithRelease[r.EpNo] = true
	}
	// Never double-queue an episode that is downloaded or already has a
	// pending release.
	seenEps := make(map[int]bool, len(downloaded)+len(epsWithRelease))
	for _, ep := range downloaded {
		seenEps[ep] = true
	}
	for ep := range epsWithRelease {
		seenEps[ep] = true
	}

	tryEnqueue := func(epNo, score int, cand feeds.Candidate) bool {
		if seenEps[epNo] {
			return false
		}
		if attempts >= maxAttempts {
			return false
		}
		attempts++

		if dup, err := p.store.HasReleaseWithLink(ctx, show.ID, cand.Link); err != nil || dup {
			return false
		}

		finalLink := p.feeds.ResolveDownloadLink(ctx, cand.Link)
		savePath := p.config.QbitSaveRoot + "/" + show.TitleCanonical
		if _, err := p.qbit.AddTorrent(ctx, finalLink, savePath); err != nil {
			p.logger.Warn().Err(err).Str("title", cand.Title).Msg("enqueue failed")
			return false
		}

		if _, err := p.store.CreateRelease(ctx, &store.Release{
			ShowID:          show.ID,
			EpNo:            epNo,
			Source:          cand.Source,
			Title:           cand.Title,
			MagnetOrTorrent: finalLink,
			Score:           score,
			State:           store.ReleaseQueued,
		}); err != nil {
			p.logger.Error().Err(err).Msg("release insert failed")
			return false
		}
		if _, err := p.store.GetEpisode(ctx, show.ID, epNo); err == store.ErrNotFound {
			if err := p.store.UpsertEpisode(ctx, show.ID, epNo, nil, store.EpisodeAired); err != nil {
				p.logger.Error().Err(err).Msg("episode upsert failed")
			}
		}

		result.Added++
		perShowAdded++
		seenEps[epNo] = true
		p.logger.Info().Str("show", show.TitleCanonical).Int("ep", epNo).
			Int("score", score).Str("title", cand.Title).Msg("release enqueued")
		return true
	}

	// Pass 1: deterministic earliest-missing attempts, top candidates only.
	for _, targetEp := range wantedEps {
		if perShowAdded >= maxAdd || attempts >= maxAttempts || time.Now().After(deadline) {
			break
		}
		if epsWithRelease[targetEp] {
			continue
		}
		list := byEp[targetEp]
		if len(list) > 2 {
			list = list[:2]
		}
		for _, entry := range list {
			if entry.score < minScore {
				continue
			}
			if tryEnqueue(targetEp, entry.score, entry.cand) {
				break
			}
		}
	}

	// Pass 2: global ranked fallback.
	for _, entry := range ranked {
		if perShowAdded >= maxAdd || attempts >= maxAttempts || time.Now().After(deadline) {
			break
		}
		if entry.score < minScore {
			continue
		}
		epNo := entry.parsedEp
		if epNo == 0 {
			if len(wantedEps) > 0 {
				epNo = wantedEps[0]
			} else {
				epNo = nextEp
			}
		}
		tryEnqueue(epNo, entry.score, entry.cand)
	}

	return nil
}

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	OK       bool `json:"ok"`
	Checked  int  `json:"checked"`
	Requeued int  `json:"requeued"`
}

// Recover re-adds queued releases whose torrents are no longer in the
// client. qBittorrent restarts and manual deletions both lose torrents the
// daemon still expects; without this pass those episodes wait for the next
// feed appearance.
func (p *Pipeline) Recover(ctx context.Context) (*RecoveryResult, error) {
	torrents, err := p.qbit.ListTorrents(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("qbittorrent unavailable, skipping recovery")
		return &RecoveryResult{OK: false}, nil
	}
	inClient := make(map[string]bool, len(torrents))
	for _, t := range torrents {
		inClient[strings.ToLower(t.Hash)] = true
	}

	releases, err := p.store.ListAllReleases(ctx)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{OK: true}
	downloadedByShow := map[int64]map[int]bool{}
	showByID := map[int64]*store.Show{}

	for _, rel := range releases {
		if rel.State == store.ReleaseCompleted {
			continue
		}
		result.Checked++

		downloaded, ok := downloadedByShow[rel.ShowID]
		if !ok {
			nums, err := p.store.DownloadedEpisodeNumbers(ctx, rel.ShowID)
			if err != nil {
				return nil, err
			}
			downloaded = map[int]bool{}
			for _, n := range nums {
				downloaded[n] = true
			}
			downloadedByShow[rel.ShowID] = downloaded
		}
		if downloaded[rel.EpNo] {
			continue
		}

		hash := qbit.ExtractInfoHash(rel.MagnetOrTorrent)
		if hash == "" || inClient[hash] {
			continue
		}

		show, ok := showByID[rel.ShowID]
		if !ok {
			show, err = p.store.GetShow(ctx, rel.ShowID)
			if err != nil {
				continue
			}
			showByID[rel.ShowID] = show
		}

		savePath := p.config.QbitSaveRoot + "/" + show.TitleCanonical
		if _, err := p.qbit.AddTorrent(ctx, rel.MagnetOrTorrent, savePath); err != nil {
			p.logger.Warn().Err(err).Str("title", rel.Title).Msg("requeue failed")
			continue
		}
		result.Requeued++
		p.logger.Info().Str("show", show.TitleCanonical).Int("ep", rel.EpNo).
			Str("title", rel.Title).Msg("release requeued")
	}
	return result, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
