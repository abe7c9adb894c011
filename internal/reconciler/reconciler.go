// Package reconciler moves completed downloads from the incoming area into
// the library. Every file is classified before it moves: confident episodes
// are organized and recorded in the hash manifest, known extras and anything
// ambiguous land in per-series Extras buckets with a review-queue entry, and
// files ffprobe rejects are deleted. Once a torrent's payload is fully
// handled the torrent itself is removed from qBittorrent.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bangumid/bangumid/internal/manifest"
	"github.com/bangumid/bangumid/internal/matcher"
	"github.com/bangumid/bangumid/internal/organizer"
	"github.com/bangumid/bangumid/internal/qbit"
	"github.com/bangumid/bangumid/internal/store"
)

const (
	minVideoSize     = 50 * 1024 * 1024
	freshFileAge     = 180 * time.Second
	completeProgress = 0.999
)

var videoExts = map[string]bool{".mkv": true, ".mp4": true, ".avi": true, ".m4v": true}

// Extras vocabulary. Plain-word keywords match on word boundaries; CJK terms
// match as substrings since they carry no word boundaries.
var (
	wordKeywords = []string{
		"bonus", "cast", "creditless", "extra", "free talk", "interview",
		"menu", "nced", "ncop", "pv", "special", "talk", "teaser", "trailer",
	}
	cjkKeywords = []string{"特典", "映像特典", "メイキング"}
)

var explicitEpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bS\d{1,2}E\d{1,3}\b`),
	regexp.MustCompile(`(?i)\b(?:E|EP)[\s._-]?0?\d{1,3}\b`),
	regexp.MustCompile(`第\s?0?\d{1,3}\s?[话話集]`),
}

// MediaProber is the slice of the ffprobe service the reconciler needs.
type MediaProber interface {
	IsValidMedia(ctx context.Context, path string) bool
	DurationSeconds(ctx context.Context, path string) (float64, error)
}

// Notifier sends best-effort operator messages.
type Notifier interface {
	Notifyf(ctx context.Context, format string, args ...any)
}

// Config carries the filesystem roots the reconciler works across.
type Config struct {
	IncomingRoot    string
	LibraryRoot     string
	QbitSaveRoot    string
	ReviewQueuePath string
}

// ClassificationCounts breaks a sweep down by outcome.
type ClassificationCounts struct {
	EpisodeConfident int `json:"episode_confident"`
	ExtraKnown       int `json:"extra_known"`
	NeedsReview      int `json:"needs_review"`
}

// Result summarizes one reconcile sweep.
type Result struct {
	OK                bool                 `json:"ok"`
	Shows             int                  `json:"shows"`
	Scanned           int                  `json:"scanned"`
	Moved             int                  `json:"moved"`
	Invalid           int                  `json:"invalid"`
	RemovedQbTorrents int                  `json:"removed_qb_torrents"`
	Classification    ClassificationCounts `json:"classification"`
}

// Reconciler sweeps the incoming area into the library.
type Reconciler struct {
	store     *store.Store
	organizer *organizer.Organizer
	manifests *manifest.Store
	prober    MediaProber
	qbit      qbit.Client
	notifier  Notifier
	config    Config
	logger    zerolog.Logger
}

func New(st *store.Store, org *organizer.Organizer, man *manifest.Store, prober MediaProber,
	qb qbit.Client, notifier Notifier, cfg Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:     st,
		organizer: org,
		manifests: man,
		prober:    prober,
		qbit:      qb,
		notifier:  notifier,
		config:    cfg,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// listVideoFiles walks a show's incoming directory for real video payloads,
// skipping in-progress qBittorrent files and sub-50MiB trash.
func listVideoFiles(root string) []string {
	var out []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".!qB") {
			return nil
		}
		if !videoExts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() <= minVideoSize {
			return nil
		}
		out = append(out, path)
		return nil
	})
	sort.Strings(out)
	return out
}

var (
	inferSeasonLatin = regexp.MustCompile(`(?i)(?:season|s)\s*([1-9]\d?)`)
	inferSeasonCJK   = regexp.MustCompile(`第\s*([1-9]\d?)\s*[季期]`)
)

func inferSeason(showTitle string) int {
	if m := inferSeasonLatin.FindStringSubmatch(showTitle); m != nil {
		return atoi(m[1])
	}
	if m := inferSeasonCJK.FindStringSubmatch(showTitle); m != nil {
		return atoi(m[1])
	}
	return 1
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// extraKeywordHits returns the extras keywords present in a relative path.
func extraKeywordHits(pathText string) []string {
	low := strings.ToLower(pathText)
	var hits []string
	for _, kw := range wordKeywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(low, kw) {
				hits = append(hits, kw)
			}
			continue
		}
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`).MatchString(low) {
			hits = append(hits, kw)
		}
	}
	for _, kw := range cjkKeywords {
		if strings.Contains(low, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func hasExplicitEpisodeSignal(pathText string) bool {
	for _, pat := range explicitEpPatterns {
		if pat.MatchString(pathText) {
			return true
		}
	}
	return false
}

// extractEpisode parses episode and season from a file, reporting whether
// the extraction is trustworthy. An explicit marker (S01E03, EP03, 第3话)
// anywhere in the relative path makes a parsed number confident; a bare
// number does not.
func extractEpisode(fileName, pathText string) (ep, season int, confident bool, reasons []string) {
	season = matcher.ExtractSeasonNo(fileName)
	explicit := hasExplicitEpisodeSignal(pathText)

	ep = matcher.ExtractEpisodeNo(fileName)
	if ep > 0 {
		if explicit {
			return ep, season, true, nil
		}
		return ep, season, false, []string{"low_confidence_episode_extraction"}
	}
	return 0, season, false, []string{"low_confidence_episode_extraction"}
}

// runtimeBaseline computes the median runtime of already-organized episodes.
// Fewer than three samples is not a baseline.
func (r *Reconciler) runtimeBaseline(ctx context.Context, showTitle string) float64 {
	seriesRoot := filepath.Join(r.config.LibraryRoot, organizer.SeriesKey(showTitle))
	seasonDirs, err := filepath.Glob(filepath.Join(seriesRoot, "Season *"))
	if err != nil {
		return 0
	}

	var durations []float64
	for _, dir := range seasonDirs {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !videoExts[strings.ToLower(filepath.Ext(d.Name()))] {
				return nil
			}
			if dur, err := r.prober.DurationSeconds(ctx, path); err == nil {
				durations = append(durations, dur)
			}
			return nil
		})
	}

	if len(durations) < 3 {
		return 0
	}
	sort.Float64s(durations)
	mid := len(durations) / 2
	if len(durations)%2 == 1 {
		return durations[mid]
	}
	return (durations[mid-1] + durations[mid]) / 2
}

func isRuntimeOutlier(durationSec, baselineSec float64) bool {
	if durationSec <= 0 || baselineSec <= 0 {
		return false
	}
	return durationSec < baselineSec*0.55 || durationSec > baselineSec*1.8
}

// containerToHostPath maps a qBittorrent-reported path (inside its container
// mount) onto the host incoming root.
func (r *Reconciler) containerToHostPath(p string) string {
	qroot := r.config.QbitSaveRoot
	if qroot != "" && strings.HasPrefix(p, qroot) {
		rel := strings.TrimPrefix(strings.TrimPrefix(p, qroot), "/")
		return filepath.Join(r.config.IncomingRoot, rel)
	}
	return p
}

type torrentRow struct {
	hash        string
	state       string
	progress    float64
	contentPath string
}

func (r *Reconciler) torrentRows(ctx context.Context) []torrentRow {
	torrents, err := r.qbit.ListTorrents(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Msg("torrent listing unavailable")
		return nil
	}
	var rows []torrentRow
	for _, t := range torrents {
		cpath := strings.TrimSpace(t.ContentPath)
		if cpath == "" {
			continue
		}
		rows = append(rows, torrentRow{
			hash:        t.Hash,
			state:       t.State,
			progress:    t.Progress,
			contentPath: r.containerToHostPath(cpath),
		})
	}
	return rows
}

func matchTorrentForFile(path string, torrents []torrentRow) *torrentRow {
	for i := range torrents {
		cp := torrents[i].contentPath
		if path == cp {
			return &torrents[i]
		}
		if rel, err := filepath.Rel(cp, path); err == nil && !strings.HasPrefix(rel, "..") {
			return &torrents[i]
		}
	}
	return nil
}

// safeMoveTarget avoids clobbering an existing file by appending a
// timestamp.
func safeMoveTarget(dstDir, name string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dstDir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(dstDir, fmt.Sprintf("%s.%d%s", stem, time.Now().Unix(), ext)), nil
}

// moveToExtrasBucket relocates a non-episode file under
// <series>/Extras/<bucket>/, mirroring its directory structure inside the
// show's incoming folder.
func (r *Reconciler) moveToExtrasBucket(src, showTitle, showIncoming, bucket string) (string, error) {
	seriesRoot := filepath.Join(r.config.LibraryRoot, organizer.SeriesKey(showTitle))
	targetDir := filepath.Join(seriesRoot, "Extras", bucket)
	if rel, err := filepath.Rel(showIncoming, filepath.Dir(src)); err == nil && rel != "." {
		targetDir = filepath.Join(targetDir, rel)
	}

	dst, err := safeMoveTarget(targetDir, filepath.Base(src))
	if err != nil {
		return "", err
	}
	if err := moveFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

type reviewEntry struct {
	TS             string   `json:"ts"`
	ShowID         int64    `json:"show_id"`
	ShowTitle      string   `json:"show_title"`
	SrcPath        string   `json:"src_path"`
	DstPath        string   `json:"dst_path"`
	Classification string   `json:"classification"`
	Reasons        []string `json:"reasons"`
}

// appendReviewQueue records a non-confident move for the operator.
func (r *Reconciler) appendReviewQueue(show *store.Show, srcPath, dstPath, classification string, reasons []string) {
	if err := os.MkdirAll(filepath.Dir(r.config.ReviewQueuePath), 0o755); err != nil {
		r.logger.Warn().Err(err).Msg("review queue dir create failed")
		return
	}
	entry := reviewEntry{
		TS:             time.Now().UTC().Format(time.RFC3339),
		ShowID:         show.ID,
		ShowTitle:      show.TitleCanonical,
		SrcPath:        srcPath,
		DstPath:        dstPath,
		Classification: classification,
		Reasons:        reasons,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(r.config.ReviewQueuePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.logger.Warn().Err(err).Msg("review queue open failed")
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

func dedupSorted(reasons []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Reconcile sweeps every show's incoming directory.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	shows, err := r.store.ListShows(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{OK: true, Shows: len(shows)}
	torrents := r.torrentRows(ctx)
	hashesToRemove := map[string]bool{}

	for _, show := range shows {
		if err := r.reconcileShow(ctx, show, torrents, hashesToRemove, result); err != nil {
			r.logger.Error().Err(err).Str("show", show.TitleCanonical).Msg("reconcile failed")
		}
	}

	// Torrents are removed only after their files are organized or bucketed,
	// so qBittorrent never ends up with missingFiles leftovers.
	if len(hashesToRemove) > 0 {
		hashes := make([]string, 0, len(hashesToRemove))
		for h := range hashesToRemove {
			hashes = append(hashes, h)
		}
		if err := r.qbit.DeleteTorrents(ctx, hashes, false); err != nil {
			r.logger.Warn().Err(err).Msg("torrent cleanup failed")
		} else {
			result.RemovedQbTorrents = len(hashes)
		}
	}

	r.logger.Info().Int("scanned", result.Scanned).Int("moved", result.Moved).
		Int("invalid", result.Invalid).Int("removed_torrents", result.RemovedQbTorrents).
		Msg("reconcile sweep complete")
	return result, nil
}

func (r *Reconciler) reconcileShow(ctx context.Context, show *store.Show, torrents []torrentRow,
	hashesToRemove map[string]bool, result *Result) error {

	showIncoming := filepath.Join(r.config.IncomingRoot, show.TitleCanonical)
	baseline := r.runtimeBaseline(ctx, show.TitleCanonical)

	for _, f := range listVideoFiles(showIncoming) {
		result.Scanned++

		torrent := matchTorrentForFile(f, torrents)
		if torrent != nil && torrent.progress < completeProgress {
			continue // still downloading
		}

		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		// Very fresh files are skipped unless qBittorrent reports them done.
		if (torrent == nil || torrent.progress < completeProgress) &&
			time.Since(info.ModTime()) < freshFileAge {
			continue
		}

		if !r.prober.IsValidMedia(ctx, f) {
			result.Invalid++
			os.Remove(f)
			os.Remove(strings.TrimSuffix(f, filepath.Ext(f)) + ".nfo")
			r.logger.Warn().Str("path", f).Msg("invalid media deleted")
			continue
		}

		srcOriginal := f
		relPath, err := filepath.Rel(showIncoming, f)
		if err != nil {
			relPath = filepath.Base(f)
		}

		keywordHits := extraKeywordHits(relPath)
		explicitSignal := hasExplicitEpisodeSignal(relPath)
		ep, parsedSeason, confident, parseReasons := extractEpisode(filepath.Base(f), relPath)

		reasons := append([]string{}, parseReasons...)
		if len(keywordHits) > 0 {
			reasons = append(reasons, "extra_keyword:"+strings.Join(dedupSorted(keywordHits), "|"))
		}

		classification := "episode_confident"
		switch {
		case len(keywordHits) > 0 && explicitSignal:
			classification = "needs_review"
			reasons = append(reasons, "conflicting_signals")
		case len(keywordHits) > 0:
			classification = "extra_known"
		case ep == 0 || !confident:
			classification = "needs_review"
		default:
			if show.TotalEps != nil && ep > *show.TotalEps {
				classification = "needs_review"
				reasons = append(reasons, "episode_out_of_range")
			}
			if classification == "episode_confident" {
				if dur, err := r.prober.DurationSeconds(ctx, f); err == nil && isRuntimeOutlier(dur, baseline) {
					classification = "needs_review"
					reasons = append(reasons, "runtime_outlier")
				}
			}
		}

		if classification != "episode_confident" {
			bucket := "Needs-Review"
			if classification == "extra_known" {
				bucket = "Known"
			}
			dst, err := r.moveToExtrasBucket(f, show.TitleCanonical, showIncoming, bucket)
			if err != nil {
				r.logger.Error().Err(err).Str("path", f).Msg("extras move failed")
				continue
			}
			r.appendReviewQueue(show, srcOriginal, dst, classification, dedupSorted(reasons))
			r.bumpClass(result, classification)
			result.Moved++
			r.notifier.Notifyf(ctx, "%s %s: %s", show.TitleCanonical, classification, filepath.Base(dst))
			if torrent != nil && torrent.hash != "" {
				hashesToRemove[torrent.hash] = true
			}
			continue
		}

		season := parsedSeason
		if season <= 0 {
			season = inferSeason(show.TitleCanonical)
		}

		fileMD5, err := manifest.ComputeMD5(f)
		if err != nil {
			r.logger.Error().Err(err).Str("path", f).Msg("hash failed")
			continue
		}
		check := r.manifests.CheckMappingConsistency(show.TitleCanonical, season, ep, fileMD5)
		if !check.OK {
			reasons = append(reasons, check.Reasons...)
			dst, err := r.moveToExtrasBucket(f, show.TitleCanonical, showIncoming, "Needs-Review")
			if err != nil {
				r.logger.Error().Err(err).Str("path", f).Msg("extras move failed")
				continue
			}
			r.appendReviewQueue(show, srcOriginal, dst, "needs_review", dedupSorted(reasons))
			result.Classification.NeedsReview++
			result.Moved++
			r.notifier.Notifyf(ctx, "%s needs_review: %s", show.TitleCanonical, filepath.Base(dst))
			if torrent != nil && torrent.hash != "" {
				hashesToRemove[torrent.hash] = true
			}
			continue
		}

		dst, err := r.organizer.OrganizeFile(f, show.TitleCanonical, season, ep)
		if err != nil {
			r.logger.Error().Err(err).Str("path", f).Msg("organize failed")
			continue
		}
		if _, err := r.manifests.RecordEpisodeHash(show.TitleCanonical, season, ep, dst, fileMD5); err != nil {
			r.logger.Warn().Err(err).Str("path", dst).Msg("manifest record failed")
		}
		if err := r.store.MarkEpisodeDownloaded(ctx, show.ID, ep); err != nil {
			return err
		}

		result.Classification.EpisodeConfident++
		result.Moved++
		r.notifier.Notifyf(ctx, "%s E%02d organized: %s", show.TitleCanonical, ep, filepath.Base(dst))
		if torrent != nil && torrent.hash != "" {
			hashesToRemove[torrent.hash] = true
		}
	}
	return nil
}

func (r *Reconciler) bumpClass(result *Result, classification string) {
	switch classification {
	case "extra_known":
		result.Classification.ExtraKnown++
	case "needs_review":
		result.Classification.NeedsReview++
	}
}
