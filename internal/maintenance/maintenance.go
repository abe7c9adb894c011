// Package maintenance keeps qBittorrent and the releases table from
// accumulating junk: stalled or orphaned torrents are removed on a schedule,
// and release rows whose torrents are gone (or whose episodes already landed)
// are pruned so the pipeline's dedup checks stay meaningful.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog"

	"github.com/bangumid/bangumid/internal/qbit"
	"github.com/bangumid/bangumid/internal/store"
)

const (
	defaultMaxAgeMinutes = 20
	barelyStartedMaxAge  = 90 * time.Minute
	barelyStartedCutoff  = 0.02
	completeProgress     = 0.999
)

var downloadingStates = map[string]bool{
	"downloading": true, "stalledDL": true, "metaDL": true, "forcedDL": true,
	"queuedDL": true, "allocating": true, "checkingDL": true,
}

var videoExts = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".m4v": true,
}

var seedingStates = map[string]bool{
	"uploading": true, "stalledUP": true, "queuedUP": true,
}

// Config carries the knobs for the maintenance sweep.
type Config struct {
	QbitSaveRoot  string
	IncomingRoot  string
	MaxAgeMinutes int
}

// Result summarizes one maintenance run.
type Result struct {
	OK                 bool `json:"ok"`
	Checked            int  `json:"checked"`
	RemovedStalled     int  `json:"removed_stalled"`
	RemovedOrphaned    int  `json:"removed_orphaned"`
	RemovedComplete    int  `json:"removed_complete_show"`
	PrunedReleases     int  `json:"pruned_releases"`
	DownloadedReleases int  `json:"downloaded_releases"`
}

// Maintenance removes dead torrents and prunes release rows.
type Maintenance struct {
	store  *store.Store
	qbit   qbit.Client
	config Config
	logger zerolog.Logger
}

func New(st *store.Store, qb qbit.Client, cfg Config, logger zerolog.Logger) *Maintenance {
	if cfg.MaxAgeMinutes <= 0 {
		cfg.MaxAgeMinutes = defaultMaxAgeMinutes
	}
	return &Maintenance{
		store:  st,
		qbit:   qb,
		config: cfg,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// hostPath maps a qBittorrent-reported path onto the host incoming root.
func (m *Maintenance) hostPath(p string) string {
	if m.config.QbitSaveRoot != "" && strings.HasPrefix(p, m.config.QbitSaveRoot) {
		rel := strings.TrimPrefix(strings.TrimPrefix(p, m.config.QbitSaveRoot), "/")
		return filepath.Join(m.config.IncomingRoot, rel)
	}
	return p
}

// completeShowTitles returns the canonical titles of shows whose every
// episode is already downloaded.
func (m *Maintenance) completeShowTitles(ctx context.Context) (map[string]bool, error) {
	shows, err := m.store.ListShows(ctx)
	if err != nil {
		return nil, err
	}
	complete := map[string]bool{}
	for _, show := range shows {
		if show.TotalEps == nil || *show.TotalEps <= 0 {
			continue
		}
		n, err := m.store.CountDownloaded(ctx, show.ID)
		if err != nil {
			return nil, err
		}
		if n >= *show.TotalEps {
			complete[show.TitleCanonical] = true
		}
	}
	return complete, nil
}

// Run does one full sweep: stalled-torrent cleanup followed by release
// pruning against whatever torrents survived.
func (m *Maintenance) Run(ctx context.Context) (*Result, error) {
	result := &Result{OK: true}

	torrents, err := m.qbit.ListTorrents(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("qbittorrent unavailable, skipping sweep")
		result.OK = false
		return result, nil
	}
	result.Checked = len(torrents)

	complete, err := m.completeShowTitles(ctx)
	if err != nil {
		return nil, err
	}

	maxAge := time.Duration(m.config.MaxAgeMinutes) * time.Minute
	now := time.Now()
	removed := map[string]bool{}
	var removeKeepFiles, removeWithFiles []string

	for _, t := range torrents {
		age := now.Sub(time.Unix(t.AddedOn, 0))
		saveLeaf := filepath.Base(strings.TrimRight(t.SavePath, "/"))

		switch {
		// A torrent still downloading for a show that is already complete is
		// a duplicate grab; its payload is not needed.
		case downloadingStates[t.State] && complete[saveLeaf]:
			removeWithFiles = append(removeWithFiles, t.Hash)
			removed[t.Hash] = true
			result.RemovedComplete++

		case t.State == "missingFiles":
			removeWithFiles = append(removeWithFiles, t.Hash)
			removed[t.Hash] = true
			result.RemovedOrphaned++

		// Seeding but the payload is gone: the reconciler already moved it.
		case t.Progress >= completeProgress && seedingStates[t.State] &&
			(m.contentMissing(t) || m.saveDirLacksVideo(t.SavePath)):
			removeKeepFiles = append(removeKeepFiles, t.Hash)
			removed[t.Hash] = true
			result.RemovedOrphaned++

		case (t.State == "error" || t.State == "stalledDL" || t.State == "metaDL") && age >= maxAge:
			removeWithFiles = append(removeWithFiles, t.Hash)
			removed[t.Hash] = true
			result.RemovedStalled++

		case (t.State == "queuedDL" || t.State == "downloading") &&
			t.Progress < barelyStartedCutoff && age >= barelyStartedMaxAge:
			removeWithFiles = append(removeWithFiles, t.Hash)
			removed[t.Hash] = true
			result.RemovedStalled++
		}
	}

	if len(removeKeepFiles) > 0 {
		if err := m.qbit.DeleteTorrents(ctx, removeKeepFiles, false); err != nil {
			m.logger.Warn().Err(err).Msg("torrent removal failed")
		}
	}
	if len(removeWithFiles) > 0 {
		if err := m.qbit.DeleteTorrents(ctx, removeWithFiles, true); err != nil {
			m.logger.Warn().Err(err).Msg("torrent removal failed")
		}
	}

	var active []qbit.Torrent
	for _, t := range torrents {
		if !removed[t.Hash] {
			active = append(active, t)
		}
	}
	if err := m.pruneReleases(ctx, removed, active, 2*maxAge, result); err != nil {
		return nil, err
	}

	m.logger.Info().Int("checked", result.Checked).
		Int("removed_stalled", result.RemovedStalled).
		Int("removed_orphaned", result.RemovedOrphaned).
		Int("removed_complete_show", result.RemovedComplete).
		Int("pruned_releases", result.PrunedReleases).
		Msg("maintenance sweep complete")
	return result, nil
}

func (m *Maintenance) contentMissing(t qbit.Torrent) bool {
	cpath := strings.TrimSpace(t.ContentPath)
	if cpath == "" {
		return false
	}
	_, err := os.Stat(m.hostPath(cpath))
	return os.IsNotExist(err)
}

// saveDirLacksVideo reports whether the torrent's save directory exists but
// holds no video file at its top level. qBittorrent sometimes keeps a
// torrent "complete" after its payload was organized away piecemeal.
func (m *Maintenance) saveDirLacksVideo(savePath string) bool {
	savePath = strings.TrimSpace(savePath)
	if savePath == "" {
		return false
	}
	entries, err := os.ReadDir(m.hostPath(strings.TrimRight(savePath, "/")))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if videoExts[strings.ToLower(filepath.Ext(e.Name()))] {
			return false
		}
	}
	return true
}

// pruneReleases walks queued/downloading release rows. A release whose
// torrent was just removed, that has been waiting past the stale cutoff
// with no matching torrent in the client, or whose episode is already
// downloaded is deleted, so the pipeline's dedup checks see only work that
// is still in flight.
func (m *Maintenance) pruneReleases(ctx context.Context, removedHashes map[string]bool,
	active []qbit.Torrent, staleCutoff time.Duration, result *Result) error {

	releases, err := m.store.ListAllReleases(ctx)
	if err != nil {
		return err
	}

	downloadedByShow := map[int64]map[int]bool{}
	now := time.Now()

	for _, rel := range releases {
		if rel.State == store.ReleaseCompleted {
			continue
		}

		downloaded, ok := downloadedByShow[rel.ShowID]
		if !ok {
			nums, err := m.store.DownloadedEpisodeNumbers(ctx, rel.ShowID)
			if err != nil {
				return err
			}
			downloaded = map[int]bool{}
			for _, n := range nums {
				downloaded[n] = true
			}
			downloadedByShow[rel.ShowID] = downloaded
		}
		if downloaded[rel.EpNo] {
			if err := m.store.DeleteRelease(ctx, rel.ID); err != nil {
				return err
			}
			result.DownloadedReleases++
			continue
		}

		hash := qbit.ExtractInfoHash(rel.MagnetOrTorrent)
		if hash != "" && removedHashes[hash] {
			if err := m.store.DeleteRelease(ctx, rel.ID); err != nil {
				return err
			}
			result.PrunedReleases++
			continue
		}

		if now.Sub(rel.CreatedAt) < staleCutoff {
			continue
		}
		if m.releaseStillActive(rel, active, hash) {
			continue
		}
		if err := m.store.DeleteRelease(ctx, rel.ID); err != nil {
			return err
		}
		result.PrunedReleases++
	}
	return nil
}

// releaseStillActive checks whether the release's torrent is still in the
// client: by info-hash when the link carries one, otherwise by a fuzzy title
// match against torrent names (feeds sometimes hand out page links whose
// resolved hash we never saw).
func (m *Maintenance) releaseStillActive(rel *store.Release, active []qbit.Torrent, hash string) bool {
	if hash != "" {
		for _, t := range active {
			if strings.EqualFold(t.Hash, hash) {
				return true
			}
		}
		return false
	}
	for _, t := range active {
		if fuzzy.MatchNormalizedFold(rel.Title, t.Name) || fuzzy.MatchNormalizedFold(t.Name, rel.Title) {
			return true
		}
	}
	return false
}
