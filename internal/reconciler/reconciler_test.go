package reconciler

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bangumid/bangumid/internal/manifest"
	"github.com/bangumid/bangumid/internal/organizer"
	"github.com/bangumid/bangumid/internal/qbit"
	"github.com/bangumid/bangumid/internal/store"
	"github.com/bangumid/bangumid/internal/testutil"
)

type fakeProber struct {
	invalid   map[string]bool
	durations map[string]float64
}

func (f *fakeProber) IsValidMedia(ctx context.Context, path string) bool {
	return !f.invalid[path]
}

func (f *fakeProber) DurationSeconds(ctx context.Context, path string) (float64, error) {
	if d, ok := f.durations[path]; ok {
		return d, nil
	}
	return 1420, nil
}

type fakeQbit struct {
	torrents []qbit.Torrent
	deleted  []string
}

func (f *fakeQbit) ListTorrents(ctx context.Context) ([]qbit.Torrent, error) {
	return f.torrents, nil
}

func (f *fakeQbit) AddTorrent(ctx context.Context, link, savePath string) (*qbit.AddResult, error) {
	return &qbit.AddResult{Status: "added"}, nil
}

func (f *fakeQbit) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	if deleteFiles {
		panic("reconciler must never delete payload files through qbit")
	}
	f.deleted = append(f.deleted, hashes...)
	return nil
}

type fakeNotifier struct{ messages []string }

func (f *fakeNotifier) Notifyf(ctx context.Context, format string, args ...any) {
	f.messages = append(f.messages, format)
}

type env struct {
	st       *store.Store
	rec      *Reconciler
	cfg      Config
	qb       *fakeQbit
	notifier *fakeNotifier
	show     *store.Show
}

func newEnv(t *testing.T, showTitle string, totalEps *int) *env {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(func() { tdb.Close() })

	st := store.New(tdb.Conn, testutil.NopLogger())
	show, err := st.CreateShow(context.Background(), showTitle, showTitle, totalEps)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	cfg := Config{
		IncomingRoot:    filepath.Join(root, "incoming"),
		LibraryRoot:     filepath.Join(root, "library"),
		QbitSaveRoot:    "/downloads",
		ReviewQueuePath: filepath.Join(root, "state", "review_queue.jsonl"),
	}

	qb := &fakeQbit{}
	notifier := &fakeNotifier{}
	rec := New(st,
		organizer.New(cfg.LibraryRoot, testutil.NopLogger()),
		manifest.NewStore(filepath.Join(root, "manifests")),
		&fakeProber{invalid: map[string]bool{}, durations: map[string]float64{}},
		qb, notifier, cfg, testutil.NopLogger())

	return &env{st: st, rec: rec, cfg: cfg, qb: qb, notifier: notifier, show: show}
}

// writeVideo creates a sparse file above the size floor with a settled mtime.
func writeVideo(t *testing.T, path, seed string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(seed); err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(minVideoSize + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func readReviewQueue(t *testing.T, path string) []reviewEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("review queue missing: %v", err)
	}
	defer f.Close()

	var entries []reviewEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e reviewEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad review queue line: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestReconcileOrganizesConfidentEpisode(t *testing.T) {
	eps := 12
	e := newEnv(t, "Sousou no Frieren", &eps)
	ctx := context.Background()

	src := writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"[SubsPlease] Sousou no Frieren S01E05 (1080p).mkv"), "ep5 payload")
	e.qb.torrents = []qbit.Torrent{{
		Hash:        "aabbcc",
		State:       "uploading",
		Progress:    1.0,
		ContentPath: "/downloads/Sousou no Frieren/[SubsPlease] Sousou no Frieren S01E05 (1080p).mkv",
	}}

	res, err := e.rec.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.Moved != 1 || res.Classification.EpisodeConfident != 1 {
		t.Fatalf("result = %+v, want one confident episode moved", res)
	}
	dst := filepath.Join(e.cfg.LibraryRoot, "Sousou no Frieren", "Season 01",
		"Sousou no Frieren - S01E05.mkv")
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("organized file missing at %s: %v", dst, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source file still present")
	}

	ep, err := e.st.GetEpisode(ctx, e.show.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ep.State != store.EpisodeDownloaded {
		t.Errorf("episode state = %q, want downloaded", ep.State)
	}

	if len(e.qb.deleted) != 1 || e.qb.deleted[0] != "aabbcc" {
		t.Errorf("deleted hashes = %v, want [aabbcc]", e.qb.deleted)
	}
	if res.RemovedQbTorrents != 1 {
		t.Errorf("removed torrents = %d, want 1", res.RemovedQbTorrents)
	}
}

func TestReconcileKnownExtraBucketed(t *testing.T) {
	e := newEnv(t, "Sousou no Frieren", nil)

	writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren", "Extras",
		"Sousou no Frieren NCOP (Creditless).mkv"), "ncop")

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.ExtraKnown != 1 {
		t.Fatalf("result = %+v, want one known extra", res)
	}

	dst := filepath.Join(e.cfg.LibraryRoot, "Sousou no Frieren", "Extras", "Known",
		"Extras", "Sousou no Frieren NCOP (Creditless).mkv")
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("extra missing at %s: %v", dst, err)
	}

	entries := readReviewQueue(t, e.cfg.ReviewQueuePath)
	if len(entries) != 1 || entries[0].Classification != "extra_known" {
		t.Fatalf("review queue = %+v, want one extra_known entry", entries)
	}
	foundKeyword := false
	for _, r := range entries[0].Reasons {
		if strings.HasPrefix(r, "extra_keyword:") {
			foundKeyword = true
		}
	}
	if !foundKeyword {
		t.Errorf("reasons = %v, want an extra_keyword reason", entries[0].Reasons)
	}
}

func TestReconcileLowConfidenceNeedsReview(t *testing.T) {
	e := newEnv(t, "Sousou no Frieren", nil)

	// Bare number without an explicit episode marker anywhere in the path.
	writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren - 05 (1080p).mkv"), "bare")

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.NeedsReview != 1 {
		t.Fatalf("result = %+v, want one needs_review", res)
	}

	entries := readReviewQueue(t, e.cfg.ReviewQueuePath)
	if len(entries) != 1 {
		t.Fatalf("review queue entries = %d, want 1", len(entries))
	}
	found := false
	for _, r := range entries[0].Reasons {
		if r == "low_confidence_episode_extraction" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want low_confidence_episode_extraction", entries[0].Reasons)
	}
	if !strings.Contains(entries[0].DstPath, filepath.Join("Extras", "Needs-Review")) {
		t.Errorf("dst = %q, want a Needs-Review bucket path", entries[0].DstPath)
	}
}

func TestReconcileConflictingSignals(t *testing.T) {
	e := newEnv(t, "Sousou no Frieren", nil)

	// Extras keyword and an explicit episode marker in the same name.
	writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren NCOP E01.mkv"), "mix")

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.NeedsReview != 1 {
		t.Fatalf("result = %+v, want needs_review", res)
	}

	entries := readReviewQueue(t, e.cfg.ReviewQueuePath)
	found := false
	for _, r := range entries[0].Reasons {
		if r == "conflicting_signals" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want conflicting_signals", entries[0].Reasons)
	}
}

func TestReconcileEpisodeOutOfRange(t *testing.T) {
	eps := 12
	e := newEnv(t, "Sousou no Frieren", &eps)

	writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren S01E25.mkv"), "overflow")

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.NeedsReview != 1 {
		t.Fatalf("result = %+v, want needs_review", res)
	}

	entries := readReviewQueue(t, e.cfg.ReviewQueuePath)
	found := false
	for _, r := range entries[0].Reasons {
		if r == "episode_out_of_range" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want episode_out_of_range", entries[0].Reasons)
	}
}

func TestReconcileInvalidMediaDeleted(t *testing.T) {
	e := newEnv(t, "Sousou no Frieren", nil)

	src := writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren S01E03.mkv"), "corrupt")
	e.rec.prober = &fakeProber{invalid: map[string]bool{src: true}}

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Invalid != 1 || res.Moved != 0 {
		t.Fatalf("result = %+v, want one invalid deletion and no moves", res)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("invalid file still present")
	}
}

func TestReconcileSkipsIncompleteTorrent(t *testing.T) {
	e := newEnv(t, "Sousou no Frieren", nil)

	writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren S01E07.mkv"), "partial")
	e.qb.torrents = []qbit.Torrent{{
		Hash:        "dl",
		State:       "downloading",
		Progress:    0.42,
		ContentPath: "/downloads/Sousou no Frieren/Sousou no Frieren S01E07.mkv",
	}}

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Moved != 0 {
		t.Errorf("moved = %d, want 0 for an incomplete torrent", res.Moved)
	}
	if len(e.qb.deleted) != 0 {
		t.Errorf("deleted = %v, want none", e.qb.deleted)
	}
}

func TestReconcileManifestConflict(t *testing.T) {
	eps := 12
	e := newEnv(t, "Sousou no Frieren", &eps)

	src := writeVideo(t, filepath.Join(e.cfg.IncomingRoot, "Sousou no Frieren",
		"Sousou no Frieren S01E05.mkv"), "same payload")

	// Pre-record the same content hash under a different episode.
	md5sum, err := manifest.ComputeMD5(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.rec.manifests.RecordEpisodeHash("Sousou no Frieren", 1, 4, src, md5sum); err != nil {
		t.Fatal(err)
	}

	res, err := e.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Classification.NeedsReview != 1 || res.Classification.EpisodeConfident != 0 {
		t.Fatalf("result = %+v, want manifest conflict routed to review", res)
	}

	entries := readReviewQueue(t, e.cfg.ReviewQueuePath)
	found := false
	for _, r := range entries[0].Reasons {
		if r == "hash_conflicts_with_S01E04" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want hash_conflicts_with_S01E04", entries[0].Reasons)
	}
}

func TestExtraKeywordHits(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"Show NCOP (Creditless).mkv", true},
		{"Show - Free Talk 02.mkv", true},
		{"Show 特典映像.mkv", true},
		{"Show S01E05.mkv", false},
		// "special" must match as a word, not inside another token.
		{"Show Specialized Unit S01E01.mkv", false},
	}
	for _, tt := range tests {
		got := len(extraKeywordHits(tt.path)) > 0
		if got != tt.want {
			t.Errorf("extraKeywordHits(%q) hit = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInferSeason(t *testing.T) {
	tests := []struct {
		title string
		want  int
	}{
		{"Mushoku Tensei Season 2", 2},
		{"Show S3", 3},
		{"某动画 第2期", 2},
		{"Sousou no Frieren", 1},
	}
	for _, tt := range tests {
		if got := inferSeason(tt.title); got != tt.want {
			t.Errorf("inferSeason(%q) = %d, want %d", tt.title, got, tt.want)
		}
	}
}

func TestIsRuntimeOutlier(t *testing.T) {
	tests := []struct {
		dur, base float64
		want      bool
	}{
		{1400, 1420, false},
		{300, 1420, true},  // a short featurette against full episodes
		{3600, 1420, true}, // a compilation film
		{1400, 0, false},   // no baseline, no verdict
	}
	for _, tt := range tests {
		if got := isRuntimeOutlier(tt.dur, tt.base); got != tt.want {
			t.Errorf("isRuntimeOutlier(%v, %v) = %v, want %v", tt.dur, tt.base, got, tt.want)
		}
	}
}
