package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/bangumid/bangumid/internal/store"
	"github.com/bangumid/bangumid/internal/testutil"
)

func newStore(t *testing.T) (*store.Store, func()) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	return store.New(tdb.Conn, testutil.NopLogger()), tdb.Close
}

func TestShowCRUD(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "Frieren Season 2", "Frieren Season 2", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}
	if show.ID == 0 {
		t.Fatal("expected non-zero id")
	}
	if show.Status != store.ShowAiring {
		t.Errorf("status = %q, want airing", show.Status)
	}
	if show.TotalEps != nil {
		t.Errorf("total_eps = %v, want nil", *show.TotalEps)
	}

	got, err := s.GetShowByCanonicalTitle(ctx, "Frieren Season 2")
	if err != nil {
		t.Fatalf("GetShowByCanonicalTitle: %v", err)
	}
	if got.ID != show.ID {
		t.Errorf("id = %d, want %d", got.ID, show.ID)
	}

	if _, err := s.GetShow(ctx, 9999); err != store.ErrNotFound {
		t.Errorf("GetShow(missing) err = %v, want ErrNotFound", err)
	}

	// Duplicate canonical title must fail on the unique constraint.
	if _, err := s.CreateShow(ctx, "frieren again", "Frieren Season 2", nil); err == nil {
		t.Error("expected error inserting duplicate canonical title")
	}
}

func TestShowCatalogAndSyncState(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "Dandadan", "Dandadan", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	if err := s.SetShowCatalogID(ctx, show.ID, 171018); err != nil {
		t.Fatalf("SetShowCatalogID: %v", err)
	}
	eps := 12
	if err := s.UpdateShowSyncState(ctx, show.ID, store.ShowFinished, &eps); err != nil {
		t.Fatalf("UpdateShowSyncState: %v", err)
	}

	got, err := s.GetShow(ctx, show.ID)
	if err != nil {
		t.Fatalf("GetShow: %v", err)
	}
	if got.CatalogID == nil || *got.CatalogID != 171018 {
		t.Errorf("catalog_id = %v, want 171018", got.CatalogID)
	}
	if got.Status != store.ShowFinished {
		t.Errorf("status = %q, want finished", got.Status)
	}
	if got.TotalEps == nil || *got.TotalEps != 12 {
		t.Errorf("total_eps = %v, want 12", got.TotalEps)
	}

	// Nil total_eps must not clear the stored value.
	if err := s.UpdateShowSyncState(ctx, show.ID, store.ShowFinished, nil); err != nil {
		t.Fatalf("UpdateShowSyncState(nil): %v", err)
	}
	got, _ = s.GetShow(ctx, show.ID)
	if got.TotalEps == nil || *got.TotalEps != 12 {
		t.Errorf("total_eps after nil update = %v, want 12", got.TotalEps)
	}
}

func TestAliases(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "Kusuriya", "Kusuriya no Hitorigoto", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	for _, a := range []string{"The Apothecary Diaries", "药屋少女的呢喃", "The Apothecary Diaries", "  "} {
		if err := s.AddAlias(ctx, show.ID, a); err != nil {
			t.Fatalf("AddAlias(%q): %v", a, err)
		}
	}

	aliases, err := s.ListAliases(ctx, show.ID)
	if err != nil {
		t.Fatalf("ListAliases: %v", err)
	}
	if len(aliases) != 2 {
		t.Fatalf("got %d aliases, want 2 (dedup + blank skip)", len(aliases))
	}
}

func TestProfileUpsert(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "x", "X", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	if _, err := s.GetProfile(ctx, show.ID); err != store.ErrNotFound {
		t.Fatalf("GetProfile(missing) err = %v, want ErrNotFound", err)
	}

	if err := s.UpsertProfile(ctx, show.ID, "SubsPlease,Erai-raws", 70); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	// Empty subgroups on the second upsert must keep the existing list.
	if err := s.UpsertProfile(ctx, show.ID, "", 60); err != nil {
		t.Fatalf("UpsertProfile(empty): %v", err)
	}

	p, err := s.GetProfile(ctx, show.ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.PreferredSubgroups != "SubsPlease,Erai-raws" {
		t.Errorf("preferred_subgroups = %q, want preserved list", p.PreferredSubgroups)
	}
	if p.MinScore != 60 {
		t.Errorf("min_score = %d, want 60", p.MinScore)
	}
}

func TestEpisodeUpsertNeverDowngradesDownloaded(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "x", "X", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	aired := time.Date(2026, 1, 10, 16, 0, 0, 0, time.UTC)
	if err := s.UpsertEpisode(ctx, show.ID, 1, &aired, store.EpisodeAired); err != nil {
		t.Fatalf("UpsertEpisode: %v", err)
	}
	if err := s.MarkEpisodeDownloaded(ctx, show.ID, 1); err != nil {
		t.Fatalf("MarkEpisodeDownloaded: %v", err)
	}

	// Resolver re-sync must not pull a downloaded episode back to aired.
	if err := s.UpsertEpisode(ctx, show.ID, 1, &aired, store.EpisodeAired); err != nil {
		t.Fatalf("UpsertEpisode(resync): %v", err)
	}

	ep, err := s.GetEpisode(ctx, show.ID, 1)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if ep.State != store.EpisodeDownloaded {
		t.Errorf("state = %q, want downloaded", ep.State)
	}
	if ep.AirDatetime == nil || !ep.AirDatetime.Equal(aired) {
		t.Errorf("air_datetime = %v, want %v", ep.AirDatetime, aired)
	}
}

func TestDeleteEpisodesAboveKeepsDownloaded(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "x", "X", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	for ep := 1; ep <= 14; ep++ {
		if err := s.UpsertEpisode(ctx, show.ID, ep, nil, store.EpisodeAired); err != nil {
			t.Fatalf("UpsertEpisode(%d): %v", ep, err)
		}
	}
	if err := s.MarkEpisodeDownloaded(ctx, show.ID, 14); err != nil {
		t.Fatalf("MarkEpisodeDownloaded: %v", err)
	}

	n, err := s.DeleteEpisodesAbove(ctx, show.ID, 12)
	if err != nil {
		t.Fatalf("DeleteEpisodesAbove: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1 (ep 13 only; 14 is downloaded)", n)
	}

	eps, err := s.ListEpisodes(ctx, show.ID)
	if err != nil {
		t.Fatalf("ListEpisodes: %v", err)
	}
	if len(eps) != 13 {
		t.Errorf("got %d episodes, want 13", len(eps))
	}
}

func TestReleases(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	ctx := context.Background()

	show, err := s.CreateShow(ctx, "x", "X", nil)
	if err != nil {
		t.Fatalf("CreateShow: %v", err)
	}

	rel, err := s.CreateRelease(ctx, &store.Release{
		ShowID:          show.ID,
		EpNo:            3,
		Source:          "nyaa",
		Title:           "[SubsPlease] X - 03 (1080p)",
		MagnetOrTorrent: "magnet:?xt=urn:btih:abc123",
		Quality:         "1080p",
		Subgroup:        "SubsPlease",
		Score:           92,
		State:           store.ReleaseQueued,
	})
	if err != nil {
		t.Fatalf("CreateRelease: %v", err)
	}
	if rel.ID == 0 || rel.CreatedAt.IsZero() {
		t.Fatalf("release not fully populated: %+v", rel)
	}

	// Same link for the same episode violates uniqueness.
	if _, err := s.CreateRelease(ctx, &store.Release{
		ShowID: show.ID, EpNo: 3, Source: "nyaa", Title: "dup",
		MagnetOrTorrent: "magnet:?xt=urn:btih:abc123", State: store.ReleaseQueued,
	}); err == nil {
		t.Error("expected unique constraint error for duplicate link")
	}

	ok, err := s.HasReleaseWithLink(ctx, show.ID, "magnet:?xt=urn:btih:abc123")
	if err != nil || !ok {
		t.Errorf("HasReleaseWithLink = %v, %v; want true, nil", ok, err)
	}

	if err := s.UpdateReleaseState(ctx, rel.ID, store.ReleaseCompleted); err != nil {
		t.Fatalf("UpdateReleaseState: %v", err)
	}
	got, err := s.GetRelease(ctx, rel.ID)
	if err != nil {
		t.Fatalf("GetRelease: %v", err)
	}
	if got.State != store.ReleaseCompleted {
		t.Errorf("state = %q, want completed", got.State)
	}

	if err := s.DeleteRelease(ctx, rel.ID); err != nil {
		t.Fatalf("DeleteRelease: %v", err)
	}
	if _, err := s.GetRelease(ctx, rel.ID); err != store.ErrNotFound {
		t.Errorf("GetRelease(deleted) err = %v, want ErrNotFound", err)
	}
}
