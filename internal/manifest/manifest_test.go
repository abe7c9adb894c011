package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEpisodeKey(t *testing.T) {
	if got := EpisodeKey(2, 3); got != "S02E03" {
		t.Errorf("EpisodeKey(2, 3) = %q, want S02E03", got)
	}
	if got := EpisodeKey(1, 12); got != "S01E12" {
		t.Errorf("EpisodeKey(1, 12) = %q, want S01E12", got)
	}
}

func TestLoadMissingOrCorrupt(t *testing.T) {
	s := NewStore(t.TempDir())

	m := s.Load("Frieren Season 2")
	if m.Series != "Frieren" {
		t.Errorf("series = %q, want Frieren (season suffix stripped)", m.Series)
	}
	if m.Episodes == nil || m.HashIndex == nil {
		t.Error("maps must be initialized on default manifest")
	}

	// Corrupt JSON falls back to an empty manifest.
	if err := os.WriteFile(s.Path("Frieren Season 2"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m = s.Load("Frieren Season 2")
	if len(m.Episodes) != 0 {
		t.Error("corrupt manifest should load as empty")
	}
}

func TestRecordAndConsistency(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "manifests"))

	ep1 := writeFile(t, dir, "ep1.mkv", "episode-one-bytes")
	md5ep1, err := ComputeMD5(ep1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.RecordEpisodeHash("Frieren Season 2", 2, 1, ep1, md5ep1); err != nil {
		t.Fatalf("RecordEpisodeHash: %v", err)
	}

	// Same file proposed as a different episode: hash conflict.
	res := s.CheckMappingConsistency("Frieren Season 2", 2, 5, md5ep1)
	if res.OK {
		t.Fatal("expected conflict for re-mapped hash")
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "hash_conflicts_with_S02E01" {
		t.Errorf("reasons = %v, want [hash_conflicts_with_S02E01]", res.Reasons)
	}

	// Different content proposed for an already-recorded episode.
	res = s.CheckMappingConsistency("Frieren Season 2", 2, 1, "d41d8cd98f00b204e9800998ecf8427e")
	if res.OK {
		t.Fatal("expected mismatch for replaced episode content")
	}
	if res.Reasons[0] != "episode_md5_mismatch" {
		t.Errorf("reasons = %v, want [episode_md5_mismatch]", res.Reasons)
	}

	// Re-recording the identical mapping stays consistent.
	res = s.CheckMappingConsistency("Frieren Season 2", 2, 1, md5ep1)
	if !res.OK {
		t.Errorf("identical mapping flagged: %v", res.Reasons)
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	s := NewStore(t.TempDir())

	m := s.Load("Show")
	m.Episodes["S01E01"] = EpisodeEntry{MD5: "abc", Path: "/x/ep1.mkv"}
	m.HashIndex["abc"] = "S01E01"
	path, err := s.Save("Show", m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save("Show", m); err != nil {
		t.Fatal(err)
	}

	// The rename leaves no temp file next to the manifest.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind at %s.tmp", path)
	}
	reloaded := s.Load("Show")
	if reloaded.Episodes["S01E01"].MD5 != "abc" || reloaded.HashIndex["abc"] != "S01E01" {
		t.Errorf("reloaded manifest = %+v, want the saved entries", reloaded)
	}
}

func TestVerifyRange(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "manifests"))

	ep1 := writeFile(t, dir, "ep1.mkv", "one")
	ep2 := writeFile(t, dir, "ep2.mkv", "two")
	for i, p := range []string{ep1, ep2} {
		sum, err := ComputeMD5(p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.RecordEpisodeHash("Show", 1, i+1, p, sum); err != nil {
			t.Fatal(err)
		}
	}

	// All consistent.
	got, err := s.VerifyRange("Show", 1, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("mismatches = %v, want none", got)
	}

	// Tamper with ep1, delete ep2, and ask for an unrecorded ep3.
	if err := os.WriteFile(ep1, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(ep2); err != nil {
		t.Fatal(err)
	}
	got, err = s.VerifyRange("Show", 1, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d mismatches, want 3: %v", len(got), got)
	}
	wantStatus := map[string]string{
		"S01E01": "md5_mismatch",
		"S01E02": "missing_file",
		"S01E03": "missing_manifest_entry",
	}
	for _, mm := range got {
		if wantStatus[mm.Episode] != mm.Status {
			t.Errorf("%s status = %q, want %q", mm.Episode, mm.Status, wantStatus[mm.Episode])
		}
	}
}
