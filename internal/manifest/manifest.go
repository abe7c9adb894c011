// Package manifest maintains per-series hash manifests: a JSON file per
// series recording the MD5, path, and size of every organized episode plus a
// reverse hash index. The manifests catch two classes of mistakes before they
// land in the library: the same file mapped to two different episodes, and an
// episode silently replaced by different content.
package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bangumid/bangumid/internal/organizer"
)

// EpisodeEntry is one recorded episode file.
type EpisodeEntry struct {
	MD5       string `json:"md5"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

// Manifest is the per-series hash record.
type Manifest struct {
	Series    string                  `json:"series"`
	UpdatedAt string                  `json:"updated_at"`
	Episodes  map[string]EpisodeEntry `json:"episodes"`
	HashIndex map[string]string       `json:"hash_index"`
}

// CheckResult reports manifest consistency for a proposed mapping.
type CheckResult struct {
	OK      bool
	Reasons []string
}

// Mismatch is one discrepancy found by VerifyRange.
type Mismatch struct {
	Episode     string `json:"episode"`
	Status      string `json:"status"`
	Path        string `json:"path,omitempty"`
	ExpectedMD5 string `json:"expected_md5,omitempty"`
	ActualMD5   string `json:"actual_md5,omitempty"`
}

// Store reads and writes manifests under a root directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// EpisodeKey formats the canonical SnnEnn episode key.
func EpisodeKey(season, epNo int) string {
	return fmt.Sprintf("S%02dE%02d", season, epNo)
}

// Path returns the manifest file path for a show title.
func (s *Store) Path(showTitle string) string {
	return filepath.Join(s.root, organizer.SeriesKey(showTitle)+".json")
}

func defaultManifest(showTitle string) *Manifest {
	return &Manifest{
		Series:    organizer.SeriesKey(showTitle),
		Episodes:  map[string]EpisodeEntry{},
		HashIndex: map[string]string{},
	}
}

// Load reads the show's manifest. A missing or corrupt file yields an empty
// manifest rather than an error so the reconciler can always make progress.
func (s *Store) Load(showTitle string) *Manifest {
	data, err := os.ReadFile(s.Path(showTitle))
	if err != nil {
		return defaultManifest(showTitle)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return defaultManifest(showTitle)
	}
	if m.Episodes == nil {
		m.Episodes = map[string]EpisodeEntry{}
	}
	if m.HashIndex == nil {
		m.HashIndex = map[string]string{}
	}
	return &m
}

// Save writes the manifest, stamping updated_at. The write goes through a
// temp file in the same directory so a crash never leaves a half-written
// manifest behind.
func (s *Store) Save(showTitle string, m *Manifest) (string, error) {
	path := s.Path(showTitle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	m.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// ComputeMD5 hashes a file in 1 MiB chunks.
func ComputeMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckMappingConsistency checks a proposed (season, episode, md5) mapping
// against the manifest: the hash must not already belong to another episode,
// and the episode must not already carry a different hash.
func (s *Store) CheckMappingConsistency(showTitle string, season, epNo int, fileMD5 string) CheckResult {
	m := s.Load(showTitle)
	key := EpisodeKey(season, epNo)
	var reasons []string

	if indexed, ok := m.HashIndex[fileMD5]; ok && indexed != key {
		reasons = append(reasons, "hash_conflicts_with_"+indexed)
	}
	if existing, ok := m.Episodes[key]; ok {
		if existing.MD5 != "" && existing.MD5 != fileMD5 {
			reasons = append(reasons, "episode_md5_mismatch")
		}
	}

	return CheckResult{OK: len(reasons) == 0, Reasons: reasons}
}

// RecordEpisodeHash stores the episode's hash and path in the manifest.
func (s *Store) RecordEpisodeHash(showTitle string, season, epNo int, filePath, fileMD5 string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", err
	}

	m := s.Load(showTitle)
	key := EpisodeKey(season, epNo)
	m.Episodes[key] = EpisodeEntry{
		MD5:       fileMD5,
		Path:      filePath,
		Size:      info.Size(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	m.HashIndex[fileMD5] = key

	return s.Save(showTitle, m)
}

// VerifyRange re-hashes episodes start..end against the manifest and returns
// every mismatch: missing entries, missing files, changed content.
func (s *Store) VerifyRange(showTitle string, season, startEp, endEp int) ([]Mismatch, error) {
	m := s.Load(showTitle)
	var out []Mismatch

	for epNo := startEp; epNo <= endEp; epNo++ {
		key := EpisodeKey(season, epNo)
		entry, ok := m.Episodes[key]
		if !ok {
			out = append(out, Mismatch{Episode: key, Status: "missing_manifest_entry"})
			continue
		}

		if _, err := os.Stat(entry.Path); err != nil {
			out = append(out, Mismatch{Episode: key, Status: "missing_file", Path: entry.Path})
			continue
		}

		actual, err := ComputeMD5(entry.Path)
		if err != nil {
			return out, err
		}
		if entry.MD5 != actual {
			out = append(out, Mismatch{
				Episode:     key,
				Status:      "md5_mismatch",
				ExpectedMD5: entry.MD5,
				ActualMD5:   actual,
				Path:        entry.Path,
			})
		}
	}
	return out, nil
}
