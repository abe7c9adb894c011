// Package organizer moves finished episode files into the media library
// layout Jellyfin expects: Series/Season NN/Series - SnnEnn.ext, with an
// .nfo sidecar pinning season and episode so the scanner cannot misfile
// titles that carry their own numbering.
package organizer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	spaceRun       = regexp.MustCompile(`\s+`)
	trailingSeason = regexp.MustCompile(`(?i)(?:\s+(?:season|s)\s*\d{1,2}|\s*第\s*\d{1,2}\s*[季期])$`)
)

// SafeName makes a title safe for cross-platform paths while staying
// human-readable.
func SafeName(s string) string {
	s = strings.NewReplacer("/", " - ", "／", " - ", `\`, " - ").Replace(s)
	return spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

// DisplayTitle normalizes canonical titles like "X Season 3" to the series
// root folder name "X".
func DisplayTitle(showTitle string) string {
	return trailingSeason.ReplaceAllString(strings.TrimSpace(showTitle), "")
}

// SeriesKey is the filesystem-safe series folder name for a show title.
func SeriesKey(showTitle string) string {
	return SafeName(DisplayTitle(showTitle))
}

// Organizer places episode files into the library.
type Organizer struct {
	libraryRoot string
	logger      zerolog.Logger
}

func New(libraryRoot string, logger zerolog.Logger) *Organizer {
	return &Organizer{
		libraryRoot: libraryRoot,
		logger:      logger.With().Str("component", "organizer").Logger(),
	}
}

// EpisodeDest returns the library path an episode file will be organized to.
func (o *Organizer) EpisodeDest(showTitle string, season, epNo int, ext string) string {
	safe := SeriesKey(showTitle)
	return filepath.Join(o.libraryRoot, safe,
		fmt.Sprintf("Season %02d", season),
		fmt.Sprintf("%s - S%02dE%02d%s", safe, season, epNo, ext))
}

// OrganizeFile moves src into the library and writes the .nfo sidecar.
// Returns the destination path.
func (o *Organizer) OrganizeFile(src, showTitle string, season, epNo int) (string, error) {
	dst := o.EpisodeDest(showTitle, season, epNo, filepath.Ext(src))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create season dir: %w", err)
	}

	if err := moveFile(src, dst); err != nil {
		return "", fmt.Errorf("move %s: %w", src, err)
	}

	if err := o.writeNFO(dst, SeriesKey(showTitle), season, epNo); err != nil {
		o.logger.Warn().Err(err).Str("dst", dst).Msg("failed to write nfo sidecar")
	}

	o.logger.Info().Str("src", src).Str("dst", dst).Msg("organized episode")
	return dst, nil
}

func (o *Organizer) writeNFO(episodePath, showTitle string, season, epNo int) error {
	stem := strings.TrimSuffix(filepath.Base(episodePath), filepath.Ext(episodePath))
	nfoPath := strings.TrimSuffix(episodePath, filepath.Ext(episodePath)) + ".nfo"
	content := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" standalone="yes"?>
<episodedetails>
  <plot />
  <lockdata>false</lockdata>
  <title>%s</title>
  <showtitle>%s</showtitle>
  <episode>%d</episode>
  <season>%d</season>
</episodedetails>
`, stem, showTitle, epNo, season)
	return os.WriteFile(nfoPath, []byte(content), 0o644)
}

// moveFile renames when possible and falls back to copy+remove for
// cross-device moves (incoming and library roots often live on different
// mounts).
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
