// Package mediainfo probes video files with ffprobe. The reconciler uses it
// to reject corrupt downloads before they reach the library and to measure
// episode runtimes for outlier detection.
package mediainfo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const probeTimeout = 30 * time.Second

// Config holds probe configuration.
type Config struct {
	FFprobePath string // explicit ffprobe binary path (empty = search PATH)
}

// Service runs ffprobe against media files.
type Service struct {
	binary string
	logger zerolog.Logger
}

// NewService creates a probe service, locating ffprobe once up front.
func NewService(config Config, logger zerolog.Logger) *Service {
	s := &Service{logger: logger.With().Str("component", "mediainfo").Logger()}
	s.binary = findExecutable("ffprobe", config.FFprobePath)
	if s.binary == "" {
		s.logger.Warn().Msg("ffprobe not found; media validation disabled")
	} else {
		s.logger.Info().Str("path", s.binary).Msg("using ffprobe")
	}
	return s
}

// IsAvailable reports whether ffprobe was found.
func (s *Service) IsAvailable() bool {
	return s.binary != ""
}

// IsValidMedia reports whether ffprobe can read the file's streams. Without
// ffprobe every file passes, matching the permissive default elsewhere.
func (s *Service) IsValidMedia(ctx context.Context, path string) bool {
	if s.binary == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.binary, "-v", "error", "-show_streams", "-of", "json", path)
	cmd.Stdout = nil
	if err := cmd.Run(); err != nil {
		s.logger.Debug().Err(err).Str("path", path).Msg("ffprobe rejected file")
		return false
	}
	return true
}

// DurationSeconds returns the container duration, or an error when the file
// cannot be probed or reports a non-positive duration.
func (s *Service) DurationSeconds(ctx context.Context, path string) (float64, error) {
	if s.binary == "" {
		return 0, fmt.Errorf("ffprobe not available")
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w: %s", err, stderr.String())
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("non-positive duration %f", v)
	}
	return v, nil
}

// findExecutable finds an executable by name or explicit path.
func findExecutable(name, explicitPath string) string {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "darwin":
		commonPaths = []string{
			"/usr/local/bin/" + name,
			"/opt/homebrew/bin/" + name,
		}
	case "linux":
		commonPaths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	}

	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
