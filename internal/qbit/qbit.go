// Package qbit wraps the qBittorrent Web API client. It narrows the client
// surface to what the pipeline, reconciler, and maintenance sweep need, and
// handles the add-torrent quirks (duplicate detection, lazy login).
package qbit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"
)

// Torrent is the subset of torrent state the rest of the daemon consumes.
type Torrent struct {
	Hash        string
	Name        string
	State       string
	Progress    float64
	SavePath    string
	ContentPath string
	AddedOn     int64
}

// AddResult reports the outcome of an add.
type AddResult struct {
	Status string // "added" or "exists"
	Hash   string
}

// Client is the narrow interface the daemon depends on; *Service implements
// it and tests substitute fakes.
type Client interface {
	ListTorrents(ctx context.Context) ([]Torrent, error)
	AddTorrent(ctx context.Context, link, savePath string) (*AddResult, error)
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error
}

// Config holds qBittorrent connection settings.
type Config struct {
	Host     string
	Username string
	Password string
	Category string
}

// Service talks to one qBittorrent instance.
type Service struct {
	client   *qbt.Client
	category string
	logger   zerolog.Logger

	mu       sync.Mutex
	loggedIn bool
}

func NewService(config Config, logger zerolog.Logger) *Service {
	return &Service{
		client: qbt.NewClient(qbt.Config{
			Host:     config.Host,
			Username: config.Username,
			Password: config.Password,
			Timeout:  20,
		}),
		category: config.Category,
		logger:   logger.With().Str("component", "qbit").Logger(),
	}
}

func (s *Service) ensureLogin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return nil
	}
	if err := s.client.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	s.loggedIn = true
	return nil
}

// ListTorrents returns all torrents known to qBittorrent.
func (s *Service) ListTorrents(ctx context.Context) ([]Torrent, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return nil, err
	}
	raw, err := s.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	out := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		out = append(out, Torrent{
			Hash:        t.Hash,
			Name:        t.Name,
			State:       string(t.State),
			Progress:    t.Progress,
			SavePath:    t.SavePath,
			ContentPath: t.ContentPath,
			AddedOn:     t.AddedOn,
		})
	}
	return out, nil
}

// ExtractInfoHash pulls the btih info hash out of a magnet link, lowercased,
// or returns "" for anything else.
func ExtractInfoHash(link string) string {
	if !strings.HasPrefix(link, "magnet:") {
		return ""
	}
	for _, part := range strings.Split(link, "&") {
		part = strings.TrimPrefix(part, "magnet:?")
		if strings.HasPrefix(part, "xt=urn:btih:") {
			return strings.ToLower(strings.TrimPrefix(part, "xt=urn:btih:"))
		}
	}
	return ""
}

func (s *Service) torrentExists(ctx context.Context, infoHash string) bool {
	if infoHash == "" {
		return false
	}
	found, err := s.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{infoHash}})
	if err != nil {
		return false
	}
	return len(found) > 0
}

// AddTorrent queues a magnet or .torrent URL for download into savePath.
// Duplicates are detected up front by info hash and reported as "exists".
func (s *Service) AddTorrent(ctx context.Context, link, savePath string) (*AddResult, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return nil, err
	}

	infoHash := ExtractInfoHash(link)
	if s.torrentExists(ctx, infoHash) {
		return &AddResult{Status: "exists", Hash: infoHash}, nil
	}

	options := (&qbt.TorrentAddOptions{
		SavePath: savePath,
		Category: s.category,
	}).Prepare()

	if err := s.client.AddTorrentFromUrlCtx(ctx, link, options); err != nil {
		// qBittorrent rejects duplicate adds with a bare failure; re-check
		// before treating it as a hard error.
		if s.torrentExists(ctx, infoHash) {
			return &AddResult{Status: "exists", Hash: infoHash}, nil
		}
		return nil, fmt.Errorf("add torrent: %w", err)
	}

	s.logger.Info().Str("save_path", savePath).Str("hash", infoHash).Msg("torrent added")
	return &AddResult{Status: "added", Hash: infoHash}, nil
}

// DeleteTorrents removes torrents, optionally with their data.
func (s *Service) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	if len(hashes) == 0 {
		return nil
	}
	if err := s.ensureLogin(ctx); err != nil {
		return err
	}
	if err := s.client.DeleteTorrentsCtx(ctx, hashes, deleteFiles); err != nil {
		return fmt.Errorf("delete torrents: %w", err)
	}
	return nil
}

// AgeOf returns how long ago the torrent was added.
func (t Torrent) AgeOf(now time.Time) time.Duration {
	if t.AddedOn <= 0 {
		return 0
	}
	return now.Sub(time.Unix(t.AddedOn, 0))
}
