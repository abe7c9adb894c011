package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const releaseColumns = "id, show_id, ep_no, source, title, magnet_or_torrent, quality, subgroup, score, state, created_at"

func scanRelease(row interface{ Scan(...any) error }) (*Release, error) {
	var r Release
	var quality, subgroup sql.NullString
	if err := row.Scan(&r.ID, &r.ShowID, &r.EpNo, &r.Source, &r.Title, &r.MagnetOrTorrent,
		&quality, &subgroup, &r.Score, &r.State, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Quality = quality.String
	r.Subgroup = subgroup.String
	return &r, nil
}

// CreateRelease records a chosen torrent. The (show, ep, link) uniqueness
// constraint makes re-queuing the same link a no-op error the caller can
// treat as already-queued.
func (s *Store) CreateRelease(ctx context.Context, r *Release) (*Release, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO releases (show_id, ep_no, source, title, magnet_or_torrent, quality, subgroup, score, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ShowID, r.EpNo, r.Source, r.Title, r.MagnetOrTorrent,
		nullString(r.Quality), nullString(r.Subgroup), r.Score, string(r.State))
	if err != nil {
		return nil, fmt.Errorf("insert release: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRelease(ctx, id)
}

// GetRelease returns one release by id.
func (s *Store) GetRelease(ctx context.Context, id int64) (*Release, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = ?`, id)
	rel, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rel, err
}

// ListReleases returns a show's releases, newest first.
func (s *Store) ListReleases(ctx context.Context, showID int64) ([]*Release, error) {
	return s.queryReleases(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE show_id = ? ORDER BY created_at DESC, id DESC`, showID)
}

// ListReleasesForEpisode returns the releases recorded for one episode.
func (s *Store) ListReleasesForEpisode(ctx context.Context, showID int64, epNo int) ([]*Release, error) {
	return s.queryReleases(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE show_id = ? AND ep_no = ? ORDER BY id`, showID, epNo)
}

// ListAllReleases returns every release row; the qBittorrent maintenance
// sweep uses this to prune orphans.
func (s *Store) ListAllReleases(ctx context.Context) ([]*Release, error) {
	return s.queryReleases(ctx, `SELECT `+releaseColumns+` FROM releases ORDER BY id`)
}

// HasReleaseWithLink reports whether the link was already queued for the show.
func (s *Store) HasReleaseWithLink(ctx context.Context, showID int64, link string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM releases WHERE show_id = ? AND magnet_or_torrent = ?`, showID, link).Scan(&n)
	return n > 0, err
}

// UpdateReleaseState moves a release through its lifecycle.
func (s *Store) UpdateReleaseState(ctx context.Context, id int64, state ReleaseState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE releases SET state = ? WHERE id = ?`, string(state), id)
	return err
}

// DeleteRelease removes a release row.
func (s *Store) DeleteRelease(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE id = ?`, id)
	return err
}

func (s *Store) queryReleases(ctx context.Context, query string, args ...any) ([]*Release, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}
