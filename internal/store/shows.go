package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const showColumns = "id, title_input, title_canonical, catalog_id, status, total_eps, ep_offset, created_at"

func scanShow(row interface{ Scan(...any) error }) (*Show, error) {
	var s Show
	var catalogID sql.NullInt64
	var totalEps sql.NullInt64
	if err := row.Scan(&s.ID, &s.TitleInput, &s.TitleCanonical, &catalogID, &s.Status, &totalEps, &s.EpOffset, &s.CreatedAt); err != nil {
		return nil, err
	}
	if catalogID.Valid {
		v := catalogID.Int64
		s.CatalogID = &v
	}
	if totalEps.Valid {
		v := int(totalEps.Int64)
		s.TotalEps = &v
	}
	return &s, nil
}

// CreateShow inserts a new show and returns it.
func (s *Store) CreateShow(ctx context.Context, titleInput, titleCanonical string, totalEps *int) (*Show, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO shows (title_input, title_canonical, status, total_eps) VALUES (?, ?, 'airing', ?)`,
		titleInput, titleCanonical, nullInt(totalEps))
	if err != nil {
		return nil, fmt.Errorf("insert show: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetShow(ctx, id)
}

// GetShow returns a show by id.
func (s *Store) GetShow(ctx context.Context, id int64) (*Show, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+showColumns+` FROM shows WHERE id = ?`, id)
	show, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return show, err
}

// GetShowByCanonicalTitle returns a show by its unique canonical title.
func (s *Store) GetShowByCanonicalTitle(ctx context.Context, title string) (*Show, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+showColumns+` FROM shows WHERE title_canonical = ?`, title)
	show, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return show, err
}

// ListShows returns all shows ordered by id.
func (s *Store) ListShows(ctx context.Context) ([]*Show, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+showColumns+` FROM shows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Show
	for rows.Next() {
		show, err := scanShow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, show)
	}
	return out, rows.Err()
}

// SetShowCatalogID persists the sticky catalog mapping.
func (s *Store) SetShowCatalogID(ctx context.Context, showID, catalogID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE shows SET catalog_id = ? WHERE id = ?`, catalogID, showID)
	return err
}

// UpdateShowSyncState updates the fields the resolver owns.
func (s *Store) UpdateShowSyncState(ctx context.Context, showID int64, status ShowStatus, totalEps *int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE shows SET status = ?, total_eps = COALESCE(?, total_eps) WHERE id = ?`,
		string(status), nullInt(totalEps), showID)
	return err
}

// SetShowTotalEps fills total_eps only when it is currently unset.
func (s *Store) SetShowTotalEps(ctx context.Context, showID int64, totalEps int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE shows SET total_eps = ? WHERE id = ? AND total_eps IS NULL`, totalEps, showID)
	return err
}

// ListAliases returns the aliases of a show.
func (s *Store) ListAliases(ctx context.Context, showID int64) ([]ShowAlias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, show_id, alias FROM show_aliases WHERE show_id = ? ORDER BY id`, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShowAlias
	for rows.Next() {
		var a ShowAlias
		if err := rows.Scan(&a.ID, &a.ShowID, &a.Alias); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddAlias adds a search alias; duplicates are ignored.
func (s *Store) AddAlias(ctx context.Context, showID int64, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO show_aliases (show_id, alias) VALUES (?, ?)`, showID, alias)
	return err
}

// GetProfile returns the show's selection profile, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, showID int64) (*ShowProfile, error) {
	var p ShowProfile
	var subgroups sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, show_id, preferred_subgroups, min_score FROM show_profiles WHERE show_id = ?`, showID).
		Scan(&p.ID, &p.ShowID, &subgroups, &p.MinScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PreferredSubgroups = subgroups.String
	return &p, nil
}

// UpsertProfile creates or updates a show profile. min_score is always
// applied; preferred_subgroups only when non-empty, so an intake without
// subgroups does not wipe an existing list.
func (s *Store) UpsertProfile(ctx context.Context, showID int64, preferredSubgroups string, minScore int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO show_profiles (show_id, preferred_subgroups, min_score)
		VALUES (?, ?, ?)
		ON CONFLICT (show_id) DO UPDATE SET
			preferred_subgroups = CASE WHEN excluded.preferred_subgroups IS NOT NULL
				THEN excluded.preferred_subgroups ELSE show_profiles.preferred_subgroups END,
			min_score = excluded.min_score`,
		showID, nullString(preferredSubgroups), minScore)
	return err
}
