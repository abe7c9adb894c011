package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const episodeColumns = "id, show_id, ep_no, air_datetime, state"

func scanEpisode(row interface{ Scan(...any) error }) (*Episode, error) {
	var e Episode
	var aired sql.NullTime
	if err := row.Scan(&e.ID, &e.ShowID, &e.EpNo, &aired, &e.State); err != nil {
		return nil, err
	}
	if aired.Valid {
		t := aired.Time
		e.AirDatetime = &t
	}
	return &e, nil
}

// ListEpisodes returns a show's episodes ordered by episode number.
func (s *Store) ListEpisodes(ctx context.Context, showID int64) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE show_id = ? ORDER BY ep_no`, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// GetEpisode returns one episode row, or ErrNotFound.
func (s *Store) GetEpisode(ctx context.Context, showID int64, epNo int) (*Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE show_id = ? AND ep_no = ?`, showID, epNo)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// UpsertEpisode creates the episode row if missing, otherwise updates air
// time and state. A downloaded episode is never downgraded.
func (s *Store) UpsertEpisode(ctx context.Context, showID int64, epNo int, airedAt *time.Time, state EpisodeState) error {
	var aired sql.NullTime
	if airedAt != nil {
		aired = sql.NullTime{Time: *airedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (show_id, ep_no, air_datetime, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (show_id, ep_no) DO UPDATE SET
			air_datetime = COALESCE(excluded.air_datetime, episodes.air_datetime),
			state = CASE WHEN episodes.state = 'downloaded' THEN episodes.state ELSE excluded.state END`,
		showID, epNo, aired, string(state))
	return err
}

// MarkEpisodeDownloaded is the reconciler's promotion. It creates the row if
// the resolver has not seen the episode yet.
func (s *Store) MarkEpisodeDownloaded(ctx context.Context, showID int64, epNo int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (show_id, ep_no, state) VALUES (?, ?, 'downloaded')
		ON CONFLICT (show_id, ep_no) DO UPDATE SET state = 'downloaded'`,
		showID, epNo)
	return err
}

// DeleteEpisodesAbove removes non-downloaded episode rows past the episode
// count, cleaning up speculative rows after the catalog corrects total_eps.
func (s *Store) DeleteEpisodesAbove(ctx context.Context, showID int64, totalEps int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episodes WHERE show_id = ? AND ep_no > ? AND state != 'downloaded'`,
		showID, totalEps)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountDownloaded returns how many episodes of the show are downloaded.
func (s *Store) CountDownloaded(ctx context.Context, showID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE show_id = ? AND state = 'downloaded'`, showID).Scan(&n)
	return n, err
}

// DownloadedEpisodeNumbers returns the sorted set of downloaded ep_no values.
func (s *Store) DownloadedEpisodeNumbers(ctx context.Context, showID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ep_no FROM episodes WHERE show_id = ? AND state = 'downloaded' ORDER BY ep_no`, showID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
