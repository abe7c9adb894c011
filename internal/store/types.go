// Package store is the typed persistence layer over SQLite. Every job opens
// its own short-lived transactions through this API; nothing holds a
// transaction open across network I/O.
package store

import "time"

// ShowStatus tracks where a show is in its broadcast lifecycle.
type ShowStatus string

const (
	ShowPlanned  ShowStatus = "planned"
	ShowAiring   ShowStatus = "airing"
	ShowFinished ShowStatus = "finished"
)

// EpisodeState tracks a single episode's acquisition state.
type EpisodeState string

const (
	EpisodePlanned    EpisodeState = "planned"
	EpisodeAired      EpisodeState = "aired"
	EpisodeDownloaded EpisodeState = "downloaded"
	EpisodeMissing    EpisodeState = "missing"
)

// ReleaseState tracks a queued torrent's state.
type ReleaseState string

const (
	ReleaseQueued      ReleaseState = "queued"
	ReleaseDownloading ReleaseState = "downloading"
	ReleaseCompleted   ReleaseState = "completed"
)

// Show is a tracked series. TitleCanonical is the unique key and also the
// qBittorrent save-path leaf under the incoming root. CatalogID is sticky:
// once resolved it survives transient catalog failures.
type Show struct {
	ID             int64
	TitleInput     string
	TitleCanonical string
	CatalogID      *int64
	Status         ShowStatus
	TotalEps       *int
	EpOffset       int // absolute-to-season offset: season_ep = absolute_ep - ep_offset
	CreatedAt      time.Time
}

// ShowAlias is an alternative search title for a show.
type ShowAlias struct {
	ID     int64
	ShowID int64
	Alias  string
}

// ShowProfile carries per-show selection preferences.
type ShowProfile struct {
	ID                 int64
	ShowID             int64
	PreferredSubgroups string // CSV, ordered
	MinScore           int
}

// Episode is one row of a show's episode table. Rows are contiguous from 1
// up to max(total_eps, aired_upto); the resolver maintains them and only the
// reconciler promotes to downloaded.
type Episode struct {
	ID          int64
	ShowID      int64
	EpNo        int
	AirDatetime *time.Time
	State       EpisodeState
}

// Release is a torrent chosen for a specific (show, episode).
type Release struct {
	ID              int64
	ShowID          int64
	EpNo            int
	Source          string
	Title           string
	MagnetOrTorrent string
	Quality         string
	Subgroup        string
	Score           int
	State           ReleaseState
	CreatedAt       time.Time
}
