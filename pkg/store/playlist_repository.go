package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/latoulicious/Seiun/pkg/player"
)

// SavedTrack is the persisted slice of a track descriptor: enough to rebuild
// a queue later. Stream URLs are deliberately not stored, they expire; the
// page URL is re-resolved on load.
type SavedTrack struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	PageURL  string        `json:"page_url"`
	Duration time.Duration `json:"duration"`
}

// SavedTrackFrom strips a live descriptor down to its persistent fields.
func SavedTrackFrom(t player.TrackDescriptor) SavedTrack {
	return SavedTrack{
		ID:       t.ID,
		Title:    t.Title,
		PageURL:  t.PageURL,
		Duration: t.Duration,
	}
}

// SavedPlaylist is a named, per-guild track list.
type SavedPlaylist struct {
	GuildID   string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	Tracks    []SavedTrack
}

// PlaylistRepository stores named playlists per guild. Names are unique
// within a guild.
type PlaylistRepository interface {
	Save(p SavedPlaylist) error
	Get(guildID, name string) (SavedPlaylist, error)
	List(guildID string) ([]SavedPlaylist, error)
	Delete(guildID, name string) error
}

type playlistRepository struct {
	db *sql.DB
}

func newPlaylistRepository(db *sql.DB) (PlaylistRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is nil")
	}
	repo := &playlistRepository{db: db}
	if err := repo.initializeTables(); err != nil {
		return nil, errors.Wrap(err, "initialize playlist tables")
	}
	return repo, nil
}

func (r *playlistRepository) initializeTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS playlists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			tracks_data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(guild_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playlists_guild ON playlists(guild_id)`,
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (r *playlistRepository) Save(p SavedPlaylist) error {
	data, err := json.Marshal(p.Tracks)
	if err != nil {
		return errors.Wrap(err, "marshal playlist tracks")
	}
	_, err = r.db.Exec(
		`INSERT INTO playlists (guild_id, name, created_by, tracks_data) VALUES (?, ?, ?, ?)`,
		p.GuildID, p.Name, p.CreatedBy, string(data),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrPlaylistExists
	}
	return errors.Wrap(err, "save playlist")
}

func (r *playlistRepository) Get(guildID, name string) (SavedPlaylist, error) {
	var p SavedPlaylist
	var data string
	err := r.db.QueryRow(
		`SELECT guild_id, name, created_by, tracks_data, created_at
		 FROM playlists WHERE guild_id = ? AND name = ?`,
		guildID, name,
	).Scan(&p.GuildID, &p.Name, &p.CreatedBy, &data, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return SavedPlaylist{}, ErrPlaylistNotFound
	}
	if err != nil {
		return SavedPlaylist{}, errors.Wrap(err, "query playlist")
	}
	if err := json.Unmarshal([]byte(data), &p.Tracks); err != nil {
		return SavedPlaylist{}, errors.Wrap(err, "unmarshal playlist tracks")
	}
	return p, nil
}

func (r *playlistRepository) List(guildID string) ([]SavedPlaylist, error) {
	rows, err := r.db.Query(
		`SELECT guild_id, name, created_by, tracks_data, created_at
		 FROM playlists WHERE guild_id = ? ORDER BY name`,
		guildID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list playlists")
	}
	defer rows.Close()

	var playlists []SavedPlaylist
	for rows.Next() {
		var p SavedPlaylist
		var data string
		if err := rows.Scan(&p.GuildID, &p.Name, &p.CreatedBy, &data, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan playlist")
		}
		if err := json.Unmarshal([]byte(data), &p.Tracks); err != nil {
			return nil, errors.Wrap(err, "unmarshal playlist tracks")
		}
		playlists = append(playlists, p)
	}
	return playlists, rows.Err()
}

func (r *playlistRepository) Delete(guildID, name string) error {
	res, err := r.db.Exec(`DELETE FROM playlists WHERE guild_id = ? AND name = ?`, guildID, name)
	if err != nil {
		return errors.Wrap(err, "delete playlist")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPlaylistNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
