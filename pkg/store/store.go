package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrProfileNotFound  = errors.New("guild profile not found")
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrPlaylistExists   = errors.New("playlist name already taken")
)

// Store wraps the bot's sqlite database. Repositories share one connection
// pool; sqlite serializes writes internally.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path must not be empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Maintain compacts the WAL so the sidecar files do not grow without bound.
// Meant to run on a schedule, not on the request path.
func (s *Store) Maintain() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return errors.Wrap(err, "wal checkpoint")
	}
	return nil
}

// Profiles builds the guild profile repository, creating its tables.
func (s *Store) Profiles() (ProfileRepository, error) {
	return newProfileRepository(s.db)
}

// Playlists builds the saved playlist repository, creating its tables.
func (s *Store) Playlists() (PlaylistRepository, error) {
	return newPlaylistRepository(s.db)
}
