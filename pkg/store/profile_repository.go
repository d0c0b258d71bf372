package store

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/latoulicious/Seiun/pkg/player"
)

// GuildProfile is the persisted per-guild audio configuration. It seeds a
// fresh session's effects so volume and equalizer survive restarts.
type GuildProfile struct {
	GuildID   string
	Volume    int
	Equalizer string
	UpdatedAt time.Time
}

// Effects converts the profile to the player's effect settings.
func (p GuildProfile) Effects() player.EffectsConfig {
	return player.EffectsConfig{
		Volume:    player.ClampVolume(p.Volume),
		Equalizer: p.Equalizer,
	}
}

// ProfileRepository stores per-guild audio profiles.
type ProfileRepository interface {
	Get(guildID string) (GuildProfile, error)
	// GetOrDefault returns the stored profile, or the default effect
	// settings when the guild has none yet.
	GetOrDefault(guildID string) GuildProfile
	Save(profile GuildProfile) error
	Delete(guildID string) error
}

type profileRepository struct {
	db *sql.DB
}

func newProfileRepository(db *sql.DB) (ProfileRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is nil")
	}
	repo := &profileRepository{db: db}
	if err := repo.initializeTables(); err != nil {
		return nil, errors.Wrap(err, "initialize profile tables")
	}
	return repo, nil
}

func (r *profileRepository) initializeTables() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS guild_profiles (
		guild_id TEXT PRIMARY KEY,
		volume INTEGER NOT NULL,
		equalizer TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (r *profileRepository) Get(guildID string) (GuildProfile, error) {
	var p GuildProfile
	err := r.db.QueryRow(
		`SELECT guild_id, volume, equalizer, updated_at FROM guild_profiles WHERE guild_id = ?`,
		guildID,
	).Scan(&p.GuildID, &p.Volume, &p.Equalizer, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return GuildProfile{}, ErrProfileNotFound
	}
	if err != nil {
		return GuildProfile{}, errors.Wrap(err, "query guild profile")
	}
	return p, nil
}

func (r *profileRepository) GetOrDefault(guildID string) GuildProfile {
	p, err := r.Get(guildID)
	if err != nil {
		defaults := player.DefaultEffects()
		return GuildProfile{
			GuildID:   guildID,
			Volume:    defaults.Volume,
			Equalizer: defaults.Equalizer,
		}
	}
	return p
}

func (r *profileRepository) Save(p GuildProfile) error {
	_, err := r.db.Exec(
		`INSERT INTO guild_profiles (guild_id, volume, equalizer, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(guild_id) DO UPDATE SET
		   volume = excluded.volume,
		   equalizer = excluded.equalizer,
		   updated_at = CURRENT_TIMESTAMP`,
		p.GuildID, player.ClampVolume(p.Volume), p.Equalizer,
	)
	return errors.Wrap(err, "save guild profile")
}

func (r *profileRepository) Delete(guildID string) error {
	_, err := r.db.Exec(`DELETE FROM guild_profiles WHERE guild_id = ?`, guildID)
	return errors.Wrap(err, "delete guild profile")
}
