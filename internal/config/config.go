package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")

// Config is everything the bot reads from the environment.
type Config struct {
	DiscordToken  string
	CommandPrefix string
	DatabasePath  string
	FFmpegPath    string
	YtdlpPath     string
	LogLevel      logrus.Level
	// IdleTimeout is how long a guild session may sit idle before the bot
	// leaves the voice channel on its own.
	IdleTimeout time.Duration
	// PlaylistLimit caps how many tracks a playlist link expands to.
	PlaylistLimit int
}

// LoadConfig reads configuration from a .env file (when present) and the
// process environment. Only the Discord token is mandatory.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine in production, where everything comes
	// from real environment variables.
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return nil, ErrDiscordTokenNotSet
	}

	cfg := &Config{
		DiscordToken:  token,
		CommandPrefix: envOr("COMMAND_PREFIX", "!"),
		DatabasePath:  envOr("DATABASE_PATH", "seiun.db"),
		FFmpegPath:    envOr("FFMPEG_PATH", "ffmpeg"),
		YtdlpPath:     envOr("YTDLP_PATH", "yt-dlp"),
		LogLevel:      logrus.InfoLevel,
		IdleTimeout:   5 * time.Minute,
		PlaylistLimit: 25,
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := logrus.ParseLevel(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid LOG_LEVEL %q", raw)
		}
		cfg.LogLevel = level
	}
	if raw := os.Getenv("IDLE_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return nil, errors.Errorf("invalid IDLE_TIMEOUT_SECONDS %q", raw)
		}
		cfg.IdleTimeout = time.Duration(seconds) * time.Second
	}
	if raw := os.Getenv("PLAYLIST_LIMIT"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.Errorf("invalid PLAYLIST_LIMIT %q", raw)
		}
		cfg.PlaylistLimit = limit
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
