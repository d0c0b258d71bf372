package player

import "time"

// SourceKind describes where a track reference came from.
type SourceKind int

const (
	SourceURL SourceKind = iota
	SourceSearchResult
	SourcePlaylistItem
)

func (k SourceKind) String() string {
	switch k {
	case SourceURL:
		return "url"
	case SourceSearchResult:
		return "search-result"
	case SourcePlaylistItem:
		return "playlist-item"
	default:
		return "unknown"
	}
}

// TrackDescriptor is the resolved, immutable form of a track reference.
// The StreamLocator is an opaque handle the pipeline uses to fetch audio
// bytes; the core never interprets it.
type TrackDescriptor struct {
	ID            string
	Title         string
	Duration      time.Duration
	StreamLocator string
	PageURL       string
	RequestedBy   string
	Source        SourceKind
}

// EffectsConfig carries the per-session audio effect settings handed to
// pipeline workers. Volume is a percentage in [0,200]. Equalizer names a
// profile; the pipeline maps it to a concrete filter chain.
type EffectsConfig struct {
	Volume    int
	Equalizer string
}

// DefaultEffects returns the settings a fresh session starts with.
func DefaultEffects() EffectsConfig {
	return EffectsConfig{Volume: 100, Equalizer: "flat"}
}

// ClampVolume bounds a requested volume percentage to the supported range.
func ClampVolume(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 200 {
		return 200
	}
	return percent
}
