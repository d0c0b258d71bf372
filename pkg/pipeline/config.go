package pipeline

import (
	"fmt"
	"sort"
	"time"
)

// Config tunes the external decode process and the opus encode stage.
type Config struct {
	FFmpegPath string

	SampleRate int
	Channels   int
	// FrameSize is samples per channel per frame: 960 is 20ms at 48kHz.
	FrameSize int
	Bitrate   int

	// FrameBuffer is how many encoded frames are held for the gapless
	// handoff between tracks.
	FrameBuffer int

	// StallTimeout fails the pipeline when a read from ffmpeg blocks this
	// long while streaming.
	StallTimeout time.Duration
	// KillTimeout is the hard bound on waiting for a killed process to be
	// reaped; extraction/transcode processes are not trusted to honor
	// graceful shutdown.
	KillTimeout time.Duration
}

// DefaultConfig returns the production pipeline settings.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:   "ffmpeg",
		SampleRate:   48000,
		Channels:     2,
		FrameSize:    960,
		Bitrate:      128000,
		FrameBuffer:  8,
		StallTimeout: 10 * time.Second,
		KillTimeout:  3 * time.Second,
	}
}

// Validate rejects configurations the encoder or Discord cannot work with.
func (c Config) Validate() error {
	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path must not be empty")
	}
	if c.SampleRate != 48000 {
		return fmt.Errorf("sample rate must be 48000, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.Bitrate < 8000 || c.Bitrate > 510000 {
		return fmt.Errorf("bitrate %d outside opus range", c.Bitrate)
	}
	if c.FrameBuffer <= 0 {
		return fmt.Errorf("frame buffer must be positive, got %d", c.FrameBuffer)
	}
	if c.StallTimeout <= 0 || c.KillTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// frameBytes is the size of one raw PCM frame on the ffmpeg pipe.
func (c Config) frameBytes() int {
	return c.FrameSize * c.Channels * 2
}

// resampleFilter matches the original normalization chain: high-precision
// soxr resampling ahead of any shaping.
const resampleFilter = "aresample=resampler=soxr:precision=28:out_sample_rate=48000"

// equalizerProfiles maps user-facing profile names to ffmpeg filter chains.
// Every profile ends in loudness normalization.
var equalizerProfiles = map[string]string{
	"flat":   "loudnorm=I=-18:LRA=7:TP=-2.0",
	"boost":  "superequalizer=1b=4:f=80:t=q:w=1.2|2b=4:f=8000:t=q:w=1.2,loudnorm=I=-18:LRA=7:TP=-2.0",
	"bass":   "superequalizer=1b=6:f=80:t=q:w=1.2,loudnorm=I=-18:LRA=7:TP=-2.0",
	"bright": "superequalizer=2b=6:f=8000:t=q:w=1.2,loudnorm=I=-18:LRA=7:TP=-2.0",
}

// EqualizerFilter resolves a profile name to its full filter chain.
func EqualizerFilter(profile string) (string, bool) {
	shaping, ok := equalizerProfiles[profile]
	if !ok {
		return "", false
	}
	return resampleFilter + "," + shaping, true
}

// Profiles lists the available equalizer profile names, sorted for display.
func Profiles() []string {
	names := make([]string, 0, len(equalizerProfiles))
	for name := range equalizerProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
