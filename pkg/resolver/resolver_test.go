package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/Seiun/pkg/player"
)

func TestQueryClassification(t *testing.T) {
	cases := []struct {
		query    string
		youtube  bool
		playlist bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true, false},
		{"https://youtu.be/dQw4w9WgXcQ", true, false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123abc", true, true},
		{"https://www.youtube.com/playlist?list=PL123abc", true, true},
		{"https://soundcloud.com/artist/song", false, false},
		{"never gonna give you up", false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.youtube, isYouTubeURL(tc.query), tc.query)
		assert.Equal(t, tc.playlist, isPlaylistURL(tc.query), tc.query)
	}
}

func TestExtractVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":       "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                      "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?t=30":                 "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":         "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=short":             "",
		"https://example.com/watch?v=dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?list=PL123&v=aBcDeFgHiJk": "aBcDeFgHiJk",
	}
	for pageURL, want := range cases {
		assert.Equal(t, want, ExtractVideoID(pageURL), pageURL)
	}
}

func TestParseDump(t *testing.T) {
	lines := []string{
		"id1", "First Song", "213", "https://www.youtube.com/watch?v=id1", "https://cdn.example/1",
		"id2", "NA", "NA", "https://www.youtube.com/watch?v=id2", "https://cdn.example/2",
		"id3", "Broken", "90", "https://www.youtube.com/watch?v=id3", "NA",
	}
	tracks := parseDump(lines, "user#1", player.SourcePlaylistItem)

	require.Len(t, tracks, 2)
	assert.Equal(t, "id1", tracks[0].ID)
	assert.Equal(t, "First Song", tracks[0].Title)
	assert.Equal(t, 213*time.Second, tracks[0].Duration)
	assert.Equal(t, "https://cdn.example/1", tracks[0].StreamLocator)
	assert.Equal(t, "user#1", tracks[0].RequestedBy)
	assert.Equal(t, player.SourcePlaylistItem, tracks[0].Source)

	// Missing metadata is tolerated, a missing stream URL is not.
	assert.Equal(t, "Unknown Title", tracks[1].Title)
	assert.Equal(t, time.Duration(0), tracks[1].Duration)
}

func TestParseDumpTruncatedOutput(t *testing.T) {
	assert.Empty(t, parseDump([]string{"id1", "Only Title"}, "", player.SourceURL))
	assert.Empty(t, parseDump(nil, "", player.SourceURL))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, parseDuration("90"))
	assert.Equal(t, 1500*time.Millisecond, parseDuration("1.5"))
	assert.Equal(t, time.Duration(0), parseDuration("NA"))
	assert.Equal(t, time.Duration(0), parseDuration(""))
	assert.Equal(t, time.Duration(0), parseDuration("abc"))
}

func TestThumbnailURL(t *testing.T) {
	assert.Equal(t, "https://img.youtube.com/vi/abc/maxresdefault.jpg", ThumbnailURL("abc"))
	assert.Equal(t, "", ThumbnailURL(""))
}

func TestConfigDefaultsApplied(t *testing.T) {
	r := New(Config{}, nil)
	assert.Equal(t, "yt-dlp", r.cfg.YtdlpPath)
	assert.Equal(t, 25, r.cfg.PlaylistLimit)
	assert.Equal(t, 30*time.Second, r.cfg.Timeout)
}
