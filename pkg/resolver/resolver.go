package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/pkg/player"
)

// ErrNoResults means the query produced nothing playable.
var ErrNoResults = errors.New("no playable results for query")

// Config tunes query resolution.
type Config struct {
	YtdlpPath string
	// PlaylistLimit caps how many playlist entries are expanded per request.
	PlaylistLimit int
	// Timeout bounds a single yt-dlp invocation.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		YtdlpPath:     "yt-dlp",
		PlaylistLimit: 25,
		Timeout:       30 * time.Second,
	}
}

// Resolver turns user queries (URLs, search terms, playlist links) into
// playable track descriptors with direct media stream URLs. YouTube video
// pages go through the native client first; everything else, and every
// failure, falls back to yt-dlp.
type Resolver struct {
	cfg    Config
	client youtube.Client
	log    *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Resolver {
	if cfg.YtdlpPath == "" {
		cfg.YtdlpPath = DefaultConfig().YtdlpPath
	}
	if cfg.PlaylistLimit <= 0 {
		cfg.PlaylistLimit = DefaultConfig().PlaylistLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{cfg: cfg, log: log}
}

// Resolve expands a raw query into one or more tracks. A playlist URL yields
// up to PlaylistLimit tracks; anything else yields exactly one or fails.
func (r *Resolver) Resolve(ctx context.Context, query, requestedBy string) ([]player.TrackDescriptor, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}

	switch {
	case isPlaylistURL(query):
		return r.resolvePlaylist(ctx, query, requestedBy)
	case isYouTubeURL(query):
		t, err := r.resolveVideo(ctx, query, requestedBy)
		if err != nil {
			return nil, err
		}
		return []player.TrackDescriptor{t}, nil
	case isURL(query):
		t, err := r.resolveWithYtdlp(ctx, query, requestedBy, player.SourceURL)
		if err != nil {
			return nil, err
		}
		return []player.TrackDescriptor{t}, nil
	default:
		t, err := r.resolveWithYtdlp(ctx, "ytsearch1:"+query, requestedBy, player.SourceSearchResult)
		if err != nil {
			return nil, err
		}
		return []player.TrackDescriptor{t}, nil
	}
}

// resolveVideo extracts a single YouTube video with the native client,
// preferring opus audio formats. yt-dlp is the fallback when extraction or
// format selection fails.
func (r *Resolver) resolveVideo(ctx context.Context, pageURL, requestedBy string) (player.TrackDescriptor, error) {
	video, err := r.client.GetVideoContext(ctx, pageURL)
	if err != nil {
		r.log.WithFields(logrus.Fields{"url": pageURL, "cause": err.Error()}).Warn("native extraction failed, falling back to yt-dlp")
		return r.resolveWithYtdlp(ctx, pageURL, requestedBy, player.SourceURL)
	}

	format := pickAudioFormat(video)
	if format == nil {
		return r.resolveWithYtdlp(ctx, pageURL, requestedBy, player.SourceURL)
	}
	streamURL, err := r.client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		r.log.WithFields(logrus.Fields{"url": pageURL, "cause": err.Error()}).Warn("stream url extraction failed, falling back to yt-dlp")
		return r.resolveWithYtdlp(ctx, pageURL, requestedBy, player.SourceURL)
	}

	return player.TrackDescriptor{
		ID:            video.ID,
		Title:         video.Title,
		Duration:      video.Duration,
		StreamLocator: streamURL,
		PageURL:       watchURL(video.ID),
		RequestedBy:   requestedBy,
		Source:        player.SourceURL,
	}, nil
}

// pickAudioFormat prefers itag 251 (opus 160k), then any opus format, then
// the best audio format youtube offers.
func pickAudioFormat(video *youtube.Video) *youtube.Format {
	formats := video.Formats.WithAudioChannels().Type("audio")
	for i := range formats {
		if formats[i].ItagNo == 251 {
			return &formats[i]
		}
	}
	for i := range formats {
		if strings.Contains(formats[i].MimeType, "opus") {
			return &formats[i]
		}
	}
	if len(formats) == 0 {
		return nil
	}
	formats.Sort()
	return &formats[0]
}

// resolveWithYtdlp resolves a single entry (URL or ytsearchN: expression)
// through yt-dlp.
func (r *Resolver) resolveWithYtdlp(ctx context.Context, target, requestedBy string, source player.SourceKind) (player.TrackDescriptor, error) {
	lines, err := r.runYtdlp(ctx,
		"--no-playlist",
		"--no-warnings",
		"--ignore-config",
		"-f", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio",
		"--print", "id",
		"--print", "title",
		"--print", "duration",
		"--print", "webpage_url",
		"--print", "urls",
		target)
	if err != nil {
		return player.TrackDescriptor{}, err
	}
	tracks := parseDump(lines, requestedBy, source)
	if len(tracks) == 0 {
		return player.TrackDescriptor{}, ErrNoResults
	}
	return tracks[0], nil
}

// resolvePlaylist expands a playlist URL. Every entry gets its own direct
// stream URL; entries past the limit are dropped.
func (r *Resolver) resolvePlaylist(ctx context.Context, pageURL, requestedBy string) ([]player.TrackDescriptor, error) {
	lines, err := r.runYtdlp(ctx,
		"--yes-playlist",
		"--no-warnings",
		"--ignore-config",
		"--playlist-end", strconv.Itoa(r.cfg.PlaylistLimit),
		"-f", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio",
		"--print", "id",
		"--print", "title",
		"--print", "duration",
		"--print", "webpage_url",
		"--print", "urls",
		pageURL)
	if err != nil {
		return nil, err
	}
	tracks := parseDump(lines, requestedBy, player.SourcePlaylistItem)
	if len(tracks) == 0 {
		return nil, ErrNoResults
	}
	r.log.WithFields(logrus.Fields{"url": pageURL, "tracks": len(tracks)}).Info("expanded playlist")
	return tracks, nil
}

func (r *Resolver) runYtdlp(ctx context.Context, args ...string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.YtdlpPath, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.Wrapf(ErrNoResults, "yt-dlp: %s", msg)
	}

	var lines []string
	for _, line := range strings.Split(out.String(), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines, nil
}

// fieldsPerEntry is the number of --print lines yt-dlp emits per entry:
// id, title, duration, webpage_url, urls.
const fieldsPerEntry = 5

// parseDump turns yt-dlp --print output into track descriptors. Entries with
// no usable stream URL are dropped.
func parseDump(lines []string, requestedBy string, source player.SourceKind) []player.TrackDescriptor {
	var tracks []player.TrackDescriptor
	for i := 0; i+fieldsPerEntry <= len(lines); i += fieldsPerEntry {
		id, title := lines[i], lines[i+1]
		duration := parseDuration(lines[i+2])
		pageURL, streamURL := lines[i+3], lines[i+4]
		if !strings.HasPrefix(streamURL, "http") {
			continue
		}
		if title == "" || title == "NA" {
			title = "Unknown Title"
		}
		tracks = append(tracks, player.TrackDescriptor{
			ID:            id,
			Title:         title,
			Duration:      duration,
			StreamLocator: streamURL,
			PageURL:       pageURL,
			RequestedBy:   requestedBy,
			Source:        source,
		})
	}
	return tracks
}

// parseDuration reads yt-dlp's duration field, which is seconds or "NA".
func parseDuration(s string) time.Duration {
	if s == "" || s == "NA" || s == "None" {
		return 0
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isYouTubeURL(s string) bool {
	return isURL(s) && (strings.Contains(s, "youtube.com") || strings.Contains(s, "youtu.be"))
}

// isPlaylistURL reports whether the URL addresses a playlist rather than a
// single video. A watch URL that merely carries a list parameter still counts:
// queueing the whole list is what the link encodes.
func isPlaylistURL(s string) bool {
	if !isYouTubeURL(s) {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Query().Get("list") != "" || strings.Contains(u.Path, "/playlist")
}

var videoIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// ExtractVideoID pulls the 11-character video id out of a YouTube URL.
func ExtractVideoID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
		return id
	}
	if strings.Contains(u.Host, "youtu.be") {
		id := strings.Trim(u.Path, "/")
		if videoIDPattern.MatchString(id) {
			return id
		}
	}
	if strings.Contains(u.Path, "/embed/") {
		parts := strings.SplitN(u.Path, "/embed/", 2)
		if len(parts) == 2 && videoIDPattern.MatchString(parts[1]) {
			return parts[1]
		}
	}
	return ""
}

func watchURL(id string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", id)
}

// ThumbnailURL builds the standard thumbnail address for a video id.
func ThumbnailURL(id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf("https://img.youtube.com/vi/%s/maxresdefault.jpg", id)
}
