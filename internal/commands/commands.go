package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/pkg/pipeline"
	"github.com/latoulicious/Seiun/pkg/player"
	"github.com/latoulicious/Seiun/pkg/resolver"
	"github.com/latoulicious/Seiun/pkg/store"
	"github.com/latoulicious/Seiun/pkg/voice"
)

const resolveTimeout = 45 * time.Second

// Commands wires chat commands to the playback core. One instance serves all
// guilds; per-guild state lives in the player registry.
type Commands struct {
	registry  *player.Registry
	resolver  *resolver.Resolver
	profiles  store.ProfileRepository
	playlists store.PlaylistRepository
	dg        *discordgo.Session
	presence  Presence
	log       *logrus.Entry

	mu sync.Mutex
	// channels remembers where each guild last issued a command, so
	// asynchronous playback events have somewhere to go.
	channels map[string]string
	// announced tracks the last now-playing announcement per guild to avoid
	// repeating it on every state snapshot.
	announced map[string]string
	// snapshots caches the latest session state per guild for queue and
	// now-playing rendering.
	snapshots map[string]player.StateChanged
}

func New(res *resolver.Resolver, profiles store.ProfileRepository, playlists store.PlaylistRepository, log *logrus.Entry) *Commands {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Commands{
		resolver:  res,
		profiles:  profiles,
		playlists: playlists,
		log:       log,
		channels:  make(map[string]string),
		announced: make(map[string]string),
		snapshots: make(map[string]player.StateChanged),
	}
}

// AttachRegistry closes the construction cycle: the registry needs Commands
// as its event handler, and Commands needs the registry to route intents.
func (c *Commands) AttachRegistry(r *player.Registry) {
	c.registry = r
}

// AttachSession gives the event handler a Discord session for asynchronous
// announcements (now playing, playback errors).
func (c *Commands) AttachSession(dg *discordgo.Session) {
	c.dg = dg
}

// Presence is the slice of the presence manager the event handler drives.
type Presence interface {
	NowPlaying(title string)
	Clear()
}

// AttachPresence enables presence updates on playback transitions.
func (c *Commands) AttachPresence(p Presence) {
	c.presence = p
}

func (c *Commands) rememberChannel(guildID, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[guildID] = channelID
}

func (c *Commands) channelFor(guildID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[guildID]
}

// session fetches the guild's playback session, seeding it with the stored
// profile when it has to be created.
func (c *Commands) session(guildID string) *player.Session {
	return c.registry.GetOrCreate(guildID, c.profiles.GetOrDefault(guildID).Effects())
}

// ensureVoice joins the caller's voice channel unless the bot is already
// connected in the guild.
func (c *Commands) ensureVoice(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if _, ok := s.VoiceConnections[m.GuildID]; ok {
		return true
	}
	channelID, ok := voice.FindUserChannel(s, m.GuildID, m.Author.ID)
	if !ok {
		sendErrorEmbed(s, m.ChannelID, "You must be in a voice channel first.")
		return false
	}
	sink, err := voice.Connect(s, m.GuildID, channelID, c.log)
	if err != nil {
		c.log.WithFields(logrus.Fields{"guild_id": m.GuildID, "cause": err.Error()}).Error("voice join failed")
		sendErrorEmbed(s, m.ChannelID, "Could not join your voice channel.")
		return false
	}
	if err := c.session(m.GuildID).Submit(player.Intent{Kind: player.IntentJoin, Sink: sink}); err != nil {
		sink.Close()
		sendErrorEmbed(s, m.ChannelID, "Could not attach to the voice channel.")
		return false
	}
	return true
}

// Play resolves the query and queues the results, joining voice first when
// needed.
func (c *Commands) Play(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: play <url or search terms>")
		return
	}
	c.rememberChannel(m.GuildID, m.ChannelID)
	if !c.ensureVoice(s, m) {
		return
	}

	query := strings.Join(args, " ")
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	tracks, err := c.resolver.Resolve(ctx, query, m.Author.Username)
	if err != nil {
		c.log.WithFields(logrus.Fields{"query": query, "cause": err.Error()}).Warn("resolution failed")
		sendErrorEmbed(s, m.ChannelID, "Nothing playable found for that query.")
		return
	}

	if err := c.session(m.GuildID).Submit(player.Intent{Kind: player.IntentPlay, Tracks: tracks}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}

	if len(tracks) == 1 {
		sendEmbed(s, m.ChannelID, "Song Added",
			fmt.Sprintf("Queued **%s** (%s)", tracks[0].Title, formatDuration(tracks[0].Duration)), colorGreen)
	} else {
		sendEmbed(s, m.ChannelID, "Playlist Added",
			fmt.Sprintf("Queued **%d** tracks", len(tracks)), colorGreen)
	}
}

// Join connects to the caller's voice channel without playing anything.
func (c *Commands) Join(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if c.ensureVoice(s, m) {
		sendEmbed(s, m.ChannelID, "Joined", "Connected to your voice channel.", colorGreen)
	}
}

// Leave tears the guild's session down and disconnects.
func (c *Commands) Leave(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	c.registry.Remove(m.GuildID)
	sendEmbed(s, m.ChannelID, "Left", "Disconnected from the voice channel.", colorGray)
}

func (c *Commands) Pause(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.simpleIntent(s, m, player.Intent{Kind: player.IntentPause}, "Paused", "Playback paused.")
}

func (c *Commands) Resume(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.simpleIntent(s, m, player.Intent{Kind: player.IntentResume}, "Resumed", "Playback resumed.")
}

func (c *Commands) Skip(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.simpleIntent(s, m, player.Intent{Kind: player.IntentSkip}, "Skipped", "Skipped to the next track.")
}

func (c *Commands) Previous(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.simpleIntent(s, m, player.Intent{Kind: player.IntentPrevious}, "Previous", "Going back one track.")
}

func (c *Commands) Stop(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.simpleIntent(s, m, player.Intent{Kind: player.IntentStop}, "Stopped", "Playback stopped and queue cleared.")
}

func (c *Commands) simpleIntent(s *discordgo.Session, m *discordgo.MessageCreate, in player.Intent, title, desc string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if err := c.registry.Submit(m.GuildID, in); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}
	sendEmbed(s, m.ChannelID, title, desc, colorBlue)
}

// Remove drops a queued track by its 1-based position as shown by the queue
// command.
func (c *Commands) Remove(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: remove <position>")
		return
	}
	pos, err := strconv.Atoi(args[0])
	if err != nil || pos < 1 {
		sendErrorEmbed(s, m.ChannelID, "Position must be a number starting at 1.")
		return
	}
	if err := c.registry.Submit(m.GuildID, player.Intent{Kind: player.IntentRemove, Index: pos - 1}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
	}
}

// Loop switches the loop mode: off, track, or queue.
func (c *Commands) Loop(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: loop <off|track|queue>")
		return
	}
	mode, ok := player.ParseLoopMode(strings.ToLower(args[0]))
	if !ok {
		sendErrorEmbed(s, m.ChannelID, "Loop mode must be off, track, or queue.")
		return
	}
	if err := c.registry.Submit(m.GuildID, player.Intent{Kind: player.IntentSetLoop, Loop: mode}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}
	sendEmbed(s, m.ChannelID, "Loop", fmt.Sprintf("Loop mode set to **%s**.", mode), colorBlue)
}

// Volume sets the playback volume (0-200) and persists it to the guild
// profile so it survives restarts.
func (c *Commands) Volume(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: volume <0-200>")
		return
	}
	vol, err := strconv.Atoi(args[0])
	if err != nil {
		sendErrorEmbed(s, m.ChannelID, "Volume must be a number between 0 and 200.")
		return
	}
	vol = player.ClampVolume(vol)

	sess := c.session(m.GuildID)
	if err := sess.Submit(player.Intent{Kind: player.IntentSetVolume, Volume: vol}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}
	c.persistProfile(m.GuildID, func(p *store.GuildProfile) { p.Volume = vol })
	sendEmbed(s, m.ChannelID, "Volume", fmt.Sprintf("Volume set to **%d%%**.", vol), colorBlue)
}

// Equalizer picks an equalizer profile. It takes effect from the next track,
// because the filter graph is baked in at pipeline start.
func (c *Commands) Equalizer(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if len(args) == 0 {
		sendEmbed(s, m.ChannelID, "Equalizer",
			fmt.Sprintf("Available profiles: **%s**", strings.Join(pipeline.Profiles(), "**, **")), colorBlue)
		return
	}
	profile := strings.ToLower(args[0])
	if _, ok := pipeline.EqualizerFilter(profile); !ok {
		sendErrorEmbed(s, m.ChannelID,
			fmt.Sprintf("Unknown profile. Available: %s", strings.Join(pipeline.Profiles(), ", ")))
		return
	}

	sess := c.session(m.GuildID)
	if err := sess.Submit(player.Intent{Kind: player.IntentSetEqualizer, Equalizer: profile}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}
	c.persistProfile(m.GuildID, func(p *store.GuildProfile) { p.Equalizer = profile })
	sendEmbed(s, m.ChannelID, "Equalizer",
		fmt.Sprintf("Profile set to **%s**. It applies from the next track.", profile), colorBlue)
}

func (c *Commands) persistProfile(guildID string, apply func(*store.GuildProfile)) {
	p := c.profiles.GetOrDefault(guildID)
	apply(&p)
	if err := c.profiles.Save(p); err != nil {
		c.log.WithFields(logrus.Fields{"guild_id": guildID, "cause": err.Error()}).Error("profile save failed")
	}
}

// Help lists every command.
func (c *Commands) Help(s *discordgo.Session, m *discordgo.MessageCreate, prefix string) {
	desc := fmt.Sprintf(
		"`%[1]splay <url|search>` queue a song or playlist\n"+
			"`%[1]spause` / `%[1]sresume` pause and resume\n"+
			"`%[1]sskip` / `%[1]sprevious` move through the queue\n"+
			"`%[1]sstop` stop and clear the queue\n"+
			"`%[1]squeue` / `%[1]snowplaying` show what's queued and playing\n"+
			"`%[1]sremove <position>` drop a queued track\n"+
			"`%[1]sloop <off|track|queue>` loop mode\n"+
			"`%[1]svolume <0-200>` / `%[1]seq <profile>` audio settings\n"+
			"`%[1]splaylist save|load|list|delete` saved playlists\n"+
			"`%[1]sjoin` / `%[1]sleave` voice channel control",
		prefix)
	sendEmbed(s, m.ChannelID, "Commands", desc, colorBlue)
}
