package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/pkg/player"
	"github.com/latoulicious/Seiun/pkg/store"
)

// Playlist dispatches the playlist subcommands: save, load, list, delete.
func (c *Commands) Playlist(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: playlist <save|load|list|delete> [name]")
		return
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "save":
		c.playlistSave(s, m, rest)
	case "load":
		c.playlistLoad(s, m, rest)
	case "list":
		c.playlistList(s, m)
	case "delete":
		c.playlistDelete(s, m, rest)
	default:
		sendErrorEmbed(s, m.ChannelID, "Usage: playlist <save|load|list|delete> [name]")
	}
}

// playlistSave persists the current track plus the queue under a name.
func (c *Commands) playlistSave(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: playlist save <name>")
		return
	}
	name := strings.Join(args, " ")

	snap, ok := c.snapshot(m.GuildID)
	if !ok || (snap.Current == nil && len(snap.Queue) == 0) {
		sendErrorEmbed(s, m.ChannelID, "Nothing is queued to save.")
		return
	}

	var tracks []store.SavedTrack
	if snap.Current != nil {
		tracks = append(tracks, store.SavedTrackFrom(*snap.Current))
	}
	for _, t := range snap.Queue {
		tracks = append(tracks, store.SavedTrackFrom(t))
	}

	err := c.playlists.Save(store.SavedPlaylist{
		GuildID:   m.GuildID,
		Name:      name,
		CreatedBy: m.Author.Username,
		Tracks:    tracks,
	})
	if err == store.ErrPlaylistExists {
		sendErrorEmbed(s, m.ChannelID, fmt.Sprintf("A playlist named **%s** already exists.", name))
		return
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{"guild_id": m.GuildID, "cause": err.Error()}).Error("playlist save failed")
		sendErrorEmbed(s, m.ChannelID, "Could not save the playlist.")
		return
	}
	sendEmbed(s, m.ChannelID, "Playlist Saved",
		fmt.Sprintf("Saved **%s** with %d tracks.", name, len(tracks)), colorGreen)
}

// playlistLoad re-resolves every saved track (stream URLs expire) and queues
// the results.
func (c *Commands) playlistLoad(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: playlist load <name>")
		return
	}
	name := strings.Join(args, " ")

	saved, err := c.playlists.Get(m.GuildID, name)
	if err == store.ErrPlaylistNotFound {
		sendErrorEmbed(s, m.ChannelID, fmt.Sprintf("No playlist named **%s**.", name))
		return
	}
	if err != nil {
		sendErrorEmbed(s, m.ChannelID, "Could not load the playlist.")
		return
	}
	if !c.ensureVoice(s, m) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(saved.Tracks))*resolveTimeout)
	defer cancel()

	var tracks []player.TrackDescriptor
	for _, st := range saved.Tracks {
		resolved, err := c.resolver.Resolve(ctx, st.PageURL, m.Author.Username)
		if err != nil {
			c.log.WithFields(logrus.Fields{"url": st.PageURL, "cause": err.Error()}).Warn("saved track no longer resolvable")
			continue
		}
		tracks = append(tracks, resolved...)
	}
	if len(tracks) == 0 {
		sendErrorEmbed(s, m.ChannelID, "None of the saved tracks are playable anymore.")
		return
	}

	if err := c.session(m.GuildID).Submit(player.Intent{Kind: player.IntentPlay, Tracks: tracks}); err != nil {
		sendErrorEmbed(s, m.ChannelID, "The player is overloaded, try again in a moment.")
		return
	}

	desc := fmt.Sprintf("Queued **%d** tracks from **%s**.", len(tracks), name)
	if dropped := len(saved.Tracks) - len(tracks); dropped > 0 {
		desc += fmt.Sprintf(" (%d no longer available)", dropped)
	}
	sendEmbed(s, m.ChannelID, "Playlist Loaded", desc, colorGreen)
}

func (c *Commands) playlistList(s *discordgo.Session, m *discordgo.MessageCreate) {
	playlists, err := c.playlists.List(m.GuildID)
	if err != nil {
		sendErrorEmbed(s, m.ChannelID, "Could not list playlists.")
		return
	}
	if len(playlists) == 0 {
		sendEmbed(s, m.ChannelID, "Playlists", "No saved playlists yet.", colorGray)
		return
	}

	var b strings.Builder
	for _, p := range playlists {
		fmt.Fprintf(&b, "**%s** - %d tracks (by %s)\n", p.Name, len(p.Tracks), p.CreatedBy)
	}
	sendEmbed(s, m.ChannelID, "Playlists", b.String(), colorBlue)
}

func (c *Commands) playlistDelete(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		sendErrorEmbed(s, m.ChannelID, "Usage: playlist delete <name>")
		return
	}
	name := strings.Join(args, " ")

	err := c.playlists.Delete(m.GuildID, name)
	if err == store.ErrPlaylistNotFound {
		sendErrorEmbed(s, m.ChannelID, fmt.Sprintf("No playlist named **%s**.", name))
		return
	}
	if err != nil {
		sendErrorEmbed(s, m.ChannelID, "Could not delete the playlist.")
		return
	}
	sendEmbed(s, m.ChannelID, "Playlist Deleted", fmt.Sprintf("Deleted **%s**.", name), colorGray)
}
