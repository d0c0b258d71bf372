package commands

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/pkg/player"
	"github.com/latoulicious/Seiun/pkg/resolver"
)

// HandleStateChanged caches the latest snapshot for queue rendering and
// announces newly started tracks in the guild's last command channel.
func (c *Commands) HandleStateChanged(ev player.StateChanged) {
	c.mu.Lock()
	c.snapshots[ev.GuildID] = ev
	var announce *player.TrackDescriptor
	switch {
	case ev.State == player.StatePlaying && ev.Current != nil && c.announced[ev.GuildID] != ev.Current.ID:
		c.announced[ev.GuildID] = ev.Current.ID
		announce = ev.Current
	case ev.State == player.StateIdle || ev.State == player.StateTearingDown:
		delete(c.announced, ev.GuildID)
	}
	idle := ev.State == player.StateIdle || ev.State == player.StateTearingDown
	c.mu.Unlock()

	if c.presence != nil {
		if announce != nil {
			c.presence.NowPlaying(announce.Title)
		} else if idle {
			c.presence.Clear()
		}
	}

	if announce == nil || c.dg == nil {
		return
	}
	channelID := c.channelFor(ev.GuildID)
	if channelID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Now Playing",
		Description: fmt.Sprintf("**%s**", announce.Title),
		Color:       colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Duration", Value: formatDuration(announce.Duration), Inline: true},
			{Name: "Requested by", Value: orDash(announce.RequestedBy), Inline: true},
		},
	}
	if thumb := resolver.ThumbnailURL(resolver.ExtractVideoID(announce.PageURL)); thumb != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: thumb}
	}
	if _, err := c.dg.ChannelMessageSendEmbed(channelID, embed); err != nil {
		c.log.WithFields(logrus.Fields{"guild_id": ev.GuildID, "cause": err.Error()}).Warn("now playing announcement failed")
	}
}

// HandlePlaybackError surfaces terminal track and session failures to the
// guild's last command channel.
func (c *Commands) HandlePlaybackError(ev player.PlaybackError) {
	c.log.WithFields(logrus.Fields{
		"guild_id": ev.GuildID,
		"cause":    ev.Cause,
	}).Warn("playback error")

	if c.dg == nil {
		return
	}
	channelID := c.channelFor(ev.GuildID)
	if channelID == "" {
		return
	}

	desc := describePlaybackError(ev)
	sendErrorEmbed(c.dg, channelID, desc)
}

func describePlaybackError(ev player.PlaybackError) string {
	switch {
	case ev.Cause == player.ErrNoTransport:
		return "Join a voice channel before playing."
	case ev.Cause == player.ErrHistoryEmpty:
		return "There is no previous track to go back to."
	case ev.Cause == player.ErrIndexOutOfBounds:
		return "No queued track at that position."
	case ev.Track != nil:
		return fmt.Sprintf("Could not play **%s**, skipping it.", ev.Track.Title)
	default:
		return "Playback failed."
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
