package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/Seiun/pkg/player"
)

const queueDisplayLimit = 10

func (c *Commands) snapshot(guildID string) (player.StateChanged, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[guildID]
	return snap, ok
}

// Queue shows the current track and the next queued tracks.
func (c *Commands) Queue(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	snap, ok := c.snapshot(m.GuildID)
	if !ok || (snap.Current == nil && len(snap.Queue) == 0) {
		sendEmbed(s, m.ChannelID, "Queue", "The queue is empty.", colorGray)
		return
	}

	var b strings.Builder
	if snap.Current != nil {
		fmt.Fprintf(&b, "**Now:** %s (%s)\n\n", snap.Current.Title, formatDuration(snap.Current.Duration))
	}
	for i, t := range snap.Queue {
		if i == queueDisplayLimit {
			fmt.Fprintf(&b, "...and %d more\n", len(snap.Queue)-queueDisplayLimit)
			break
		}
		fmt.Fprintf(&b, "`%d.` %s (%s)\n", i+1, t.Title, formatDuration(t.Duration))
	}
	if snap.Loop != player.LoopOff {
		fmt.Fprintf(&b, "\nLoop: **%s**", snap.Loop)
	}
	sendEmbed(s, m.ChannelID, "Queue", b.String(), colorBlue)
}

// NowPlaying shows the current track with playback settings.
func (c *Commands) NowPlaying(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.rememberChannel(m.GuildID, m.ChannelID)
	snap, ok := c.snapshot(m.GuildID)
	if !ok || snap.Current == nil {
		sendEmbed(s, m.ChannelID, "Now Playing", "Nothing is currently playing.", colorGray)
		return
	}

	status := "Playing"
	if snap.State == player.StatePaused {
		status = "Paused"
	} else if snap.State == player.StateLoading {
		status = "Loading..."
	}

	desc := fmt.Sprintf("**%s**\n\nStatus: %s\nDuration: %s\nVolume: %d%%\nEqualizer: %s",
		snap.Current.Title, status, formatDuration(snap.Current.Duration),
		snap.Effects.Volume, snap.Effects.Equalizer)
	if snap.Current.RequestedBy != "" {
		desc += fmt.Sprintf("\nRequested by: %s", snap.Current.RequestedBy)
	}
	sendEmbed(s, m.ChannelID, "Now Playing", desc, colorBlue)
}
