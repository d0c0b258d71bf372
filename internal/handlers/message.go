package handlers

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/Seiun/internal/commands"
)

// NewMessageHandler builds the prefix-command dispatcher.
func NewMessageHandler(c *commands.Commands, prefix string) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore the bot's own messages and anything outside a guild.
		if m.Author.ID == s.State.User.ID || m.GuildID == "" {
			return
		}
		if !strings.HasPrefix(m.Content, prefix) {
			return
		}

		fields := strings.Fields(strings.TrimPrefix(m.Content, prefix))
		if len(fields) == 0 {
			return
		}
		command := strings.ToLower(fields[0])
		args := fields[1:]

		switch command {
		case "play", "p":
			c.Play(s, m, args)
		case "pause":
			c.Pause(s, m)
		case "resume", "unpause":
			c.Resume(s, m)
		case "skip", "next":
			c.Skip(s, m)
		case "previous", "prev", "back":
			c.Previous(s, m)
		case "stop":
			c.Stop(s, m)
		case "queue", "q":
			c.Queue(s, m)
		case "nowplaying", "np":
			c.NowPlaying(s, m)
		case "remove", "rm":
			c.Remove(s, m, args)
		case "loop":
			c.Loop(s, m, args)
		case "volume", "vol":
			c.Volume(s, m, args)
		case "eq", "equalizer":
			c.Equalizer(s, m, args)
		case "playlist", "pl":
			c.Playlist(s, m, args)
		case "join":
			c.Join(s, m)
		case "leave", "disconnect":
			c.Leave(s, m)
		case "help":
			c.Help(s, m, prefix)
		}
	}
}
