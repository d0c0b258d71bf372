package commands

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	colorGreen = 0x00ff00
	colorRed   = 0xff0000
	colorBlue  = 0x3498db
	colorGray  = 0x808080
)

func sendEmbed(s *discordgo.Session, channelID, title, description string, color int) {
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	s.ChannelMessageSendEmbed(channelID, embed)
}

func sendErrorEmbed(s *discordgo.Session, channelID, description string) {
	sendEmbed(s, channelID, "Error", description, colorRed)
}

// formatDuration renders a track length as m:ss or h:mm:ss. Zero means the
// length is unknown (live streams, failed metadata extraction).
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "live/unknown"
	}
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
