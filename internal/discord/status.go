package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// embedColorGreen marks a running conversation.
	embedColorGreen = 0x2ECC71

	// embedColorRed marks that no conversation is running.
	embedColorRed = 0xE74C3C
)

// statusEmbed renders the /parley status reply.
func statusEmbed(st VoiceStatus, active bool, now time.Time) *discordgo.MessageEmbed {
	if !active {
		return &discordgo.MessageEmbed{
			Title:       "Parley",
			Description: "Not in a voice channel. Use `/parley start` to begin.",
			Color:       embedColorRed,
		}
	}
	return &discordgo.MessageEmbed{
		Title:  "Parley",
		Color:  embedColorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: fmt.Sprintf("<#%s>", st.ChannelID), Inline: true},
			{Name: "State", Value: st.State.String(), Inline: true},
			{Name: "Speech rate", Value: fmt.Sprintf("%.2f×", st.SpeechRate), Inline: true},
			{Name: "Uptime", Value: formatUptime(now.Sub(st.StartedAt)), Inline: true},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// formatUptime formats a duration as "1h 2m" or "3m 4s".
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
