// Package discord provides an [audio.Platform] backed by Discord voice
// channels via bwmarrin/discordgo. It turns Discord's Opus transport into the
// PCM [audio.AudioFrame] streams the conversation engine listens to, and
// carries the assistant's synthesised speech back into the channel.
//
// The platform borrows the bot's *discordgo.Session. Each [Platform.Connect]
// joins a voice channel and returns a [Connection].
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] for one guild.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	// mute=false to speak, deaf=false to hear the user.
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	if ctx.Err() != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
	return newConnection(vc, p.session, p.guildID), nil
}
