package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parley/internal/engine"
)

// joinTimeout bounds connecting to a voice channel and starting capture.
const joinTimeout = 20 * time.Second

// Controller is what the slash commands operate. [*Voice] implements it.
type Controller interface {
	Join(ctx context.Context, channelID string) error
	Leave() error
	Reset(ctx context.Context) error
	SetSpeechRate(rate float64) error
	Status() (VoiceStatus, bool)
}

// Commands implements the /parley slash command group.
type Commands struct {
	voice Controller
	perms *PermissionChecker
}

// NewCommands creates the command group.
func NewCommands(voice Controller, perms *PermissionChecker) *Commands {
	return &Commands{voice: voice, perms: perms}
}

// Register adds every /parley subcommand to r.
func (c *Commands) Register(r *CommandRouter) {
	def := c.Definition()
	r.RegisterCommand("parley/start", def, c.operator(c.handleStart))
	r.RegisterCommand("parley/stop", def, c.operator(c.handleStop))
	r.RegisterCommand("parley/reset", def, c.operator(c.handleReset))
	r.RegisterCommand("parley/rate", def, c.operator(c.handleRate))
	r.RegisterCommand("parley/status", def, c.handleStatus)
}

// Definition returns the application command registered with Discord.
func (c *Commands) Definition() *discordgo.ApplicationCommand {
	minRate := engine.MinSpeechRate
	return &discordgo.ApplicationCommand{
		Name:        "parley",
		Description: "Control the voice conversation",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Join a voice channel and start listening",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Voice channel to join",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice},
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop listening and leave the voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "reset",
				Description: "Forget the conversation so far",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "rate",
				Description: "Change how fast replies are spoken",
				Options: []*discordgo.ApplicationCommandOption{{
					Type:        discordgo.ApplicationCommandOptionNumber,
					Name:        "value",
					Description: "Speech rate, 1 is normal speed",
					Required:    true,
					MinValue:    &minRate,
					MaxValue:    engine.MaxSpeechRate,
				}},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the conversation status",
			},
		},
	}
}

// operator wraps h with the operator role check.
func (c *Commands) operator(h HandlerFunc) HandlerFunc {
	return func(r Responder, i *discordgo.InteractionCreate) {
		if !c.perms.IsOperator(i) {
			RespondEphemeral(r, i, "You need the operator role to do that.")
			return
		}
		h(r, i)
	}
}

func (c *Commands) handleStart(r Responder, i *discordgo.InteractionCreate) {
	var channelID string
	if opt, ok := subcommandOptions(i)["channel"]; ok {
		channelID, _ = opt.Value.(string)
	}

	DeferReply(r, i)
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := c.voice.Join(ctx, channelID); err != nil {
		slog.Warn("discord: start failed", "channel_id", channelID, "err", err)
		FollowUp(r, i, fmt.Sprintf("Error: %v", err))
		return
	}
	st, _ := c.voice.Status()
	FollowUp(r, i, fmt.Sprintf("Listening in <#%s>.", st.ChannelID))
}

func (c *Commands) handleStop(r Responder, i *discordgo.InteractionCreate) {
	if err := c.voice.Leave(); err != nil {
		RespondError(r, i, err)
		return
	}
	RespondEphemeral(r, i, "Stopped.")
}

func (c *Commands) handleReset(r Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := c.voice.Reset(ctx); err != nil {
		RespondError(r, i, err)
		return
	}
	RespondEphemeral(r, i, "Conversation reset.")
}

func (c *Commands) handleRate(r Responder, i *discordgo.InteractionCreate) {
	opt, ok := subcommandOptions(i)["value"]
	if !ok {
		RespondEphemeral(r, i, "Missing rate value.")
		return
	}
	rate := opt.FloatValue()
	if err := c.voice.SetSpeechRate(rate); err != nil {
		RespondError(r, i, err)
		return
	}
	RespondEphemeral(r, i, fmt.Sprintf("Speech rate set to %.2f.", rate))
}

func (c *Commands) handleStatus(r Responder, i *discordgo.InteractionCreate) {
	st, ok := c.voice.Status()
	RespondEmbed(r, i, statusEmbed(st, ok, time.Now()))
}
