// Package discord drives parley conversations from a Discord guild. It owns
// the discordgo.Session lifecycle, routes /parley slash commands to the
// [Voice] controller and checks the operator role.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parley/pkg/audio"
	discordaudio "github.com/MrWong99/parley/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild whose voice channels the bot joins.
	GuildID string

	// OperatorRoleID is the role allowed to control the conversation. Empty
	// allows every guild member.
	OperatorRoleID string
}

// Gateway is the part of [discordgo.Session] the bot manages commands and
// shutdown through.
type Gateway interface {
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	Close() error
}

// Bot registers the guild's slash commands for as long as it runs and hands
// interactions to its router.
type Bot struct {
	gw       Gateway
	appID    string
	guildID  string
	platform audio.Platform
	router   *CommandRouter
	perms    *PermissionChecker

	mu         sync.Mutex
	registered bool
	closeOnce  sync.Once
	closeErr   error
}

// New opens a gateway session with the voice-state and guild intents and
// returns a bot bound to it.
func New(_ context.Context, cfg Config) (*Bot, error) {
	if cfg.Token == "" || cfg.GuildID == "" {
		return nil, errors.New("discord: token and guild id are required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := NewBot(session, session.State.User.ID, cfg.GuildID, discordaudio.New(session, cfg.GuildID), cfg.OperatorRoleID)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b, nil
}

// NewBot assembles a bot over an already open gateway. appID is the bot's
// application (user) ID.
func NewBot(gw Gateway, appID, guildID string, platform audio.Platform, operatorRoleID string) *Bot {
	return &Bot{
		gw:       gw,
		appID:    appID,
		guildID:  guildID,
		platform: platform,
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(operatorRoleID),
	}
}

// Platform returns the voice platform of the bot's guild.
func (b *Bot) Platform() audio.Platform { return b.platform }

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter { return b.router }

// Permissions returns the operator role check.
func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// Run replaces the guild's commands with the router's and blocks until ctx
// is done.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.gw.ApplicationCommandBulkOverwrite(b.appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.registered = true
		b.mu.Unlock()
		slog.Info("discord commands registered", "guild_id", b.guildID, "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close clears the registered commands and closes the gateway. It is safe to
// call more than once.
func (b *Bot) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		registered := b.registered
		b.mu.Unlock()

		if registered {
			if _, err := b.gw.ApplicationCommandBulkOverwrite(b.appID, b.guildID, []*discordgo.ApplicationCommand{}); err != nil {
				slog.Warn("discord: clear commands", "guild_id", b.guildID, "err", err)
			}
		}
		if err := b.gw.Close(); err != nil {
			b.closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return b.closeErr
}
