package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parley/internal/discord/mock"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

func TestBot_RunRegistersAndCloseClears(t *testing.T) {
	t.Parallel()

	gw := &mock.Gateway{}
	b := NewBot(gw, "app", "guild", &audiomock.Platform{}, "")
	b.Router().RegisterCommand("parley/start", &discordgo.ApplicationCommand{Name: "parley"}, func(Responder, *discordgo.InteractionCreate) {})
	b.Router().RegisterCommand("parley/stop", &discordgo.ApplicationCommand{Name: "parley"}, func(Responder, *discordgo.InteractionCreate) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if calls, _ := gw.Calls(); len(calls) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("commands were not registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("want nil from Run, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	calls, closed := gw.Calls()
	if len(calls) != 2 {
		t.Fatalf("want 2 overwrites, got %d", len(calls))
	}
	if len(calls[0]) != 1 || calls[0][0].Name != "parley" {
		t.Errorf("want the parley command registered once, got %v", calls[0])
	}
	if len(calls[1]) != 0 {
		t.Errorf("want commands cleared on close, got %d", len(calls[1]))
	}
	if closed != 1 {
		t.Errorf("want gateway closed once, got %d", closed)
	}
}

func TestBot_RunRegisterError(t *testing.T) {
	t.Parallel()

	gw := &mock.Gateway{OverwriteErr: errors.New("forbidden")}
	b := NewBot(gw, "app", "guild", &audiomock.Platform{}, "")
	b.Router().RegisterCommand("parley/start", &discordgo.ApplicationCommand{Name: "parley"}, func(Responder, *discordgo.InteractionCreate) {})

	if err := b.Run(context.Background()); err == nil {
		t.Fatal("want error when registration fails, got nil")
	}

	// Nothing was registered, so close only shuts the gateway.
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if calls, closed := gw.Calls(); len(calls) != 1 || closed != 1 {
		t.Errorf("want 1 overwrite and 1 close, got %d and %d", len(calls), closed)
	}
}

func TestBot_CloseError(t *testing.T) {
	t.Parallel()

	gw := &mock.Gateway{CloseErr: errors.New("already closed")}
	b := NewBot(gw, "app", "guild", &audiomock.Platform{}, "")
	if err := b.Close(); err == nil {
		t.Fatal("want close error, got nil")
	}
}

func TestNew_RequiresTokenAndGuild(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{GuildID: "g"}); err == nil {
		t.Error("want error without token, got nil")
	}
	if _, err := New(context.Background(), Config{Token: "t"}); err == nil {
		t.Error("want error without guild, got nil")
	}
}
