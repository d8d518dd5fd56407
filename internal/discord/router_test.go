package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parley/internal/discord/mock"
)

// command builds a /parley subcommand interaction.
func command(sub string, roles []string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionApplicationCommand,
		Member: &discordgo.Member{Roles: roles},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "parley",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:    sub,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: opts,
			}},
		},
	}}
}

func TestPermissionChecker_IsOperator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		member *discordgo.Member
		want   bool
	}{
		{
			name:   "user with operator role",
			roleID: "role-123",
			member: &discordgo.Member{Roles: []string{"role-456", "role-123", "role-789"}},
			want:   true,
		},
		{
			name:   "user without operator role",
			roleID: "role-123",
			member: &discordgo.Member{Roles: []string{"role-456", "role-789"}},
			want:   false,
		},
		{
			name:   "empty role allows members",
			member: &discordgo.Member{Roles: []string{"role-456"}},
			want:   true,
		},
		{
			name:   "direct message never allowed",
			roleID: "",
			member: nil,
			want:   false,
		},
		{
			name:   "user with empty roles",
			roleID: "role-123",
			member: &discordgo.Member{Roles: []string{}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.roleID)
			i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Member: tt.member}}
			if got := pc.IsOperator(i); got != tt.want {
				t.Errorf("want IsOperator %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCommandRouter_ApplicationCommandsDedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	cmd := &discordgo.ApplicationCommand{Name: "parley"}
	r.RegisterCommand("parley/start", cmd, func(Responder, *discordgo.InteractionCreate) {})
	r.RegisterCommand("parley/stop", cmd, func(Responder, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "parley" {
		t.Fatalf("want one parley command, got %v", cmds)
	}
}

func TestCommandRouter_Handle(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	cmd := &discordgo.ApplicationCommand{Name: "parley"}
	r.RegisterCommand("parley/start", cmd, func(Responder, *discordgo.InteractionCreate) { got = "start" })
	r.RegisterCommand("parley/stop", cmd, func(Responder, *discordgo.InteractionCreate) { got = "stop" })

	resp := &mock.InteractionResponder{}
	r.Handle(resp, command("stop", nil))
	if got != "stop" {
		t.Fatalf("want stop handler, got %q", got)
	}
	if len(resp.Responses) != 0 {
		t.Fatalf("want no router response, got %d", len(resp.Responses))
	}

	r.Handle(resp, command("dance", nil))
	last := resp.LastResponse()
	if last == nil || last.Data.Content != "Unknown command." {
		t.Fatalf("want unknown command reply, got %+v", last)
	}

	r.Handle(resp, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing}})
	if len(resp.Responses) != 1 {
		t.Fatalf("want non-command interactions ignored, got %d responses", len(resp.Responses))
	}
}
