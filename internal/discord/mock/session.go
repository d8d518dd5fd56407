// Package mock provides test doubles for the Discord gateway and interaction
// responses.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
// It satisfies the discord package's Responder interface.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Gateway records command registration and shutdown calls. It satisfies the
// discord package's Gateway interface.
type Gateway struct {
	mu sync.Mutex

	// Overwrites records the command list of every bulk overwrite.
	Overwrites [][]*discordgo.ApplicationCommand

	// Closed counts Close calls.
	Closed int

	// OverwriteErr and CloseErr are returned by the matching calls.
	OverwriteErr error
	CloseErr     error
}

// ApplicationCommandBulkOverwrite records cmds and echoes them back with
// generated IDs.
func (g *Gateway) ApplicationCommandBulkOverwrite(_, _ string, cmds []*discordgo.ApplicationCommand, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Overwrites = append(g.Overwrites, cmds)
	if g.OverwriteErr != nil {
		return nil, g.OverwriteErr
	}
	out := make([]*discordgo.ApplicationCommand, len(cmds))
	for i, c := range cmds {
		cp := *c
		cp.ID = "cmd-" + c.Name
		out[i] = &cp
	}
	return out, nil
}

// Close counts the call and returns CloseErr.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Closed++
	return g.CloseErr
}

// Calls returns a copy of the recorded overwrites and the close count.
func (g *Gateway) Calls() ([][]*discordgo.ApplicationCommand, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]*discordgo.ApplicationCommand(nil), g.Overwrites...), g.Closed
}
