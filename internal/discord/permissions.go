package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the operator role
// before executing commands that change the conversation.
type PermissionChecker struct {
	operatorRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given operator
// role ID.
func NewPermissionChecker(operatorRoleID string) *PermissionChecker {
	return &PermissionChecker{operatorRoleID: operatorRoleID}
}

// IsOperator checks whether the interaction author has the operator role.
// With no role configured every guild member is an operator. Interactions
// without a Member (direct messages) are never authorised.
func (p *PermissionChecker) IsOperator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.operatorRoleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.operatorRoleID)
}
