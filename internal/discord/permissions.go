package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may change server-wide settings.
type PermissionChecker struct {
	adminRoleID string
}

// NewPermissionChecker creates a PermissionChecker. Members holding
// adminRoleID are treated as server managers in addition to those with the
// Manage Server permission. An empty adminRoleID disables the role check.
func NewPermissionChecker(adminRoleID string) *PermissionChecker {
	return &PermissionChecker{adminRoleID: adminRoleID}
}

// CanManageGuild reports whether the interaction author may change server
// settings. Returns false if the interaction has no Member (e.g., DM channel
// interactions).
func (p *PermissionChecker) CanManageGuild(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&(discordgo.PermissionManageGuild|discordgo.PermissionAdministrator) != 0 {
		return true
	}
	return p.adminRoleID != "" && slices.Contains(i.Member.Roles, p.adminRoleID)
}
