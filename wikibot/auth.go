package wikibot

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const msgNotAllowed = "You are not allowed to use this command!"

// authLevel is what an invoker may do with `/wiki-mgmt`
type authLevel int

const (
	authNone authLevel = iota

	// authManager holds one of the guild's management roles, and may
	// manage topics
	authManager

	// authAdmin is the guild owner, or holds the manage permissions.
	// Admins may also edit the guild's management roles.
	authAdmin
)

func (a authLevel) String() string {
	switch a {
	case authManager:
		return "manager"
	case authAdmin:
		return "admin"
	default:
		return "none"
	}
}

const managePermissions = discordgo.PermissionManageRoles | discordgo.PermissionManageChannels

// hasManagePermissions reports whether the bitfield includes both
// manage roles and manage channels, or administrator
func hasManagePermissions(perms int64) bool {
	if perms&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return perms&managePermissions == managePermissions
}

// authorize determines the invoker's authLevel for the guild. The
// guild record is looked up fresh (or from the invalidated-on-write
// cache), never from per-process permission state.
func authorize(ctx context.Context, inv Invocation, guild Guild) authLevel {
	author := inv.Author()
	if author == nil || inv.GuildID() == "" {
		return authNone
	}
	if guild.OwnerID != "" && guild.OwnerID == author.ID {
		return authAdmin
	}

	perms, err := inv.Permissions(ctx)
	if err != nil {
		inv.Logger().WarnContext(ctx, "error checking permissions", tint.Err(err))
	} else if hasManagePermissions(perms) {
		return authAdmin
	}

	for _, role := range inv.MemberRoles() {
		if slices.Contains(guild.ManagementRoles, role) {
			return authManager
		}
	}
	return authNone
}
