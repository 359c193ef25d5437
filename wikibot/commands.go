package wikibot

import (
	"github.com/bwmarrin/discordgo"
)

const (
	commandMgmt     = "wiki-mgmt"
	commandFeedback = "wiki-feedback"
	commandHelp     = "wiki-help"

	subcommandUpsert    = "upsert"
	subcommandDelete    = "delete"
	subcommandAnalytics = "analytics"
	subcommandSync      = "sync"
	subcommandGroupRole = "roles"
	subcommandRoleAdd   = "add"
	subcommandRoleDel   = "remove"
	subcommandRoleList  = "list"
	subcommandGroupBulk = "bulk"
	subcommandBulkHelp  = "help"
	subcommandBulkExp   = "export"
	subcommandBulkImp   = "import"

	optionGroup       = "group"
	optionKey         = "key"
	optionDescription = "description"
	optionContent     = "content"
	optionAlias       = "alias"
	optionRole        = "role"
	optionMessage     = "message"
	optionFile        = "file"
)

func minLength(n int) *int {
	return &n
}

// staticCommands are registered once for the application, as opposed
// to the per-guild `/wiki` command
func staticCommands() []*discordgo.ApplicationCommand {
	var dmPermission bool

	groupOpt := func() *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionGroup,
			Description: "topic group (ex: workflow)",
			Required:    true,
			MinLength:   minLength(1),
			MaxLength:   32,
		}
	}
	keyOpt := func() *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionKey,
			Description: "topic key (ex: dial)",
			Required:    true,
			MinLength:   minLength(1),
			MaxLength:   32,
		}
	}
	roleOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionRole,
		Name:        optionRole,
		Description: "role allowed to manage topics",
		Required:    true,
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         commandMgmt,
			Description:  "Manage wiki topics",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandUpsert,
					Description: "Add or update a topic",
					Options: []*discordgo.ApplicationCommandOption{
						groupOpt(),
						keyOpt(),
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionDescription,
							Description: "shown in the command picker",
							Required:    true,
							MinLength:   minLength(1),
							MaxLength:   topicMaxDescriptionLength,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionContent,
							Description: "message sent when the topic is requested",
							Required:    true,
							MinLength:   minLength(1),
							MaxLength:   discordMaxMessageLength,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionAlias,
							Description: "single word for the legacy !alias command",
							MaxLength:   32,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandDelete,
					Description: "Delete a topic",
					Options:     []*discordgo.ApplicationCommandOption{groupOpt(), keyOpt()},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandAnalytics,
					Description: "Show the most viewed topics",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandSync,
					Description: "Re-publish this server's /wiki command",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        subcommandGroupRole,
					Description: "Roles allowed to manage topics",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandRoleAdd,
							Description: "Allow a role to manage topics",
							Options:     []*discordgo.ApplicationCommandOption{roleOpt},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandRoleDel,
							Description: "Stop a role from managing topics",
							Options:     []*discordgo.ApplicationCommandOption{roleOpt},
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandRoleList,
							Description: "List roles allowed to manage topics",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        subcommandGroupBulk,
					Description: "Import or export topics as CSV",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandBulkHelp,
							Description: "Explain the CSV format",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandBulkExp,
							Description: "Export all topics as CSV",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        subcommandBulkImp,
							Description: "Import topics from a CSV file",
							Options: []*discordgo.ApplicationCommandOption{
								{
									Type:        discordgo.ApplicationCommandOptionAttachment,
									Name:        optionFile,
									Description: "CSV file (defaults to your most recent upload here)",
								},
							},
						},
					},
				},
			},
		},
		{
			Name:         commandFeedback,
			Description:  "Send feedback to the bot's operators",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionMessage,
					Description: "your feedback",
					Required:    true,
					MinLength:   minLength(1),
					MaxLength:   feedbackMaxLength,
				},
			},
		},
		{
			Name:         commandHelp,
			Description:  "List this server's wiki topics",
			DMPermission: &dmPermission,
		},
	}
}
