// Package wikibot implements a Discord bot that serves per-server
// "wiki" help topics as slash commands.
//
// Each guild keeps its own set of topics, identified by a group and a
// key. The bot publishes them to the guild as a single `/wiki` command,
// with one subcommand group per topic group and one subcommand per key,
// and republishes it whenever the guild's topics change.
//
// Key components of the package include:
//
//   - WikiBot: Wires the components below to the Discord gateway and database.
//   - TopicStore and GuildStore: Topic and guild persistence.
//   - CommandSynchronizer: Publishes each guild's `/wiki` command.
//   - TopicDispatcher: Resolves topic requests and sends their content.
//   - FeedbackRelay: Stores `/wiki-feedback` submissions and emails them.
//   - BulkTransfer: CSV export and import of a guild's topics.
//   - ViewCounter: Per-topic view counts, backed by Redis.
//   - API: Backend API for bot management.
//
// The bot supports these commands:
//
//   - /wiki <group> <key>: Sends a topic, optionally as a reply to a user's last message.
//   - /wiki-help: Lists the guild's topics.
//   - /wiki-feedback: Sends feedback to the bot's operators.
//   - /wiki-mgmt: Topic management, for the guild owner and management roles.
//
// Text commands (ex: `!wiki workflow dial` or `!dial`) are also
// supported, when enabled.
package wikibot
