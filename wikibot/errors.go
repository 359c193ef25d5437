package wikibot

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrStorage wraps failures of the backing database
	ErrStorage = errors.New("storage error")

	// ErrPermissionDenied is returned when Discord rejects a request
	// because the bot lacks access or permissions in a guild
	ErrPermissionDenied = errors.New("permission denied")

	// ErrQuotaExceeded is returned when a guild's command tree would
	// exceed Discord's limits
	ErrQuotaExceeded = errors.New("command quota exceeded")

	// ErrTransport wraps failures talking to something outside the
	// bot: Discord responses and replies, attachment downloads, and
	// email delivery
	ErrTransport = errors.New("transport error")

	// ErrGuildDisabled is returned when publishing to a disabled guild
	ErrGuildDisabled = errors.New("guild disabled")

	// ErrNoAttachment is returned by a bulk import when no CSV attachment
	// was found in recent messages
	ErrNoAttachment = errors.New("no csv attachment found")

	// ErrInvalidTopic is returned when a topic's group, key, description
	// or content fails validation
	ErrInvalidTopic = errors.New("invalid topic")
)

// Discord JSON error codes, see:
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#json
const (
	discordCodeMissingAccess          = 50001
	discordCodeMissingPermissions     = 50013
	discordCodeMaxApplicationCommands = 30032
	discordCodeInvalidFormBody        = 50035
	discordCodeUnknownGuild           = 10004
)

// quota-related fragments of a 50035 (invalid form body) response
var discordQuotaErrorFragments = []string{
	"must be 25 or fewer",
	"exceeds maximum size",
	"max_length",
	"too many",
}

// classifyDiscordError wraps err with ErrPermissionDenied or
// ErrQuotaExceeded when it's a Discord REST error of that kind.
// Other errors are returned unchanged.
func classifyDiscordError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}

	var code int
	if restErr.Message != nil {
		code = restErr.Message.Code
	}

	switch code {
	case discordCodeMissingAccess, discordCodeMissingPermissions, discordCodeUnknownGuild:
		return errors.Join(ErrPermissionDenied, err)
	case discordCodeMaxApplicationCommands:
		return errors.Join(ErrQuotaExceeded, err)
	case discordCodeInvalidFormBody:
		body := strings.ToLower(string(restErr.ResponseBody))
		for _, fragment := range discordQuotaErrorFragments {
			if strings.Contains(body, fragment) {
				return errors.Join(ErrQuotaExceeded, err)
			}
		}
		return err
	}

	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return errors.Join(ErrPermissionDenied, err)
	}
	return err
}
