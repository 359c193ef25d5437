package wikibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

// InteractionLog records each handled command, slash or legacy, for
// auditing
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        InvocationKind `json:"method" gorm:"type:string"`
	InteractionID string         `json:"interaction_id" gorm:"not null"`
	Command       string         `json:"command" gorm:"type:string;index"`
	UserID        string         `json:"user_id" gorm:"not null"`
	Username      string         `json:"username" gorm:"type:string"`
	GuildID       string         `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string         `json:"channel_id" gorm:"type:string"`
	Payload       string         `json:"payload" gorm:"type:string"`
	Error         string         `json:"error,omitempty" gorm:"type:string"`
	DurationMS    int64          `json:"duration_ms"`
	CreatedAt     int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(inv Invocation, command string, payload any) *InteractionLog {
	entry := &InteractionLog{
		Method:        inv.Kind(),
		InteractionID: inv.ID(),
		Command:       command,
		GuildID:       inv.GuildID(),
		ChannelID:     inv.ChannelID(),
	}
	if u := inv.Author(); u != nil {
		entry.UserID = u.ID
		entry.Username = u.String()
	}
	if payload != nil {
		if p, err := json.Marshal(payload); err == nil {
			entry.Payload = string(p)
		}
	}
	return entry
}

// finish records the outcome, and stores the entry
func (l *InteractionLog) finish(ctx context.Context, db DBI, started time.Time, err error) error {
	l.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		l.Error = err.Error()
	}
	if _, createErr := db.Create(context.WithoutCancel(ctx), l); createErr != nil {
		return fmt.Errorf("error saving interaction log: %w", createErr)
	}
	return nil
}

// invocationCommand names the command an interaction invoked, including
// its subcommand group and subcommand (ex: `wiki-mgmt roles add`)
func invocationCommand(i *discordgo.InteractionCreate) string {
	if i.Type != discordgo.InteractionApplicationCommand {
		return i.Type.String()
	}
	data := i.ApplicationCommandData()
	name := data.Name
	opts := data.Options
	for len(opts) > 0 {
		opt := opts[0]
		if opt.Type != discordgo.ApplicationCommandOptionSubCommandGroup &&
			opt.Type != discordgo.ApplicationCommandOptionSubCommand {
			break
		}
		name += " " + opt.Name
		opts = opt.Options
	}
	return name
}

// ListInteractionLogs returns a page of interaction logs, newest first
func ListInteractionLogs(
	ctx context.Context,
	db DBI,
	guildID string,
	offset, limit int,
) ([]InteractionLog, int64, error) {
	q := db.DB().WithContext(ctx).Model(&InteractionLog{})
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Join(ErrStorage, err)
	}
	var items []InteractionLog
	if err := q.Session(&gorm.Session{}).Order("id DESC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, errors.Join(ErrStorage, err)
	}
	return items, total, nil
}
