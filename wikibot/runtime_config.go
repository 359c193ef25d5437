package wikibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

const (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"

	DefaultDiscordCustomStatus = "Type /wiki-help"
	DefaultDiscordErrorMessage = "Something went wrong, please try again later or let us know with /wiki-feedback."
)

// RuntimeConfig holds settings that can be changed while the bot is
// running (via the API), and persist across restarts. There's a
// single row.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// DiscordCustomStatus is shown as the bot's status
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	// DiscordErrorMessage is sent when a command fails unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"required,max=2000"`

	// LegacyCommandsEnabled toggles `!wiki` and `!alias` text commands.
	// They're also only handled when enabled in the static config.
	LegacyCommandsEnabled bool `json:"legacy_commands_enabled" gorm:"not null;default:true"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword is the argon2 hash of the API admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:WARN;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		DiscordErrorMessage:   DefaultDiscordErrorMessage,
		LegacyCommandsEnabled: true,
		LogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:       DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:     DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:      DBLogLevel(slog.LevelWarn.String()),
		APILogLevel:           DBLogLevel(slog.LevelInfo.String()),
	}
}

// loadRuntimeConfig returns the stored RuntimeConfig, creating it
// with defaults if it doesn't exist
func loadRuntimeConfig(ctx context.Context, db DBI) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	rv := db.DB().WithContext(ctx).Last(&cfg)
	if rv.Error == nil {
		return cfg, nil
	}
	if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("error loading runtime config: %w", rv.Error)
	}
	cfg = DefaultRuntimeConfig()
	if _, err := db.Create(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("error creating runtime config: %w", err)
	}
	return cfg, nil
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil
// fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage   *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	LegacyCommandsEnabled *bool   `json:"legacy_commands_enabled,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the non-nil fields as a column/value map for
// gorm's Updates
func (u RuntimeConfigUpdate) columns() map[string]any {
	m := map[string]any{}
	if u.DiscordCustomStatus != nil {
		m["discord_custom_status"] = *u.DiscordCustomStatus
	}
	if u.DiscordErrorMessage != nil {
		m["discord_error_message"] = *u.DiscordErrorMessage
	}
	if u.LegacyCommandsEnabled != nil {
		m["legacy_commands_enabled"] = *u.LegacyCommandsEnabled
	}
	if u.LogLevel != nil {
		m["log_level"] = *u.LogLevel
	}
	if u.DiscordLogLevel != nil {
		m["discord_log_level"] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		m["discordgo_log_level"] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		m["database_log_level"] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		m["api_log_level"] = *u.APILogLevel
	}
	return m
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	return discordgo.GatewayStatusUpdate{
		Game: discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		},
		Status: string(discordgo.StatusOnline),
	}
}
