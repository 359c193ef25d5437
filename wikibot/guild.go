package wikibot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"gorm.io/gorm"
)

const (
	columnGuildDisabled        = "disabled"
	columnGuildDisabledReason  = "disabled_reason"
	columnGuildDisabledAt      = "disabled_at"
	columnGuildName            = "name"
	columnGuildOwnerID         = "owner_id"
	columnGuildManagementRoles = "management_roles"

	GuildDisabledReasonRemoved    = "removed"
	GuildDisabledReasonPermission = "missing_permission"
)

// Guild is a Discord server the bot has been added to. Guilds are
// never deleted - when the bot is removed, or loses permission to
// register commands, the guild is marked disabled instead.
type Guild struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`

	Disabled       bool   `json:"disabled" gorm:"not null;default:false"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	DisabledAt     int64  `json:"disabled_at,omitempty"`

	// ManagementRoles are role IDs whose members may manage topics
	ManagementRoles RoleIDs `json:"management_roles"`
}

func (g Guild) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", g.ID),
		slog.String("name", g.Name),
		slog.Bool("disabled", g.Disabled),
	)
}

// RoleIDs is a list of role IDs, stored as a JSON array
type RoleIDs []string

func (r *RoleIDs) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*r = RoleIDs{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for RoleIDs: %T", value)
	}
	if len(data) == 0 {
		*r = RoleIDs{}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*r = ids
	return nil
}

func (r RoleIDs) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(r))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (RoleIDs) GormDataType() string {
	return "string"
}

// GuildInfo is what's observed about a guild from a Discord event
type GuildInfo struct {
	ID       string
	Name     string
	OwnerID  string
	JoinedAt time.Time
}

type cachedGuild struct {
	guild    Guild
	loadedAt time.Time
}

// GuildStore reads and writes Guild records. Reads are cached for up
// to ttl. Every write drops the cached entry, and announces the change
// to other instances through the notifier.
type GuildStore struct {
	db       DBI
	logger   *slog.Logger
	ttl      time.Duration
	notifier DBNotifier

	mu    sync.Mutex
	cache map[string]cachedGuild
	now   func() time.Time
}

func NewGuildStore(db DBI, ttl time.Duration, logger *slog.Logger) *GuildStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildStore{
		db:     db,
		ttl:    ttl,
		logger: logger.With(loggerNameKey, "guild_store"),
		cache:  map[string]cachedGuild{},
		now:    time.Now,
	}
}

// Invalidate drops the cached record for the given guild
func (s *GuildStore) Invalidate(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, guildID)
}

func (s *GuildStore) written(ctx context.Context, guild Guild) {
	s.mu.Lock()
	s.cache[guild.ID] = cachedGuild{guild: guild, loadedAt: s.now()}
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.GuildUpdated(ctx, guild.ID)
	}
}

func (s *GuildStore) cached(guildID string) (Guild, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[guildID]
	if !ok {
		return Guild{}, false
	}
	if s.ttl > 0 && s.now().Sub(c.loadedAt) > s.ttl {
		delete(s.cache, guildID)
		return Guild{}, false
	}
	return c.guild, true
}

// Get returns the guild with the given ID. found is false if there's
// no such guild.
func (s *GuildStore) Get(ctx context.Context, guildID string) (guild Guild, found bool, err error) {
	if g, ok := s.cached(guildID); ok {
		return g, true, nil
	}
	rv := s.db.DB().WithContext(ctx).Where("id = ?", guildID).Limit(1).Find(&guild)
	if rv.Error != nil {
		return guild, false, fmt.Errorf("%w: %w", ErrStorage, rv.Error)
	}
	if rv.RowsAffected == 0 {
		return guild, false, nil
	}
	s.mu.Lock()
	s.cache[guildID] = cachedGuild{guild: guild, loadedAt: s.now()}
	s.mu.Unlock()
	return guild, true, nil
}

// GetOrCreate returns the guild with the given ID, creating a record
// for it if this is the first time it's been seen
func (s *GuildStore) GetOrCreate(ctx context.Context, guildID string) (Guild, error) {
	guild, found, err := s.Get(ctx, guildID)
	if err != nil || found {
		return guild, err
	}
	guild, _, _, err = s.Ensure(ctx, GuildInfo{ID: guildID})
	return guild, err
}

// Ensure creates the guild if it doesn't exist, or updates its name
// and owner if they've changed. A disabled guild is re-enabled when
// info.JoinedAt is after the time it was disabled, meaning the bot was
// added to the guild again.
func (s *GuildStore) Ensure(ctx context.Context, info GuildInfo) (
	guild Guild,
	created bool,
	reenabled bool,
	err error,
) {
	if info.ID == "" {
		return guild, false, false, errors.New("guild ID required")
	}

	ensure := func(tx *gorm.DB) error {
		created, reenabled = false, false
		rv := tx.Where("id = ?", info.ID).Limit(1).Find(&guild)
		if rv.Error != nil {
			return rv.Error
		}
		if rv.RowsAffected == 0 {
			guild = Guild{
				ID:              info.ID,
				Name:            info.Name,
				OwnerID:         info.OwnerID,
				ManagementRoles: RoleIDs{},
			}
			created = true
			return tx.Create(&guild).Error
		}

		updates := map[string]any{}
		if info.Name != "" && info.Name != guild.Name {
			updates[columnGuildName] = info.Name
			guild.Name = info.Name
		}
		if info.OwnerID != "" && info.OwnerID != guild.OwnerID {
			updates[columnGuildOwnerID] = info.OwnerID
			guild.OwnerID = info.OwnerID
		}
		if guild.Disabled && !info.JoinedAt.IsZero() &&
			info.JoinedAt.UnixMilli() > guild.DisabledAt {
			updates[columnGuildDisabled] = false
			updates[columnGuildDisabledReason] = ""
			updates[columnGuildDisabledAt] = int64(0)
			guild.Disabled = false
			guild.DisabledReason = ""
			guild.DisabledAt = 0
			reenabled = true
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&guild).Updates(updates).Error
	}

	// a concurrent create for the same guild fails on the primary key,
	// and the second attempt finds the new row
	for attempt := 0; attempt < 2; attempt++ {
		err = s.db.Transaction(ctx, ensure)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		s.Invalidate(info.ID)
		return guild, false, false, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.written(ctx, guild)
	if created {
		s.logger.InfoContext(ctx, "new guild", "guild", guild)
	}
	if reenabled {
		s.logger.InfoContext(ctx, "guild re-enabled after rejoining", "guild", guild)
	}
	return guild, created, reenabled, nil
}

// Disable marks the guild disabled, so its commands are no longer
// published. It's a no-op for guilds that are already disabled.
func (s *GuildStore) Disable(ctx context.Context, guildID string, reason string) error {
	guild, err := s.GetOrCreate(ctx, guildID)
	if err != nil {
		return err
	}
	if guild.Disabled {
		return nil
	}
	disabledAt := s.now().UTC().UnixMilli()
	if _, err = s.db.Updates(
		ctx,
		&guild,
		map[string]any{
			columnGuildDisabled:       true,
			columnGuildDisabledReason: reason,
			columnGuildDisabledAt:     disabledAt,
		},
	); err != nil {
		s.Invalidate(guildID)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	guild.Disabled = true
	guild.DisabledReason = reason
	guild.DisabledAt = disabledAt
	s.written(ctx, guild)
	s.logger.WarnContext(ctx, "guild disabled", "guild", guild, "reason", reason)
	return nil
}

// Enable clears the disabled flag. Returns true if the guild was
// previously disabled.
func (s *GuildStore) Enable(ctx context.Context, guildID string) (bool, error) {
	guild, err := s.GetOrCreate(ctx, guildID)
	if err != nil {
		return false, err
	}
	if !guild.Disabled {
		return false, nil
	}
	if _, err = s.db.Updates(
		ctx,
		&guild,
		map[string]any{
			columnGuildDisabled:       false,
			columnGuildDisabledReason: "",
			columnGuildDisabledAt:     int64(0),
		},
	); err != nil {
		s.Invalidate(guildID)
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	guild.Disabled = false
	guild.DisabledReason = ""
	guild.DisabledAt = 0
	s.written(ctx, guild)
	s.logger.InfoContext(ctx, "guild enabled", "guild", guild)
	return true, nil
}

// AddManagementRole adds roleID to the guild's management roles.
// Returns false if the role was already present.
func (s *GuildStore) AddManagementRole(
	ctx context.Context,
	guildID string,
	roleID string,
) (Guild, bool, error) {
	return s.updateManagementRoles(
		ctx, guildID, func(roles RoleIDs) (RoleIDs, bool) {
			if slices.Contains(roles, roleID) {
				return roles, false
			}
			return append(roles, roleID), true
		},
	)
}

// RemoveManagementRole removes roleID from the guild's management
// roles. Returns false if the role wasn't present.
func (s *GuildStore) RemoveManagementRole(
	ctx context.Context,
	guildID string,
	roleID string,
) (Guild, bool, error) {
	return s.updateManagementRoles(
		ctx, guildID, func(roles RoleIDs) (RoleIDs, bool) {
			idx := slices.Index(roles, roleID)
			if idx < 0 {
				return roles, false
			}
			return slices.Delete(roles, idx, idx+1), true
		},
	)
}

func (s *GuildStore) updateManagementRoles(
	ctx context.Context,
	guildID string,
	update func(roles RoleIDs) (RoleIDs, bool),
) (guild Guild, changed bool, err error) {
	if _, err = s.GetOrCreate(ctx, guildID); err != nil {
		return guild, false, err
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where("id = ?", guildID).First(&guild).Error; e != nil {
				return e
			}
			roles := slices.Clone(guild.ManagementRoles)
			roles, changed = update(roles)
			if !changed {
				return nil
			}
			guild.ManagementRoles = roles
			return tx.Model(&guild).Update(columnGuildManagementRoles, roles).Error
		},
	)
	if err != nil {
		s.Invalidate(guildID)
		return guild, false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if changed {
		s.written(ctx, guild)
	}
	return guild, changed, nil
}

// ListEnabled returns all guilds which aren't disabled
func (s *GuildStore) ListEnabled(ctx context.Context) ([]Guild, error) {
	var guilds []Guild
	if err := s.db.DB().WithContext(ctx).Where(
		"disabled = ?",
		false,
	).Order("id").Find(&guilds).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return guilds, nil
}

// List returns a page of all guilds, and the total count
func (s *GuildStore) List(ctx context.Context, offset, limit int) ([]Guild, int64, error) {
	var total int64
	db := s.db.DB().WithContext(ctx)
	if err := db.Model(&Guild{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	var guilds []Guild
	if err := db.Order("id").Offset(offset).Limit(limit).Find(&guilds).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return guilds, total, nil
}
