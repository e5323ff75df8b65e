package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

// TierConfig returns the stored configuration of guildID, or nil if the
// guild never configured promotions.
func (s *Store) TierConfig(ctx context.Context, guildID string) (*tiers.TierConfig, error) {
	var (
		cfg                                         tiers.TierConfig
		newRole, juniorRole, fullRole               sql.NullString
		newChat, juniorChat                         sql.NullString
		newMin, juniorMin, juniorAge, newMessageAge sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, new_role, junior_role, full_role,
		       new_chat_channel, junior_chat_channel,
		       new_min_messages, junior_min_messages,
		       junior_min_age_days, new_message_max_age_days
		FROM tier_config
		WHERE guild_id = ?
	`, guildID).Scan(
		&cfg.Version, &newRole, &juniorRole, &fullRole,
		&newChat, &juniorChat,
		&newMin, &juniorMin, &juniorAge, &newMessageAge,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tier config: %w", err)
	}

	cfg.NewRole = newRole.String
	cfg.JuniorRole = juniorRole.String
	cfg.FullRole = fullRole.String
	cfg.NewChatChannel = newChat.String
	cfg.JuniorChatChannel = juniorChat.String
	cfg.NewMinMessages = fromNull(newMin)
	cfg.JuniorMinMessages = fromNull(juniorMin)
	cfg.JuniorMinAgeDays = fromNull(juniorAge)
	cfg.NewMessageMaxAgeDays = fromNull(newMessageAge)
	return &cfg, nil
}

// SaveTierConfig replaces the whole configuration of guildID.
func (s *Store) SaveTierConfig(ctx context.Context, guildID string, cfg *tiers.TierConfig) error {
	if err := saveTierConfig(ctx, s.db, guildID, cfg); err != nil {
		return fmt.Errorf("write tier config: %w", err)
	}
	return nil
}

// SaveTierConfigs writes several guild configurations in one transaction.
func (s *Store) SaveTierConfigs(ctx context.Context, configs map[string]*tiers.TierConfig) error {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := saveTierConfig(ctx, tx, id, configs[id]); err != nil {
				return fmt.Errorf("guild %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write tier configs: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTierConfig(ctx context.Context, db execer, guildID string, cfg *tiers.TierConfig) error {
	version := cfg.Version
	if version == 0 {
		version = tiers.ConfigVersion
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tier_config
		(guild_id, version, new_role, junior_role, full_role,
		 new_chat_channel, junior_chat_channel,
		 new_min_messages, junior_min_messages,
		 junior_min_age_days, new_message_max_age_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			version = excluded.version,
			new_role = excluded.new_role,
			junior_role = excluded.junior_role,
			full_role = excluded.full_role,
			new_chat_channel = excluded.new_chat_channel,
			junior_chat_channel = excluded.junior_chat_channel,
			new_min_messages = excluded.new_min_messages,
			junior_min_messages = excluded.junior_min_messages,
			junior_min_age_days = excluded.junior_min_age_days,
			new_message_max_age_days = excluded.new_message_max_age_days,
			updated_at = excluded.updated_at
	`,
		guildID, version,
		nullString(cfg.NewRole), nullString(cfg.JuniorRole), nullString(cfg.FullRole),
		nullString(cfg.NewChatChannel), nullString(cfg.JuniorChatChannel),
		toNull(cfg.NewMinMessages), toNull(cfg.JuniorMinMessages),
		toNull(cfg.JuniorMinAgeDays), toNull(cfg.NewMessageMaxAgeDays),
		time.Now().Unix(),
	)
	return err
}

// SetNewRole sets the role greeted members receive.
func (s *Store) SetNewRole(ctx context.Context, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_config (guild_id, version, new_role, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			new_role = excluded.new_role,
			updated_at = excluded.updated_at
	`, guildID, tiers.ConfigVersion, roleID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set new role: %w", err)
	}
	return nil
}

// SetRoles sets the junior and full member roles.
func (s *Store) SetRoles(ctx context.Context, guildID, juniorRoleID, fullRoleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_config (guild_id, version, junior_role, full_role, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			junior_role = excluded.junior_role,
			full_role = excluded.full_role,
			updated_at = excluded.updated_at
	`, guildID, tiers.ConfigVersion, juniorRoleID, fullRoleID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set promotion roles: %w", err)
	}
	return nil
}

// Rules are the channel and threshold settings written by SetRules.
type Rules struct {
	NewChatChannel       string
	JuniorChatChannel    string
	NewMinMessages       int
	JuniorMinMessages    int
	JuniorMinAgeDays     int
	NewMessageMaxAgeDays int
}

// SetRules sets the scan channels and thresholds.
func (s *Store) SetRules(ctx context.Context, guildID string, r Rules) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_config
		(guild_id, version, new_chat_channel, junior_chat_channel,
		 new_min_messages, junior_min_messages,
		 junior_min_age_days, new_message_max_age_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			new_chat_channel = excluded.new_chat_channel,
			junior_chat_channel = excluded.junior_chat_channel,
			new_min_messages = excluded.new_min_messages,
			junior_min_messages = excluded.junior_min_messages,
			junior_min_age_days = excluded.junior_min_age_days,
			new_message_max_age_days = excluded.new_message_max_age_days,
			updated_at = excluded.updated_at
	`,
		guildID, tiers.ConfigVersion, r.NewChatChannel, r.JuniorChatChannel,
		r.NewMinMessages, r.JuniorMinMessages,
		r.JuniorMinAgeDays, r.NewMessageMaxAgeDays,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set promotion rules: %w", err)
	}
	return nil
}

// Guilds lists every guild with stored configuration.
func (s *Store) Guilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM tier_config ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list guilds: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNull(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	return tiers.Int(int(n.Int64))
}
