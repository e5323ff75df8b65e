package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a recurring promotion sweep for one guild.
type Schedule struct {
	GuildID    string
	Cron       string
	ChannelID  string
	OperatorID string
	LastRun    time.Time
}

// SetSchedule creates or replaces the sweep of s.GuildID. The last run
// time is kept.
func (s *Store) SetSchedule(ctx context.Context, sched Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_schedule (guild_id, cron, channel_id, operator_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			cron = excluded.cron,
			channel_id = excluded.channel_id,
			operator_id = excluded.operator_id,
			updated_at = excluded.updated_at
	`, sched.GuildID, sched.Cron, sched.ChannelID, sched.OperatorID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	return nil
}

// Schedules lists every sweep ordered by guild id.
func (s *Store) Schedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, cron, channel_id, operator_id, last_run_at
		FROM sweep_schedule
		ORDER BY guild_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sched   Schedule
			lastRun sql.NullInt64
		)
		if err := rows.Scan(&sched.GuildID, &sched.Cron, &sched.ChannelID, &sched.OperatorID, &lastRun); err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		if lastRun.Valid {
			sched.LastRun = time.Unix(lastRun.Int64, 0).UTC()
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DeleteSchedule removes the sweep of guildID. Deleting a missing sweep is
// not an error.
func (s *Store) DeleteSchedule(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sweep_schedule WHERE guild_id = ?`, guildID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// MarkSwept records that the sweep of guildID started at t.
func (s *Store) MarkSwept(ctx context.Context, guildID string, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sweep_schedule SET last_run_at = ? WHERE guild_id = ?
	`, t.Unix(), guildID); err != nil {
		return fmt.Errorf("mark swept: %w", err)
	}
	return nil
}
