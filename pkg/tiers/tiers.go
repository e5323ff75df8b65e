// Package tiers models the three participation tiers (new, junior, full),
// the per-guild configuration that maps them to roles and channels, and
// the scan that sorts a roster into promotion and cleanup buckets.
package tiers

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tier is one of the three ordered membership levels.
type Tier string

const (
	TierNew    Tier = "new"
	TierJunior Tier = "junior"
	TierFull   Tier = "full"
)

// Member is a read-only snapshot of a guild member.
//
// Roles holds every role the member has, including the guild's default
// role, so its length matches what members see in the client.
type Member struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time
	Roles       []string
	Bot         bool
}

func (m Member) HasRole(roleID string) bool {
	return roleID != "" && slices.Contains(m.Roles, roleID)
}

// Mention renders the member as a Discord user mention.
func (m Member) Mention() string {
	return "<@" + m.ID + ">"
}

func (m Member) String() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// Role is a resolved guild role.
type Role struct {
	ID   string
	Name string
}

// Mention renders the role as "@name" for prompt titles.
func (r Role) Mention() string {
	return "@" + r.Name
}

// Channel is a resolved guild channel.
type Channel struct {
	ID   string
	Name string
	Text bool
}

// Members renders a member list for a prompt body, one mention per line.
func Members(list []Member) string {
	var b strings.Builder
	for i, m := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s (%s)", m.Mention(), m)
	}
	return b.String()
}
