package tiers

import (
	"strconv"
	"strings"
	"time"
)

// ConfigVersion is the TierConfig schema version written by this build.
const ConfigVersion = 1

// TierConfig is the per-guild promotion configuration. Threshold fields are
// pointers so that an unset value is distinguishable from zero.
type TierConfig struct {
	Version int `json:"version"`

	NewRole    string `json:"new_role"`
	JuniorRole string `json:"junior_role"`
	FullRole   string `json:"full_role"`

	NewChatChannel    string `json:"new_chat_channel"`
	JuniorChatChannel string `json:"junior_chat_channel"`

	NewMinMessages       *int `json:"new_min_messages"`
	JuniorMinMessages    *int `json:"junior_min_messages"`
	JuniorMinAgeDays     *int `json:"junior_min_age_days"`
	NewMessageMaxAgeDays *int `json:"new_message_max_age_days"`
}

// Int returns a pointer to n, for building TierConfig thresholds.
func Int(n int) *int {
	return &n
}

// Rules are the numeric thresholds of a validated TierConfig.
type Rules struct {
	NewMinMessages       int
	JuniorMinMessages    int
	JuniorMinAgeDays     int
	NewMessageMaxAgeDays int
}

// Rules returns the thresholds with unset values read as zero. Call
// Validate first.
func (c *TierConfig) Rules() Rules {
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	return Rules{
		NewMinMessages:       deref(c.NewMinMessages),
		JuniorMinMessages:    deref(c.JuniorMinMessages),
		JuniorMinAgeDays:     deref(c.JuniorMinAgeDays),
		NewMessageMaxAgeDays: deref(c.NewMessageMaxAgeDays),
	}
}

// RoleFor returns the role id configured for t.
func (c *TierConfig) RoleFor(t Tier) string {
	switch t {
	case TierNew:
		return c.NewRole
	case TierJunior:
		return c.JuniorRole
	case TierFull:
		return c.FullRole
	}
	return ""
}

// JuniorMinAge is the junior tenure threshold as a duration.
func (r Rules) JuniorMinAge() time.Duration {
	return time.Duration(r.JuniorMinAgeDays) * 24 * time.Hour
}

// NewMessageMaxAge bounds how far back the new-member chat is scanned.
func (r Rules) NewMessageMaxAge() time.Duration {
	return time.Duration(r.NewMessageMaxAgeDays) * 24 * time.Hour
}

// ConfigProblem is one reason a TierConfig cannot be used.
type ConfigProblem struct {
	Field   string
	Kind    string // "role", "channel", "number" or "duplicate"
	Message string
}

// ConfigError collects every problem found by Validate.
type ConfigError struct {
	Problems []ConfigProblem
}

func (e *ConfigError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Message
	}
	return "tier config invalid: " + strings.Join(msgs, "; ")
}

// Validate reports every missing field, negative threshold and pair of
// equal tier roles. It returns nil or a *ConfigError.
func (c *TierConfig) Validate() error {
	var problems []ConfigProblem

	if c.Version > ConfigVersion {
		problems = append(problems, ConfigProblem{
			Field:   "version",
			Kind:    "version",
			Message: "config version " + strconv.Itoa(c.Version) + " is newer than this bot supports",
		})
	}

	missing := func(value, field, name, kind string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, ConfigProblem{
				Field:   field,
				Kind:    kind,
				Message: kind + " " + name + " not configured",
			})
		}
	}
	number := func(value *int, field, name string) {
		switch {
		case value == nil:
			problems = append(problems, ConfigProblem{
				Field:   field,
				Kind:    "number",
				Message: "number " + name + " not configured",
			})
		case *value < 0:
			problems = append(problems, ConfigProblem{
				Field:   field,
				Kind:    "number",
				Message: "number " + name + " must not be negative",
			})
		}
	}

	missing(c.NewRole, "new_role", "new member", "role")
	missing(c.JuniorRole, "junior_role", "junior member", "role")
	missing(c.FullRole, "full_role", "full member", "role")
	missing(c.JuniorChatChannel, "junior_chat_channel", "junior chat channel", "channel")
	missing(c.NewChatChannel, "new_chat_channel", "new chat channel", "channel")
	number(c.NewMinMessages, "new_min_messages", "new min messages")
	number(c.JuniorMinMessages, "junior_min_messages", "junior min messages")
	number(c.JuniorMinAgeDays, "junior_min_age_days", "junior min age")
	number(c.NewMessageMaxAgeDays, "new_message_max_age_days", "new message max age")

	same := func(a, b, field, message string) {
		if a != "" && a == b {
			problems = append(problems, ConfigProblem{Field: field, Kind: "duplicate", Message: message})
		}
	}
	same(c.NewRole, c.JuniorRole, "new_role,junior_role", "New and Junior roles are THE SAME")
	same(c.NewRole, c.FullRole, "new_role,full_role", "New and Full roles are THE SAME")
	same(c.JuniorRole, c.FullRole, "junior_role,full_role", "Junior and Full roles are THE SAME")

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
