package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

// LegacyOptions controls import of exported legacy guild documents.
type LegacyOptions struct {
	InputPath string    // JSON array export of the guilds collection
	DryRun    bool      // print the result instead of writing it
	Out       io.Writer // dry-run output (default: stdout)
}

// LegacyResult summarizes the import.
type LegacyResult struct {
	Guilds   int
	Migrated []string
	Warnings []string
}

// Target receives the converted configurations.
type Target interface {
	SaveTierConfigs(ctx context.Context, configs map[string]*tiers.TierConfig) error
}

// legacyGuild is one document of the old guilds collection. Only the
// fields feeding TierConfig are read.
type legacyGuild struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
	Data struct {
		Greet *struct {
			Role flexString `json:"role"`
		} `json:"greet"`
		PromoteRoles *struct {
			JuniorRole flexString `json:"junior_role"`
			FullRole   flexString `json:"full_role"`
		} `json:"promoteroles"`
		PromoteRules *struct {
			NewChatChannel        flexString `json:"new_chat_channel"`
			JuniorChatChannel     flexString `json:"junior_chat_channel"`
			NewChatMinMessages    *flexInt   `json:"new_chat_min_messages"`
			JuniorChatMinMessages *flexInt   `json:"junior_chat_min_messages"`
			JuniorMinAge          *flexInt   `json:"junior_min_age"`
			NewMessageMaxAge      *flexInt   `json:"new_message_max_age"`
		} `json:"promoterules"`
	} `json:"data"`
}

// RunLegacy converts legacy guild documents into TierConfigs and writes
// them to target in one batch. Documents missing settings are still
// imported; each gap is reported as a warning.
func RunLegacy(ctx context.Context, opts LegacyOptions, target Target) (*LegacyResult, error) {
	raw, err := os.ReadFile(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("reading legacy export: %w", err)
	}

	var docs []legacyGuild
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parsing legacy export: %w", err)
	}

	result := &LegacyResult{Guilds: len(docs)}
	configs := make(map[string]*tiers.TierConfig, len(docs))
	for i, doc := range docs {
		id := string(doc.ID)
		if id == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("document %d has no guild id, skipped", i))
			continue
		}
		cfg := convertGuild(doc)
		if err := cfg.Validate(); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("guild %s (%s): %v", id, doc.Name, err))
		}
		configs[id] = cfg
		result.Migrated = append(result.Migrated, id)
	}
	sort.Strings(result.Migrated)

	if opts.DryRun {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		return result, printConfigs(out, configs)
	}

	if err := target.SaveTierConfigs(ctx, configs); err != nil {
		return nil, fmt.Errorf("writing tier configs: %w", err)
	}
	logger.InfoCF("migrate", "Imported legacy guild settings", map[string]any{
		"guilds":   len(result.Migrated),
		"warnings": len(result.Warnings),
	})
	return result, nil
}

func convertGuild(doc legacyGuild) *tiers.TierConfig {
	cfg := &tiers.TierConfig{Version: tiers.ConfigVersion}
	d := doc.Data
	if d.Greet != nil {
		cfg.NewRole = string(d.Greet.Role)
	}
	if d.PromoteRoles != nil {
		cfg.JuniorRole = string(d.PromoteRoles.JuniorRole)
		cfg.FullRole = string(d.PromoteRoles.FullRole)
	}
	if r := d.PromoteRules; r != nil {
		cfg.NewChatChannel = string(r.NewChatChannel)
		cfg.JuniorChatChannel = string(r.JuniorChatChannel)
		cfg.NewMinMessages = r.NewChatMinMessages.ptr()
		cfg.JuniorMinMessages = r.JuniorChatMinMessages.ptr()
		cfg.JuniorMinAgeDays = r.JuniorMinAge.ptr()
		cfg.NewMessageMaxAgeDays = r.NewMessageMaxAge.ptr()
	}
	return cfg
}

func printConfigs(w io.Writer, configs map[string]*tiers.TierConfig) error {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ordered := make([]struct {
		GuildID string            `json:"guild_id"`
		Config  *tiers.TierConfig `json:"config"`
	}, len(ids))
	for i, id := range ids {
		ordered[i].GuildID = id
		ordered[i].Config = configs[id]
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ordered)
}

// flexString accepts a JSON string or number. Older documents stored
// snowflake ids as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a JSON number, a numeric string, or a Mongo extended
// JSON wrapper such as {"$numberInt": "5"}.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch val := v.(type) {
	case json.Number:
		return f.parse(val.String())
	case string:
		return f.parse(val)
	case map[string]any:
		for _, key := range []string{"$numberInt", "$numberLong", "$numberDouble"} {
			if s, ok := val[key].(string); ok {
				return f.parse(s)
			}
		}
	}
	return fmt.Errorf("cannot read %s as a number", string(data))
}

func (f *flexInt) parse(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*f = flexInt(n)
		return nil
	}
	fl, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("cannot read %q as a number", s)
	}
	*f = flexInt(int(fl))
	return nil
}

func (f *flexInt) ptr() *int {
	if f == nil {
		return nil
	}
	return tiers.Int(int(*f))
}
