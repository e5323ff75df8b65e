// Package activity decides which promotion candidates have been active
// enough in a chat channel, by paging backwards through its history until
// a cutoff time is passed.
package activity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	// DefaultPageSize is the largest page Discord returns.
	DefaultPageSize = 100
	// DefaultMaxPages bounds retrieval when history never runs out.
	DefaultMaxPages = 50
)

// Message is the part of a chat message the verifier reads.
type Message struct {
	ID        string
	AuthorID  string
	Timestamp time.Time
}

// History fetches one page of channel history, newest first. An empty
// before returns the most recent page.
type History interface {
	FetchPage(ctx context.Context, channelID, before string, limit int) ([]Message, error)
}

// Rule is one activity requirement: at least MinMessages messages in
// ChannelID written after Cutoff.
type Rule struct {
	ChannelID   string
	MinMessages int
	Cutoff      time.Time
}

// Evidence maps member id to the number of qualifying messages seen.
type Evidence map[string]int

// Option configures a Verifier.
type Option func(*Verifier)

// WithPageSize overrides DefaultPageSize. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithMaxPages overrides DefaultMaxPages. Non-positive values are ignored.
func WithMaxPages(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxPages = n
		}
	}
}

// Verifier holds no per-call state; concurrent Verify calls are safe.
type Verifier struct {
	history  History
	pageSize int
	maxPages int
}

func NewVerifier(h History, opts ...Option) *Verifier {
	v := &Verifier{
		history:  h,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the candidates with at least rule.MinMessages messages in
// the channel after rule.Cutoff, in input order, along with the per-member
// counts. A fetch error aborts the whole check.
func (v *Verifier) Verify(ctx context.Context, rule Rule, candidates []tiers.Member) ([]tiers.Member, Evidence, error) {
	if len(candidates) == 0 {
		return nil, Evidence{}, nil
	}

	window, err := v.collect(ctx, rule)
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[string]struct{}, len(candidates))
	for _, m := range candidates {
		wanted[m.ID] = struct{}{}
	}
	evidence := make(Evidence, len(candidates))
	for _, m := range candidates {
		evidence[m.ID] = 0
	}
	for _, msg := range window {
		if !msg.Timestamp.After(rule.Cutoff) {
			continue
		}
		if _, ok := wanted[msg.AuthorID]; ok {
			evidence[msg.AuthorID]++
		}
	}

	var active []tiers.Member
	for _, m := range candidates {
		if evidence[m.ID] >= rule.MinMessages {
			active = append(active, m)
		}
	}

	logger.DebugCF("activity", "Activity check finished", map[string]any{
		"channel_id": rule.ChannelID,
		"cutoff":     rule.Cutoff.Format(time.RFC3339),
		"messages":   len(window),
		"candidates": len(candidates),
		"active":     len(active),
	})
	return active, evidence, nil
}

// collect pages back through the channel until the oldest retrieved
// message is at or before the cutoff, a page comes back empty, or the page
// budget is spent. The result is newest first with duplicates removed.
func (v *Verifier) collect(ctx context.Context, rule Rule) ([]Message, error) {
	var window []Message
	seen := make(map[string]struct{})
	before := ""

	for page := 0; page < v.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := v.history.FetchPage(ctx, rule.ChannelID, before, v.pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch history of channel %s (page %d): %w", rule.ChannelID, page+1, err)
		}
		if len(msgs) == 0 {
			return window, nil
		}

		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			window = append(window, m)
		}
		sort.SliceStable(window, func(i, j int) bool {
			return window[i].Timestamp.After(window[j].Timestamp)
		})

		oldest := window[len(window)-1]
		if !oldest.Timestamp.After(rule.Cutoff) {
			return window, nil
		}
		if oldest.ID == before {
			// The platform handed back nothing older than the cursor.
			return window, nil
		}
		before = oldest.ID
	}

	logger.WarnCF("activity", "History page budget exhausted before cutoff", map[string]any{
		"channel_id": rule.ChannelID,
		"max_pages":  v.maxPages,
		"messages":   len(window),
	})
	return window, nil
}
