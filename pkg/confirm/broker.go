// Package confirm asks the operator to approve a batch of role changes by
// reacting to a prompt, and applies the batch only on approval.
package confirm

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tinyland-inc/gagbot/pkg/bus"
	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/mutator"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

const (
	EmojiReject = "🚫"
	EmojiAccept = "✅"

	// DefaultTimeout is how long a prompt waits for the operator.
	DefaultTimeout = 5 * time.Minute
)

const (
	footerAwaiting  = "***React " + EmojiAccept + " to proceed, or " + EmojiReject + " to cancel.***"
	footerConfirmed = "Changes confirmed and applied"
	footerCancelled = "Changes cancelled"
	footerTimedOut  = "Changes cancelled (timeout)"
)

// Outcome is the terminal state of a proposal.
type Outcome string

const (
	// Skipped means the member list was empty and nothing was posted.
	Skipped   Outcome = "skipped"
	Confirmed Outcome = "confirmed"
	Cancelled Outcome = "cancelled"
	TimedOut  Outcome = "timed_out"
)

// Flavour tells the UI how to color a prompt.
type Flavour int

const (
	FlavourNormal Flavour = iota
	FlavourSuccess
	FlavourError
)

// Prompt is the content of a bot message.
type Prompt struct {
	Title       string
	Description string
	Flavour     Flavour
}

// UI posts and maintains prompt messages.
type UI interface {
	Post(ctx context.Context, channelID string, p Prompt) (string, error)
	Edit(ctx context.Context, channelID, messageID string, p Prompt) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	ClearReactions(ctx context.Context, channelID, messageID string) error
	// Reactors lists the users who reacted to a message with emoji.
	Reactors(ctx context.Context, channelID, messageID, emoji string) ([]string, error)
}

// Proposal is one batch of changes awaiting approval from Initiator.
type Proposal struct {
	ChannelID string
	Initiator string
	Title     string
	Members   []tiers.Member
	Apply     mutator.Action
}

// Result describes how a proposal ended. Report is set only when the
// proposal was confirmed.
type Result struct {
	Outcome   Outcome
	MessageID string
	Report    *mutator.Report
}

// Broker runs proposals. One Broker serves any number of concurrent
// proposals; each has its own prompt and deadline.
type Broker struct {
	ui        UI
	reactions *bus.ReactionBus
	clock     clock.Clock
	timeout   time.Duration
}

// NewBroker returns a Broker waiting timeout for each answer. A
// non-positive timeout selects DefaultTimeout.
func NewBroker(ui UI, reactions *bus.ReactionBus, clk clock.Clock, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < DefaultTimeout {
		logger.WarnCF("confirm", "Confirmation timeout is shorter than the usual five minutes", map[string]any{
			"timeout": timeout.String(),
		})
	}
	return &Broker{ui: ui, reactions: reactions, clock: clk, timeout: timeout}
}

// Timeout is the per-proposal answer window.
func (b *Broker) Timeout() time.Duration { return b.timeout }

// Propose posts p, waits for the initiator to accept or reject it, and on
// acceptance applies p.Apply to every member. Only the first qualifying
// reaction counts. An empty member list posts nothing.
func (b *Broker) Propose(ctx context.Context, p Proposal) (*Result, error) {
	if len(p.Members) == 0 {
		return &Result{Outcome: Skipped}, nil
	}

	messageID, err := b.ui.Post(ctx, p.ChannelID, prompt(p, footerAwaiting, FlavourNormal))
	if err != nil {
		return nil, fmt.Errorf("post confirmation prompt %q: %w", p.Title, err)
	}
	sub, err := b.reactions.Register(messageID)
	if err != nil {
		return nil, fmt.Errorf("await reactions on %s: %w", messageID, err)
	}
	defer sub.Cancel()

	for _, emoji := range []string{EmojiReject, EmojiAccept} {
		if err := b.ui.AddReaction(ctx, p.ChannelID, messageID, emoji); err != nil {
			logger.WarnCF("confirm", "Failed to add reaction to prompt", map[string]any{
				"message_id": messageID,
				"emoji":      emoji,
				"error":      err.Error(),
			})
		}
	}

	outcome := b.answered(ctx, p, messageID)
	if outcome == "" {
		outcome, err = b.await(ctx, sub, p.Initiator)
	}
	sub.Cancel()
	if err != nil {
		b.finish(context.WithoutCancel(ctx), p, messageID, footerCancelled, FlavourError)
		return nil, err
	}

	result := &Result{Outcome: outcome, MessageID: messageID}
	switch outcome {
	case Confirmed:
		b.finish(ctx, p, messageID, footerConfirmed, FlavourSuccess)
		result.Report = mutator.ApplyAll(ctx, p.Members, p.Apply)
	case Cancelled:
		b.finish(ctx, p, messageID, footerCancelled, FlavourError)
	case TimedOut:
		b.finish(ctx, p, messageID, footerTimedOut, FlavourError)
	}

	fields := map[string]any{
		"title":      p.Title,
		"message_id": messageID,
		"outcome":    string(outcome),
		"members":    len(p.Members),
	}
	if result.Report != nil {
		fields["failed"] = len(result.Report.Failed)
	}
	logger.InfoCF("confirm", "Proposal finished", fields)
	return result, nil
}

// answered checks the reactions already on the prompt, which covers an
// initiator who reacted before the subscription existed. Rejection wins
// when both are present.
func (b *Broker) answered(ctx context.Context, p Proposal, messageID string) Outcome {
	for _, emoji := range []string{EmojiReject, EmojiAccept} {
		users, err := b.ui.Reactors(ctx, p.ChannelID, messageID, emoji)
		if err != nil {
			logger.WarnCF("confirm", "Failed to read existing reactions", map[string]any{
				"message_id": messageID,
				"emoji":      emoji,
				"error":      err.Error(),
			})
			continue
		}
		if slices.Contains(users, p.Initiator) {
			if emoji == EmojiReject {
				return Cancelled
			}
			return Confirmed
		}
	}
	return ""
}

func (b *Broker) await(ctx context.Context, sub *bus.Subscription, initiator string) (Outcome, error) {
	deadline := b.clock.After(b.timeout)
	for {
		select {
		case r := <-sub.C:
			if r.UserID != initiator {
				continue
			}
			switch r.Emoji {
			case EmojiAccept:
				return Confirmed, nil
			case EmojiReject:
				return Cancelled, nil
			}
		case <-deadline:
			return TimedOut, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// finish clears the reactions and rewrites the prompt footer. Failures
// are logged; the outcome stands either way.
func (b *Broker) finish(ctx context.Context, p Proposal, messageID, footer string, flavour Flavour) {
	if err := b.ui.ClearReactions(ctx, p.ChannelID, messageID); err != nil {
		logger.WarnCF("confirm", "Failed to clear prompt reactions", map[string]any{
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
	if err := b.ui.Edit(ctx, p.ChannelID, messageID, prompt(p, footer, flavour)); err != nil {
		logger.WarnCF("confirm", "Failed to rewrite prompt", map[string]any{
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
}

func prompt(p Proposal, footer string, flavour Flavour) Prompt {
	return Prompt{
		Title:       p.Title,
		Description: Describe(p.Members, footer),
		Flavour:     flavour,
	}
}

// Describe renders the prompt body for members with the given footer.
func Describe(members []tiers.Member, footer string) string {
	return fmt.Sprintf("This action will affect %d members:\n%s\n%s", len(members), tiers.Members(members), footer)
}
