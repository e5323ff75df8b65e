// Package mutator applies tier role changes to guild members, one member
// at a time and without letting one failure stop the rest of a batch.
package mutator

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

// RoleMutator is the platform call that grants or revokes one role.
type RoleMutator interface {
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// Action changes the roles of a single member.
type Action func(ctx context.Context, m tiers.Member) error

// Mutator builds Actions bound to one guild.
type Mutator struct {
	roles   RoleMutator
	guildID string
}

func New(roles RoleMutator, guildID string) *Mutator {
	return &Mutator{roles: roles, guildID: guildID}
}

// Remove revokes role.
func (mu *Mutator) Remove(role tiers.Role) Action {
	return func(ctx context.Context, m tiers.Member) error {
		logger.InfoCF("mutator", "Removing role", mu.fields(m, role, nil))
		if err := mu.roles.RemoveRole(ctx, mu.guildID, m.ID, role.ID); err != nil {
			logger.ErrorCF("mutator", "Failed to remove role", mu.fields(m, role, err))
			return fmt.Errorf("remove @%s from %s: %w", role.Name, m.ID, err)
		}
		return nil
	}
}

// Swap grants add and then revokes remove. The revoke is attempted only
// after the grant succeeded, so a failure never leaves the member with
// neither role.
func (mu *Mutator) Swap(remove, add tiers.Role) Action {
	return func(ctx context.Context, m tiers.Member) error {
		logger.InfoCF("mutator", "Swapping role", map[string]any{
			"guild_id":    mu.guildID,
			"member_id":   m.ID,
			"member":      m.DisplayName,
			"remove_role": remove.ID,
			"add_role":    add.ID,
		})
		if err := mu.roles.AddRole(ctx, mu.guildID, m.ID, add.ID); err != nil {
			logger.ErrorCF("mutator", "Failed to add role, keeping previous role", mu.fields(m, add, err))
			return fmt.Errorf("add @%s to %s: %w", add.Name, m.ID, err)
		}
		if err := mu.roles.RemoveRole(ctx, mu.guildID, m.ID, remove.ID); err != nil {
			logger.ErrorCF("mutator", "Failed to remove role after add", mu.fields(m, remove, err))
			return fmt.Errorf("remove @%s from %s: %w", remove.Name, m.ID, err)
		}
		return nil
	}
}

func (mu *Mutator) fields(m tiers.Member, role tiers.Role, err error) map[string]any {
	f := map[string]any{
		"guild_id":  mu.guildID,
		"member_id": m.ID,
		"member":    m.DisplayName,
		"role_id":   role.ID,
		"role":      role.Name,
	}
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// Report is the per-member outcome of ApplyAll.
type Report struct {
	Applied []tiers.Member
	Failed  map[string]error
}

// Succeeded reports whether every member was changed.
func (r *Report) Succeeded() bool {
	return len(r.Failed) == 0
}

// ApplyAll runs action for every member concurrently and waits for all of
// them. Failures are collected, never propagated. Applied keeps the input
// order.
func ApplyAll(ctx context.Context, members []tiers.Member, action Action) *Report {
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = action(ctx, m)
		}()
	}
	wg.Wait()

	report := &Report{Failed: make(map[string]error)}
	for i, m := range members {
		if errs[i] != nil {
			report.Failed[m.ID] = errs[i]
			continue
		}
		report.Applied = append(report.Applied, m)
	}
	return report
}
