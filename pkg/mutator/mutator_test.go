package mutator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

type call struct {
	op, guild, user, role string
}

type fakeRoles struct {
	mu         sync.Mutex
	calls      []call
	held       map[string]map[string]bool
	failAdd    map[string]bool // user ids
	failRemove map[string]bool
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		held:       make(map[string]map[string]bool),
		failAdd:    make(map[string]bool),
		failRemove: make(map[string]bool),
	}
}

func (f *fakeRoles) give(user string, roles ...string) {
	f.held[user] = make(map[string]bool)
	for _, r := range roles {
		f.held[user][r] = true
	}
}

func (f *fakeRoles) AddRole(_ context.Context, guild, user, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"add", guild, user, role})
	if f.failAdd[user] {
		return errors.New("missing permissions")
	}
	if f.held[user] == nil {
		f.held[user] = make(map[string]bool)
	}
	f.held[user][role] = true
	return nil
}

func (f *fakeRoles) RemoveRole(_ context.Context, guild, user, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"remove", guild, user, role})
	if f.failRemove[user] {
		return errors.New("rate limited")
	}
	delete(f.held[user], role)
	return nil
}

var (
	junior = tiers.Role{ID: "r-junior", Name: "Junior"}
	full   = tiers.Role{ID: "r-full", Name: "Full"}
)

func TestRemove(t *testing.T) {
	roles := newFakeRoles()
	roles.give("u1", junior.ID, full.ID)

	err := New(roles, "g").Remove(junior)(context.Background(), tiers.Member{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []call{{"remove", "g", "u1", junior.ID}}, roles.calls)
	assert.Equal(t, map[string]bool{full.ID: true}, roles.held["u1"])
}

func TestSwap_AddsBeforeRemoving(t *testing.T) {
	roles := newFakeRoles()
	roles.give("u1", junior.ID)

	err := New(roles, "g").Swap(junior, full)(context.Background(), tiers.Member{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []call{
		{"add", "g", "u1", full.ID},
		{"remove", "g", "u1", junior.ID},
	}, roles.calls)
	assert.Equal(t, map[string]bool{full.ID: true}, roles.held["u1"])
}

func TestSwap_AddFailureSkipsRemove(t *testing.T) {
	roles := newFakeRoles()
	roles.give("u1", junior.ID)
	roles.failAdd["u1"] = true

	err := New(roles, "g").Swap(junior, full)(context.Background(), tiers.Member{ID: "u1"})
	require.Error(t, err)
	assert.Len(t, roles.calls, 1)
	assert.True(t, roles.held["u1"][junior.ID], "member lost the old role")
}

func TestSwap_RemoveFailureLeavesBothRoles(t *testing.T) {
	roles := newFakeRoles()
	roles.give("u1", junior.ID)
	roles.failRemove["u1"] = true

	err := New(roles, "g").Swap(junior, full)(context.Background(), tiers.Member{ID: "u1"})
	require.Error(t, err)
	assert.True(t, roles.held["u1"][junior.ID])
	assert.True(t, roles.held["u1"][full.ID])
}

func TestApplyAll_IndependentFailures(t *testing.T) {
	roles := newFakeRoles()
	members := []tiers.Member{{ID: "u1"}, {ID: "u2"}, {ID: "u3"}}
	for _, m := range members {
		roles.give(m.ID, junior.ID)
	}
	roles.failAdd["u2"] = true

	report := ApplyAll(context.Background(), members, New(roles, "g").Swap(junior, full))

	assert.False(t, report.Succeeded())
	assert.Equal(t, []tiers.Member{{ID: "u1"}, {ID: "u3"}}, report.Applied)
	require.Contains(t, report.Failed, "u2")
	assert.Contains(t, report.Failed["u2"].Error(), "add @Full to u2")
	assert.True(t, roles.held["u3"][full.ID])
}

func TestApplyAll_Empty(t *testing.T) {
	report := ApplyAll(context.Background(), nil, func(context.Context, tiers.Member) error {
		t.Fatal("action called for empty batch")
		return nil
	})
	assert.True(t, report.Succeeded())
	assert.Empty(t, report.Applied)
}
