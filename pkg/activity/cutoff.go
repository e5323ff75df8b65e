package activity

import (
	"time"

	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

// EarliestJoin returns the earliest join time among members, or the zero
// time if none has one. Nothing written before that point can belong to a
// candidate, so paging need not go further back.
func EarliestJoin(members []tiers.Member) time.Time {
	var earliest time.Time
	for _, m := range members {
		if m.JoinedAt.IsZero() {
			continue
		}
		if earliest.IsZero() || m.JoinedAt.Before(earliest) {
			earliest = m.JoinedAt
		}
	}
	return earliest
}

// Cutoff bounds a history scan for members: the later of floor and their
// earliest join. A zero floor means no recency limit.
func Cutoff(members []tiers.Member, floor time.Time) time.Time {
	joined := EarliestJoin(members)
	if joined.After(floor) {
		return joined
	}
	return floor
}
