package tiers

import "time"

// ActionBucket partitions a roster into the four kinds of tier change.
// A member appears in at most one list.
type ActionBucket struct {
	// DanglingNew holds members with the new role plus a higher tier role.
	DanglingNew []Member
	// DanglingJunior holds members with both the junior and full roles.
	DanglingJunior []Member
	NewToJunior    []Member
	JuniorToFull   []Member
}

// Len is the total number of members across all lists.
func (b ActionBucket) Len() int {
	return len(b.DanglingNew) + len(b.DanglingJunior) + len(b.NewToJunior) + len(b.JuniorToFull)
}

func (b ActionBucket) Empty() bool {
	return b.Len() == 0
}

// Classify sorts members into an ActionBucket. cfg must have passed
// Validate. Cleanup takes precedence over promotion: a member with a
// dangling role is never a promotion candidate in the same pass. Bots are
// ignored.
func Classify(members []Member, cfg *TierConfig, now time.Time) ActionBucket {
	var bucket ActionBucket
	minAge := cfg.Rules().JuniorMinAge()

	for _, m := range members {
		if m.Bot {
			continue
		}
		isNew := m.HasRole(cfg.NewRole)
		isJunior := m.HasRole(cfg.JuniorRole)
		isFull := m.HasRole(cfg.FullRole)

		switch {
		case isJunior && isFull:
			bucket.DanglingJunior = append(bucket.DanglingJunior, m)
		case isNew && (isJunior || isFull):
			bucket.DanglingNew = append(bucket.DanglingNew, m)
		case isNew && len(m.Roles) > 2:
			// Anything beyond the default and new roles means the member
			// picked roles for themselves, which counts as introducing
			// themselves.
			bucket.NewToJunior = append(bucket.NewToJunior, m)
		case isJunior && now.Sub(m.JoinedAt) > minAge:
			bucket.JuniorToFull = append(bucket.JuniorToFull, m)
		}
	}
	return bucket
}

// Step is a single one-tier promotion.
type Step int

const (
	StepNone Step = iota
	StepNewToJunior
	StepJuniorToFull
)

// NextStep returns the promotion that moves m up one tier, ignoring the
// age and activity gates Classify applies. Bots, full members and members
// holding a dangling role have no next step.
func NextStep(m Member, cfg *TierConfig) Step {
	if m.Bot {
		return StepNone
	}
	isNew := m.HasRole(cfg.NewRole)
	isJunior := m.HasRole(cfg.JuniorRole)
	isFull := m.HasRole(cfg.FullRole)

	switch {
	case isFull:
		return StepNone
	case isNew && isJunior:
		return StepNone
	case isNew:
		return StepNewToJunior
	case isJunior:
		return StepJuniorToFull
	}
	return StepNone
}
