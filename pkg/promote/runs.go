package promote

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/gagbot/pkg/clock"
	"github.com/tinyland-inc/gagbot/pkg/confirm"
	"github.com/tinyland-inc/gagbot/pkg/logger"
)

// Status represents the current state of a promotion run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultRunHistory is how many finished runs Runs remembers.
const DefaultRunHistory = 100

// Run is a snapshot of one RunPromotion call.
type Run struct {
	ID        string
	GuildID   string
	ChannelID string
	Initiator string
	Trigger   Trigger
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Outcomes  map[Action]confirm.Outcome
	Error     string

	// ForceMemberID is the member the run was asked to force, if any.
	ForceMemberID string
}

// Runs tracks in-flight and recent runs. Runs for the same guild are not
// serialized; overlapping ones are logged so operators can see them.
type Runs struct {
	mu       sync.RWMutex
	clock    clock.Clock
	runs     map[string]*Run
	finished []string
	limit    int
}

// NewRuns creates a registry keeping at most limit finished runs.
func NewRuns(clk clock.Clock, limit int) *Runs {
	if limit <= 0 {
		limit = DefaultRunHistory
	}
	return &Runs{
		clock: clk,
		runs:  make(map[string]*Run),
		limit: limit,
	}
}

// Begin records a new running run for req and returns its id.
func (r *Runs) Begin(req Request) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var overlapping []string
	for _, run := range r.runs {
		if run.GuildID == req.GuildID && run.Status == StatusRunning {
			overlapping = append(overlapping, run.ID)
		}
	}

	run := &Run{
		ID:        uuid.New().String(),
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Initiator: req.Initiator,
		Trigger:   req.Trigger,
		Status:    StatusRunning,
		StartTime: r.clock.Now(),

		ForceMemberID: req.ForceMemberID,
	}
	r.runs[run.ID] = run

	if len(overlapping) > 0 {
		logger.WarnCF("promote", "Promotion run overlaps another run for the same guild", map[string]any{
			"run_id":      run.ID,
			"guild_id":    req.GuildID,
			"overlapping": overlapping,
		})
	}
	return run.ID
}

// Finish marks a run completed, or failed when err is non-nil.
func (r *Runs) Finish(id string, res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return
	}
	run.EndTime = r.clock.Now()
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	if res != nil {
		run.Outcomes = make(map[Action]confirm.Outcome, len(res.Outcomes))
		for k, v := range res.Outcomes {
			run.Outcomes[k] = v
		}
	}

	r.finished = append(r.finished, id)
	for len(r.finished) > r.limit {
		delete(r.runs, r.finished[0])
		r.finished = r.finished[1:]
	}
}

// Get returns a copy of the run with the given id.
func (r *Runs) Get(id string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("promotion run %q not found", id)
	}
	return *run, nil
}

// List returns copies of every known run, oldest first.
func (r *Runs) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		result = append(result, *run)
	}
	sortRuns(result)
	return result
}

// Active returns the running runs for guildID.
func (r *Runs) Active(guildID string) []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Run
	for _, run := range r.runs {
		if run.GuildID == guildID && run.Status == StatusRunning {
			result = append(result, *run)
		}
	}
	sortRuns(result)
	return result
}

func sortRuns(runs []Run) {
	slices.SortStableFunc(runs, func(a, b Run) int {
		return a.StartTime.Compare(b.StartTime)
	})
}
