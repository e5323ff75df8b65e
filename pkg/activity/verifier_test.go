package activity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/gagbot/pkg/tiers"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedHistory serves a fixed newest-first message list, honoring the
// before cursor the way Discord does.
type fixedHistory struct {
	mu       sync.Mutex
	messages []Message
	calls    int
	err      error
}

func (h *fixedHistory) FetchPage(_ context.Context, _ string, before string, limit int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	start := 0
	if before != "" {
		start = len(h.messages)
		for i, m := range h.messages {
			if m.ID == before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(h.messages))
	return append([]Message(nil), h.messages[start:end]...), nil
}

// endlessHistory never runs out and never gets older than the cutoff.
type endlessHistory struct {
	calls int
	next  int
}

func (h *endlessHistory) FetchPage(_ context.Context, _ string, _ string, limit int) ([]Message, error) {
	h.calls++
	page := make([]Message, limit)
	for i := range page {
		h.next++
		page[i] = Message{
			ID:        strconv.Itoa(h.next),
			AuthorID:  "someone",
			Timestamp: now.Add(-time.Duration(h.next) * time.Nanosecond),
		}
	}
	return page, nil
}

// history builds n messages one hour apart, newest first, all by author.
func history(n int, author string) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			ID:        strconv.Itoa(10000 - i),
			AuthorID:  author,
			Timestamp: now.Add(-time.Duration(i+1) * time.Hour),
		}
	}
	return msgs
}

func candidates(ids ...string) []tiers.Member {
	out := make([]tiers.Member, len(ids))
	for i, id := range ids {
		out[i] = tiers.Member{ID: id, JoinedAt: now.Add(-30 * 24 * time.Hour)}
	}
	return out
}

func memberIDs(ms []tiers.Member) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestVerify_KeepsActiveCandidatesInOrder(t *testing.T) {
	msgs := []Message{
		{ID: "9", AuthorID: "b", Timestamp: now.Add(-1 * time.Hour)},
		{ID: "8", AuthorID: "a", Timestamp: now.Add(-2 * time.Hour)},
		{ID: "7", AuthorID: "b", Timestamp: now.Add(-3 * time.Hour)},
		{ID: "6", AuthorID: "c", Timestamp: now.Add(-4 * time.Hour)},
		{ID: "5", AuthorID: "a", Timestamp: now.Add(-5 * time.Hour)},
	}
	v := NewVerifier(&fixedHistory{messages: msgs}, WithPageSize(2))

	got, evidence, err := v.Verify(context.Background(), Rule{
		ChannelID:   "chan",
		MinMessages: 2,
		Cutoff:      now.Add(-24 * time.Hour),
	}, candidates("a", "b", "c", "d"))

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, memberIDs(got))
	assert.Equal(t, Evidence{"a": 2, "b": 2, "c": 1, "d": 0}, evidence)
}

func TestVerify_MessagesAtOrBeforeCutoffDoNotCount(t *testing.T) {
	cutoff := now.Add(-2 * time.Hour)
	msgs := []Message{
		{ID: "3", AuthorID: "a", Timestamp: now.Add(-1 * time.Hour)},
		{ID: "2", AuthorID: "a", Timestamp: cutoff},
		{ID: "1", AuthorID: "a", Timestamp: now.Add(-3 * time.Hour)},
	}
	v := NewVerifier(&fixedHistory{messages: msgs})

	got, evidence, err := v.Verify(context.Background(), Rule{ChannelID: "c", MinMessages: 2, Cutoff: cutoff}, candidates("a"))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, evidence["a"])
}

func TestVerify_StopsOnceCutoffPassed(t *testing.T) {
	h := &fixedHistory{messages: history(1000, "a")}
	v := NewVerifier(h, WithPageSize(10))

	// Messages are an hour apart, so 25 hours back is inside page 3.
	_, evidence, err := v.Verify(context.Background(), Rule{
		ChannelID:   "c",
		MinMessages: 1,
		Cutoff:      now.Add(-25 * time.Hour),
	}, candidates("a"))

	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 24, evidence["a"])
}

func TestVerify_EmptyFirstPage(t *testing.T) {
	h := &fixedHistory{}
	v := NewVerifier(h)

	got, evidence, err := v.Verify(context.Background(), Rule{ChannelID: "c", MinMessages: 1}, candidates("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, Evidence{"a": 0, "b": 0}, evidence)
}

func TestVerify_ZeroThresholdKeepsEveryone(t *testing.T) {
	v := NewVerifier(&fixedHistory{})
	got, _, err := v.Verify(context.Background(), Rule{ChannelID: "c"}, candidates("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, memberIDs(got))
}

func TestVerify_TerminatesAtPageCeiling(t *testing.T) {
	h := &endlessHistory{}
	v := NewVerifier(h)

	_, _, err := v.Verify(context.Background(), Rule{
		ChannelID:   "c",
		MinMessages: 1,
		Cutoff:      now.Add(-24 * time.Hour),
	}, candidates("a"))

	require.NoError(t, err)
	if h.calls != DefaultMaxPages {
		t.Errorf("expected %d page fetches, got %d", DefaultMaxPages, h.calls)
	}
}

func TestVerify_CustomPageCeiling(t *testing.T) {
	h := &endlessHistory{}
	v := NewVerifier(h, WithMaxPages(3), WithMaxPages(0))

	_, _, err := v.Verify(context.Background(), Rule{ChannelID: "c", Cutoff: now.Add(-time.Hour)}, candidates("a"))
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)
}

func TestVerify_StopsWhenCursorMakesNoProgress(t *testing.T) {
	page := history(5, "a")
	h := &repeatingHistory{page: page}
	v := NewVerifier(h, WithPageSize(5))

	_, evidence, err := v.Verify(context.Background(), Rule{ChannelID: "c", MinMessages: 1, Cutoff: now.Add(-48 * time.Hour)}, candidates("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, h.calls)
	assert.Equal(t, 5, evidence["a"])
}

type repeatingHistory struct {
	page  []Message
	calls int
}

func (h *repeatingHistory) FetchPage(context.Context, string, string, int) ([]Message, error) {
	h.calls++
	return h.page, nil
}

func TestVerify_Idempotent(t *testing.T) {
	msgs := append(history(40, "a"), history(40, "b")...)
	for i := range msgs[40:] {
		msgs[40+i].ID = "b" + msgs[40+i].ID
	}
	rule := Rule{ChannelID: "c", MinMessages: 30, Cutoff: now.Add(-35 * time.Hour)}
	v := NewVerifier(&fixedHistory{messages: msgs}, WithPageSize(7))

	first, firstEvidence, err := v.Verify(context.Background(), rule, candidates("a", "b"))
	require.NoError(t, err)
	second, secondEvidence, err := v.Verify(context.Background(), rule, candidates("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, memberIDs(first), memberIDs(second))
	assert.Equal(t, firstEvidence, secondEvidence)
}

func TestVerify_FetchErrorAborts(t *testing.T) {
	boom := errors.New("discord unavailable")
	v := NewVerifier(&fixedHistory{err: boom})

	got, evidence, err := v.Verify(context.Background(), Rule{ChannelID: "c", MinMessages: 1}, candidates("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
	assert.Nil(t, evidence)
}

func TestVerify_NoCandidatesSkipsFetch(t *testing.T) {
	h := &fixedHistory{messages: history(3, "a")}
	v := NewVerifier(h)

	got, _, err := v.Verify(context.Background(), Rule{ChannelID: "c", MinMessages: 1}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, h.calls)
}

func TestVerify_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewVerifier(&fixedHistory{messages: history(3, "a")})

	_, _, err := v.Verify(ctx, Rule{ChannelID: "c", MinMessages: 1}, candidates("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCutoff(t *testing.T) {
	floor := now.Add(-30 * 24 * time.Hour)
	recent := tiers.Member{ID: "a", JoinedAt: now.Add(-2 * 24 * time.Hour)}
	old := tiers.Member{ID: "b", JoinedAt: now.Add(-300 * 24 * time.Hour)}

	assert.Equal(t, recent.JoinedAt, Cutoff([]tiers.Member{recent}, floor))
	assert.Equal(t, floor, Cutoff([]tiers.Member{recent, old}, floor))
	assert.Equal(t, old.JoinedAt, Cutoff([]tiers.Member{recent, old}, time.Time{}))
	assert.Equal(t, floor, Cutoff(nil, floor))
}
