package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a hand-advanced clock for deterministic time accounting.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAnswerStoreMergeLastWriteWins(t *testing.T) {
	store := NewAnswerStore(nil, newFakeClock().Now)
	qid := uuid.New()

	store.Set(qid, map[string]interface{}{"selected_option": "a", "flagged": true})
	store.Set(qid, map[string]interface{}{"selected_option": "b"})

	draft := store.Draft(qid)
	require.NotNil(t, draft)
	assert.Equal(t, "b", draft["selected_option"])
	assert.Equal(t, true, draft["flagged"])
}

func TestAnswerStoreFlushOnlyWhenDirty(t *testing.T) {
	var calls []model.Answer
	save := func(ctx context.Context, ans model.Answer) error {
		calls = append(calls, ans)
		return nil
	}
	store := NewAnswerStore(save, newFakeClock().Now)
	qid := uuid.New()

	// Nothing to flush yet.
	require.NoError(t, store.Flush(context.Background(), qid))
	assert.Empty(t, calls)

	store.Set(qid, map[string]interface{}{"text": "answer"})
	require.NoError(t, store.Flush(context.Background(), qid))
	require.Len(t, calls, 1)
	assert.Equal(t, qid, calls[0].QuestionID)
	assert.Equal(t, "answer", calls[0].Fields["text"])

	// Clean after a successful flush: no second call.
	require.NoError(t, store.Flush(context.Background(), qid))
	assert.Len(t, calls, 1)
}

func TestAnswerStoreFailedFlushRetainsDraftAndRetries(t *testing.T) {
	clock := newFakeClock()
	saveErr := errors.New("upstream down")
	var calls []model.Answer
	save := func(ctx context.Context, ans model.Answer) error {
		calls = append(calls, ans)
		if len(calls) == 1 {
			return saveErr
		}
		return nil
	}
	store := NewAnswerStore(save, clock.Now)
	qid := uuid.New()

	store.Begin(qid)
	store.Set(qid, map[string]interface{}{"text": "draft"})

	clock.Advance(10 * time.Second)
	err := store.Flush(context.Background(), qid)
	require.ErrorIs(t, err, saveErr)

	// The draft survives the failure and the next flush carries the
	// updated elapsed time.
	assert.Equal(t, "draft", store.Draft(qid)["text"])
	clock.Advance(5 * time.Second)
	require.NoError(t, store.Flush(context.Background(), qid))

	require.Len(t, calls, 2)
	assert.Equal(t, 10, calls[0].TimeSpentSeconds)
	assert.Equal(t, 15, calls[1].TimeSpentSeconds)
}

func TestAnswerStoreTimeSpentBanksAcrossVisits(t *testing.T) {
	clock := newFakeClock()
	store := NewAnswerStore(nil, clock.Now)
	q1, q2 := uuid.New(), uuid.New()

	store.Begin(q1)
	clock.Advance(30 * time.Second)
	store.Begin(q2)
	clock.Advance(20 * time.Second)
	store.Begin(q1)
	clock.Advance(10 * time.Second)

	assert.Equal(t, 40, store.TimeSpent(q1))
	assert.Equal(t, 20, store.TimeSpent(q2))

	all := store.TimeSpentAll()
	assert.Equal(t, 40*time.Second, all[q1])
	assert.Equal(t, 20*time.Second, all[q2])
}

func TestAnswerStoreRestoreMarksDirty(t *testing.T) {
	var calls []model.Answer
	save := func(ctx context.Context, ans model.Answer) error {
		calls = append(calls, ans)
		return nil
	}
	store := NewAnswerStore(save, newFakeClock().Now)
	qid := uuid.New()

	store.Restore(
		map[uuid.UUID]map[string]interface{}{qid: {"text": "recovered"}},
		map[uuid.UUID]time.Duration{qid: 90 * time.Second},
	)

	assert.Equal(t, "recovered", store.Draft(qid)["text"])
	assert.Equal(t, 90, store.TimeSpent(qid))

	// Restored drafts re-persist on the next flush.
	require.NoError(t, store.Flush(context.Background(), qid))
	require.Len(t, calls, 1)
	assert.Equal(t, 90, calls[0].TimeSpentSeconds)
}
