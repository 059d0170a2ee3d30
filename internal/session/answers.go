package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/model"
)

// SaveFunc persists one answer upstream.
type SaveFunc func(ctx context.Context, ans model.Answer) error

// AnswerStore holds per-question answer drafts with dirty tracking and
// time-spent accounting. It is the sole mutator of answer content; the
// coordinator only triggers flushes. A failed flush keeps the draft so the
// next flush for the same question retries with updated elapsed time.
type AnswerStore struct {
	mu    sync.Mutex
	clock func() time.Time
	save  SaveFunc

	drafts  map[uuid.UUID]map[string]interface{}
	dirty   map[uuid.UUID]bool
	accrued map[uuid.UUID]time.Duration

	current     uuid.UUID
	activeSince time.Time
}

// NewAnswerStore creates an AnswerStore flushing through save.
func NewAnswerStore(save SaveFunc, clock func() time.Time) *AnswerStore {
	if clock == nil {
		clock = time.Now
	}
	return &AnswerStore{
		clock:   clock,
		save:    save,
		drafts:  make(map[uuid.UUID]map[string]interface{}),
		dirty:   make(map[uuid.UUID]bool),
		accrued: make(map[uuid.UUID]time.Duration),
	}
}

// Begin marks questionID as the current question and resets the elapsed-time
// baseline. Time accrued on the previously current question is banked first.
func (s *AnswerStore) Begin(questionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bankLocked()
	s.current = questionID
	s.activeSince = s.clock()
}

// Set shallow-merges fields into the draft for questionID (last write wins
// per field) and marks it dirty. No network call happens here.
func (s *AnswerStore) Set(questionID uuid.UUID, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[questionID]
	if !ok {
		draft = make(map[string]interface{}, len(fields))
		s.drafts[questionID] = draft
	}
	for k, v := range fields {
		draft[k] = v
	}
	s.dirty[questionID] = true
}

// Flush performs exactly one save call for questionID if it has a dirty
// draft. On failure the draft stays dirty so the next flush retries; on
// success the draft is retained (for state rebuilds) but marked clean.
func (s *AnswerStore) Flush(ctx context.Context, questionID uuid.UUID) error {
	s.mu.Lock()
	if !s.dirty[questionID] {
		s.mu.Unlock()
		return nil
	}
	ans := model.Answer{
		QuestionID:       questionID,
		Fields:           copyFields(s.drafts[questionID]),
		TimeSpentSeconds: int(s.timeSpentLocked(questionID).Seconds()),
	}
	s.mu.Unlock()

	if err := s.save(ctx, ans); err != nil {
		return err
	}

	s.mu.Lock()
	s.dirty[questionID] = false
	s.mu.Unlock()
	return nil
}

// Draft returns a copy of the draft for questionID, or nil if none exists.
func (s *AnswerStore) Draft(questionID uuid.UUID) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFields(s.drafts[questionID])
}

// Drafts returns a copy of every draft, keyed by question id.
func (s *AnswerStore) Drafts() map[uuid.UUID]map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]map[string]interface{}, len(s.drafts))
	for qid, d := range s.drafts {
		out[qid] = copyFields(d)
	}
	return out
}

// TimeSpent returns the whole seconds spent on questionID so far, including
// the still-running stretch if it is the current question.
func (s *AnswerStore) TimeSpent(questionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.timeSpentLocked(questionID).Seconds())
}

// Restore preloads drafts and banked time from a previous run of the same
// session (crash/reconnect resume). Restored drafts are marked dirty so the
// next flush re-persists them.
func (s *AnswerStore) Restore(drafts map[uuid.UUID]map[string]interface{}, spent map[uuid.UUID]time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for qid, d := range drafts {
		s.drafts[qid] = copyFields(d)
		s.dirty[qid] = true
	}
	for qid, dur := range spent {
		s.accrued[qid] = dur
	}
}

// TimeSpentAll returns banked time per question, including the running
// stretch of the current question.
func (s *AnswerStore) TimeSpentAll() map[uuid.UUID]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]time.Duration, len(s.accrued)+1)
	for qid, dur := range s.accrued {
		out[qid] = dur
	}
	if s.current != uuid.Nil {
		out[s.current] = s.timeSpentLocked(s.current)
	}
	return out
}

// bankLocked folds the running stretch of the current question into its
// accrued total.
func (s *AnswerStore) bankLocked() {
	if s.current == uuid.Nil || s.activeSince.IsZero() {
		return
	}
	s.accrued[s.current] += s.clock().Sub(s.activeSince)
	s.activeSince = time.Time{}
}

func (s *AnswerStore) timeSpentLocked(questionID uuid.UUID) time.Duration {
	total := s.accrued[questionID]
	if questionID == s.current && !s.activeSince.IsZero() {
		total += s.clock().Sub(s.activeSince)
	}
	return total
}

func copyFields(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
