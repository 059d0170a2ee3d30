package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/config"
	"github.com/niviohr/examgate/internal/model"
	"github.com/niviohr/examgate/internal/session"
	"github.com/niviohr/examgate/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Manager errors surfaced to handlers.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotSessionOwner = errors.New("session belongs to another candidate")
)

// QueuedEvent is the wire form of a monitoring event on the Redis queue.
// The worker needs the candidate token to post the event upstream.
type QueuedEvent struct {
	SessionID uuid.UUID             `json:"session_id"`
	Token     string                `json:"token"`
	Event     model.MonitoringEvent `json:"event"`
}

// SessionManager is the registry of live exam session coordinators. It
// enforces at most one in-progress session per (candidate, exam, assignment),
// mirrors drafts and the question index to Redis for crash resume, and
// queues monitoring events for the background reporting worker.
type SessionManager struct {
	mu       sync.Mutex
	api      upstream.Client
	rdb      *redis.Client
	log      zerolog.Logger
	cfg      *config.Config
	sessions map[uuid.UUID]*session.Coordinator
	attempts map[string]uuid.UUID  // attempt key → session id
	starting map[string]*startCall // attempt key → in-flight start
}

// startCall is an in-flight Start for one attempt key. Late concurrent
// starters wait on done and share the winner's coordinator instead of
// racing a second upstream start call.
type startCall struct {
	done  chan struct{}
	coord *session.Coordinator
	err   error
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(api upstream.Client, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		api:      api,
		rdb:      rdb,
		log:      log.With().Str("component", "session_manager").Logger(),
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*session.Coordinator),
		attempts: make(map[string]uuid.UUID),
		starting: make(map[string]*startCall),
	}
}

// Start begins or resumes an exam session for the candidate. If a live
// coordinator already exists for the same attempt it is returned as-is —
// joining is idempotent across reconnects and devices.
func (m *SessionManager) Start(ctx context.Context, candidateID, token string, req model.StartExamRequest) (*session.Snapshot, error) {
	key := attemptKey(candidateID, req.ExamID, req.AssignmentID)

	m.mu.Lock()
	if sid, ok := m.attempts[key]; ok {
		if coord, live := m.sessions[sid]; live && coord.State() == session.StateActive {
			m.mu.Unlock()
			snap := coord.Snapshot()
			return &snap, nil
		}
	}
	if call, inFlight := m.starting[key]; inFlight {
		m.mu.Unlock()
		// Another connection is already starting this attempt. Join its
		// result: the existence check alone would let concurrent starts
		// each create a live coordinator with its own running timer.
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		snap := call.coord.Snapshot()
		return &snap, nil
	}
	call := &startCall{done: make(chan struct{})}
	m.starting[key] = call
	m.mu.Unlock()

	// The hook closures resolve the session id lazily: it is only known
	// once Start returns, and no hook fires before that.
	var coord *session.Coordinator
	hooks := session.Hooks{
		RecordEvent: func(ev model.MonitoringEvent) {
			m.enqueueEvent(coord.Session().ID, token, ev)
		},
		OnNavigate: func(index int) {
			m.mirrorIndex(coord, index)
		},
		OnDraft: func(questionID uuid.UUID, fields map[string]interface{}) {
			m.mirrorDraft(coord.Session().ID, questionID, fields)
		},
		OnFinished: func() {
			m.evict(coord.Session().ID)
		},
	}
	coord = session.NewCoordinator(m.api, token, session.Options{
		TickInterval:       m.cfg.TimerTick,
		BlockingFirstCheck: m.cfg.BlockingFirstFaceCheck,
	}, hooks, m.log)

	snap, err := coord.Start(ctx, req)
	if err != nil {
		m.mu.Lock()
		delete(m.starting, key)
		m.mu.Unlock()
		call.err = err
		close(call.done)
		return nil, err
	}

	sessionID := snap.Session.ID

	// The upstream resume point covers the index; Redis covers drafts that
	// never made it upstream before the previous run ended.
	m.restoreDrafts(ctx, coord, sessionID)

	m.mu.Lock()
	displaced := m.sessions[sessionID]
	m.sessions[sessionID] = coord
	m.attempts[key] = sessionID
	delete(m.starting, key)
	m.mu.Unlock()

	call.coord = coord
	close(call.done)

	if displaced != nil && displaced != coord {
		// A stale coordinator for the same session id (left over in a
		// non-active state) must not keep its timer and scheduler running
		// once it is out of the registry.
		displaced.Teardown()
	}

	if err := m.rdb.Set(ctx, config.CacheKey.CandidateActiveSessionKey(candidateID, req.ExamID.String(), assignmentStr(req.AssignmentID)), sessionID.String(), 0).Err(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to cache active session binding")
	}

	refreshed := coord.Snapshot()
	return &refreshed, nil
}

// Get returns the live coordinator for sessionID, verifying ownership.
func (m *SessionManager) Get(sessionID uuid.UUID, candidateID string) (*session.Coordinator, error) {
	m.mu.Lock()
	coord, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if coord.Session().CandidateID != candidateID {
		return nil, ErrNotSessionOwner
	}
	return coord, nil
}

// Shutdown tears down every live coordinator (timers, schedulers, camera
// directives). Sessions stay resumable through Redis and the upstream API.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	coords := make([]*session.Coordinator, 0, len(m.sessions))
	for _, c := range m.sessions {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	for _, c := range coords {
		c.Teardown()
	}
}

// mirrorIndex persists the committed question index and the banked
// per-question time for crash resume. Both change on navigation only.
func (m *SessionManager) mirrorIndex(coord *session.Coordinator, index int) {
	sid := coord.Session().ID.String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Set(ctx, config.CacheKey.SessionIndexKey(sid), index, 0).Err(); err != nil {
		m.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to mirror question index")
	}

	store := coord.Answers()
	if store == nil {
		return
	}
	spent := store.TimeSpentAll()
	if len(spent) == 0 {
		return
	}
	pairs := make([]interface{}, 0, len(spent)*2)
	for qid, dur := range spent {
		pairs = append(pairs, qid.String(), int(dur.Seconds()))
	}
	if err := m.rdb.HSet(ctx, config.CacheKey.SessionTimeSpentKey(sid), pairs...).Err(); err != nil {
		m.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to mirror time spent")
	}
}

// mirrorDraft persists one answer draft for crash resume.
func (m *SessionManager) mirrorDraft(sessionID, questionID uuid.UUID, fields map[string]interface{}) {
	sid := sessionID.String()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	if err := m.rdb.HSet(ctx, config.CacheKey.SessionDraftsKey(sid), questionID.String(), raw).Err(); err != nil {
		m.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to mirror answer draft")
	}
}

// enqueueEvent pushes one monitoring event onto the Redis queue consumed by
// the reporting worker. Queue failures are logged, never fatal — event
// posting is a soft signal by design.
func (m *SessionManager) enqueueEvent(sessionID uuid.UUID, token string, ev model.MonitoringEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(QueuedEvent{SessionID: sessionID, Token: token, Event: ev})
	if err != nil {
		return
	}
	if err := m.rdb.RPush(ctx, config.WorkerKey.MonitoringEventsQueue, raw).Err(); err != nil {
		m.log.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Str("event_type", string(ev.Type)).
			Msg("Failed to queue monitoring event")
	}
}

// restoreDrafts reloads mirrored drafts and per-question elapsed time after
// a resume, so unsaved work survives a gateway restart or tab crash.
func (m *SessionManager) restoreDrafts(ctx context.Context, coord *session.Coordinator, sessionID uuid.UUID) {
	sid := sessionID.String()

	rawDrafts, err := m.rdb.HGetAll(ctx, config.CacheKey.SessionDraftsKey(sid)).Result()
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to load mirrored drafts")
		return
	}
	if len(rawDrafts) == 0 {
		return
	}

	drafts := make(map[uuid.UUID]map[string]interface{}, len(rawDrafts))
	for qidStr, rawFields := range rawDrafts {
		qid, err := uuid.Parse(qidStr)
		if err != nil {
			continue
		}
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
			continue
		}
		drafts[qid] = fields
	}

	spent := make(map[uuid.UUID]time.Duration)
	if rawSpent, err := m.rdb.HGetAll(ctx, config.CacheKey.SessionTimeSpentKey(sid)).Result(); err == nil {
		for qidStr, secStr := range rawSpent {
			qid, err := uuid.Parse(qidStr)
			if err != nil {
				continue
			}
			if secs, err := strconv.Atoi(secStr); err == nil {
				spent[qid] = time.Duration(secs) * time.Second
			}
		}
	}

	if store := coord.Answers(); store != nil {
		store.Restore(drafts, spent)
		m.log.Info().Str("session_id", sid).Int("drafts", len(drafts)).Msg("Restored mirrored drafts")
	}
}

// evict drops a finished session from the registry and clears its mirror.
func (m *SessionManager) evict(sessionID uuid.UUID) {
	sid := sessionID.String()

	m.mu.Lock()
	coord := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	for key, id := range m.attempts {
		if id == sessionID {
			delete(m.attempts, key)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.rdb.Del(ctx,
		config.CacheKey.SessionDraftsKey(sid),
		config.CacheKey.SessionIndexKey(sid),
		config.CacheKey.SessionTimeSpentKey(sid),
	).Err(); err != nil {
		m.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to clear session mirror")
	}

	if coord != nil {
		sess := coord.Session()
		bindKey := config.CacheKey.CandidateActiveSessionKey(sess.CandidateID, sess.ExamID.String(), assignmentStr(sess.AssignmentID))
		_ = m.rdb.Del(ctx, bindKey).Err()
	}
}

func attemptKey(candidateID string, examID uuid.UUID, assignmentID *uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", candidateID, examID, assignmentStr(assignmentID))
}

func assignmentStr(assignmentID *uuid.UUID) string {
	if assignmentID == nil {
		return "-"
	}
	return assignmentID.String()
}
