package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/config"
	"github.com/niviohr/examgate/internal/model"
	"github.com/niviohr/examgate/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// MonitoringWorker drains queued monitoring events from Redis and posts
// them to the upstream platform. Sessions never wait on this path: the
// queue absorbs upstream slowness and outages.
type MonitoringWorker struct {
	api upstream.Client
	rdb *redis.Client
	log zerolog.Logger
}

func NewMonitoringWorker(api upstream.Client, rdb *redis.Client, log zerolog.Logger) *MonitoringWorker {
	return &MonitoringWorker{
		api: api,
		rdb: rdb,
		log: log.With().Str("component", "monitoring_worker").Logger(),
	}
}

type eventPayload struct {
	SessionID uuid.UUID             `json:"session_id"`
	Token     string                `json:"token"`
	Event     model.MonitoringEvent `json:"event"`
}

func (w *MonitoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("MonitoringWorker started")

	buffer := make([]*eventPayload, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0] // Clear buffer, keep capacity
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
			// Continue
		}

		// 3. Fetch from Redis
		// BLPop blocks for 1 second. Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.MonitoringEventsQueue).Result()

		if err != nil {
			if err == redis.Nil {
				continue // Timeout (Queue empty), loop back to check flush timer
			}
			if ctx.Err() != nil {
				return // Context cancelled
			}
			// Real Redis error (e.g., connection lost)
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var payload eventPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			// If JSON is malformed, we CANNOT retry it. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &payload)
	}
}

// flushSafe posts each event upstream and requeues the ones that fail on
// transport or server errors. Events the platform rejects outright are
// dropped: retrying a 4xx just reproduces the rejection.
func (w *MonitoringWorker) flushSafe(ctx context.Context, batch []*eventPayload) {
	requeueList := make([]*eventPayload, 0)

	for _, p := range batch {
		err := w.api.ReportEvent(ctx, p.Token, p.SessionID, p.Event)
		if err == nil {
			continue
		}

		if upstream.IsClientRejection(err) {
			w.log.Error().Err(err).
				Str("session_id", p.SessionID.String()).
				Str("event_type", string(p.Event.Type)).
				Msg("Dropping event rejected by platform")
			continue
		}

		w.log.Error().Err(err).
			Str("session_id", p.SessionID.String()).
			Str("event_type", string(p.Event.Type)).
			Msg("Report failed, requeueing")
		requeueList = append(requeueList, p)
	}

	// If we have items to requeue (upstream was down), push them back to Redis
	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *MonitoringWorker) requeue(ctx context.Context, items []*eventPayload) {
	// Use a pipeline to push everything back quickly
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.MonitoringEventsQueue, data)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
	} else {
		w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
		// Sleep a bit to avoid thrashing if the platform is down hard
		time.Sleep(2 * time.Second)
	}
}

func (w *MonitoringWorker) shutdown(buffer []*eventPayload) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	// Give it 5 seconds to flush upstream
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
