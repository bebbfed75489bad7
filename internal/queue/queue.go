// Package queue wraps the atomic matchmaking-queue scripts on the shared
// Redis store. Every operation runs under the configured store timeout and
// feeds the store circuit breaker.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/metrics"
)

// ErrEmptyMetadata rejects enqueue attempts without a metadata blob; a queued
// player without metadata would be poisoned the moment it is popped.
var ErrEmptyMetadata = eris.New("metadata must not be empty")

// Popped is one candidate returned by PopBatch. Metadata is the raw blob as
// stored; parsing and poisoned-candidate classification happen in the
// matchmaker.
type Popped struct {
	PlayerID string
	Score    int64
	Metadata []byte
}

// Queue executes the atomic queue scripts for all modes. Safe for concurrent
// use; the store itself serializes the scripts.
type Queue struct {
	rdb     *redis.Client
	brk     *breaker.Breaker
	timeout time.Duration
}

func New(rdb *redis.Client, brk *breaker.Breaker, timeout time.Duration) *Queue {
	return &Queue{rdb: rdb, brk: brk, timeout: timeout}
}

// Breaker exposes the store breaker so tick loops can fail fast before
// popping.
func (q *Queue) Breaker() *breaker.Breaker { return q.brk }

// Key returns the shared-store key of a mode's ordered queue.
func Key(mode string) string { return "queue:" + mode }

// MetadataKey returns the shared-store key of a player's metadata blob.
func MetadataKey(playerID string) string { return "metadata:" + playerID }

// Enqueue atomically adds a player to the mode queue with the given score and
// metadata. A player already present is left untouched and reported with
// added=false.
func (q *Queue) Enqueue(ctx context.Context, mode string, playerID uuid.UUID, score int64, metadata []byte) (added bool, size int64, err error) {
	if len(metadata) == 0 {
		return false, 0, ErrEmptyMetadata
	}
	res, err := q.run(ctx, enqueueScript, []string{Key(mode)}, playerID.String(), score, string(metadata))
	if err != nil {
		return false, 0, eris.Wrap(err, "enqueue script failed")
	}
	flag, size, err := pairReply(res)
	if err != nil {
		return false, 0, err
	}
	metrics.QueueSize.WithLabelValues(mode).Set(float64(size))
	return flag == 1, size, nil
}

// Dequeue atomically removes a player from the mode queue and deletes its
// metadata blob. Idempotent.
func (q *Queue) Dequeue(ctx context.Context, mode string, playerID uuid.UUID) (removed bool, size int64, err error) {
	res, err := q.run(ctx, dequeueScript, []string{Key(mode)}, playerID.String())
	if err != nil {
		return false, 0, eris.Wrap(err, "dequeue script failed")
	}
	flag, size, err := pairReply(res)
	if err != nil {
		return false, 0, err
	}
	metrics.QueueSize.WithLabelValues(mode).Set(float64(size))
	return flag == 1, size, nil
}

// PopBatch atomically pops up to batchSize of the lowest-scored candidates
// together with their metadata blobs. batchSize<=0 returns an empty batch
// without touching the store state.
func (q *Queue) PopBatch(ctx context.Context, mode string, batchSize int) ([]Popped, error) {
	res, err := q.run(ctx, popBatchScript, []string{Key(mode)}, batchSize)
	if err != nil {
		return nil, eris.Wrap(err, "pop batch script failed")
	}
	flat, ok := res.([]interface{})
	if !ok {
		return nil, eris.Errorf("pop batch: unexpected reply type %T", res)
	}
	return parsePopReply(mode, flat)
}

// parsePopReply decodes the flat triple stream from the pop script. The
// script has already removed every returned entry and deleted its metadata,
// so a single undecodable score must not fail the batch: that entry alone is
// dropped as poisoned and the rest of the candidates survive.
func parsePopReply(mode string, flat []interface{}) ([]Popped, error) {
	if len(flat)%3 != 0 {
		return nil, eris.Errorf("pop batch: expected triples, got %d items", len(flat))
	}

	popped := make([]Popped, 0, len(flat)/3)
	for i := 0; i < len(flat); i += 3 {
		entry := Popped{
			PlayerID: asString(flat[i]),
			Metadata: []byte(asString(flat[i+2])),
		}
		score, err := strconv.ParseFloat(asString(flat[i+1]), 64)
		if err != nil {
			metrics.PoisonedCandidates.WithLabelValues(mode).Inc()
			log.Error().
				Str("mode", mode).
				Str("player_id", entry.PlayerID).
				Str("score", asString(flat[i+1])).
				Msg("dropping popped entry with undecodable score")
			continue
		}
		entry.Score = int64(score)
		popped = append(popped, entry)
	}
	return popped, nil
}

// Size returns the current length of a mode's queue.
func (q *Queue) Size(ctx context.Context, mode string) (int64, error) {
	if err := q.brk.Allow(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	size, err := q.rdb.ZCard(ctx, Key(mode)).Result()
	if err != nil {
		q.brk.Failure()
		metrics.StoreFailures.Inc()
		return 0, eris.Wrap(err, "queue size failed")
	}
	q.brk.Success()
	return size, nil
}

// run executes a script under the store timeout, recording the outcome on the
// circuit breaker. While the breaker is open the store is not touched at all.
func (q *Queue) run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if err := q.brk.Allow(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := script.Run(ctx, q.rdb, keys, args...).Result()
	if err != nil {
		q.brk.Failure()
		metrics.StoreFailures.Inc()
		return nil, err
	}
	q.brk.Success()
	return res, nil
}

func pairReply(res interface{}) (flag int64, size int64, err error) {
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, eris.Errorf("unexpected script reply %v", res)
	}
	return asInt64(pair[0]), asInt64(pair[1]), nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
