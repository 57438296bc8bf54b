package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/core/apierr"
)

const (
	batchKeyPrefix    = "batch:record:"
	batchStatusPrefix = "batch:status:"
	batchRecentKey    = "batch:recent"
	inputRefKeyPrefix = "batch:input:"

	recentKeep = 1000
)

// ErrNotFound reports an unknown batch id.
var ErrNotFound = errors.New("batch not found")

// ErrInvalidTransition reports a move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid batch transition")

// RedisStore implements Store on Redis. Status transitions run under WATCH
// so concurrent reconcilers never move a terminal batch backward.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func batchKey(id string) string { return batchKeyPrefix + id }
func statusKey(s Status) string { return batchStatusPrefix + string(s) }
func inputRefKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return inputRefKeyPrefix + hex.EncodeToString(sum[:])
}

// Create reserves the input reference and persists the new pending batch.
func (s *RedisStore) Create(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		return fmt.Errorf("batch id required")
	}
	now := s.now().UTC()
	b.Status = StatusPending
	b.CreatedAt = now
	b.UpdatedAt = now
	b.LastActivityAt = now

	refKey := inputRefKey(b.InputRef)
	acquired, err := s.client.SetNX(ctx, refKey, b.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve input ref: %w", err)
	}
	if !acquired {
		ownerID, err := s.client.Get(ctx, refKey).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("inspect input ref owner: %w", err)
		}
		if owner, err := s.Get(ctx, ownerID); err == nil && !owner.Status.Terminal() {
			return apierr.Validation("input reference %q already used by ongoing batch %s", b.InputRef, owner.ID)
		}
		// Stale reservation from a terminal or vanished batch; take it over.
		if err := s.client.Set(ctx, refKey, b.ID, 0).Err(); err != nil {
			return fmt.Errorf("reclaim input ref: %w", err)
		}
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, batchKey(b.ID), data, 0)
	pipe.ZAdd(ctx, statusKey(StatusPending), redis.Z{Score: float64(now.Unix()), Member: b.ID})
	pipe.ZAdd(ctx, batchRecentKey, redis.Z{Score: float64(now.Unix()), Member: b.ID})
	pipe.ZRemRangeByRank(ctx, batchRecentKey, 0, -(recentKeep + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Batch, error) {
	data, err := s.client.Get(ctx, batchKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	var b Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *RedisStore) List(ctx context.Context, status Status, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	key := batchRecentKey
	if status != "" {
		key = statusKey(status)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]*Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Update mutates non-status fields under WATCH.
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Batch)) (*Batch, error) {
	var updated *Batch
	key := batchKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		from := b.Status
		mutate(b)
		if b.Status != from {
			return ErrInvalidTransition
		}
		b.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		updated = b
		return nil
	}, key)
	return updated, err
}

// Transition moves the batch to the target status under WATCH. A batch that
// is already terminal is returned as-is without error so redundant
// reconcilers converge instead of failing.
func (s *RedisStore) Transition(ctx context.Context, id string, to Status, mutate func(*Batch)) (*Batch, error) {
	var result *Batch
	key := batchKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status.Terminal() || b.Status == to {
			result = b
			return nil
		}
		if !CanTransition(b.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
		}
		from := b.Status
		b.Status = to
		if mutate != nil {
			mutate(b)
			b.Status = to // mutate must not override the move
		}
		now := s.now().UTC()
		b.UpdatedAt = now
		if to.Terminal() {
			b.TerminalAt = &now
		}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		pipe.ZRem(ctx, statusKey(from), b.ID)
		pipe.ZAdd(ctx, statusKey(to), redis.Z{Score: float64(now.Unix()), Member: b.ID})
		if to.Terminal() {
			// Release the input reference so the same input can be
			// resubmitted as a fresh batch.
			pipe.Del(ctx, inputRefKey(b.InputRef))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = b
		return nil
	}, key)
	return result, err
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, id string) (*Batch, error) {
	data, err := tx.Get(ctx, batchKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b Batch
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return &b, nil
}
