package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

// RedisRepository keeps the sync cursors and the outbound write queue in Redis
// so several engine instances on one gateway can share them.
// Cursors live under "<prefix>:cursor:<device>", the queue is the list "<prefix>:outbox".
type RedisRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRepository(addr, password string, db int, prefix string) *RedisRepository {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if prefix == "" {
		prefix = "waterwise"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

var (
	_ repository.CursorStore = (*RedisRepository)(nil)
	_ repository.WriteQueue  = (*RedisRepository)(nil)
)

func (r *RedisRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) cursorKey(deviceID string) string {
	return fmt.Sprintf("%s:cursor:%s", r.prefix, deviceID)
}

func (r *RedisRepository) outboxKey() string {
	return r.prefix + ":outbox"
}

func redisUnavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", model.ErrStoreUnavailable, op, err)
}

func (r *RedisRepository) GetCursor(ctx context.Context, deviceID string) (model.SyncCursor, error) {
	data, err := r.client.Get(ctx, r.cursorKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.SyncCursor{DeviceID: deviceID}, nil
		}
		return model.SyncCursor{}, redisUnavailable("get cursor", err)
	}

	var c model.SyncCursor
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return model.SyncCursor{}, fmt.Errorf("%w: cursor %s: %w", model.ErrStoreCorrupted, deviceID, err)
	}
	return c, nil
}

func (r *RedisRepository) CommitCursor(ctx context.Context, c model.SyncCursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := r.client.Set(ctx, r.cursorKey(c.DeviceID), data, 0).Err(); err != nil {
		return redisUnavailable("commit cursor", err)
	}
	return nil
}

func (r *RedisRepository) Enqueue(ctx context.Context, reading model.Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := r.client.RPush(ctx, r.outboxKey(), data).Err(); err != nil {
		return redisUnavailable("enqueue", err)
	}
	return nil
}

func (r *RedisRepository) Peek(ctx context.Context, n int) ([]model.Reading, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := r.client.LRange(ctx, r.outboxKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, redisUnavailable("peek", err)
	}

	out := make([]model.Reading, 0, len(items))
	for _, item := range items {
		var reading model.Reading
		if err := json.Unmarshal([]byte(item), &reading); err != nil {
			return nil, fmt.Errorf("%w: queued reading: %w", model.ErrStoreCorrupted, err)
		}
		out = append(out, reading)
	}
	return out, nil
}

func (r *RedisRepository) Ack(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := r.client.LTrim(ctx, r.outboxKey(), int64(n), -1).Err(); err != nil {
		return redisUnavailable("ack", err)
	}
	return nil
}

func (r *RedisRepository) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.outboxKey()).Result()
	if err != nil {
		return 0, redisUnavailable("len", err)
	}
	return int(n), nil
}

// Cursors loads the cursors of several devices in one round trip.
func (r *RedisRepository) Cursors(ctx context.Context, deviceIDs []string) (map[string]model.SyncCursor, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(deviceIDs))
	for i, id := range deviceIDs {
		cmds[i] = pipe.Get(ctx, r.cursorKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisUnavailable("get cursors", err)
	}

	out := make(map[string]model.SyncCursor, len(deviceIDs))
	for i, cmd := range cmds {
		id := deviceIDs[i]
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			out[id] = model.SyncCursor{DeviceID: id}
			continue
		}
		if err != nil {
			return nil, redisUnavailable("get cursors", err)
		}
		var c model.SyncCursor
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("%w: cursor %s: %w", model.ErrStoreCorrupted, id, err)
		}
		out[id] = c
	}
	return out, nil
}
