package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

type bucketKey struct {
	deviceID string
	sizeMs   int64
	start    int64
}

// MemoryRepository keeps readings, buckets, cursors and the write queue in
// process memory. It is the default driver and the one used in tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	readings    map[model.ReadingKey]model.Reading
	buckets     map[bucketKey]model.Bucket
	cursors     map[string]model.SyncCursor
	queue       []model.Reading
	unavailable bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		readings: make(map[model.ReadingKey]model.Reading),
		buckets:  make(map[bucketKey]model.Bucket),
		cursors:  make(map[string]model.SyncCursor),
	}
}

var (
	_ repository.ReadingStore = (*MemoryRepository)(nil)
	_ repository.CursorStore  = (*MemoryRepository)(nil)
	_ repository.WriteQueue   = (*MemoryRepository)(nil)
)

// SetUnavailable makes every call fail with model.ErrStoreUnavailable until reset.
func (m *MemoryRepository) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

func (m *MemoryRepository) check(op string) error {
	if m.unavailable {
		return fmt.Errorf("%w: memory %s", model.ErrStoreUnavailable, op)
	}
	return nil
}

func (m *MemoryRepository) Append(_ context.Context, r model.Reading) (model.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append"); err != nil {
		return model.AppendResult{}, err
	}

	var stored *model.Reading
	if prev, ok := m.readings[r.Key()]; ok {
		stored = &prev
	}
	res := model.ResolveAppend(r, stored)
	if res.Outcome != model.AppendDuplicate {
		m.readings[r.Key()] = r
	}
	return res, nil
}

func (m *MemoryRepository) QueryReadings(_ context.Context, deviceID string, from, to int64) ([]model.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("query readings"); err != nil {
		return nil, err
	}

	var out []model.Reading
	for k, r := range m.readings {
		if k.DeviceID == deviceID && k.TimestampUTC >= from && k.TimestampUTC < to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampUTC < out[j].TimestampUTC })
	return out, nil
}

func (m *MemoryRepository) UpsertBucket(_ context.Context, b model.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upsert bucket"); err != nil {
		return err
	}
	m.buckets[bucketKey{b.DeviceID, b.BucketSizeMs, b.BucketStartUTC}] = b
	return nil
}

func (m *MemoryRepository) GetOpenBucket(_ context.Context, deviceID string, sizeMs, bucketStart int64) (*model.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get bucket"); err != nil {
		return nil, err
	}
	b, ok := m.buckets[bucketKey{deviceID, sizeMs, bucketStart}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryRepository) QueryBuckets(_ context.Context, deviceID string, sizeMs, from, to int64) ([]model.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("query buckets"); err != nil {
		return nil, err
	}

	var out []model.Bucket
	for k, b := range m.buckets {
		if k.deviceID == deviceID && k.sizeMs == sizeMs && k.start >= from && k.start < to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStartUTC < out[j].BucketStartUTC })
	return out, nil
}

func (m *MemoryRepository) LatestBuckets(_ context.Context, sizeMs int64) ([]model.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("latest buckets"); err != nil {
		return nil, err
	}

	latest := make(map[string]model.Bucket)
	for k, b := range m.buckets {
		if k.sizeMs != sizeMs {
			continue
		}
		if cur, ok := latest[k.deviceID]; !ok || b.BucketStartUTC > cur.BucketStartUTC {
			latest[k.deviceID] = b
		}
	}
	out := make([]model.Bucket, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryRepository) GetCursor(_ context.Context, deviceID string) (model.SyncCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get cursor"); err != nil {
		return model.SyncCursor{}, err
	}
	c, ok := m.cursors[deviceID]
	if !ok {
		return model.SyncCursor{DeviceID: deviceID}, nil
	}
	return c, nil
}

func (m *MemoryRepository) CommitCursor(_ context.Context, c model.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("commit cursor"); err != nil {
		return err
	}
	m.cursors[c.DeviceID] = c
	return nil
}

func (m *MemoryRepository) Enqueue(_ context.Context, r model.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("enqueue"); err != nil {
		return err
	}
	m.queue = append(m.queue, r)
	return nil
}

func (m *MemoryRepository) Peek(_ context.Context, n int) ([]model.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("peek"); err != nil {
		return nil, err
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}
	out := make([]model.Reading, n)
	copy(out, m.queue[:n])
	return out, nil
}

func (m *MemoryRepository) Ack(_ context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ack"); err != nil {
		return err
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}
	m.queue = append([]model.Reading(nil), m.queue[n:]...)
	return nil
}

func (m *MemoryRepository) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("len"); err != nil {
		return 0, err
	}
	return len(m.queue), nil
}
