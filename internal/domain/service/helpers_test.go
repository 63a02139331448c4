package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/infrastructure/storage"
	"waterWise/internal/lib/logger/sl"
)

var baseTS = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func reading(deviceID string, ts time.Time, liters float64) model.Reading {
	return model.Reading{
		ID:           fmt.Sprintf("%s-%d", deviceID, ts.UnixMilli()),
		DeviceID:     deviceID,
		TimestampUTC: ts.UnixMilli(),
		VolumeLiters: liters,
		Source:       model.SourceLive,
	}
}

func fastBackoff() service.BackoffConfig {
	return service.BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond}
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (s *recordingSink) PublishAlert(_ context.Context, ev model.AlertEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []model.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AlertEvent(nil), s.events...)
}

type bucketRecorder struct {
	mu      sync.Mutex
	updates []model.Bucket
}

func (r *bucketRecorder) BucketUpdated(_ context.Context, b model.Bucket) {
	r.mu.Lock()
	r.updates = append(r.updates, b)
	r.mu.Unlock()
}

func (r *bucketRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fixture struct {
	store    *storage.MemoryRepository
	clock    *quartz.Mock
	sink     *recordingSink
	buckets  *bucketRecorder
	monitor  *service.ThresholdMonitor
	ingestor *service.Ingestor
	sizes    model.BucketSizes
}

func newFixture(t *testing.T, th model.Thresholds) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryRepository(),
		clock:   quartz.NewMock(t),
		sink:    &recordingSink{},
		buckets: &bucketRecorder{},
		sizes:   model.DefaultBucketSizes(),
	}
	f.clock.Set(baseTS)

	log := sl.Discard()
	f.monitor = service.NewThresholdMonitor(f.store, th, f.sizes, log,
		service.WithMonitorClock(f.clock),
		service.WithAlertSink(f.sink),
	)
	agg := service.NewAggregator(f.store, f.sizes, fastBackoff())
	f.ingestor = service.NewIngestor(f.store, agg, f.monitor, log,
		service.WithBucketObserver(f.buckets),
		service.WithStoreBackoff(fastBackoff()),
	)
	return f
}

func (f *fixture) bucket(t *testing.T, deviceID string, size int64, ts time.Time) model.Bucket {
	t.Helper()
	b, err := f.store.GetOpenBucket(context.Background(), deviceID, size, model.BucketStart(ts.UnixMilli(), size))
	if err != nil {
		t.Fatalf("get bucket: %v", err)
	}
	if b == nil {
		return model.NewBucket(deviceID, ts.UnixMilli(), size)
	}
	return *b
}
