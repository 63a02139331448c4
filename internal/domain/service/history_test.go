package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/infrastructure/storage"
)

func TestHistoryService_DailyHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Thresholds{DailyVolumeLimit: 200})
	history := service.NewHistoryService(f.store, model.Thresholds{DailyVolumeLimit: 200}, f.sizes, f.clock)

	day := func(d int) time.Time { return time.Date(2024, 2, d, 12, 0, 0, 0, time.UTC) }
	for _, r := range []model.Reading{
		reading("dev1", day(26), 50),
		reading("dev1", day(26).Add(time.Hour), 25),
		reading("dev1", day(28), 200),
	} {
		_, err := f.ingestor.Ingest(ctx, r)
		require.NoError(t, err)
	}

	days, err := history.DailyHistory(ctx, "dev1", day(25), day(28))
	require.NoError(t, err)
	require.Len(t, days, 4)

	require.Equal(t, "2024-02-28", days[0].Date)
	require.True(t, days[0].TotalLiters.Equal(decimal.NewFromInt(200)))
	require.Equal(t, 100.0, days[0].Percent)

	require.Equal(t, "2024-02-27", days[1].Date)
	require.True(t, days[1].TotalLiters.IsZero())
	require.Zero(t, days[1].ReadingCount)
	require.Zero(t, days[1].Percent)

	require.Equal(t, "2024-02-26", days[2].Date)
	require.EqualValues(t, 2, days[2].ReadingCount)
	require.Equal(t, 37.5, days[2].Percent)
	require.Equal(t, 200.0, days[2].LimitLiters)

	require.Equal(t, "2024-02-25", days[3].Date)

	_, err = history.DailyHistory(ctx, "dev1", day(28), day(25))
	require.ErrorIs(t, err, service.ErrInvalidRange)
}

func TestHistoryService_Progress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Thresholds{})
	history := service.NewHistoryService(f.store, model.Thresholds{DailyVolumeLimit: 8}, f.sizes, f.clock)

	p, err := history.Progress(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, "2024-03-01", p.Date)
	require.Zero(t, p.Percent, "no usage is 0%")

	_, err = f.ingestor.Ingest(ctx, reading("dev1", at(8, 0), 2))
	require.NoError(t, err)
	p, err = history.Progress(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, 25.0, p.Percent)

	unavailable := storage.NewMemoryRepository()
	unavailable.SetUnavailable(true)
	_, err = service.NewHistoryService(unavailable, model.Thresholds{}, f.sizes, f.clock).Progress(ctx, "dev1")
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
}

type stubEnqueuer struct {
	queued []model.Reading
	err    error
}

func (s *stubEnqueuer) EnqueueWrite(_ context.Context, r model.Reading) error {
	if s.err != nil {
		return s.err
	}
	s.queued = append(s.queued, r)
	return nil
}

func TestRecorder_QueuesThenAppliesLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Thresholds{})
	writes := &stubEnqueuer{}
	rec := service.NewRecorder(f.ingestor, writes, f.clock)

	r, err := rec.Record(ctx, "dev1", 1.25, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)
	require.Equal(t, model.SourceLive, r.Source)
	require.Equal(t, f.clock.Now().UnixMilli(), r.TimestampUTC)
	require.Len(t, writes.queued, 1)
	require.Equal(t, r, writes.queued[0])

	b := f.bucket(t, "dev1", model.HourMs, at(9, 0))
	require.True(t, b.TotalLiters.Equal(decimal.RequireFromString("1.25")))

	_, err = rec.Record(ctx, "dev1", -3, time.Time{})
	require.ErrorIs(t, err, model.ErrMalformedReading)
	require.Len(t, writes.queued, 1)
}

func TestRecorder_QueueFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.Thresholds{})
	writes := &stubEnqueuer{err: model.ErrStoreUnavailable}
	rec := service.NewRecorder(f.ingestor, writes, f.clock)

	r, err := rec.Record(ctx, "dev1", 2, at(9, 30))
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	require.Empty(t, r.ID)
	require.Empty(t, writes.queued)

	stored, err := f.store.QueryReadings(ctx, "dev1", at(9, 0).UnixMilli(), at(10, 0).UnixMilli())
	require.NoError(t, err)
	require.Empty(t, stored, "a reading that was not queued must not be applied either")
}

func TestRecorder_QueuedEvenWhenLocalApplyFails(t *testing.T) {
	f := newFixture(t, model.Thresholds{})
	writes := &stubEnqueuer{}
	rec := service.NewRecorder(f.ingestor, writes, f.clock)
	f.store.SetUnavailable(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r, err := rec.Record(ctx, "dev1", 2, at(9, 30))
	require.Error(t, err)
	require.Equal(t, at(9, 30).UnixMilli(), r.TimestampUTC)
	require.Len(t, writes.queued, 1)
	require.Equal(t, r, writes.queued[0])
}
