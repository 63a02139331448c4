package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

var baseTS = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

func reading(device string, offset time.Duration, liters float64) model.Reading {
	ts := baseTS + offset.Milliseconds()
	return model.Reading{
		ID:           fmt.Sprintf("%s-%d", device, ts),
		DeviceID:     device,
		TimestampUTC: ts,
		VolumeLiters: liters,
		Source:       model.SourceLive,
	}
}

// testReadingStore exercises the ReadingStore contract against any driver.
// device must be unique per run for drivers backed by shared databases.
func testReadingStore(t *testing.T, store repository.ReadingStore, device string) {
	ctx := context.Background()

	t.Run("append is idempotent", func(t *testing.T) {
		r := reading(device, time.Minute, 5)

		res, err := store.Append(ctx, r)
		require.NoError(t, err)
		require.Equal(t, model.AppendAccepted, res.Outcome)

		res, err = store.Append(ctx, r)
		require.NoError(t, err)
		require.Equal(t, model.AppendDuplicate, res.Outcome)

		got, err := store.QueryReadings(ctx, device, baseTS, baseTS+model.HourMs)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, r.ID, got[0].ID)
	})

	t.Run("conflicting reading replaces by priority", func(t *testing.T) {
		live := reading(device, 2*time.Minute, 3)
		_, err := store.Append(ctx, live)
		require.NoError(t, err)

		backfill := live
		backfill.ID = "backfill-" + live.ID
		backfill.Source = model.SourceBackfill
		backfill.VolumeLiters = 9
		res, err := store.Append(ctx, backfill)
		require.NoError(t, err)
		require.Equal(t, model.AppendDuplicate, res.Outcome)

		corrected := live
		corrected.ID = "corrected-" + live.ID
		corrected.VolumeLiters = 4
		res, err = store.Append(ctx, corrected)
		require.NoError(t, err)
		require.Equal(t, model.AppendReplaced, res.Outcome)
		require.NotNil(t, res.Previous)
		require.Equal(t, 3.0, res.Previous.VolumeLiters)

		got, err := store.QueryReadings(ctx, device, live.TimestampUTC, live.TimestampUTC+1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, corrected.ID, got[0].ID)
	})

	t.Run("buckets round trip", func(t *testing.T) {
		missing, err := store.GetOpenBucket(ctx, device, model.HourMs, baseTS)
		require.NoError(t, err)
		require.Nil(t, missing)

		first := model.Bucket{
			DeviceID:       device,
			BucketStartUTC: baseTS,
			BucketSizeMs:   model.HourMs,
			TotalLiters:    decimal.RequireFromString("11.5"),
			ReadingCount:   2,
			LastUpdatedUTC: baseTS + 30*time.Minute.Milliseconds(),
		}
		require.NoError(t, store.UpsertBucket(ctx, first))

		second := first
		second.BucketStartUTC = baseTS + model.HourMs
		second.TotalLiters = decimal.NewFromInt(1)
		second.ReadingCount = 1
		require.NoError(t, store.UpsertBucket(ctx, second))

		first.ReadingCount = 3
		first.TotalLiters = decimal.RequireFromString("12.5")
		require.NoError(t, store.UpsertBucket(ctx, first))

		got, err := store.GetOpenBucket(ctx, device, model.HourMs, baseTS)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, int64(3), got.ReadingCount)
		require.True(t, got.TotalLiters.Equal(decimal.RequireFromString("12.5")))

		all, err := store.QueryBuckets(ctx, device, model.HourMs, baseTS, baseTS+2*model.HourMs)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, baseTS, all[0].BucketStartUTC)

		latest, err := store.LatestBuckets(ctx, model.HourMs)
		require.NoError(t, err)
		var found bool
		for _, b := range latest {
			if b.DeviceID == device {
				found = true
				require.Equal(t, second.BucketStartUTC, b.BucketStartUTC)
			}
		}
		require.True(t, found)
	})

	t.Run("bucket totals stay exact", func(t *testing.T) {
		total := decimal.Zero
		for i := 0; i < 10; i++ {
			total = total.Add(decimal.NewFromFloat(0.1))
		}
		total = total.Add(decimal.RequireFromString("0.000001"))

		daily := model.NewBucket(device, baseTS, model.DayMs)
		daily.TotalLiters = total
		daily.ReadingCount = 11
		daily.LastUpdatedUTC = baseTS
		require.NoError(t, store.UpsertBucket(ctx, daily))

		got, err := store.GetOpenBucket(ctx, device, model.DayMs, daily.BucketStartUTC)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.True(t, got.TotalLiters.Equal(decimal.RequireFromString("1.000001")), "got %s", got.TotalLiters)
	})
}

func testCursorStore(t *testing.T, store repository.CursorStore, device string) {
	ctx := context.Background()

	c, err := store.GetCursor(ctx, device)
	require.NoError(t, err)
	require.Equal(t, device, c.DeviceID)
	require.Zero(t, c.Seq)

	require.NoError(t, store.CommitCursor(ctx, model.SyncCursor{DeviceID: device, Seq: 42, TimestampUTC: baseTS, UpdatedAtUTC: 1}))
	c, err = store.GetCursor(ctx, device)
	require.NoError(t, err)
	require.Equal(t, int64(42), c.Seq)
	require.Equal(t, baseTS, c.TimestampUTC)
}

func testWriteQueue(t *testing.T, q repository.WriteQueue) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, reading("queued", time.Duration(i)*time.Second, float64(i))))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	head, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, head, 2)
	require.Equal(t, baseTS, head[0].TimestampUTC)

	require.NoError(t, q.Ack(ctx, 2))
	rest, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, 2.0, rest[0].VolumeLiters)
}
