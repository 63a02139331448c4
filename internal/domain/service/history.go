package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

const dateLayout = "2006-01-02"

// maxHistoryDays bounds a single DailyHistory request.
const maxHistoryDays = 366

var ErrInvalidRange = errors.New("invalid date range")

// HistoryService answers per-day usage questions from the daily buckets.
type HistoryService struct {
	store      repository.ReadingStore
	thresholds model.Thresholds
	sizes      model.BucketSizes
	clock      quartz.Clock
}

func NewHistoryService(store repository.ReadingStore, thresholds model.Thresholds, sizes model.BucketSizes, clock quartz.Clock) *HistoryService {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &HistoryService{store: store, thresholds: thresholds, sizes: sizes, clock: clock}
}

// DailyHistory returns one entry per daily bucket between from and to
// inclusive, newest first. Days without readings are reported as zero.
func (h *HistoryService) DailyHistory(ctx context.Context, deviceID string, from, to time.Time) ([]model.DailyUsage, error) {
	size := h.sizes.DailyMs
	first := model.BucketStart(from.UTC().UnixMilli(), size)
	last := model.BucketStart(to.UTC().UnixMilli(), size)
	if last < first {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, to.Format(dateLayout), from.Format(dateLayout))
	}
	if (last-first)/size >= maxHistoryDays {
		return nil, fmt.Errorf("%w: more than %d days", ErrInvalidRange, maxHistoryDays)
	}

	buckets, err := h.store.QueryBuckets(ctx, deviceID, size, first, last+size)
	if err != nil {
		return nil, fmt.Errorf("query daily buckets: %w", err)
	}
	byStart := make(map[int64]model.Bucket, len(buckets))
	for _, b := range buckets {
		byStart[b.BucketStartUTC] = b
	}

	days := make([]model.DailyUsage, 0, (last-first)/size+1)
	for start := last; start >= first; start -= size {
		b, ok := byStart[start]
		if !ok {
			b = model.NewBucket(deviceID, start, size)
		}
		days = append(days, h.usage(b))
	}
	return days, nil
}

// Progress is today's usage against the daily limit.
func (h *HistoryService) Progress(ctx context.Context, deviceID string) (model.DailyUsage, error) {
	size := h.sizes.DailyMs
	start := model.BucketStart(h.clock.Now().UnixMilli(), size)

	b, err := h.store.GetOpenBucket(ctx, deviceID, size, start)
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("get today's bucket: %w", err)
	}
	if b == nil {
		empty := model.NewBucket(deviceID, start, size)
		b = &empty
	}
	return h.usage(*b), nil
}

func (h *HistoryService) usage(b model.Bucket) model.DailyUsage {
	return model.DailyUsage{
		DeviceID:     b.DeviceID,
		Date:         time.UnixMilli(b.BucketStartUTC).UTC().Format(dateLayout),
		DayStartUTC:  b.BucketStartUTC,
		TotalLiters:  b.TotalLiters,
		ReadingCount: b.ReadingCount,
		LimitLiters:  h.thresholds.DailyVolumeLimit,
		Percent:      model.UsagePercent(b.TotalLiters, h.thresholds.DailyVolumeLimit),
	}
}
