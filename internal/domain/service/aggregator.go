// Package service provides implementations of domain services that implement core business logic
// This package depends only on domain models and repository interfaces (not implementations)
package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
)

// Aggregator keeps the hourly and daily buckets in line with the readings in
// the local store. It keeps no state of its own: a bucket is always rebuilt
// from the readings stored in its window.
type Aggregator struct {
	store   repository.ReadingStore
	sizes   model.BucketSizes
	backoff BackoffConfig
}

func NewAggregator(store repository.ReadingStore, sizes model.BucketSizes, retry BackoffConfig) *Aggregator {
	return &Aggregator{store: store, sizes: sizes, backoff: retry}
}

// OnReading refreshes every bucket containing the stored reading r and
// returns the buckets whose contents changed. Calling it again for a reading
// that is already counted changes nothing, so it is also how a reading whose
// earlier aggregation failed gets counted on redelivery. Each bucket is
// retried on its own.
func (a *Aggregator) OnReading(ctx context.Context, r model.Reading) ([]model.Bucket, error) {
	sizes := a.sizes.All()
	out := make([]model.Bucket, 0, len(sizes))
	for _, size := range sizes {
		var (
			updated model.Bucket
			changed bool
		)
		err := retryStore(ctx, a.backoff, func() error {
			var err error
			updated, changed, err = a.refresh(ctx, r.DeviceID, r.TimestampUTC, size)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("aggregate %s into %dms bucket: %w", r.ID, size, err)
		}
		if changed {
			out = append(out, updated)
		}
	}
	return out, nil
}

func (a *Aggregator) refresh(ctx context.Context, deviceID string, ts, size int64) (model.Bucket, bool, error) {
	b := model.NewBucket(deviceID, ts, size)
	readings, err := a.store.QueryReadings(ctx, deviceID, b.BucketStartUTC, b.EndUTC())
	if err != nil {
		return model.Bucket{}, false, err
	}
	existing, err := a.store.GetOpenBucket(ctx, deviceID, size, b.BucketStartUTC)
	if err != nil {
		return model.Bucket{}, false, err
	}

	for _, rd := range readings {
		b.TotalLiters = b.TotalLiters.Add(decimal.NewFromFloat(rd.VolumeLiters))
		b.ReadingCount++
		if rd.TimestampUTC > b.LastUpdatedUTC {
			b.LastUpdatedUTC = rd.TimestampUTC
		}
	}
	b.TotalLiters = b.TotalLiters.Round(model.LitersScale)

	switch {
	case existing == nil && len(readings) == 0:
		return b, false, nil
	case existing != nil && sameContents(*existing, b):
		return *existing, false, nil
	}
	if err := a.store.UpsertBucket(ctx, b); err != nil {
		return model.Bucket{}, false, err
	}
	return b, true, nil
}

func sameContents(a, b model.Bucket) bool {
	return a.TotalLiters.Equal(b.TotalLiters) &&
		a.ReadingCount == b.ReadingCount &&
		a.LastUpdatedUTC == b.LastUpdatedUTC
}
