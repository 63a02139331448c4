package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	HourMs = int64(time.Hour / time.Millisecond)
	DayMs  = 24 * HourMs
)

// LitersScale is the number of decimal places bucket totals are kept to.
const LitersScale = 6

// BucketSizes holds the configured widths of the hourly and daily buckets.
type BucketSizes struct {
	HourlyMs int64
	DailyMs  int64
}

func DefaultBucketSizes() BucketSizes {
	return BucketSizes{HourlyMs: HourMs, DailyMs: DayMs}
}

// All returns the distinct configured sizes, hourly first.
func (s BucketSizes) All() []int64 {
	if s.HourlyMs == s.DailyMs {
		return []int64{s.HourlyMs}
	}
	return []int64{s.HourlyMs, s.DailyMs}
}

// Bucket is a time-aligned aggregate of readings for one device.
type Bucket struct {
	DeviceID       string
	BucketStartUTC int64
	BucketSizeMs   int64
	TotalLiters    decimal.Decimal
	ReadingCount   int64
	LastUpdatedUTC int64 // newest reading timestamp applied
}

// BucketStart aligns ts down to a multiple of size counted from the epoch.
func BucketStart(ts, size int64) int64 {
	start := ts - ts%size
	if ts < 0 && ts%size != 0 {
		start -= size
	}
	return start
}

// NewBucket returns an empty bucket that contains ts.
func NewBucket(deviceID string, ts, size int64) Bucket {
	return Bucket{
		DeviceID:       deviceID,
		BucketStartUTC: BucketStart(ts, size),
		BucketSizeMs:   size,
		TotalLiters:    decimal.Zero,
	}
}

func (b Bucket) EndUTC() int64 {
	return b.BucketStartUTC + b.BucketSizeMs
}

func (b Bucket) Contains(ts int64) bool {
	return ts >= b.BucketStartUTC && ts < b.EndUTC()
}

// IsClosed reports whether the bucket's window has fully elapsed at nowMs.
func (b Bucket) IsClosed(nowMs int64) bool {
	return nowMs >= b.EndUTC()
}

// RatePerHour is the bucket volume normalised to liters per hour over the
// bucket span.
func (b Bucket) RatePerHour() float64 {
	if b.BucketSizeMs <= 0 {
		return 0
	}
	return b.TotalLiters.
		Mul(decimal.NewFromInt(HourMs)).
		Div(decimal.NewFromInt(b.BucketSizeMs)).
		InexactFloat64()
}
