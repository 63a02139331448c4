package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"waterWise/internal/domain/model"
)

// ReadingDTO is the wire form of a reading, shared by the remote backend
// messages and the HTTP API.
type ReadingDTO struct {
	ID           string  `json:"id"`
	DeviceID     string  `json:"deviceId"`
	TimestampUTC int64   `json:"timestampUtc"`
	VolumeLiters float64 `json:"volumeLiters"`
	Source       string  `json:"source"`
	Seq          int64   `json:"seq,omitempty"`
}

// ToModel converts a ReadingDTO to a domain model
func (d *ReadingDTO) ToModel() model.Reading {
	return model.Reading{
		ID:           d.ID,
		DeviceID:     d.DeviceID,
		TimestampUTC: d.TimestampUTC,
		VolumeLiters: d.VolumeLiters,
		Source:       model.Source(d.Source),
		Seq:          d.Seq,
	}
}

// FromModel creates a ReadingDTO from a domain model
func FromModel(r model.Reading) *ReadingDTO {
	return &ReadingDTO{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		TimestampUTC: r.TimestampUTC,
		VolumeLiters: r.VolumeLiters,
		Source:       string(r.Source),
		Seq:          r.Seq,
	}
}

func FromModels(readings []model.Reading) []*ReadingDTO {
	dtos := make([]*ReadingDTO, len(readings))
	for i, r := range readings {
		dtos[i] = FromModel(r)
	}
	return dtos
}

// ParseReading decodes and validates a wire message. Anything that cannot be
// applied is reported as model.ErrMalformedReading.
func ParseReading(data []byte) (model.Reading, error) {
	var d ReadingDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Reading{}, fmt.Errorf("%w: %w", model.ErrMalformedReading, err)
	}
	r := d.ToModel()
	if err := r.Validate(); err != nil {
		return model.Reading{}, err
	}
	return r, nil
}

// BucketDTO is a bucket snapshot for charting clients.
type BucketDTO struct {
	DeviceID       string  `json:"deviceId"`
	BucketStartUTC int64   `json:"bucketStartUtc"`
	BucketSizeMs   int64   `json:"bucketSizeMs"`
	TotalLiters    float64 `json:"totalLiters"`
	ReadingCount   int64   `json:"readingCount"`
	LastUpdatedUTC int64   `json:"lastUpdatedUtc"`
}

func FromBucket(b model.Bucket) BucketDTO {
	return BucketDTO{
		DeviceID:       b.DeviceID,
		BucketStartUTC: b.BucketStartUTC,
		BucketSizeMs:   b.BucketSizeMs,
		TotalLiters:    b.TotalLiters.InexactFloat64(),
		ReadingCount:   b.ReadingCount,
		LastUpdatedUTC: b.LastUpdatedUTC,
	}
}

func FromBuckets(buckets []model.Bucket) []BucketDTO {
	out := make([]BucketDTO, len(buckets))
	for i, b := range buckets {
		out[i] = FromBucket(b)
	}
	return out
}

type AlertDTO struct {
	DeviceID       string  `json:"deviceId"`
	Kind           string  `json:"kind"`
	BucketStartUTC int64   `json:"bucketStartUtc"`
	TriggeredAtUTC int64   `json:"triggeredAtUtc"`
	Value          float64 `json:"value"`
	ThresholdValue float64 `json:"thresholdValue"`
	Revision       int     `json:"revision"`
}

func FromAlert(e model.AlertEvent) AlertDTO {
	return AlertDTO{
		DeviceID:       e.DeviceID,
		Kind:           string(e.Kind),
		BucketStartUTC: e.BucketStartUTC,
		TriggeredAtUTC: e.TriggeredAtUTC,
		Value:          e.Value,
		ThresholdValue: e.ThresholdValue,
		Revision:       e.Revision,
	}
}

func FromAlerts(events []model.AlertEvent) []AlertDTO {
	out := make([]AlertDTO, len(events))
	for i, e := range events {
		out[i] = FromAlert(e)
	}
	return out
}

type DailyUsageDTO struct {
	Date         string  `json:"date"`
	TotalLiters  float64 `json:"totalLiters"`
	ReadingCount int64   `json:"readingCount"`
	LimitLiters  float64 `json:"limitLiters"`
	Percent      float64 `json:"percent"`
}

func FromDailyUsage(u model.DailyUsage) DailyUsageDTO {
	return DailyUsageDTO{
		Date:         u.Date,
		TotalLiters:  u.TotalLiters.InexactFloat64(),
		ReadingCount: u.ReadingCount,
		LimitLiters:  u.LimitLiters,
		Percent:      u.Percent,
	}
}

// RecordRequest is the body of a manual reading recorded through the API.
// Timestamp defaults to now when omitted.
type RecordRequest struct {
	VolumeLiters float64    `json:"volumeLiters"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}
