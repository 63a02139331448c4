package model

import "fmt"

type AlertKind string

const (
	AlertRateExceeded       AlertKind = "RATE_EXCEEDED"
	AlertDailyLimitExceeded AlertKind = "DAILY_LIMIT_EXCEEDED"
	AlertSensorSilent       AlertKind = "SENSOR_SILENT"
)

// AlertEvent is emitted once per (device, kind, bucket). Revision grows when a
// late reading changes the value of an alert on a closed bucket.
type AlertEvent struct {
	DeviceID       string
	Kind           AlertKind
	BucketStartUTC int64
	TriggeredAtUTC int64
	Value          float64
	ThresholdValue float64
	Revision       int
}

type AlertKey struct {
	DeviceID       string
	Kind           AlertKind
	BucketStartUTC int64
}

func (e AlertEvent) Key() AlertKey {
	return AlertKey{DeviceID: e.DeviceID, Kind: e.Kind, BucketStartUTC: e.BucketStartUTC}
}

func (e AlertEvent) String() string {
	return fmt.Sprintf("%s %s@%d value=%.3f threshold=%.3f rev=%d",
		e.DeviceID, e.Kind, e.BucketStartUTC, e.Value, e.ThresholdValue, e.Revision)
}

// Thresholds configures the monitor.
type Thresholds struct {
	HourlyRateLimit  float64 // liters per hour
	DailyVolumeLimit float64 // liters per daily bucket
	SilenceTimeoutMs int64
}
