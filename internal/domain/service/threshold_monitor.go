package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/domain/useCases"
	"waterWise/internal/lib/logger/sl"
	"waterWise/internal/metrics"
)

type MonitorState string

const (
	StateArmed     MonitorState = "ARMED"
	StateTriggered MonitorState = "TRIGGERED"
)

// Breach is a threshold crossed by a bucket.
type Breach struct {
	Kind      model.AlertKind
	Value     float64
	Threshold float64
}

// Evaluate checks a bucket against the thresholds that apply to its size.
// Hourly buckets are checked for rate, daily buckets for volume.
func Evaluate(b model.Bucket, th model.Thresholds, sizes model.BucketSizes) []Breach {
	var out []Breach
	if b.BucketSizeMs == sizes.HourlyMs && th.HourlyRateLimit > 0 {
		if rate := b.RatePerHour(); rate > th.HourlyRateLimit {
			out = append(out, Breach{Kind: model.AlertRateExceeded, Value: rate, Threshold: th.HourlyRateLimit})
		}
	}
	if b.BucketSizeMs == sizes.DailyMs && th.DailyVolumeLimit > 0 {
		if total := b.TotalLiters.InexactFloat64(); total > th.DailyVolumeLimit {
			out = append(out, Breach{Kind: model.AlertDailyLimitExceeded, Value: total, Threshold: th.DailyVolumeLimit})
		}
	}
	return out
}

// ThresholdMonitor turns bucket updates into alert events. It emits at most
// one event per (device, kind, bucket); a later change to a closed bucket
// produces a new revision of that event instead of a second alert.
type ThresholdMonitor struct {
	store      repository.ReadingStore
	thresholds model.Thresholds
	sizes      model.BucketSizes
	sink       useCases.AlertSink
	clock      quartz.Clock
	retention  time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu     sync.Mutex
	alerts map[model.AlertKey]model.AlertEvent
	silent map[string]bool // devices found silent by the last sweep
}

type MonitorOption func(*ThresholdMonitor)

func WithMonitorClock(clock quartz.Clock) MonitorOption {
	return func(m *ThresholdMonitor) { m.clock = clock }
}

func WithAlertSink(sink useCases.AlertSink) MonitorOption {
	return func(m *ThresholdMonitor) { m.sink = sink }
}

// WithAlertRetention bounds how long emitted alerts are remembered for dedup.
func WithAlertRetention(d time.Duration) MonitorOption {
	return func(m *ThresholdMonitor) { m.retention = d }
}

func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *ThresholdMonitor) { m.metrics = mt }
}

func NewThresholdMonitor(store repository.ReadingStore, thresholds model.Thresholds, sizes model.BucketSizes, log *slog.Logger, opts ...MonitorOption) *ThresholdMonitor {
	m := &ThresholdMonitor{
		store:      store,
		thresholds: thresholds,
		sizes:      sizes,
		clock:      quartz.NewReal(),
		retention:  7 * 24 * time.Hour,
		log:        log.With(slog.String("component", "threshold_monitor")),
		alerts:     make(map[model.AlertKey]model.AlertEvent),
		silent:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnBucketUpdate evaluates an updated bucket and returns the events it emitted.
func (m *ThresholdMonitor) OnBucketUpdate(ctx context.Context, b model.Bucket) []model.AlertEvent {
	breaches := Evaluate(b, m.thresholds, m.sizes)
	if len(breaches) == 0 {
		return nil
	}
	now := m.clock.Now().UnixMilli()

	var emitted []model.AlertEvent
	m.mu.Lock()
	for _, br := range breaches {
		key := model.AlertKey{DeviceID: b.DeviceID, Kind: br.Kind, BucketStartUTC: b.BucketStartUTC}
		ev, seen := m.alerts[key]
		switch {
		case !seen:
			ev = model.AlertEvent{
				DeviceID:       b.DeviceID,
				Kind:           br.Kind,
				BucketStartUTC: b.BucketStartUTC,
				TriggeredAtUTC: now,
				Value:          br.Value,
				ThresholdValue: br.Threshold,
				Revision:       1,
			}
		case b.IsClosed(now) && ev.Value != br.Value:
			ev.Value = br.Value
			ev.TriggeredAtUTC = now
			ev.Revision++
		default:
			continue
		}
		m.alerts[key] = ev
		emitted = append(emitted, ev)
	}
	m.mu.Unlock()

	for _, ev := range emitted {
		m.emit(ctx, ev)
	}
	return emitted
}

func (m *ThresholdMonitor) emit(ctx context.Context, ev model.AlertEvent) {
	m.log.Info("alert",
		slog.String("device", ev.DeviceID),
		slog.String("kind", string(ev.Kind)),
		slog.Int64("bucket_start", ev.BucketStartUTC),
		slog.Float64("value", ev.Value),
		slog.Float64("threshold", ev.ThresholdValue),
		slog.Int("revision", ev.Revision),
	)
	m.metrics.AlertEmitted(string(ev.Kind))
	if m.sink != nil {
		m.sink.PublishAlert(ctx, ev)
	}
}

// Sweep raises SENSOR_SILENT for devices whose newest hourly bucket has not
// seen a reading for longer than the silence timeout. The alert is keyed to
// that bucket, so a silence episode alerts once until the device reports
// again. Expired dedup entries are pruned on the way.
func (m *ThresholdMonitor) Sweep(ctx context.Context) ([]model.AlertEvent, error) {
	timeout := m.thresholds.SilenceTimeoutMs
	if timeout <= 0 {
		return nil, nil
	}
	latest, err := m.store.LatestBuckets(ctx, m.sizes.HourlyMs)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UnixMilli()

	active := make(map[model.AlertKey]bool, len(latest))
	var emitted []model.AlertEvent
	m.mu.Lock()
	for _, b := range latest {
		key := model.AlertKey{DeviceID: b.DeviceID, Kind: model.AlertSensorSilent, BucketStartUTC: b.BucketStartUTC}
		active[key] = true

		silent := now - b.LastUpdatedUTC
		if silent <= timeout {
			delete(m.silent, b.DeviceID)
			continue
		}
		m.silent[b.DeviceID] = true
		if _, seen := m.alerts[key]; seen {
			continue
		}
		ev := model.AlertEvent{
			DeviceID:       b.DeviceID,
			Kind:           model.AlertSensorSilent,
			BucketStartUTC: b.BucketStartUTC,
			TriggeredAtUTC: now,
			Value:          float64(silent),
			ThresholdValue: float64(timeout),
			Revision:       1,
		}
		m.alerts[key] = ev
		emitted = append(emitted, ev)
	}
	m.pruneLocked(now, active)
	m.mu.Unlock()

	for _, ev := range emitted {
		m.emit(ctx, ev)
	}
	return emitted, nil
}

// pruneLocked forgets alerts on buckets older than the retention, except a
// silence alert that still belongs to a device's newest bucket.
func (m *ThresholdMonitor) pruneLocked(now int64, keep map[model.AlertKey]bool) {
	if m.retention <= 0 {
		return
	}
	cutoff := now - m.retention.Milliseconds()
	for key := range m.alerts {
		if key.BucketStartUTC < cutoff && !keep[key] {
			delete(m.alerts, key)
		}
	}
}

// RunSweeper sweeps every interval until ctx is done.
func (m *ThresholdMonitor) RunSweeper(ctx context.Context, interval time.Duration) error {
	w := m.clock.TickerFunc(ctx, interval, func() error {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("silence sweep failed", sl.Err(err))
		}
		return nil
	}, "monitor", "sweep")
	return w.Wait()
}

// State reports whether kind is TRIGGERED for the device's current bucket.
// Silence is TRIGGERED while the last sweep found the device silent.
func (m *ThresholdMonitor) State(deviceID string, kind model.AlertKind) MonitorState {
	size := m.sizes.HourlyMs
	if kind == model.AlertDailyLimitExceeded {
		size = m.sizes.DailyMs
	}
	now := m.clock.Now().UnixMilli()
	key := model.AlertKey{DeviceID: deviceID, Kind: kind, BucketStartUTC: model.BucketStart(now, size)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == model.AlertSensorSilent {
		if m.silent[deviceID] {
			return StateTriggered
		}
		return StateArmed
	}
	if _, ok := m.alerts[key]; ok {
		return StateTriggered
	}
	return StateArmed
}

// Alerts returns the remembered alerts, newest bucket first. An empty
// deviceID returns every device.
func (m *ThresholdMonitor) Alerts(deviceID string) []model.AlertEvent {
	m.mu.Lock()
	out := make([]model.AlertEvent, 0, len(m.alerts))
	for _, ev := range m.alerts {
		if deviceID == "" || ev.DeviceID == deviceID {
			out = append(out, ev)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStartUTC != out[j].BucketStartUTC {
			return out[i].BucketStartUTC > out[j].BucketStartUTC
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
