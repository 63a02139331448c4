package service

import (
	"context"
	"fmt"
	"log/slog"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/domain/useCases"
	"waterWise/internal/lib/logger/sl"
	"waterWise/internal/metrics"
)

// Ingestor is the one path by which readings reach the local store: append,
// aggregate, evaluate thresholds, notify observers. Live workers, the
// reconciler and local recording all go through it, and it allows a single
// writer per device at a time.
type Ingestor struct {
	store      repository.ReadingStore
	aggregator *Aggregator
	monitor    *ThresholdMonitor
	observers  []useCases.BucketObserver
	locks      *deviceLocks
	backoff    BackoffConfig
	metrics    *metrics.Metrics
	log        *slog.Logger
}

type IngestorOption func(*Ingestor)

func WithBucketObserver(o useCases.BucketObserver) IngestorOption {
	return func(i *Ingestor) { i.observers = append(i.observers, o) }
}

func WithIngestMetrics(m *metrics.Metrics) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

// WithStoreBackoff sets the retry policy for store faults.
func WithStoreBackoff(cfg BackoffConfig) IngestorOption {
	return func(i *Ingestor) { i.backoff = cfg }
}

func NewIngestor(store repository.ReadingStore, aggregator *Aggregator, monitor *ThresholdMonitor, log *slog.Logger, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:      store,
		aggregator: aggregator,
		monitor:    monitor,
		locks:      newDeviceLocks(),
		backoff:    DefaultBackoff(),
		log:        log.With(slog.String("component", "ingestor")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest applies one reading. A replay is reported as model.AppendDuplicate;
// it still makes sure the reading is counted in its buckets, which only
// changes anything when an earlier attempt failed between the append and the
// bucket update. Malformed readings are logged and returned as
// model.ErrMalformedReading.
func (i *Ingestor) Ingest(ctx context.Context, r model.Reading) (model.AppendOutcome, error) {
	if err := i.validate(r); err != nil {
		return model.AppendDuplicate, err
	}
	unlock := i.locks.lock(r.DeviceID)
	defer unlock()

	outcome, buckets, err := i.apply(ctx, r)
	i.publish(ctx, buckets)
	return outcome, err
}

// IngestBatch applies readings of one device in order while holding the
// device's write lock for the whole batch. Malformed readings are skipped.
// It stops at the first other error and returns how many readings were applied.
// Thresholds and observers see each touched bucket once, in its final state.
func (i *Ingestor) IngestBatch(ctx context.Context, deviceID string, readings []model.Reading) (int, error) {
	unlock := i.locks.lock(deviceID)
	defer unlock()

	touched := newBucketSet()
	defer func() { i.publish(ctx, touched.list()) }()

	applied := 0
	for _, r := range readings {
		if r.DeviceID != deviceID {
			return applied, fmt.Errorf("reading %s belongs to %s, not %s", r.ID, r.DeviceID, deviceID)
		}
		if err := i.validate(r); err != nil {
			continue
		}
		_, buckets, err := i.apply(ctx, r)
		touched.add(buckets)
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (i *Ingestor) validate(r model.Reading) error {
	if err := r.Validate(); err != nil {
		i.metrics.ReadingMalformed()
		i.log.Warn("dropping malformed reading", slog.String("device", r.DeviceID), sl.Err(err))
		return err
	}
	return nil
}

// apply stores r and refreshes its buckets. It returns the buckets that
// changed, also when it fails part way.
func (i *Ingestor) apply(ctx context.Context, r model.Reading) (model.AppendOutcome, []model.Bucket, error) {
	var res model.AppendResult
	err := retryStore(ctx, i.backoff, func() error {
		var err error
		res, err = i.store.Append(ctx, r)
		return err
	})
	if err != nil {
		return model.AppendDuplicate, nil, fmt.Errorf("append reading %s: %w", r.ID, err)
	}
	i.metrics.ReadingApplied(res.Outcome.String())

	buckets, err := i.aggregator.OnReading(ctx, r)
	if err != nil {
		return res.Outcome, buckets, err
	}
	if res.Outcome == model.AppendDuplicate && len(buckets) > 0 {
		i.log.Warn("recounted reading missing from its buckets",
			slog.String("device", r.DeviceID),
			slog.Int64("ts", r.TimestampUTC),
		)
	}

	i.log.Debug("reading applied",
		slog.String("device", r.DeviceID),
		slog.Int64("ts", r.TimestampUTC),
		slog.String("outcome", res.Outcome.String()),
	)
	return res.Outcome, buckets, nil
}

func (i *Ingestor) publish(ctx context.Context, buckets []model.Bucket) {
	for _, b := range buckets {
		if i.monitor != nil {
			i.monitor.OnBucketUpdate(ctx, b)
		}
		for _, o := range i.observers {
			o.BucketUpdated(ctx, b)
		}
	}
}

type bucketID struct {
	sizeMs  int64
	startMs int64
}

// bucketSet keeps the latest state of each bucket in first-touched order.
type bucketSet struct {
	order  []bucketID
	latest map[bucketID]model.Bucket
}

func newBucketSet() *bucketSet {
	return &bucketSet{latest: make(map[bucketID]model.Bucket)}
}

func (s *bucketSet) add(buckets []model.Bucket) {
	for _, b := range buckets {
		id := bucketID{sizeMs: b.BucketSizeMs, startMs: b.BucketStartUTC}
		if _, ok := s.latest[id]; !ok {
			s.order = append(s.order, id)
		}
		s.latest[id] = b
	}
}

func (s *bucketSet) list() []model.Bucket {
	out := make([]model.Bucket, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.latest[id])
	}
	return out
}
