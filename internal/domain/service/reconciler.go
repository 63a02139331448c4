package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/lib/logger/sl"
	"waterWise/internal/metrics"
)

// RemoteFetcher is the part of the remote backend the reconciler needs.
type RemoteFetcher interface {
	FetchSince(ctx context.Context, deviceID string, afterSeq int64) ([]model.Reading, error)
}

// ReconcileResult summarises one device reconciliation.
type ReconcileResult struct {
	DeviceID string
	Fetched  int
	Applied  int
	Cursor   model.SyncCursor
}

// Reconciler catches a device up with the remote store after a reconnect.
// It fetches everything past the device's cursor, applies it through the
// ingestor, and only then commits the new cursor.
type Reconciler struct {
	remote      RemoteFetcher
	cursors     repository.CursorStore
	ingestor    *Ingestor
	clock       quartz.Clock
	backoff     BackoffConfig
	parallelism int
	metrics     *metrics.Metrics
	log         *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerClock(clock quartz.Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerBackoff(cfg BackoffConfig) ReconcilerOption {
	return func(r *Reconciler) { r.backoff = cfg }
}

// WithParallelism caps how many devices ReconcileAll handles at once.
func WithParallelism(n int) ReconcilerOption {
	return func(r *Reconciler) { r.parallelism = n }
}

func NewReconciler(remote RemoteFetcher, cursors repository.CursorStore, ingestor *Ingestor, log *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		remote:      remote,
		cursors:     cursors,
		ingestor:    ingestor,
		clock:       quartz.NewReal(),
		backoff:     DefaultBackoff(),
		parallelism: 4,
		log:         log.With(slog.String("component", "reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile brings one device up to date. On any failure before the commit
// point the cursor is left where it was, so the next run fetches the same
// readings again and the store discards what was already applied.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string) (res ReconcileResult, err error) {
	res.DeviceID = deviceID
	defer func() {
		r.metrics.ReconcileDone(res.Applied, err)
	}()

	var cur model.SyncCursor
	err = retryStore(ctx, r.backoff, func() error {
		var err error
		cur, err = r.cursors.GetCursor(ctx, deviceID)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("load cursor for %s: %w", deviceID, err)
	}
	cur.DeviceID = deviceID
	res.Cursor = cur

	readings, err := r.remote.FetchSince(ctx, deviceID, cur.Seq)
	if err != nil {
		return res, fmt.Errorf("fetch %s since %d: %w", deviceID, cur.Seq, err)
	}
	res.Fetched = len(readings)
	if len(readings) == 0 {
		return res, nil
	}
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Seq < readings[j].Seq })

	res.Applied, err = r.ingestor.IngestBatch(ctx, deviceID, readings)
	if err != nil {
		return res, fmt.Errorf("apply %s: %w", deviceID, err)
	}

	next := cur
	for _, rd := range readings {
		next = next.Advance(rd)
	}
	if next.Seq <= cur.Seq {
		return res, nil
	}
	next.UpdatedAtUTC = r.clock.Now().UnixMilli()

	err = retryStore(ctx, r.backoff, func() error {
		return r.cursors.CommitCursor(ctx, next)
	})
	if err != nil {
		return res, fmt.Errorf("commit cursor for %s: %w", deviceID, err)
	}
	res.Cursor = next

	r.log.Info("device reconciled",
		slog.String("device", deviceID),
		slog.Int("fetched", res.Fetched),
		slog.Int("applied", res.Applied),
		slog.Int64("cursor", next.Seq),
	)
	return res, nil
}

// ReconcileAll reconciles every device. Devices are independent, a failure on
// one does not stop the others; all failures are returned joined.
func (r *Reconciler) ReconcileAll(ctx context.Context, deviceIDs []string) ([]ReconcileResult, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]ReconcileResult, 0, len(deviceIDs))
		errs    []error
	)
	if r.parallelism > 0 {
		g.SetLimit(r.parallelism)
	}

	for _, id := range deviceIDs {
		g.Go(func() error {
			res, err := r.Reconcile(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("reconcile failed", slog.String("device", id), sl.Err(err))
				}
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].DeviceID < results[j].DeviceID })
	return results, errors.Join(errs...)
}
