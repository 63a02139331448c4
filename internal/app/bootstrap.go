package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"waterWise/config"
	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/domain/service"
	httpserver "waterWise/internal/handlers/http"
	ws "waterWise/internal/handlers/websocket"
	"waterWise/internal/infrastructure/cache"
	"waterWise/internal/infrastructure/queue"
	"waterWise/internal/infrastructure/session"
	"waterWise/internal/infrastructure/storage"
	"waterWise/internal/lib/logger/sl"
	"waterWise/internal/metrics"
)

// store is what every local store driver provides.
type store interface {
	repository.ReadingStore
	io.Closer
}

// cursorBatcher is implemented by cursor stores that can load many cursors
// in one round trip.
type cursorBatcher interface {
	Cursors(ctx context.Context, deviceIDs []string) (map[string]model.SyncCursor, error)
}

// AppContext holds all app dependencies
type AppContext struct {
	Config *config.Config
	Log    *slog.Logger
	Clock  quartz.Clock

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store    repository.ReadingStore
	Cursors  repository.CursorStore
	Queue    repository.WriteQueue
	Backend  repository.RemoteBackend
	Loopback *queue.MemoryBackend // set when the remote driver is the in-process one

	Sizes      model.BucketSizes
	Thresholds model.Thresholds

	Monitor     *service.ThresholdMonitor
	Ingestor    *service.Ingestor
	Reconciler  *service.Reconciler
	Sync        *service.SyncChannel
	History     *service.HistoryService
	Recorder    *service.Recorder
	Broadcaster *ws.WebSocketBroadcaster

	reconcile chan struct{}
	closers   []io.Closer
}

// NewApp initializes the app context with all dependencies
func NewApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*AppContext, error) {
	a := &AppContext{
		Config:    cfg,
		Log:       log,
		Clock:     quartz.NewReal(),
		Registry:  prometheus.NewRegistry(),
		reconcile: make(chan struct{}, 1),
		Sizes: model.BucketSizes{
			HourlyMs: cfg.BucketSizeHourlyMs,
			DailyMs:  cfg.BucketSizeDailyMs,
		},
		Thresholds: model.Thresholds{
			HourlyRateLimit:  cfg.HourlyRateLimit,
			DailyVolumeLimit: cfg.DailyVolumeLimit,
			SilenceTimeoutMs: cfg.SilenceTimeoutMs,
		},
	}

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.Metrics = m

	if err := a.setupStorage(ctx); err != nil {
		a.Cleanup()
		return nil, err
	}
	if err := a.setupRemote(); err != nil {
		a.Cleanup()
		return nil, err
	}
	a.setupServices()
	return a, nil
}

func (a *AppContext) setupStorage(ctx context.Context) error {
	cfg := a.Config

	var st store
	switch cfg.StoreDriver {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		st = repo
		a.Cursors, a.Queue = repo, repo
	case "clickhouse":
		repo, err := storage.NewClickHouseRepository(ctx, storage.ClickHouseConfig{
			Addr:     cfg.ClickhouseAddr,
			Database: cfg.ClickhouseDatabase,
			Username: cfg.ClickhouseUsername,
			Password: cfg.ClickhousePassword,
			Timeout:  cfg.ClickhouseTimeout,
		})
		if err != nil {
			return fmt.Errorf("open clickhouse store: %w", err)
		}
		st = repo
	default:
		repo := storage.NewMemoryRepository()
		st = nopCloser{repo}
		a.Cursors, a.Queue = repo, repo
	}
	a.Store = st
	a.closers = append(a.closers, st)
	a.Log.Info("local store ready", slog.String("driver", cfg.StoreDriver))

	needRedis := cfg.CursorBackend == "redis" || cfg.QueueBackend == "redis" ||
		a.Cursors == nil || a.Queue == nil
	if !needRedis {
		return nil
	}

	redisRepo := cache.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "waterwise")
	a.closers = append(a.closers, redisRepo)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisRepo.Ping(pingCtx); err != nil {
		return fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	if cfg.CursorBackend == "redis" || a.Cursors == nil {
		a.Cursors = redisRepo
	}
	if cfg.QueueBackend == "redis" || a.Queue == nil {
		a.Queue = redisRepo
	}
	a.Log.Info("redis ready", slog.String("addr", cfg.RedisAddr))
	return nil
}

func (a *AppContext) setupRemote() error {
	cfg := a.Config
	tokens := session.NewStaticTokenSource(cfg.SessionUser, cfg.SessionToken, a.Clock)

	switch cfg.RemoteDriver {
	case "kafka":
		a.Backend = queue.NewKafkaBackend(queue.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			BatchSize:     cfg.KafkaBatchSize,
			BatchTimeout:  cfg.KafkaBatchTimeout,
		}, tokens, a.Log)
	default:
		a.Loopback = queue.NewMemoryBackend(tokens)
		a.Backend = a.Loopback
	}
	a.closers = append(a.closers, a.Backend)
	a.Log.Info("remote backend configured", slog.String("driver", cfg.RemoteDriver))
	return nil
}

func (a *AppContext) setupServices() {
	cfg := a.Config
	retry := service.BackoffConfig{
		Base:   time.Duration(cfg.SyncBackoffBaseMs) * time.Millisecond,
		Max:    time.Duration(cfg.SyncBackoffMaxMs) * time.Millisecond,
		Jitter: cfg.SyncBackoffJitter,
	}

	a.Broadcaster = ws.NewWebSocketBroadcaster(a.Log)
	a.Monitor = service.NewThresholdMonitor(a.Store, a.Thresholds, a.Sizes, a.Log,
		service.WithMonitorClock(a.Clock),
		service.WithAlertSink(a.Broadcaster),
		service.WithAlertRetention(time.Duration(cfg.AlertRetentionHours)*time.Hour),
		service.WithMonitorMetrics(a.Metrics),
	)
	aggregator := service.NewAggregator(a.Store, a.Sizes, retry)
	a.Ingestor = service.NewIngestor(a.Store, aggregator, a.Monitor, a.Log,
		service.WithBucketObserver(a.Broadcaster),
		service.WithIngestMetrics(a.Metrics),
		service.WithStoreBackoff(retry),
	)
	a.Reconciler = service.NewReconciler(a.Backend, a.Cursors, a.Ingestor, a.Log,
		service.WithReconcilerClock(a.Clock),
		service.WithReconcilerMetrics(a.Metrics),
		service.WithReconcilerBackoff(retry),
	)
	a.Sync = service.NewSyncChannel(a.Backend, a.Queue, a.Log,
		service.WithSyncClock(a.Clock),
		service.WithReconnectBackoff(retry),
		service.WithFlushInterval(time.Duration(cfg.WriteFlushIntervalMs)*time.Millisecond),
		service.WithSyncMetrics(a.Metrics),
	)
	a.History = service.NewHistoryService(a.Store, a.Thresholds, a.Sizes, a.Clock)
	a.Recorder = service.NewRecorder(a.Ingestor, a.Sync, a.Clock)

	// Every connect, including the first, is followed by a reconcile.
	a.Sync.OnStateChange(func(_, to service.ConnectionState) {
		if to != service.StateConnected {
			return
		}
		select {
		case a.reconcile <- struct{}{}:
		default:
		}
	})
}

// NewHTTPServer builds the API server over the app's services.
func (a *AppContext) NewHTTPServer(addr string) *httpserver.Server {
	return httpserver.NewServer(addr, httpserver.Deps{
		Buckets:   a.Store,
		History:   a.History,
		Recorder:  a.Recorder,
		Alerts:    a.Monitor,
		Sync:      a.Sync,
		WebSocket: a.Broadcaster.Handler(),
		Metrics:   promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),
		Sizes:     a.Sizes,
		Clock:     a.Clock,
		Log:       a.Log,
	})
}

// Run starts the live subscription, the device workers, the silence sweeper
// and the reconcile loop, and blocks until ctx is done or one of them fails.
func (a *AppContext) Run(ctx context.Context) error {
	a.logResumePoints(ctx)

	g, gctx := errgroup.WithContext(ctx)
	sub := a.Sync.Subscribe(gctx, a.Config.DeviceIDs)
	processor := NewEventProcessor(sub.C(), a.Ingestor, a.Config.EventBufferSize, a.Log)

	g.Go(func() error {
		return ignoreCanceled(sub.Wait())
	})
	g.Go(func() error {
		return ignoreCanceled(processor.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.Monitor.RunSweeper(gctx, time.Duration(a.Config.SilenceSweepIntervalMs)*time.Millisecond))
	})
	g.Go(func() error {
		return a.reconcileLoop(gctx)
	})
	return g.Wait()
}

func (a *AppContext) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.reconcile:
		}

		ids, err := a.deviceIDs(ctx)
		if err != nil {
			a.Log.Warn("cannot list devices to reconcile", sl.Err(err))
			continue
		}
		results, err := a.Reconciler.ReconcileAll(ctx, ids)
		if ctx.Err() != nil {
			return nil
		}
		if model.IsFatal(err) {
			return err
		}
		applied := 0
		for _, r := range results {
			applied += r.Applied
		}
		if err != nil {
			a.Log.Warn("reconcile incomplete", slog.Int("devices", len(ids)), slog.Int("applied", applied), sl.Err(err))
			continue
		}
		a.Log.Info("reconcile complete", slog.Int("devices", len(ids)), slog.Int("applied", applied))
	}
}

// deviceIDs is the configured device list, or every device the local store
// has seen when none is configured.
func (a *AppContext) deviceIDs(ctx context.Context) ([]string, error) {
	if len(a.Config.DeviceIDs) > 0 {
		return a.Config.DeviceIDs, nil
	}
	latest, err := a.Store.LatestBuckets(ctx, a.Sizes.HourlyMs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(latest))
	for _, b := range latest {
		ids = append(ids, b.DeviceID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *AppContext) logResumePoints(ctx context.Context) {
	batcher, ok := a.Cursors.(cursorBatcher)
	if !ok || len(a.Config.DeviceIDs) == 0 {
		return
	}
	cursors, err := batcher.Cursors(ctx, a.Config.DeviceIDs)
	if err != nil {
		a.Log.Warn("cannot load sync cursors", sl.Err(err))
		return
	}
	for _, id := range a.Config.DeviceIDs {
		a.Log.Info("resuming device", slog.String("device", id), slog.Int64("cursor", cursors[id].Seq))
	}
}

// PublishDemo writes generated readings to the remote backend as if devices
// had reported them.
func (a *AppContext) PublishDemo(ctx context.Context, readings []model.Reading) error {
	if a.Loopback != nil {
		a.Loopback.Publish(readings...)
		return nil
	}
	return a.Backend.Push(ctx, readings)
}

// Cleanup performs graceful shutdown of all components
func (a *AppContext) Cleanup() {
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.Warn("close failed", sl.Err(err))
		}
	}
	a.closers = nil
	a.Log.Info("all resources cleaned up")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type nopCloser struct {
	repository.ReadingStore
}

func (nopCloser) Close() error { return nil }
