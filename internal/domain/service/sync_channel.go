package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/lib/logger/sl"
	"waterWise/internal/metrics"
)

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// StateListener is called synchronously on every state transition and must
// not block.
type StateListener func(from, to ConnectionState)

// Delivery is a reading received from the remote store. Ack it once the
// reading has been applied; unacknowledged readings are delivered again
// after a reconnect.
type Delivery struct {
	Reading model.Reading
	ack     func(ctx context.Context) error
}

func NewDelivery(r model.Reading, ack func(ctx context.Context) error) Delivery {
	return Delivery{Reading: r, ack: ack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Subscription is the restartable stream returned by SyncChannel.Subscribe.
// C is closed when the stream ends for good; Wait then reports why.
type Subscription struct {
	c    chan Delivery
	done chan struct{}
	err  error
}

func (s *Subscription) C() <-chan Delivery {
	return s.c
}

// Wait blocks until the stream has ended and returns ctx.Err() or the fatal
// error that ended it.
func (s *Subscription) Wait() error {
	<-s.done
	return s.err
}

// SyncChannel keeps a live subscription to the remote backend across
// disconnects and pushes locally recorded readings from the write queue
// while connected.
type SyncChannel struct {
	backend       repository.RemoteBackend
	queue         repository.WriteQueue
	clock         quartz.Clock
	backoff       BackoffConfig
	flushInterval time.Duration
	flushBatch    int
	metrics       *metrics.Metrics
	log           *slog.Logger

	state     atomic.Int32
	mu        sync.Mutex
	listeners []StateListener
	kick      chan struct{}
}

type SyncOption func(*SyncChannel)

func WithSyncClock(clock quartz.Clock) SyncOption {
	return func(c *SyncChannel) { c.clock = clock }
}

// WithReconnectBackoff sets the reconnect policy.
func WithReconnectBackoff(cfg BackoffConfig) SyncOption {
	return func(c *SyncChannel) { c.backoff = cfg }
}

// WithFlushInterval sets how often the write queue is drained while connected.
func WithFlushInterval(d time.Duration) SyncOption {
	return func(c *SyncChannel) { c.flushInterval = d }
}

func WithSyncMetrics(m *metrics.Metrics) SyncOption {
	return func(c *SyncChannel) { c.metrics = m }
}

func NewSyncChannel(backend repository.RemoteBackend, queue repository.WriteQueue, log *slog.Logger, opts ...SyncOption) *SyncChannel {
	c := &SyncChannel{
		backend:       backend,
		queue:         queue,
		clock:         quartz.NewReal(),
		backoff:       DefaultBackoff(),
		flushInterval: 5 * time.Second,
		flushBatch:    100,
		log:           log.With(slog.String("component", "sync_channel")),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SyncChannel) ConnectionState() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *SyncChannel) OnStateChange(fn StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *SyncChannel) setState(to ConnectionState) {
	from := ConnectionState(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.metrics.SetConnected(to == StateConnected)
	c.log.Info("sync state changed", slog.String("from", from.String()), slog.String("to", to.String()))

	c.mu.Lock()
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// EnqueueWrite durably queues a locally recorded reading for the backend.
func (c *SyncChannel) EnqueueWrite(ctx context.Context, r model.Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, r); err != nil {
		return fmt.Errorf("enqueue write %s: %w", r.ID, err)
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe starts the stream for the given devices (all devices when empty).
// The caller must drain C until it is closed.
func (c *SyncChannel) Subscribe(ctx context.Context, deviceIDs []string) *Subscription {
	sub := &Subscription{c: make(chan Delivery), done: make(chan struct{})}
	go func() {
		sub.err = c.run(ctx, deviceIDs, sub.c)
		close(sub.c)
		close(sub.done)
	}()
	return sub
}

func (c *SyncChannel) run(ctx context.Context, deviceIDs []string, out chan<- Delivery) error {
	bo := c.backoff.New()
	for {
		err := c.session(ctx, deviceIDs, out, bo.Reset)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.finalFlush()
			return ctx.Err()
		}
		c.setState(StateDisconnected)
		if errors.Is(err, model.ErrAuthFailure) {
			c.log.Error("sync channel stopped, session rejected", sl.Err(err))
			return err
		}

		delay := bo.NextBackOff()
		c.log.Warn("sync channel disconnected", sl.Err(err), slog.Duration("retry_in", delay))
		c.setState(StateReconnecting)
		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateDisconnected)
			c.finalFlush()
			return err
		}
	}
}

func (c *SyncChannel) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d, "sync", "backoff")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// session runs one connected period and returns why it ended.
func (c *SyncChannel) session(ctx context.Context, deviceIDs []string, out chan<- Delivery, connected func()) error {
	if err := c.backend.Connect(ctx); err != nil {
		return err
	}
	sub, err := c.backend.Subscribe(ctx, deviceIDs)
	if err != nil {
		return err
	}
	defer sub.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	flushErr := make(chan error, 1)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}
	defer stop()

	c.setState(StateConnected)
	connected()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.flushLoop(sessCtx); err != nil && sessCtx.Err() == nil {
			flushErr <- err
			cancel()
		}
	}()

	ended := func(err error) error {
		stop()
		select {
		case ferr := <-flushErr:
			return ferr
		default:
			return err
		}
	}

	for {
		r, err := sub.Next(sessCtx)
		if err != nil {
			return ended(err)
		}
		if err := r.Validate(); err != nil {
			c.metrics.ReadingMalformed()
			c.log.Warn("dropping malformed reading from backend", sl.Err(err))
			_ = sub.Ack(sessCtx, r)
			continue
		}

		d := NewDelivery(r, func(ctx context.Context) error { return sub.Ack(ctx, r) })
		select {
		case out <- d:
		case <-sessCtx.Done():
			return ended(sessCtx.Err())
		}
	}
}

func (c *SyncChannel) flushLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.flushInterval, "sync", "flush")
	defer ticker.Stop()

	for {
		if err := c.flush(ctx); err != nil {
			if !errors.Is(err, model.ErrStoreUnavailable) {
				return err
			}
			c.log.Warn("write queue unavailable", sl.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.kick:
		}
	}
}

// flush pushes queued writes in batches until the queue is empty. A batch is
// removed from the queue only after the backend accepted it.
func (c *SyncChannel) flush(ctx context.Context) error {
	for {
		batch, err := c.queue.Peek(ctx, c.flushBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := c.backend.Push(ctx, batch); err != nil {
			return fmt.Errorf("push %d queued readings: %w", len(batch), err)
		}
		if err := c.queue.Ack(ctx, len(batch)); err != nil {
			return err
		}
		c.metrics.QueueFlushed(len(batch))
		c.log.Debug("flushed write queue", slog.Int("readings", len(batch)))
		if len(batch) < c.flushBatch {
			return nil
		}
	}
}

// finalFlush makes one bounded attempt to push what is left on shutdown.
// Whatever fails stays in the durable queue for the next start.
func (c *SyncChannel) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := c.queue.Len(ctx)
	if err != nil || n == 0 {
		return
	}
	if err := c.flush(ctx); err != nil {
		left, _ := c.queue.Len(ctx)
		c.log.Warn("write queue kept for next start", slog.Int("pending", left), sl.Err(err))
	}
}
