package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/service"
	"waterWise/internal/infrastructure/queue"
	"waterWise/internal/infrastructure/storage"
	"waterWise/internal/lib/logger/sl"
)

const waitFor = 2 * time.Second

type stateLog struct {
	mu     sync.Mutex
	states []service.ConnectionState
}

func (l *stateLog) record(_, to service.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) count(s service.ConnectionState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.states {
		if st == s {
			n++
		}
	}
	return n
}

func newSyncChannel(backend *queue.MemoryBackend, q *storage.MemoryRepository) *service.SyncChannel {
	return service.NewSyncChannel(backend, q, sl.Discard(),
		service.WithReconnectBackoff(fastBackoff()),
		service.WithFlushInterval(10*time.Millisecond),
	)
}

func receive(t *testing.T, sub *service.Subscription) service.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		require.True(t, ok, "subscription ended early")
		return d
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}
	return service.Delivery{}
}

func drain(sub *service.Subscription) {
	for range sub.C() {
	}
}

func TestSyncChannel_RedeliversUnackedAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := queue.NewMemoryBackend(nil)
	backend.Publish(reading("dev1", at(9, 0), 1), reading("dev1", at(9, 10), 2))

	ch := newSyncChannel(backend, storage.NewMemoryRepository())
	states := &stateLog{}
	ch.OnStateChange(states.record)
	require.Equal(t, service.StateDisconnected, ch.ConnectionState())

	sub := ch.Subscribe(ctx, []string{"dev1"})

	first := receive(t, sub)
	require.Equal(t, at(9, 0).UnixMilli(), first.Reading.TimestampUTC)
	require.NoError(t, first.Ack(ctx))
	second := receive(t, sub)
	require.Equal(t, at(9, 10).UnixMilli(), second.Reading.TimestampUTC)
	require.Equal(t, service.StateConnected, ch.ConnectionState())

	backend.SetOffline(true)
	require.Eventually(t, func() bool {
		return states.count(service.StateReconnecting) > 0
	}, waitFor, 5*time.Millisecond)
	backend.SetOffline(false)

	again := receive(t, sub)
	require.Equal(t, second.Reading.Key(), again.Reading.Key(), "unacked reading is delivered again")
	require.Equal(t, 2, states.count(service.StateConnected))

	cancel()
	drain(sub)
	require.ErrorIs(t, sub.Wait(), context.Canceled)
	require.Equal(t, service.StateDisconnected, ch.ConnectionState())
}

func TestSyncChannel_AuthFailureIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	backend := queue.NewMemoryBackend(nil)
	backend.RejectAuth(true)

	sub := newSyncChannel(backend, storage.NewMemoryRepository()).Subscribe(ctx, nil)
	drain(sub)
	require.ErrorIs(t, sub.Wait(), model.ErrAuthFailure)
}

func TestSyncChannel_FlushesQueuedWritesWhenConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := queue.NewMemoryBackend(nil)
	backend.SetOffline(true)
	q := storage.NewMemoryRepository()
	ch := newSyncChannel(backend, q)

	recorded := reading("dev1", at(9, 0), 4)
	require.NoError(t, ch.EnqueueWrite(ctx, recorded))
	require.ErrorIs(t, ch.EnqueueWrite(ctx, reading("", at(9, 0), 1)), model.ErrMalformedReading)

	sub := ch.Subscribe(ctx, []string{"dev1"})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for d := range sub.C() {
			_ = d.Ack(ctx)
		}
	}()

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, backend.Pushed(), "nothing is pushed while offline")
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	backend.SetOffline(false)
	require.Eventually(t, func() bool {
		return len(backend.Pushed()) == 1
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, recorded.Key(), backend.Pushed()[0].Key())
	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0
	}, waitFor, 5*time.Millisecond)

	cancel()
	wg.Wait()
	require.ErrorIs(t, sub.Wait(), context.Canceled)
}

// A stream interrupted by a disconnect, with redelivered duplicates and a
// reconcile on reconnect, ends in the same buckets as an uninterrupted one.
func TestSyncChannel_ReconnectMatchesUninterruptedStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readings := []model.Reading{
		reading("dev1", at(9, 0), 1.5),
		reading("dev1", at(9, 15), 2.25),
		reading("dev1", at(9, 30), 0.75),
		reading("dev1", at(10, 5), 3),
		reading("dev1", at(10, 40), 1),
	}

	want := newFixture(t, model.Thresholds{})
	for _, r := range readings {
		_, err := want.ingestor.Ingest(ctx, r)
		require.NoError(t, err)
	}

	got := newFixture(t, model.Thresholds{})
	backend := queue.NewMemoryBackend(nil)
	backend.Publish(readings[:2]...)

	ch := newSyncChannel(backend, got.store)
	rec := newReconciler(got, backend)
	sub := ch.Subscribe(ctx, []string{"dev1"})

	apply := func(d service.Delivery, ack bool) {
		_, err := got.ingestor.Ingest(ctx, d.Reading)
		require.NoError(t, err)
		if ack {
			require.NoError(t, d.Ack(ctx))
		}
	}
	apply(receive(t, sub), true)
	apply(receive(t, sub), false)

	backend.SetOffline(true)
	backend.Publish(readings[2:]...)
	require.Eventually(t, func() bool {
		return ch.ConnectionState() != service.StateConnected
	}, waitFor, 5*time.Millisecond)
	backend.SetOffline(false)

	_, err := rec.Reconcile(ctx, "dev1")
	require.NoError(t, err)

	// Live redelivery of everything after the acked reading; all duplicates now.
	for range readings[1:] {
		apply(receive(t, sub), true)
	}

	for _, ts := range []time.Time{at(9, 0), at(10, 0)} {
		w := want.bucket(t, "dev1", model.HourMs, ts)
		g := got.bucket(t, "dev1", model.HourMs, ts)
		require.True(t, w.TotalLiters.Equal(g.TotalLiters), "hour %s: want %s got %s", ts, w.TotalLiters, g.TotalLiters)
		require.Equal(t, w.ReadingCount, g.ReadingCount)
		require.Equal(t, w.LastUpdatedUTC, g.LastUpdatedUTC)
	}
	wd := want.bucket(t, "dev1", model.DayMs, at(9, 0))
	gd := got.bucket(t, "dev1", model.DayMs, at(9, 0))
	require.True(t, wd.TotalLiters.Equal(gd.TotalLiters))
	require.Equal(t, wd.ReadingCount, gd.ReadingCount)

	cancel()
	drain(sub)
	_ = sub.Wait()
}

func TestConnectionStateString(t *testing.T) {
	require.Equal(t, "DISCONNECTED", service.StateDisconnected.String())
	require.Equal(t, "CONNECTED", service.StateConnected.String())
	require.Equal(t, "RECONNECTING", service.StateReconnecting.String())
}
