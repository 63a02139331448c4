package queue

import (
	"context"
	"fmt"
	"sync"

	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/infrastructure/session"
)

// MemoryBackend is an in-process remote store. It backs demo mode when no
// Kafka cluster is configured, and lets tests drive disconnects and auth
// rejections. Like a consumer group it remembers the acknowledged sequence
// per device and redelivers anything newer on the next subscription.
type MemoryBackend struct {
	tokens session.TokenSource

	mu         sync.Mutex
	log        []model.Reading
	nextSeq    int64
	acked      map[string]int64
	subs       map[*memorySubscription]struct{}
	pushed     []model.Reading
	offline    bool
	rejectAuth bool
	fetches    int
}

func NewMemoryBackend(tokens session.TokenSource) *MemoryBackend {
	return &MemoryBackend{
		tokens: tokens,
		acked:  make(map[string]int64),
		subs:   make(map[*memorySubscription]struct{}),
	}
}

var _ repository.RemoteBackend = (*MemoryBackend)(nil)

// Publish appends readings to the remote log as if another client wrote them,
// assigning sequences. The stored copies are returned.
func (b *MemoryBackend) Publish(readings ...model.Reading) []model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(readings)
}

func (b *MemoryBackend) publishLocked(readings []model.Reading) []model.Reading {
	out := make([]model.Reading, len(readings))
	for i, r := range readings {
		b.nextSeq++
		r.Seq = b.nextSeq
		b.log = append(b.log, r)
		out[i] = r
	}
	for s := range b.subs {
		s.notify()
	}
	return out
}

// SetOffline simulates losing the connection. Open subscriptions fail with
// model.ErrChannelDisconnected and new calls are refused until it is reset.
func (b *MemoryBackend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
	if offline {
		for s := range b.subs {
			s.broken = true
			s.notify()
		}
	}
}

// RejectAuth makes Connect and Subscribe fail with model.ErrAuthFailure.
func (b *MemoryBackend) RejectAuth(reject bool) {
	b.mu.Lock()
	b.rejectAuth = reject
	b.mu.Unlock()
}

// Pushed returns the readings written through Push.
func (b *MemoryBackend) Pushed() []model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Reading(nil), b.pushed...)
}

// Fetches counts FetchSince calls.
func (b *MemoryBackend) Fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *MemoryBackend) checkLocked() error {
	if b.offline {
		return fmt.Errorf("%w: memory backend offline", model.ErrChannelDisconnected)
	}
	if b.rejectAuth {
		return fmt.Errorf("%w: memory backend rejected session", model.ErrAuthFailure)
	}
	return nil
}

func (b *MemoryBackend) Connect(ctx context.Context) error {
	if b.tokens != nil {
		if _, err := b.tokens.Token(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked()
}

func (b *MemoryBackend) Subscribe(ctx context.Context, deviceIDs []string) (repository.RemoteSubscription, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := &memorySubscription{
		backend: b,
		devices: make(map[string]bool, len(deviceIDs)),
		pos:     make(map[string]int64),
		wake:    make(chan struct{}, 1),
	}
	for _, id := range deviceIDs {
		s.devices[id] = true
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *MemoryBackend) FetchSince(_ context.Context, deviceID string, afterSeq int64) ([]model.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if err := b.checkLocked(); err != nil {
		return nil, err
	}

	var out []model.Reading
	for _, r := range b.log {
		if r.DeviceID == deviceID && r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *MemoryBackend) Push(_ context.Context, readings []model.Reading) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(); err != nil {
		return err
	}
	b.pushed = append(b.pushed, readings...)
	b.publishLocked(readings)
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.broken = true
		s.notify()
	}
	return nil
}

type memorySubscription struct {
	backend *MemoryBackend
	devices map[string]bool // empty means every device
	pos     map[string]int64
	wake    chan struct{}
	broken  bool
	closed  bool
}

func (s *memorySubscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) wants(deviceID string) bool {
	return len(s.devices) == 0 || s.devices[deviceID]
}

// nextLocked picks the oldest reading this subscription has not delivered yet.
func (s *memorySubscription) nextLocked() (model.Reading, bool) {
	for _, r := range s.backend.log {
		if !s.wants(r.DeviceID) {
			continue
		}
		pos, ok := s.pos[r.DeviceID]
		if !ok {
			pos = s.backend.acked[r.DeviceID]
		}
		if r.Seq > pos {
			s.pos[r.DeviceID] = r.Seq
			return r, true
		}
	}
	return model.Reading{}, false
}

func (s *memorySubscription) Next(ctx context.Context) (model.Reading, error) {
	for {
		s.backend.mu.Lock()
		if s.closed {
			s.backend.mu.Unlock()
			return model.Reading{}, fmt.Errorf("%w: subscription closed", model.ErrChannelDisconnected)
		}
		if s.broken {
			s.backend.mu.Unlock()
			return model.Reading{}, fmt.Errorf("%w: memory backend dropped subscription", model.ErrChannelDisconnected)
		}
		r, ok := s.nextLocked()
		s.backend.mu.Unlock()
		if ok {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return model.Reading{}, ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *memorySubscription) Ack(_ context.Context, r model.Reading) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if r.Seq > s.backend.acked[r.DeviceID] {
		s.backend.acked[r.DeviceID] = r.Seq
	}
	return nil
}

func (s *memorySubscription) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.closed = true
	delete(s.backend.subs, s)
	s.notify()
	return nil
}
