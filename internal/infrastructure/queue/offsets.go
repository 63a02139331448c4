package queue

import (
	"sort"
	"sync"
)

// offsetTracker follows delivered and processed offsets per partition. Kafka
// commits are positional, so only the highest offset below which everything
// has been processed may be committed; committing a later offset would drop
// readings still in flight on another device worker.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]map[int64]bool
	done  int
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]map[int64]bool)}
}

func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[partition]
	if !ok {
		p = make(map[int64]bool)
		t.parts[partition] = p
	}
	p[offset] = false
}

func (t *offsetTracker) markDone(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[partition]
	if !ok {
		return
	}
	if done, tracked := p[offset]; tracked && !done {
		p[offset] = true
		t.done++
	}
}

// pendingDone is the number of processed offsets not yet released by watermarks.
func (t *offsetTracker) pendingDone() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// watermarks returns, per partition, the highest offset whose predecessors are
// all processed, and forgets those offsets.
func (t *offsetTracker) watermarks() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[int]int64)
	for partition, p := range t.parts {
		offsets := make([]int64, 0, len(p))
		for off := range p {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

		mark := int64(-1)
		for _, off := range offsets {
			if !p[off] {
				break
			}
			mark = off
			delete(p, off)
			t.done--
		}
		if mark >= 0 {
			out[partition] = mark
		}
	}
	return out
}
