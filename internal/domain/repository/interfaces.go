// Package repository defines all the repository interfaces used by domain services
// Following the dependency inversion principle, domain logic depends on these interfaces,
// and infrastructure implementations provide concrete implementations
package repository

import (
	"context"

	"waterWise/internal/domain/model"
)

// ReadingStore is the durable local store for readings and buckets
// All I/O failures are reported wrapping model.ErrStoreUnavailable
type ReadingStore interface {
	// Append stores a reading idempotently on (DeviceID, TimestampUTC)
	// A replay of a stored reading returns model.AppendDuplicate and no error,
	// a conflicting reading that wins returns model.AppendReplaced with the loser
	Append(ctx context.Context, r model.Reading) (model.AppendResult, error)

	// QueryReadings returns the device readings in [from, to) ordered by timestamp
	QueryReadings(ctx context.Context, deviceID string, from, to int64) ([]model.Reading, error)

	// UpsertBucket writes the bucket, replacing any bucket with the same device, size and start
	UpsertBucket(ctx context.Context, b model.Bucket) error

	// GetOpenBucket returns the bucket with the given size starting at bucketStart,
	// or nil when nothing has been aggregated into it yet
	GetOpenBucket(ctx context.Context, deviceID string, sizeMs, bucketStart int64) (*model.Bucket, error)

	// QueryBuckets returns buckets of one size whose start lies in [from, to), ascending
	QueryBuckets(ctx context.Context, deviceID string, sizeMs, from, to int64) ([]model.Bucket, error)

	// LatestBuckets returns the newest bucket of the given size for every known device
	// This is what the silence sweep scans
	LatestBuckets(ctx context.Context, sizeMs int64) ([]model.Bucket, error)
}

// CursorStore persists the per-device sync cursor
type CursorStore interface {
	// GetCursor returns the stored cursor, or a zero cursor for unknown devices
	GetCursor(ctx context.Context, deviceID string) (model.SyncCursor, error)

	// CommitCursor durably stores the cursor
	// Callers only commit after every reading up to the cursor has been applied
	CommitCursor(ctx context.Context, c model.SyncCursor) error
}

// WriteQueue is the durable outbox of locally created readings waiting to be pushed
// It has a single consumer, so Peek followed by Ack is safe
type WriteQueue interface {
	Enqueue(ctx context.Context, r model.Reading) error
	// Peek returns up to n readings from the head without removing them
	Peek(ctx context.Context, n int) ([]model.Reading, error)
	// Ack removes n readings from the head
	Ack(ctx context.Context, n int) error
	Len(ctx context.Context) (int, error)
}

// RemoteBackend is the remote real-time store
// Connection faults wrap model.ErrChannelDisconnected, rejected sessions wrap model.ErrAuthFailure
type RemoteBackend interface {
	// Connect checks reachability and the session
	Connect(ctx context.Context) error

	// Subscribe opens a live stream for the devices
	// Readings not acknowledged before the subscription ends are delivered again later
	Subscribe(ctx context.Context, deviceIDs []string) (RemoteSubscription, error)

	// FetchSince returns the device readings with a remote sequence greater than afterSeq,
	// ordered by sequence
	FetchSince(ctx context.Context, deviceID string, afterSeq int64) ([]model.Reading, error)

	// Push writes locally created readings to the backend
	Push(ctx context.Context, readings []model.Reading) error

	Close() error
}

// RemoteSubscription is one live session of a RemoteBackend subscription
type RemoteSubscription interface {
	// Next blocks until the next reading arrives
	Next(ctx context.Context) (model.Reading, error)
	// Ack marks a delivered reading as durably applied
	Ack(ctx context.Context, r model.Reading) error
	Close() error
}
