package model

import (
	"fmt"
	"math"
	"time"
)

// Source tells where a reading originated.
type Source string

const (
	SourceLive     Source = "LIVE"
	SourceBackfill Source = "BACKFILL"
)

// Priority orders sources for conflict resolution, higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceLive:
		return 2
	case SourceBackfill:
		return 1
	default:
		return 0
	}
}

func (s Source) Valid() bool {
	return s == SourceLive || s == SourceBackfill
}

// Reading is a single meter sample reported by a device.
type Reading struct {
	ID           string
	DeviceID     string
	TimestampUTC int64 // ms since epoch
	VolumeLiters float64
	Source       Source
	Seq          int64 // remote sequence, 0 when not yet known
}

// ReadingKey is the identity of a reading inside the local store.
type ReadingKey struct {
	DeviceID     string
	TimestampUTC int64
}

func (r Reading) Key() ReadingKey {
	return ReadingKey{DeviceID: r.DeviceID, TimestampUTC: r.TimestampUTC}
}

func (r Reading) Time() time.Time {
	return time.UnixMilli(r.TimestampUTC).UTC()
}

// Validate reports ErrMalformedReading for readings that cannot be applied.
func (r Reading) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrMalformedReading)
	case r.DeviceID == "":
		return fmt.Errorf("%w: reading %s: empty device id", ErrMalformedReading, r.ID)
	case r.TimestampUTC <= 0:
		return fmt.Errorf("%w: reading %s: timestamp %d", ErrMalformedReading, r.ID, r.TimestampUTC)
	case math.IsNaN(r.VolumeLiters) || math.IsInf(r.VolumeLiters, 0):
		return fmt.Errorf("%w: reading %s: volume is not a number", ErrMalformedReading, r.ID)
	case r.VolumeLiters < 0:
		return fmt.Errorf("%w: reading %s: negative volume %v", ErrMalformedReading, r.ID, r.VolumeLiters)
	case !r.Source.Valid():
		return fmt.Errorf("%w: reading %s: unknown source %q", ErrMalformedReading, r.ID, r.Source)
	}
	return nil
}

// SameContent reports whether r carries the same sample as other. The remote
// sequence is ignored so a local write echoed back by the backend matches.
func (r Reading) SameContent(other Reading) bool {
	return r.ID == other.ID &&
		r.Key() == other.Key() &&
		r.VolumeLiters == other.VolumeLiters &&
		r.Source == other.Source
}

// Supersedes decides last-writer-wins between r (arriving) and prev (stored)
// readings with the same key. Identical readings never supersede each other.
// Higher source priority wins; on a tie the higher known sequence wins, and
// when either sequence is unknown the later insertion wins.
func (r Reading) Supersedes(prev Reading) bool {
	if r.SameContent(prev) {
		return false
	}
	if rp, pp := r.Source.Priority(), prev.Source.Priority(); rp != pp {
		return rp > pp
	}
	if r.Seq > 0 && prev.Seq > 0 {
		return r.Seq > prev.Seq
	}
	return true
}

// AppendOutcome is the result of appending a reading to the local store.
type AppendOutcome int

const (
	AppendAccepted AppendOutcome = iota
	AppendDuplicate
	AppendReplaced
)

func (o AppendOutcome) String() string {
	switch o {
	case AppendAccepted:
		return "accepted"
	case AppendDuplicate:
		return "duplicate"
	case AppendReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// AppendResult carries the outcome and, for AppendReplaced, the reading that lost.
type AppendResult struct {
	Outcome  AppendOutcome
	Previous *Reading
}

// ResolveAppend applies the conflict rules for an incoming reading against the
// stored one (nil when absent).
func ResolveAppend(incoming Reading, stored *Reading) AppendResult {
	if stored == nil {
		return AppendResult{Outcome: AppendAccepted}
	}
	if !incoming.Supersedes(*stored) {
		return AppendResult{Outcome: AppendDuplicate}
	}
	prev := *stored
	return AppendResult{Outcome: AppendReplaced, Previous: &prev}
}
