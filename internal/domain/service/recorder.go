package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"waterWise/internal/domain/model"
)

// WriteEnqueuer queues a reading for the remote backend.
type WriteEnqueuer interface {
	EnqueueWrite(ctx context.Context, r model.Reading) error
}

// Recorder creates readings on this node. A reading is queued for the
// backend before it is applied locally, so once queued it reaches the
// backend even if the local apply fails. Applying it locally makes it count
// toward usage while offline; its echo from the backend is a duplicate.
type Recorder struct {
	ingestor *Ingestor
	writes   WriteEnqueuer
	clock    quartz.Clock
}

func NewRecorder(ingestor *Ingestor, writes WriteEnqueuer, clock quartz.Clock) *Recorder {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Recorder{ingestor: ingestor, writes: writes, clock: clock}
}

// Record stores a LIVE reading of liters for deviceID. A zero at means now.
// When queueing fails nothing is stored and the zero Reading is returned.
// When only the local apply fails the reading is returned with the error.
func (r *Recorder) Record(ctx context.Context, deviceID string, liters float64, at time.Time) (model.Reading, error) {
	if at.IsZero() {
		at = r.clock.Now()
	}
	reading := model.Reading{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		TimestampUTC: at.UTC().UnixMilli(),
		VolumeLiters: liters,
		Source:       model.SourceLive,
	}
	if err := reading.Validate(); err != nil {
		return model.Reading{}, err
	}

	if err := r.writes.EnqueueWrite(ctx, reading); err != nil {
		return model.Reading{}, fmt.Errorf("queue recorded reading: %w", err)
	}
	// From here on the reading is accepted; a failed apply is caught up when
	// the backend echoes it.
	if _, err := r.ingestor.Ingest(ctx, reading); err != nil {
		return reading, fmt.Errorf("apply recorded reading: %w", err)
	}
	return reading, nil
}
