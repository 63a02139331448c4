package utils

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"waterWise/internal/domain/model"
)

// ReadingGenerator provides methods to generate test reading data
type ReadingGenerator struct {
	devices []string
	rnd     *rand.Rand
}

// NewReadingGenerator creates a generator for the given devices, or for ten
// demo meters when none are given.
func NewReadingGenerator(devices []string, seed int64) *ReadingGenerator {
	if len(devices) == 0 {
		devices = []string{"meter-01", "meter-02", "meter-03", "meter-04", "meter-05",
			"meter-06", "meter-07", "meter-08", "meter-09", "meter-10"}
	}
	return &ReadingGenerator{devices: devices, rnd: rand.New(rand.NewSource(seed))}
}

// Generate creates count readings at now, spread over the devices. Every
// tenth reading is a backfill sample from up to two hours earlier.
func (g *ReadingGenerator) Generate(count int, now time.Time) []model.Reading {
	readings := make([]model.Reading, count)
	for i := 0; i < count; i++ {
		ts := now.Add(-time.Duration(g.rnd.Intn(1000)) * time.Millisecond)
		source := model.SourceLive
		if i%10 == 9 {
			source = model.SourceBackfill
			ts = ts.Add(-time.Duration(g.rnd.Int63n(int64(2 * time.Hour))))
		}
		readings[i] = model.Reading{
			ID:           uuid.New().String(),
			DeviceID:     g.devices[i%len(g.devices)],
			TimestampUTC: ts.UTC().UnixMilli(),
			VolumeLiters: float64(g.rnd.Intn(2000)) / 1000,
			Source:       source,
		}
	}
	return readings
}
