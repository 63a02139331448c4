package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffsetTrackerWatermark(t *testing.T) {
	t.Parallel()

	tr := newOffsetTracker()
	for off := int64(10); off <= 13; off++ {
		tr.track(0, off)
	}
	tr.track(1, 5)

	tr.markDone(0, 11)
	tr.markDone(0, 12)
	require.Empty(t, tr.watermarks(), "offset 10 is still in flight")

	tr.markDone(0, 10)
	tr.markDone(1, 5)
	require.Equal(t, 4, tr.pendingDone())
	require.Equal(t, map[int]int64{0: 12, 1: 5}, tr.watermarks())
	require.Equal(t, 0, tr.pendingDone())

	tr.markDone(0, 13)
	require.Equal(t, map[int]int64{0: 13}, tr.watermarks())
}

func TestOffsetTrackerIgnoresUnknownOffsets(t *testing.T) {
	t.Parallel()

	tr := newOffsetTracker()
	tr.markDone(3, 1)
	tr.track(3, 2)
	tr.markDone(3, 2)
	tr.markDone(3, 2)
	require.Equal(t, 1, tr.pendingDone())
	require.Equal(t, map[int]int64{3: 2}, tr.watermarks())
}
