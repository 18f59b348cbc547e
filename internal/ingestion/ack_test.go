package ingestion_test

import (
	"testing"

	"DarkLedger/internal/ingestion"

	"github.com/stretchr/testify/assert"
)

func TestAckTracker_ReleasesInSequenceOrder(t *testing.T) {
	tracker := ingestion.NewAckTracker(3)

	var acked []int64
	hold := func(seq int64) {
		tracker.Hold(seq, func() { acked = append(acked, seq) })
	}

	hold(2) // already durable
	hold(4)
	hold(5)
	hold(7)
	assert.Equal(t, []int64{2}, acked)
	assert.Equal(t, 3, tracker.Held())

	tracker.Commit(5)
	assert.Equal(t, []int64{2, 4, 5}, acked)

	// a stale commit never moves the watermark back
	tracker.Commit(4)
	hold(5)
	assert.Equal(t, []int64{2, 4, 5, 5}, acked)
	assert.Equal(t, 1, tracker.Held())

	tracker.Commit(9)
	assert.Equal(t, []int64{2, 4, 5, 5, 7}, acked)
	assert.Zero(t, tracker.Held())
}
