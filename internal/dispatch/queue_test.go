package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueNameForKnownPriorities(t *testing.T) {
	assert.Equal(t, "urgent", queueNameFor(PriorityUrgent))
	assert.Equal(t, "high", queueNameFor(PriorityHigh))
	assert.Equal(t, "normal", queueNameFor(PriorityNormal))
	assert.Equal(t, "low", queueNameFor(PriorityLow))
}

func TestQueueNameForUnknownFallsBackToNormal(t *testing.T) {
	assert.Equal(t, "normal", queueNameFor(Priority("bogus")))
}

func TestQueueConfigOrdersUrgentHighest(t *testing.T) {
	weights := QueueConfig()
	assert.Greater(t, weights["urgent"], weights["high"])
	assert.Greater(t, weights["high"], weights["normal"])
	assert.Greater(t, weights["normal"], weights["low"])
}
