package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusRetrying.Terminal())
}

func TestErrorClassShouldRetry(t *testing.T) {
	assert.True(t, ErrorClassTransient.ShouldRetry())
	assert.False(t, ErrorClassPermanent.ShouldRetry())
	assert.False(t, ErrorClassMisconfigured.ShouldRetry())
}

func TestChannelValid(t *testing.T) {
	for _, c := range []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelSlack, ChannelTelegram} {
		assert.True(t, c.Valid())
	}
	assert.False(t, Channel("fax").Valid())
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent} {
		assert.True(t, p.Valid())
	}
	assert.False(t, Priority("asap").Valid())
}
