package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayExponentialCaps(t *testing.T) {
	p := DefaultRetryPolicies()[ChannelEmail]
	assert.Equal(t, 2000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 4000*time.Millisecond, p.Delay(2))
	assert.Equal(t, 8000*time.Millisecond, p.Delay(3))

	// Attempt high enough that 2^(k-1)*base would blow past the cap.
	assert.Equal(t, 300000*time.Millisecond, p.Delay(20))
}

func TestRetryPolicyDelayFixedIsConstant(t *testing.T) {
	p := DefaultRetryPolicies()[ChannelSlack]
	assert.Equal(t, 10000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 10000*time.Millisecond, p.Delay(3))
}

func TestDefaultRetryPoliciesMatchSpecTable(t *testing.T) {
	policies := DefaultRetryPolicies()

	assert.Equal(t, 5, policies[ChannelEmail].MaxRetries)
	assert.Equal(t, 3, policies[ChannelSMS].MaxRetries)
	assert.Equal(t, 4, policies[ChannelPush].MaxRetries)
	assert.Equal(t, 3, policies[ChannelSlack].MaxRetries)
	assert.Equal(t, 3, policies[ChannelTelegram].MaxRetries)

	assert.Equal(t, BackoffFixed, policies[ChannelSlack].BackoffType)
	assert.Equal(t, BackoffFixed, policies[ChannelTelegram].BackoffType)
	assert.Equal(t, BackoffExponential, policies[ChannelEmail].BackoffType)
}

func TestPriorityScore(t *testing.T) {
	assert.Equal(t, 10, PriorityUrgent.Score())
	assert.Equal(t, 5, PriorityHigh.Score())
	assert.Equal(t, 0, PriorityNormal.Score())
	assert.Equal(t, -5, PriorityLow.Score())
	assert.Equal(t, 0, Priority("bogus").Score())
}
