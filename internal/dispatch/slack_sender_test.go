package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackSenderRequiresRecipient(t *testing.T) {
	snd := NewSlackSender()
	_, sendErr := snd.Send(context.Background(), &Notification{Channel: ChannelSlack})
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassMisconfigured, sendErr.Class)
}

func TestClassifySlackError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{slack.StatusCodeError{Code: 404}, ErrorClassPermanent},
		{slack.StatusCodeError{Code: 410}, ErrorClassPermanent},
		{slack.StatusCodeError{Code: 400}, ErrorClassPermanent},
		{slack.StatusCodeError{Code: 429}, ErrorClassTransient},
		{slack.StatusCodeError{Code: 500}, ErrorClassTransient},
		{errors.New("dial tcp: i/o timeout"), ErrorClassTransient},
		{errors.New("no such host"), ErrorClassPermanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifySlackError(tt.err).Class, "%v", tt.err)
	}
}
