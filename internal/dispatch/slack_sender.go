package dispatch

import (
	"context"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// SlackSender posts to the incoming-webhook URL stored as the
// notification's recipient, via slack-go/slack's webhook helper.
type SlackSender struct{}

func NewSlackSender() *SlackSender { return &SlackSender{} }

func (s *SlackSender) Channel() Channel { return ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, n *Notification) (*SendResult, *SendError) {
	if n.Recipient == "" {
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: "slack webhook url not set on notification"}
	}

	msg := &slack.WebhookMessage{Text: n.Content}
	if channel := metadataString(n.Metadata, "channel"); channel != "" {
		msg.Channel = channel
	}
	if username := metadataString(n.Metadata, "username"); username != "" {
		msg.Username = username
	}

	err := slack.PostWebhookContext(ctx, n.Recipient, msg)
	if err != nil {
		return nil, classifySlackError(err)
	}
	return &SendResult{MessageID: n.ID.String()}, nil
}

func classifySlackError(err error) *SendError {
	var statusErr slack.StatusCodeError
	if asStatusCodeError(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone:
			return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
		case statusErr.Code == http.StatusTooManyRequests:
			return &SendError{Class: ErrorClassTransient, Message: err.Error()}
		case statusErr.Code >= 500:
			return &SendError{Class: ErrorClassTransient, Message: err.Error()}
		case statusErr.Code >= 400:
			return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
		}
	}
	// Network-level failures (DNS, refused connection, timeout) default
	// to Transient, except a vanished host, which never comes back.
	if strings.Contains(strings.ToLower(err.Error()), "no such host") {
		return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}
	return &SendError{Class: ErrorClassTransient, Message: err.Error()}
}

func asStatusCodeError(err error, target *slack.StatusCodeError) bool {
	if sce, ok := err.(slack.StatusCodeError); ok {
		*target = sce
		return true
	}
	return false
}

func (s *SlackSender) Verify(ctx context.Context) bool { return true }

func (s *SlackSender) Status() AdapterStatus {
	return AdapterStatus{Configured: true}
}
