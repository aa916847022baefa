package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailSenderMisconfiguredWithoutHost(t *testing.T) {
	snd := NewEmailSender(EmailSenderConfig{})
	_, sendErr := snd.Send(context.Background(), &Notification{Channel: ChannelEmail, Recipient: "a@b.c"})
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassMisconfigured, sendErr.Class)
	assert.False(t, snd.Status().Configured)
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("535 authentication failed"), ErrorClassMisconfigured},
		{errors.New("550 no such user here"), ErrorClassPermanent},
		{errors.New("550 mailbox unavailable"), ErrorClassPermanent},
		{errors.New("dial tcp: connection refused"), ErrorClassTransient},
		{errors.New("421 service not available"), ErrorClassTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifySMTPError(tt.err).Class, "%v", tt.err)
	}
}

func TestBuildMIMEMultipart(t *testing.T) {
	snd := NewEmailSender(EmailSenderConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	n := &Notification{
		Recipient: "a@b.c",
		Subject:   "Greetings",
		Content:   "Hello there",
		Priority:  PriorityUrgent,
		Metadata: Metadata{
			"cc":      []interface{}{"c@b.c"},
			"replyTo": "support@example.com",
		},
	}
	msg := string(snd.buildMIME(n, "msg-id-1"))

	assert.Contains(t, msg, "From: noreply@example.com")
	assert.Contains(t, msg, "To: a@b.c")
	assert.Contains(t, msg, "Cc: c@b.c")
	assert.Contains(t, msg, "Reply-To: support@example.com")
	assert.Contains(t, msg, "X-Priority: 1 (Highest)")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "text/html")
	// Both parts carry the body.
	assert.Equal(t, 2, strings.Count(msg, "Hello there"))
}

func TestBuildMIMEWithAttachments(t *testing.T) {
	snd := NewEmailSender(EmailSenderConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	n := &Notification{
		Recipient: "a@b.c",
		Subject:   "Report",
		Content:   "attached",
		Metadata: Metadata{
			"attachments": []interface{}{
				map[string]interface{}{
					"filename":    "report.csv",
					"content":     "aGVsbG8=",
					"contentType": "text/csv",
				},
			},
		},
	}
	msg := string(snd.buildMIME(n, "msg-id-2"))

	assert.Contains(t, msg, "multipart/mixed")
	assert.Contains(t, msg, `filename="report.csv"`)
	assert.Contains(t, msg, "Content-Transfer-Encoding: base64")
	assert.Contains(t, msg, "aGVsbG8=")
}

func TestMetadataStringsHandlesJSONShapes(t *testing.T) {
	m := Metadata{
		"cc":  []interface{}{"a@b.c", "d@e.f", 42},
		"bcc": "solo@b.c",
	}
	assert.Equal(t, []string{"a@b.c", "d@e.f"}, metadataStrings(m, "cc"))
	assert.Equal(t, []string{"solo@b.c"}, metadataStrings(m, "bcc"))
	assert.Nil(t, metadataStrings(m, "absent"))
	assert.Nil(t, metadataStrings(nil, "cc"))
}
