package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telegramNotification() *Notification {
	return &Notification{Channel: ChannelTelegram, Recipient: "12345", Content: "<b>hi</b>"}
}

func TestTelegramSenderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body telegramSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "12345", body.ChatID)
		assert.Equal(t, "HTML", body.ParseMode)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer server.Close()

	snd := NewTelegramSender(TelegramSenderConfig{BotToken: "tok", BaseURL: server.URL})
	result, sendErr := snd.Send(context.Background(), telegramNotification())
	require.Nil(t, sendErr)
	assert.NotEmpty(t, result.RawProviderResponse)
}

func TestTelegramSenderMapsAPIErrors(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{400, ErrorClassPermanent},
		{401, ErrorClassMisconfigured},
		{403, ErrorClassPermanent},
		{429, ErrorClassTransient},
		{502, ErrorClassTransient},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp, _ := json.Marshal(map[string]interface{}{
				"ok": false, "error_code": tt.code, "description": "chat not found",
			})
			_, _ = w.Write(resp)
		}))
		snd := NewTelegramSender(TelegramSenderConfig{BotToken: "tok", BaseURL: server.URL})
		_, sendErr := snd.Send(context.Background(), telegramNotification())
		server.Close()
		require.NotNil(t, sendErr, "code %d", tt.code)
		assert.Equal(t, tt.want, sendErr.Class, "code %d", tt.code)
		assert.Equal(t, "chat not found", sendErr.Message)
	}
}

func TestTelegramSenderMisconfiguredWithoutToken(t *testing.T) {
	snd := NewTelegramSender(TelegramSenderConfig{})
	_, sendErr := snd.Send(context.Background(), telegramNotification())
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassMisconfigured, sendErr.Class)
	assert.False(t, snd.Verify(context.Background()))
}

func TestTelegramSenderMasksTokenInStatus(t *testing.T) {
	snd := NewTelegramSender(TelegramSenderConfig{BotToken: "123456789:secret-token"})
	status := snd.Status()
	assert.True(t, status.Configured)
	assert.NotContains(t, status.Extra["bot_token"], "secret")
}
