package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushNotification() *Notification {
	return &Notification{
		Channel:   ChannelPush,
		Recipient: "device-token-1",
		Subject:   "Hi",
		Content:   "Hello",
		Metadata:  Metadata{"android": map[string]interface{}{"ttl": "3600s"}},
	}
}

func newTestPushSender(baseURL string) *PushSender {
	return NewPushSender(PushSenderConfig{
		ProjectID: "proj", ServiceAccountKey: `{"type":"service_account"}`, BaseURL: baseURL,
	})
}

func TestPushSenderMisconfiguredWithoutCredentials(t *testing.T) {
	snd := NewPushSender(PushSenderConfig{})
	_, sendErr := snd.Send(context.Background(), pushNotification())
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassMisconfigured, sendErr.Class)
}

func TestPushSenderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"projects/proj/messages/1"}`))
	}))
	defer server.Close()

	result, sendErr := newTestPushSender(server.URL).Send(context.Background(), pushNotification())
	require.Nil(t, sendErr)
	assert.Equal(t, "projects/proj/messages/1", result.MessageID)
}

func TestPushSenderUnregisteredTokenIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"status":"UNREGISTERED","message":"gone"}}`))
	}))
	defer server.Close()

	_, sendErr := newTestPushSender(server.URL).Send(context.Background(), pushNotification())
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassPermanent, sendErr.Class)
}

func TestPushSenderServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"status":"UNAVAILABLE","message":"try later"}}`))
	}))
	defer server.Close()

	_, sendErr := newTestPushSender(server.URL).Send(context.Background(), pushNotification())
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassTransient, sendErr.Class)
}

func TestPushSenderTopicSend(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"name":"projects/proj/messages/2"}`))
	}))
	defer server.Close()

	result, sendErr := newTestPushSender(server.URL).SendTopic(context.Background(), "releases", pushNotification())
	require.Nil(t, sendErr)
	assert.Equal(t, "projects/proj/messages/2", result.MessageID)
	assert.Contains(t, gotPath, "messages:send")
}

func TestPushSenderTopicMembership(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	snd := newTestPushSender(server.URL)
	require.Nil(t, snd.SubscribeTopic(context.Background(), "releases", []string{"t1", "t2"}))
	assert.Contains(t, gotPath, "batchAdd")

	require.Nil(t, snd.UnsubscribeTopic(context.Background(), "releases", []string{"t1"}))
	assert.Contains(t, gotPath, "batchRemove")
}

func TestPushSenderMulticast(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"status":"UNREGISTERED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"m"}`))
	}))
	defer server.Close()

	results, errs := newTestPushSender(server.URL).SendMulticast(
		context.Background(), []string{"t1", "t2", "t3"}, pushNotification())
	assert.Len(t, results, 2)
	assert.Len(t, errs, 1)
}
