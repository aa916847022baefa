package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"+15551234567", "+15551234567"},
		{"+442071838750", "+442071838750"},
		{"442071838750", "+442071838750"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeE164(tt.in), "normalize(%q)", tt.in)
	}
}

func TestNormalizeE164Idempotent(t *testing.T) {
	for _, raw := range []string{"5551234567", "+15551234567", "44 20 7183 8750"} {
		once := NormalizeE164(raw)
		assert.Equal(t, once, NormalizeE164(once))
	}
}

func smsNotification(recipient string) *Notification {
	return &Notification{Channel: ChannelSMS, Recipient: recipient, Content: "hello"}
}

func TestSMSSenderMisconfiguredWithoutCredentials(t *testing.T) {
	snd := NewSMSSender(SMSSenderConfig{})
	_, sendErr := snd.Send(context.Background(), smsNotification("5551234567"))
	require.NotNil(t, sendErr)
	assert.Equal(t, ErrorClassMisconfigured, sendErr.Class)
	assert.False(t, snd.Status().Configured)
}

func TestSMSSenderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostFormValue("To"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123"}`))
	}))
	defer server.Close()

	snd := NewSMSSender(SMSSenderConfig{
		AccountSID: "AC1", AuthToken: "tok", PhoneNumber: "+15550000000", BaseURL: server.URL,
	})
	result, sendErr := snd.Send(context.Background(), smsNotification("5551234567"))
	require.Nil(t, sendErr)
	assert.Equal(t, "SM123", result.MessageID)
}

func TestSMSSenderClassifiesResponses(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusBadRequest, ErrorClassPermanent},
		{http.StatusUnauthorized, ErrorClassMisconfigured},
		{http.StatusTooManyRequests, ErrorClassTransient},
		{http.StatusBadGateway, ErrorClassTransient},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"message":"nope","code":1}`))
		}))
		snd := NewSMSSender(SMSSenderConfig{
			AccountSID: "AC1", AuthToken: "tok", PhoneNumber: "+15550000000", BaseURL: server.URL,
		})
		_, sendErr := snd.Send(context.Background(), smsNotification("5551234567"))
		server.Close()
		require.NotNil(t, sendErr, "status %d", tt.status)
		assert.Equal(t, tt.want, sendErr.Class, "status %d", tt.status)
	}
}
