package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SMSSenderConfig configures SMSSender against an SMS gateway's HTTPS API.
type SMSSenderConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	BaseURL     string
	Timeout     time.Duration
}

// SMSSender POSTs to an SMS gateway over HTTPS. The base URL is
// configurable and the request shape matches the common Twilio-style
// messages API, so any compatible gateway can sit behind it.
type SMSSender struct {
	cfg        SMSSenderConfig
	httpClient *http.Client
}

func NewSMSSender(cfg SMSSenderConfig) *SMSSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	return &SMSSender{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (s *SMSSender) Channel() Channel { return ChannelSMS }

var digitsOnly = regexp.MustCompile(`\D`)

// NormalizeE164 normalizes a phone number: exactly 10 digits gets the
// +1 country code prefixed, anything else gets a + added if missing.
// Idempotent: NormalizeE164(NormalizeE164(x)) == NormalizeE164(x).
func NormalizeE164(raw string) string {
	if strings.HasPrefix(raw, "+") {
		return "+" + digitsOnly.ReplaceAllString(raw, "")
	}
	digits := digitsOnly.ReplaceAllString(raw, "")
	if len(digits) == 10 {
		return "+1" + digits
	}
	return "+" + digits
}

func (s *SMSSender) Send(ctx context.Context, n *Notification) (*SendResult, *SendError) {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" || s.cfg.PhoneNumber == "" {
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: "sms gateway credentials not configured"}
	}

	form := url.Values{}
	form.Set("To", NormalizeE164(n.Recipient))
	form.Set("From", s.cfg.PhoneNumber)
	form.Set("Body", n.Content)
	if mms := metadataString(n.Metadata, "mmsUrl"); mms != "" {
		form.Set("MediaUrl", mms)
	}
	if callback := metadataString(n.Metadata, "statusCallback"); callback != "" {
		form.Set("StatusCallback", callback)
	}
	if maxPrice := metadataString(n.Metadata, "maxPrice"); maxPrice != "" {
		form.Set("MaxPrice", maxPrice)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.cfg.BaseURL, s.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Class: ErrorClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	var body struct {
		SID     string `json:"sid"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		raw, _ := json.Marshal(body)
		return &SendResult{MessageID: body.SID, RawProviderResponse: raw}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &SendError{Class: ErrorClassTransient, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return nil, &SendError{Class: ErrorClassTransient, Message: body.Message}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: body.Message}
	default:
		return nil, &SendError{Class: ErrorClassPermanent, Message: body.Message}
	}
}

func (s *SMSSender) Verify(ctx context.Context) bool {
	return s.cfg.AccountSID != "" && s.cfg.AuthToken != "" && s.cfg.PhoneNumber != ""
}

func (s *SMSSender) Status() AdapterStatus {
	return AdapterStatus{
		Configured: s.Verify(context.Background()),
		Extra:      map[string]interface{}{"from": s.cfg.PhoneNumber},
	}
}
