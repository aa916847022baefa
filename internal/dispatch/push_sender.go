package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSenderConfig configures PushSender against a mobile push service.
type PushSenderConfig struct {
	ProjectID         string
	ServiceAccountKey string // JSON credential blob; presence only is checked here
	BaseURL           string
	Timeout           time.Duration
}

// PushSender constructs platform-specific sub-payloads from
// Notification.Metadata (Android: priority high with the metadata's
// android map sent as data, no TTL or collapse key is set; iOS aps;
// web notification) and posts to the configured push service. Multicast and topic sends
// are admin-API operations, not part of the dispatch worker's path, so
// they live on PushSender as extra methods beyond the Sender interface.
type PushSender struct {
	cfg        PushSenderConfig
	httpClient *http.Client
}

func NewPushSender(cfg PushSenderConfig) *PushSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fcm.googleapis.com/v1"
	}
	return &PushSender{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (s *PushSender) Channel() Channel { return ChannelPush }

type pushMessage struct {
	Token        string                 `json:"token"`
	Notification map[string]string      `json:"notification"`
	Android      map[string]interface{} `json:"android,omitempty"`
	APNS         map[string]interface{} `json:"apns,omitempty"`
	Webpush      map[string]interface{} `json:"webpush,omitempty"`
}

func (s *PushSender) buildMessage(n *Notification) pushMessage {
	msg := pushMessage{
		Token: n.Recipient,
		Notification: map[string]string{
			"title": n.Subject,
			"body":  n.Content,
		},
	}
	if android := n.Metadata["android"]; android != nil {
		msg.Android = map[string]interface{}{"priority": "high", "data": android}
	}
	if ios := n.Metadata["ios"]; ios != nil {
		msg.APNS = map[string]interface{}{"payload": map[string]interface{}{"aps": ios}}
	}
	if web := n.Metadata["web"]; web != nil {
		msg.Webpush = map[string]interface{}{"notification": web}
	}
	return msg
}

func (s *PushSender) Send(ctx context.Context, n *Notification) (*SendResult, *SendError) {
	if s.cfg.ProjectID == "" || s.cfg.ServiceAccountKey == "" {
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: "push project/service account not configured"}
	}

	payload, err := json.Marshal(map[string]interface{}{"message": s.buildMessage(n)})
	if err != nil {
		return nil, &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}

	endpoint := fmt.Sprintf("%s/projects/%s/messages:send", s.cfg.BaseURL, s.cfg.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Class: ErrorClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	var body struct {
		Name  string `json:"name"`
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		raw, _ := json.Marshal(body)
		return &SendResult{MessageID: body.Name, RawProviderResponse: raw}, nil
	case resp.StatusCode == http.StatusNotFound || body.Error.Status == "UNREGISTERED":
		return nil, &SendError{Class: ErrorClassPermanent, Message: "device token no longer registered"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &SendError{Class: ErrorClassTransient, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return nil, &SendError{Class: ErrorClassTransient, Message: body.Error.Message}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: body.Error.Message}
	default:
		return nil, &SendError{Class: ErrorClassPermanent, Message: body.Error.Message}
	}
}

func (s *PushSender) Verify(ctx context.Context) bool {
	return s.cfg.ProjectID != "" && s.cfg.ServiceAccountKey != ""
}

func (s *PushSender) Status() AdapterStatus {
	return AdapterStatus{
		Configured: s.Verify(context.Background()),
		Extra:      map[string]interface{}{"project_id": s.cfg.ProjectID},
	}
}

// SendMulticast delivers the same notification to multiple device
// tokens in one call.
func (s *PushSender) SendMulticast(ctx context.Context, tokens []string, n *Notification) ([]*SendResult, []error) {
	results := make([]*SendResult, 0, len(tokens))
	var errs []error
	for _, token := range tokens {
		copyN := *n
		copyN.Recipient = token
		res, sendErr := s.Send(ctx, &copyN)
		if sendErr != nil {
			errs = append(errs, sendErr)
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// SendTopic delivers to a topic subscription rather than a device token.
func (s *PushSender) SendTopic(ctx context.Context, topic string, n *Notification) (*SendResult, *SendError) {
	copyN := *n
	copyN.Recipient = "/topics/" + topic
	return s.Send(ctx, &copyN)
}

// SubscribeTopic registers device tokens on a topic. Admin-surface
// only, like the other topic operations.
func (s *PushSender) SubscribeTopic(ctx context.Context, topic string, tokens []string) *SendError {
	return s.manageTopic(ctx, "batchAdd", topic, tokens)
}

// UnsubscribeTopic removes device tokens from a topic.
func (s *PushSender) UnsubscribeTopic(ctx context.Context, topic string, tokens []string) *SendError {
	return s.manageTopic(ctx, "batchRemove", topic, tokens)
}

func (s *PushSender) manageTopic(ctx context.Context, op, topic string, tokens []string) *SendError {
	if s.cfg.ProjectID == "" || s.cfg.ServiceAccountKey == "" {
		return &SendError{Class: ErrorClassMisconfigured, Message: "push project/service account not configured"}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"to":                  "/topics/" + topic,
		"registration_tokens": tokens,
	})
	if err != nil {
		return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}
	endpoint := fmt.Sprintf("%s/iid/v1:%s", s.cfg.BaseURL, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &SendError{Class: ErrorClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &SendError{Class: ErrorClassTransient, Message: fmt.Sprintf("topic %s returned %d", op, resp.StatusCode)}
	}
	return &SendError{Class: ErrorClassPermanent, Message: fmt.Sprintf("topic %s returned %d", op, resp.StatusCode)}
}
