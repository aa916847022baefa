package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TelegramSenderConfig configures TelegramSender.
type TelegramSenderConfig struct {
	BotToken string
	Timeout  time.Duration
	BaseURL  string
}

// TelegramSender posts to bot<TOKEN>/sendMessage with the recipient as
// chat_id and HTML parse mode.
type TelegramSender struct {
	botToken    string
	maskedToken string
	httpClient  *http.Client
	apiBaseURL  string
}

func NewTelegramSender(cfg TelegramSenderConfig) *TelegramSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	masked := cfg.BotToken
	if len(masked) > 8 {
		masked = masked[:4] + "…" + masked[len(masked)-4:]
	}
	return &TelegramSender{
		botToken:    cfg.BotToken,
		maskedToken: masked,
		httpClient:  &http.Client{Timeout: timeout},
		apiBaseURL:  baseURL,
	}
}

func (s *TelegramSender) Channel() Channel { return ChannelTelegram }

type telegramSendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (s *TelegramSender) Send(ctx context.Context, n *Notification) (*SendResult, *SendError) {
	if s.botToken == "" {
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: "telegram bot token not configured"}
	}

	body, err := json.Marshal(telegramSendRequest{
		ChatID:    n.Recipient,
		Text:      n.Content,
		ParseMode: "HTML",
	})
	if err != nil {
		return nil, &SendError{Class: ErrorClassPermanent, Message: "failed to encode request: " + err.Error()}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBaseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &SendError{Class: ErrorClassPermanent, Message: "failed to build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Class: categorizeNetworkError(err), Message: err.Error()}
	}
	defer resp.Body.Close()

	var tgResp telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tgResp); err != nil {
		return nil, &SendError{Class: ErrorClassTransient, Message: "failed to decode telegram response: " + err.Error()}
	}

	if !tgResp.OK {
		return nil, mapTelegramError(tgResp.ErrorCode, tgResp.Description)
	}

	return &SendResult{MessageID: n.ID.String(), RawProviderResponse: tgResp.Result}, nil
}

func mapTelegramError(code int, description string) *SendError {
	switch {
	case code == 400:
		// chat not found / user blocked / deactivated all surface as 400s
		// from the Telegram API and are all equally non-retryable.
		return &SendError{Class: ErrorClassPermanent, Message: description}
	case code == 401:
		return &SendError{Class: ErrorClassMisconfigured, Message: description}
	case code == 403:
		return &SendError{Class: ErrorClassPermanent, Message: description}
	case code == 429:
		return &SendError{Class: ErrorClassTransient, Message: description}
	case code >= 500 && code <= 504:
		return &SendError{Class: ErrorClassTransient, Message: description}
	default:
		return &SendError{Class: ErrorClassTransient, Message: description}
	}
}

func categorizeNetworkError(err error) ErrorClass {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrorClassTransient
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return ErrorClassTransient
	}
	return ErrorClassTransient
}

func (s *TelegramSender) Verify(ctx context.Context) bool {
	if s.botToken == "" {
		return false
	}
	url := fmt.Sprintf("%s/bot%s/getMe", s.apiBaseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *TelegramSender) Status() AdapterStatus {
	return AdapterStatus{
		Configured: s.botToken != "",
		Extra:      map[string]interface{}{"bot_token": s.maskedToken},
	}
}
