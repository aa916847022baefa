// Package dispatch implements the notification dispatch engine: the
// persistent notification record, the priority work queue, the worker
// pool, the per-channel retry/backoff state machine, and the channel
// adapter contract.
package dispatch

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a notification row does not exist.
	ErrNotFound = errors.New("dispatch: notification not found")
	// ErrConflict is returned when an idempotency key collides with an
	// existing submission.
	ErrConflict = errors.New("dispatch: duplicate submission")
)

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelSlack, ChannelTelegram:
		return true
	default:
		return false
	}
}

// Status is the notification row's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// Priority is the submission-facing priority label; Score maps it to an
// integer (urgent=10, high=5, normal=0, low=-5). The broker orders jobs
// by one named queue per label (see queueNames), not by this integer.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Score returns the integer priority for this label; unknown
// labels score as normal (0).
func (p Priority) Score() int {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return -5
	default:
		return 0
	}
}

// ErrorClass is the mandatory adapter error classification that drives
// retry policy. It is channel-agnostic: every adapter must map its
// failure into one of exactly these three classes.
type ErrorClass string

const (
	ErrorClassTransient     ErrorClass = "transient"
	ErrorClassPermanent     ErrorClass = "permanent"
	ErrorClassMisconfigured ErrorClass = "misconfigured"
)

// ShouldRetry reports whether the dispatcher should schedule a retry for
// this error class. Misconfigured is treated as permanent: retrying a
// missing-credentials adapter can never succeed.
func (e ErrorClass) ShouldRetry() bool { return e == ErrorClassTransient }

// Metadata is a free-form JSON bag attached to a notification (cc/bcc,
// platform hints, webhook extras, …) and persisted as jsonb.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("dispatch: unsupported Metadata scan source")
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Notification is one row per (submission, channel) pair: the
// persistent business record a broker job operates on.
type Notification struct {
	ID              uuid.UUID
	UserID          *string
	TemplateID      *string
	Channel         Channel
	Recipient       string
	Subject         string
	Content         string
	Status          Status
	Priority        Priority
	RetryCount      int
	MaxRetries      int
	ErrorMessage    *string
	ScheduledAt     time.Time
	LastProcessedAt *time.Time
	SentAt          *time.Time
	IdempotencyKey  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Metadata        Metadata
}

// Log is an append-only row recording one state transition or provider
// interaction for a notification.
type Log struct {
	ID               int64
	NotificationID   uuid.UUID
	Status           string
	Message          string
	ErrorDetails     *string
	ProviderResponse json.RawMessage
	Metadata         Metadata
	CreatedAt        time.Time
}

// User is the owning principal: dispatch reads it only when a
// submission omits the explicit per-channel recipient.
type User struct {
	ID              string
	Email           string
	Name            string
	Phone           *string
	PushToken       *string
	SlackWebhookURL *string
	TelegramChatID  *string
	Preferences     Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChannelRequest is one (type, recipient) pair within a submission.
type ChannelRequest struct {
	Type      Channel
	Recipient string
}

// CreateRequest is the inbound shape of a notification submission,
// fanned out into one Notification row per ChannelRequest.
type CreateRequest struct {
	UserID         *string
	Subject        string
	Message        string
	Channels       []ChannelRequest
	Priority       Priority
	ScheduledAt    *time.Time
	Metadata       Metadata
	IdempotencyKey *string
}

// SendResult is what an adapter returns on success.
type SendResult struct {
	MessageID           string
	RawProviderResponse json.RawMessage
}

// SendError is what an adapter returns on failure. The classification
// is mandatory, not adapter discretion.
type SendError struct {
	Class   ErrorClass
	Message string
}

func (e *SendError) Error() string { return string(e.Class) + ": " + e.Message }

func Ptr[T any](v T) *T { return &v }
