package httpapi

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/orbitmsg/dispatch/internal/dispatch"
)

var validate = validator.New()

// ChannelDTO is one (type, recipient) pair in a submission. Recipient
// may be omitted only when the submission carries a userId to resolve
// the address from.
type ChannelDTO struct {
	Type      string `json:"type" validate:"required,oneof=email sms push slack telegram"`
	Recipient string `json:"recipient"`
}

// SendRequest is the body of POST /api/notifications/send.
type SendRequest struct {
	UserID         *string                `json:"userId"`
	Subject        string                 `json:"subject"`
	Message        string                 `json:"message" validate:"required"`
	Channels       []ChannelDTO           `json:"channels" validate:"required,min=1,dive"`
	Priority       string                 `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	ScheduledAt    *string                `json:"scheduledAt"`
	Metadata       map[string]interface{} `json:"metadata"`
	IdempotencyKey *string                `json:"idempotencyKey"`
}

// Validate checks the request beyond struct tags and converts it into
// the engine's CreateRequest.
func (r *SendRequest) Validate() (*dispatch.CreateRequest, string) {
	if err := validate.Struct(r); err != nil {
		return nil, err.Error()
	}
	for _, ch := range r.Channels {
		if ch.Recipient == "" && r.UserID == nil {
			return nil, "channel " + ch.Type + " has no recipient and no userId to resolve one from"
		}
	}

	req := &dispatch.CreateRequest{
		UserID:         r.UserID,
		Subject:        r.Subject,
		Message:        r.Message,
		Priority:       dispatch.Priority(r.Priority),
		Metadata:       r.Metadata,
		IdempotencyKey: r.IdempotencyKey,
	}
	if req.Priority == "" {
		req.Priority = dispatch.PriorityNormal
	}
	if r.ScheduledAt != nil && *r.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, *r.ScheduledAt)
		if err != nil {
			return nil, "scheduledAt must be ISO 8601"
		}
		req.ScheduledAt = &t
	}
	for _, ch := range r.Channels {
		req.Channels = append(req.Channels, dispatch.ChannelRequest{
			Type:      dispatch.Channel(ch.Type),
			Recipient: ch.Recipient,
		})
	}
	return req, ""
}

// RetryRequest is the optional body of POST /api/notifications/:id/retry.
type RetryRequest struct {
	ResetAttempts bool `json:"resetAttempts"`
}

// StatusResponse is the row projection returned by
// GET /api/notifications/:id/status.
type StatusResponse struct {
	ID          string             `json:"id"`
	UserID      *string            `json:"userId,omitempty"`
	Status      string             `json:"status"`
	Channels    []ChannelStatusDTO `json:"channels"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	ScheduledAt *time.Time         `json:"scheduledAt,omitempty"`
	RetryCount  int                `json:"retryCount"`
}

type ChannelStatusDTO struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func statusResponse(n *dispatch.Notification) StatusResponse {
	resp := StatusResponse{
		ID:         n.ID.String(),
		UserID:     n.UserID,
		Status:     string(n.Status),
		Channels:   []ChannelStatusDTO{{Type: string(n.Channel), Status: string(n.Status)}},
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
		RetryCount: n.RetryCount,
	}
	if !n.ScheduledAt.IsZero() {
		scheduled := n.ScheduledAt
		resp.ScheduledAt = &scheduled
	}
	return resp
}

// DirectSendRequest is the body of the per-channel direct endpoints
// that bypass the queue.
type DirectSendRequest struct {
	To       string                 `json:"to" validate:"required"`
	Subject  string                 `json:"subject"`
	Message  string                 `json:"message" validate:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

// MulticastRequest is the body of POST /api/push/send-multicast.
type MulticastRequest struct {
	Tokens  []string `json:"tokens" validate:"required,min=1"`
	Subject string   `json:"subject"`
	Message string   `json:"message" validate:"required"`
}

// TopicSendRequest is the body of POST /api/push/send-topic.
type TopicSendRequest struct {
	Topic   string `json:"topic" validate:"required"`
	Subject string `json:"subject"`
	Message string `json:"message" validate:"required"`
}

// TopicMembershipRequest is the body of the subscribe/unsubscribe
// topic endpoints.
type TopicMembershipRequest struct {
	Topic  string   `json:"topic" validate:"required"`
	Tokens []string `json:"tokens" validate:"required,min=1"`
}
