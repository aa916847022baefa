package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/orbitmsg/dispatch/internal/apperr"
	"github.com/orbitmsg/dispatch/internal/dispatch"
	"github.com/orbitmsg/dispatch/internal/store"
)

type handlers struct {
	deps Deps
}

func (h *handlers) send(c *fiber.Ctx) error {
	var body SendRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.NewValidationError("body", "invalid JSON body")
	}
	req, problem := body.Validate()
	if problem != "" {
		return apperr.NewValidationError("body", problem)
	}

	rows, err := h.deps.Service.Submit(c.Context(), *req)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperr.NewConflictError("duplicate submission")
		}
		return apperr.NewPersistenceError("create notification", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":        true,
		"notificationId": rows[0].ID.String(),
		"message":        "notification queued",
	})
}

func (h *handlers) notificationStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return apperr.NewValidationError("id", "id must be a UUID")
	}
	n, err := h.deps.Notifications.FindByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NewNotFoundError("notification")
		}
		return apperr.NewPersistenceError("find notification", err)
	}
	return c.JSON(statusResponse(n))
}

func (h *handlers) notificationsByUser(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	rows, err := h.deps.Notifications.ListByUser(c.Context(), c.Params("userId"), page, limit)
	if err != nil {
		return apperr.NewPersistenceError("list notifications", err)
	}
	out := make([]StatusResponse, 0, len(rows))
	for _, n := range rows {
		out = append(out, statusResponse(n))
	}
	return c.JSON(fiber.Map{"notifications": out, "page": page, "limit": limit})
}

func (h *handlers) retryNotification(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return apperr.NewValidationError("id", "id must be a UUID")
	}
	var body RetryRequest
	_ = c.BodyParser(&body)

	n, err := h.deps.Service.Retry(c.Context(), id, body.ResetAttempts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NewNotFoundError("notification")
		}
		return apperr.NewBrokerError("retry notification", err)
	}
	return c.JSON(fiber.Map{"success": true, "status": string(n.Status), "retryCount": n.RetryCount})
}

// --- queue admin ---

func (h *handlers) queueStats(c *fiber.Ctx) error {
	stats, err := h.deps.Service.QueueStats(c.Context())
	if err != nil {
		return apperr.NewBrokerError("queue stats", err)
	}
	return c.JSON(fiber.Map{
		"waiting":   stats.Waiting,
		"active":    stats.Active,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"delayed":   stats.Delayed,
	})
}

func (h *handlers) queuePause(c *fiber.Ctx) error {
	if err := h.deps.Service.PauseQueue(c.Context()); err != nil {
		return apperr.NewBrokerError("pause queue", err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "queue paused"})
}

func (h *handlers) queueResume(c *fiber.Ctx) error {
	if err := h.deps.Service.ResumeQueue(c.Context()); err != nil {
		return apperr.NewBrokerError("resume queue", err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "queue resumed"})
}

func (h *handlers) queueClearFailed(c *fiber.Ctx) error {
	n, err := h.deps.Service.ClearFailed(c.Context())
	if err != nil {
		return apperr.NewBrokerError("clear failed", err)
	}
	return c.JSON(fiber.Map{"success": true, "cleared": n})
}

func (h *handlers) queueRetryFailed(c *fiber.Ctx) error {
	n, err := h.deps.Service.RetryFailed(c.Context())
	if err != nil {
		return apperr.NewBrokerError("retry failed", err)
	}
	return c.JSON(fiber.Map{"success": true, "retried": n})
}

func (h *handlers) health(c *fiber.Ctx) error {
	running := false
	if h.deps.WorkerRunning != nil {
		running = h.deps.WorkerRunning()
	}
	health := h.deps.Service.SystemHealth(c.Context(), running)
	status := fiber.StatusOK
	if !health.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(health)
}

// --- analytics ---

func (h *handlers) analytics(c *fiber.Ctx) error {
	stats, err := h.deps.Notifications.StatsLast24h(c.Context())
	if err != nil {
		return apperr.NewPersistenceError("analytics", err)
	}

	successRate := 0.0
	if stats.Total > 0 {
		successRate = float64(stats.ByStatus[dispatch.StatusSent]) / float64(stats.Total) * 100
	}

	channels := make(map[string]int, len(stats.ByChannel))
	for ch, n := range stats.ByChannel {
		channels[string(ch)] = n
	}
	statuses := make(map[string]int, len(stats.ByStatus))
	for st, n := range stats.ByStatus {
		statuses[string(st)] = n
	}
	hourly := make([]fiber.Map, 0, len(stats.Hourly))
	for _, b := range stats.Hourly {
		hourly = append(hourly, fiber.Map{
			"hour":   b.Hour.Format(time.RFC3339),
			"sent":   b.Sent,
			"failed": b.Failed,
		})
	}

	return c.JSON(fiber.Map{
		"total24h":    stats.Total,
		"successRate": successRate,
		"channels":    channels,
		"statuses":    statuses,
		"hourly":      hourly,
	})
}

func (h *handlers) analyticsErrors(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	logs, err := h.deps.Logs.ErrorsOnly(c.Context(), limit)
	if err != nil {
		return apperr.NewPersistenceError("error logs", err)
	}
	out := make([]fiber.Map, 0, len(logs))
	for _, l := range logs {
		entry := fiber.Map{
			"notificationId": l.NotificationID.String(),
			"status":         l.Status,
			"message":        l.Message,
			"channel":        string(l.Channel),
			"recipient":      l.Recipient,
			"createdAt":      l.CreatedAt,
		}
		if l.ErrorDetails != nil {
			entry["errorDetails"] = *l.ErrorDetails
		}
		out = append(out, entry)
	}
	return c.JSON(fiber.Map{"errors": out})
}

func (h *handlers) analyticsLogs(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	logs, err := h.deps.Logs.Recent(c.Context(), limit)
	if err != nil {
		return apperr.NewPersistenceError("recent logs", err)
	}
	out := make([]fiber.Map, 0, len(logs))
	for _, l := range logs {
		out = append(out, fiber.Map{
			"notificationId": l.NotificationID.String(),
			"status":         l.Status,
			"message":        l.Message,
			"createdAt":      l.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"logs": out})
}

// --- direct channel endpoints (bypass the queue) ---

func (h *handlers) directSend(channel dispatch.Channel) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snd, ok := h.deps.Service.Sender(channel)
		if !ok {
			return apperr.NewNotFoundError(string(channel) + " adapter")
		}
		var body DirectSendRequest
		if err := c.BodyParser(&body); err != nil {
			return apperr.NewValidationError("body", "invalid JSON body")
		}
		if err := validate.Struct(&body); err != nil {
			return apperr.NewValidationError("body", err.Error())
		}

		n := &dispatch.Notification{
			ID:        uuid.New(),
			Channel:   channel,
			Recipient: body.To,
			Subject:   body.Subject,
			Content:   body.Message,
			Priority:  dispatch.PriorityNormal,
			Metadata:  body.Metadata,
		}
		result, sendErr := snd.Send(c.Context(), n)
		if sendErr != nil {
			return adapterError(channel, sendErr)
		}
		return c.JSON(fiber.Map{"success": true, "messageId": result.MessageID})
	}
}

func (h *handlers) pushSender() (*dispatch.PushSender, error) {
	snd, ok := h.deps.Service.Sender(dispatch.ChannelPush)
	if !ok {
		return nil, apperr.NewNotFoundError("push adapter")
	}
	push, ok := snd.(*dispatch.PushSender)
	if !ok {
		return nil, apperr.NewInternalError("push adapter does not support topic operations", nil)
	}
	return push, nil
}

func (h *handlers) pushMulticast(c *fiber.Ctx) error {
	push, err := h.pushSender()
	if err != nil {
		return err
	}
	var body MulticastRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.NewValidationError("body", "invalid JSON body")
	}
	if err := validate.Struct(&body); err != nil {
		return apperr.NewValidationError("body", err.Error())
	}
	n := &dispatch.Notification{ID: uuid.New(), Channel: dispatch.ChannelPush, Subject: body.Subject, Content: body.Message}
	results, errs := push.SendMulticast(c.Context(), body.Tokens, n)
	return c.JSON(fiber.Map{"success": len(errs) == 0, "delivered": len(results), "failed": len(errs)})
}

func (h *handlers) pushTopic(c *fiber.Ctx) error {
	push, err := h.pushSender()
	if err != nil {
		return err
	}
	var body TopicSendRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.NewValidationError("body", "invalid JSON body")
	}
	if err := validate.Struct(&body); err != nil {
		return apperr.NewValidationError("body", err.Error())
	}
	n := &dispatch.Notification{ID: uuid.New(), Channel: dispatch.ChannelPush, Subject: body.Subject, Content: body.Message}
	result, sendErr := push.SendTopic(c.Context(), body.Topic, n)
	if sendErr != nil {
		return adapterError(dispatch.ChannelPush, sendErr)
	}
	return c.JSON(fiber.Map{"success": true, "messageId": result.MessageID})
}

func (h *handlers) pushSubscribeTopic(c *fiber.Ctx) error {
	return h.pushTopicMembership(c, true)
}

func (h *handlers) pushUnsubscribeTopic(c *fiber.Ctx) error {
	return h.pushTopicMembership(c, false)
}

func (h *handlers) pushTopicMembership(c *fiber.Ctx, subscribe bool) error {
	push, err := h.pushSender()
	if err != nil {
		return err
	}
	var body TopicMembershipRequest
	if err := c.BodyParser(&body); err != nil {
		return apperr.NewValidationError("body", "invalid JSON body")
	}
	if err := validate.Struct(&body); err != nil {
		return apperr.NewValidationError("body", err.Error())
	}
	var sendErr *dispatch.SendError
	if subscribe {
		sendErr = push.SubscribeTopic(c.Context(), body.Topic, body.Tokens)
	} else {
		sendErr = push.UnsubscribeTopic(c.Context(), body.Topic, body.Tokens)
	}
	if sendErr != nil {
		return adapterError(dispatch.ChannelPush, sendErr)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) verify(channel dispatch.Channel) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snd, ok := h.deps.Service.Sender(channel)
		if !ok {
			return apperr.NewNotFoundError(string(channel) + " adapter")
		}
		status := snd.Status()
		return c.JSON(fiber.Map{
			"channel":    string(channel),
			"verified":   snd.Verify(c.Context()),
			"configured": status.Configured,
			"status":     status.Extra,
		})
	}
}

func adapterError(channel dispatch.Channel, sendErr *dispatch.SendError) *apperr.AppError {
	ae := apperr.NewAdapterError(string(channel), "ADAPTER_"+strings.ToUpper(string(sendErr.Class)), sendErr.Message)
	if sendErr.Class == dispatch.ErrorClassMisconfigured {
		return ae.WithHTTPStatus(fiber.StatusServiceUnavailable)
	}
	return ae.WithHTTPStatus(fiber.StatusBadGateway)
}
