package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/orbitmsg/dispatch/internal/metrics"
)

// Repository is the slice of the persistence layer the dispatch engine
// writes through. It is satisfied by store.PostgresStore and by the
// in-memory fakes in tests.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	CreateBatch(ctx context.Context, ns []*Notification) error
	FindByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	FindByIdempotencyKey(ctx context.Context, key string) ([]*Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateStatusWithLog(ctx context.Context, id uuid.UUID, status Status, log *Log) error
	MarkQueuedBatch(ctx context.Context, ids []uuid.UUID) error
	UpdateLastProcessed(ctx context.Context, id uuid.UUID) error
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
	SetError(ctx context.Context, id uuid.UUID, message string) error
	ResetForReplay(ctx context.Context, id uuid.UUID) error
	ListRetryable(ctx context.Context) ([]*Notification, error)
	ListStale(ctx context.Context, threshold time.Duration) ([]*Notification, error)
}

// LogAppender is the insert-only side of the log repository.
type LogAppender interface {
	Append(ctx context.Context, log *Log) error
}

// UserResolver looks up the owning principal when a submission omits
// the explicit per-channel recipient.
type UserResolver interface {
	UserByID(ctx context.Context, id string) (*User, error)
}

// Service orchestrates the dispatch engine: it owns the submission
// path, the claim-and-process protocol each worker runs per job, the
// per-channel retry decisions, stall recovery, and the reconciliation
// sweep. The broker knows what is in flight; the database knows what
// the business state is; Service is the only code that writes both.
type Service struct {
	repo    Repository
	logs    LogAppender
	users   UserResolver
	queue   Queue
	senders map[Channel]Sender
	config  Config
}

func NewService(repo Repository, logs LogAppender, users UserResolver, queue Queue, config Config) *Service {
	return &Service{
		repo:    repo,
		logs:    logs,
		users:   users,
		queue:   queue,
		senders: make(map[Channel]Sender),
		config:  config,
	}
}

// RegisterSender adds a channel adapter. Not safe for concurrent use;
// call during startup only.
func (s *Service) RegisterSender(snd Sender) {
	s.senders[snd.Channel()] = snd
}

// Sender returns the adapter registered for a channel, for the direct
// send endpoints that bypass the queue.
func (s *Service) Sender(c Channel) (Sender, bool) {
	snd, ok := s.senders[c]
	return snd, ok
}

// Submit fans a submission out into one notification row per channel,
// persists them in one transaction, and bulk-enqueues one broker job
// per row. Rows whose scheduled time is in the future are enqueued with
// the matching delay; a scheduled time in the past is eligible
// immediately. Broker failure after the rows are created is not fatal:
// the rows are returned and stay pending. Neither the stall sweep nor
// the reconciliation sweep selects pending rows, so such rows are
// enqueued again only through Retry.
func (s *Service) Submit(ctx context.Context, req CreateRequest) ([]*Notification, error) {
	if len(req.Channels) == 0 {
		return nil, fmt.Errorf("dispatch: submission has no channels")
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	scheduledAt := time.Now().UTC()
	var delay time.Duration
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
		if d := time.Until(scheduledAt); d > 0 {
			delay = d
		}
	}

	vars := templateVars(req.Metadata)
	subject := RenderTemplate(req.Subject, vars)
	content := RenderTemplate(req.Message, vars)

	rows := make([]*Notification, 0, len(req.Channels))
	for _, ch := range req.Channels {
		recipient := ch.Recipient
		if recipient == "" {
			resolved, err := s.resolveRecipient(ctx, req.UserID, ch.Type)
			if err != nil {
				return nil, err
			}
			recipient = resolved
		}
		policy := s.config.RetryPolicies[ch.Type]
		rows = append(rows, &Notification{
			ID:             uuid.New(),
			UserID:         req.UserID,
			Channel:        ch.Type,
			Recipient:      recipient,
			Subject:        subject,
			Content:        content,
			Status:         StatusPending,
			Priority:       req.Priority,
			MaxRetries:     policy.MaxRetries,
			ScheduledAt:    scheduledAt,
			Metadata:       req.Metadata,
			IdempotencyKey: req.IdempotencyKey,
		})
	}

	if err := s.repo.CreateBatch(ctx, rows); err != nil {
		// A replayed submission with the same idempotency key returns
		// the original rows instead of creating (or sending) anything.
		if errors.Is(err, ErrConflict) && req.IdempotencyKey != nil {
			if existing, getErr := s.repo.FindByIdempotencyKey(ctx, *req.IdempotencyKey); getErr == nil && len(existing) > 0 {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create notifications: %w", err)
	}
	for _, n := range rows {
		metrics.SubmittedTotal.WithLabelValues(string(n.Channel)).Inc()
	}

	ids := make([]uuid.UUID, len(rows))
	for i, n := range rows {
		ids[i] = n.ID
	}

	var enqueueErr error
	if delay > 0 {
		for _, id := range ids {
			if err := s.queue.Enqueue(ctx, id, req.Priority, delay); err != nil {
				enqueueErr = err
				break
			}
		}
	} else {
		enqueueErr = s.queue.BulkEnqueue(ctx, ids, req.Priority)
	}
	if enqueueErr != nil {
		s.captureError(enqueueErr, map[string]string{"operation": "enqueue"}, nil)
		return rows, nil
	}

	if err := s.repo.MarkQueuedBatch(ctx, ids); err != nil {
		s.captureError(err, map[string]string{"operation": "mark_queued"}, nil)
	} else {
		for _, n := range rows {
			n.Status = StatusQueued
		}
	}
	return rows, nil
}

func (s *Service) resolveRecipient(ctx context.Context, userID *string, channel Channel) (string, error) {
	if userID == nil || s.users == nil {
		return "", fmt.Errorf("dispatch: no recipient for channel %s and no user to resolve from", channel)
	}
	u, err := s.users.UserByID(ctx, *userID)
	if err != nil {
		return "", fmt.Errorf("resolve recipient for %s: %w", channel, err)
	}
	var addr *string
	switch channel {
	case ChannelEmail:
		addr = &u.Email
	case ChannelSMS:
		addr = u.Phone
	case ChannelPush:
		addr = u.PushToken
	case ChannelSlack:
		addr = u.SlackWebhookURL
	case ChannelTelegram:
		addr = u.TelegramChatID
	}
	if addr == nil || *addr == "" {
		return "", fmt.Errorf("dispatch: user %s has no %s address", u.ID, channel)
	}
	return *addr, nil
}

// Process runs the claim-and-process protocol for one broker job. The
// broker's single-consumer guarantee is the only interlock between
// concurrent workers; Process itself never takes locks.
func (s *Service) Process(ctx context.Context, id uuid.UUID) error {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", id, err)
	}

	// Terminal rows never transition again. A replayed or stale job for
	// one is acknowledged without touching the row.
	if n.Status.Terminal() {
		return nil
	}

	if err := s.repo.UpdateLastProcessed(ctx, id); err != nil {
		return fmt.Errorf("touch last_processed %s: %w", id, err)
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusProcessing); err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}

	snd, ok := s.senders[n.Channel]
	if !ok {
		return s.markFailed(ctx, n, fmt.Sprintf("no adapter registered for channel %s", n.Channel))
	}

	sendCtx := ctx
	if s.config.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.config.AdapterTimeout)
		defer cancel()
	}

	timer := prometheusTimer(n.Channel)
	defer timer()

	result, sendErr := snd.Send(sendCtx, n)
	if sendErr == nil {
		return s.markSent(ctx, n, result)
	}
	return s.handleFailure(ctx, n, sendErr)
}

func (s *Service) markSent(ctx context.Context, n *Notification, result *SendResult) error {
	log := &Log{
		Status:           "delivered",
		Message:          fmt.Sprintf("delivered via %s", n.Channel),
		ProviderResponse: result.RawProviderResponse,
	}
	if result.MessageID != "" {
		log.Metadata = Metadata{"message_id": result.MessageID}
	}
	if err := s.repo.UpdateStatusWithLog(ctx, n.ID, StatusSent, log); err != nil {
		return fmt.Errorf("mark sent %s: %w", n.ID, err)
	}
	metrics.ProcessedTotal.WithLabelValues(string(n.Channel), "sent").Inc()
	return nil
}

func prometheusTimer(c Channel) func() {
	start := time.Now()
	return func() {
		metrics.ProcessDuration.WithLabelValues(string(c)).Observe(time.Since(start).Seconds())
	}
}

// handleFailure applies the per-channel retry policy: permanent and
// misconfigured errors fail immediately, transient errors are
// re-enqueued with backoff until the retry budget is exhausted. The
// broker job that delivered this failure is acknowledged either way;
// retry is always a new delayed job.
func (s *Service) handleFailure(ctx context.Context, n *Notification, sendErr *SendError) error {
	errJSON, _ := json.Marshal(map[string]interface{}{
		"message":   sendErr.Message,
		"class":     string(sendErr.Class),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	errDetails := string(errJSON)
	if err := s.logs.Append(ctx, &Log{
		NotificationID: n.ID,
		Status:         "error",
		Message:        sendErr.Message,
		ErrorDetails:   &errDetails,
	}); err != nil {
		s.captureError(err, map[string]string{"operation": "append_error_log"}, nil)
	}

	if sendErr.Class == ErrorClassMisconfigured {
		s.captureAdapterMisconfigured(n, sendErr)
	}

	policy := s.policyFor(n)
	if !sendErr.Class.ShouldRetry() || n.RetryCount+1 > policy.MaxRetries {
		return s.markFailed(ctx, n, sendErr.Message)
	}

	if err := s.repo.IncrementRetryCount(ctx, n.ID); err != nil {
		return fmt.Errorf("increment retry_count %s: %w", n.ID, err)
	}
	n.RetryCount++

	delay := policy.Delay(n.RetryCount)
	if err := s.repo.UpdateStatusWithLog(ctx, n.ID, StatusRetrying, &Log{
		Status:  "retry_scheduled",
		Message: fmt.Sprintf("retry %d/%d in %dms: %s", n.RetryCount, policy.MaxRetries, delay.Milliseconds(), sendErr.Message),
		Metadata: Metadata{
			"retry_count": n.RetryCount,
			"max_retries": policy.MaxRetries,
			"delay_ms":    delay.Milliseconds(),
			"last_error":  sendErr.Message,
		},
	}); err != nil {
		return fmt.Errorf("mark retrying %s: %w", n.ID, err)
	}

	if err := s.queue.Enqueue(ctx, n.ID, n.Priority, delay); err != nil {
		// Row stays in retrying. Neither sweep selects retrying rows,
		// so it is enqueued again only through Retry.
		s.captureError(err, map[string]string{"operation": "enqueue_retry"}, map[string]interface{}{
			"notification_id": n.ID.String(),
		})
	}
	metrics.ProcessedTotal.WithLabelValues(string(n.Channel), "retried").Inc()
	return nil
}

func (s *Service) markFailed(ctx context.Context, n *Notification, reason string) error {
	if err := s.repo.SetError(ctx, n.ID, reason); err != nil {
		s.captureError(err, map[string]string{"operation": "set_error"}, nil)
	}
	errDetails := reason
	if err := s.repo.UpdateStatusWithLog(ctx, n.ID, StatusFailed, &Log{
		Status:       "failed",
		Message:      fmt.Sprintf("delivery failed after %d retries: %s", n.RetryCount, reason),
		ErrorDetails: &errDetails,
	}); err != nil {
		return fmt.Errorf("mark failed %s: %w", n.ID, err)
	}
	metrics.ProcessedTotal.WithLabelValues(string(n.Channel), "failed").Inc()
	s.captureDeliveryFailed(n, reason)
	return nil
}

func (s *Service) policyFor(n *Notification) RetryPolicy {
	policy, ok := s.config.RetryPolicies[n.Channel]
	if !ok {
		policy = RetryPolicy{BackoffType: BackoffFixed, BaseDelay: 10 * time.Second}
	}
	// A per-row max_retries override (including 0 for "no retry") wins
	// over the channel default.
	policy.MaxRetries = n.MaxRetries
	return policy
}

// Retry re-enqueues a specific row regardless of broker state. With
// resetAttempts the retry counter is zeroed first, so operators can
// replay a row whose budget is spent.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, resetAttempts bool) (*Notification, error) {
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if resetAttempts {
		if err := s.repo.ResetForReplay(ctx, id); err != nil {
			return nil, fmt.Errorf("reset for replay %s: %w", id, err)
		}
		n.RetryCount = 0
	}
	if err := s.queue.Enqueue(ctx, id, n.Priority, 0); err != nil {
		return nil, fmt.Errorf("enqueue retry %s: %w", id, err)
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusQueued); err != nil {
		return nil, err
	}
	n.Status = StatusQueued
	return n, nil
}

// SweepStalled is the stall detector: rows held in processing past the
// stall threshold with no active broker job are re-enqueued at their
// current priority, once per sweep tick. This is the sole recovery path
// for workers that died mid-send, and it accepts that the provider may
// have been hit once already.
func (s *Service) SweepStalled(ctx context.Context) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.config.StallThreshold)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	recovered := 0
	for _, n := range stale {
		active, err := s.queue.HasActiveJob(ctx, n.ID)
		if err != nil {
			s.captureError(err, map[string]string{"operation": "stall_check"}, nil)
			continue
		}
		if active {
			continue
		}
		if err := s.queue.Enqueue(ctx, n.ID, n.Priority, 0); err != nil {
			s.captureError(err, map[string]string{"operation": "stall_requeue"}, map[string]interface{}{
				"notification_id": n.ID.String(),
			})
			continue
		}
		if err := s.repo.UpdateStatusWithLog(ctx, n.ID, StatusQueued, &Log{
			Status:  "stall_recovered",
			Message: fmt.Sprintf("re-enqueued after stalling in processing for over %s", s.config.StallThreshold),
		}); err != nil {
			s.captureError(err, map[string]string{"operation": "stall_log"}, nil)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Reconcile is the database-driven retry path, defense-in-depth beyond
// the stall sweeper: failed rows with retry budget left whose broker
// state was lost (purged archive, flushed Redis) are re-enqueued from
// their database state alone.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	rows, err := s.repo.ListRetryable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list retryable: %w", err)
	}

	requeued := 0
	for _, n := range rows {
		active, err := s.queue.HasActiveJob(ctx, n.ID)
		if err != nil || active {
			continue
		}
		if err := s.queue.Enqueue(ctx, n.ID, n.Priority, 0); err != nil {
			continue
		}
		if err := s.repo.UpdateStatus(ctx, n.ID, StatusQueued); err != nil {
			s.captureError(err, map[string]string{"operation": "reconcile_mark_queued"}, nil)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// CheckQueueHealth alerts when the broker's failed set crosses the
// warning or critical threshold.
func (s *Service) CheckQueueHealth(ctx context.Context) error {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return err
	}
	switch {
	case stats.Failed >= int64(s.config.DLQCriticalThreshold):
		s.captureQueueAlert(sentry.LevelError, "failed queue critical threshold exceeded", stats, s.config.DLQCriticalThreshold)
	case stats.Failed >= int64(s.config.DLQWarningThreshold):
		s.captureQueueAlert(sentry.LevelWarning, "failed queue warning threshold exceeded", stats, s.config.DLQWarningThreshold)
	}
	return nil
}

// --- admin surface ---

func (s *Service) QueueStats(ctx context.Context) (QueueStats, error) { return s.queue.Stats(ctx) }

func (s *Service) PauseQueue(ctx context.Context) error  { return s.queue.Pause(ctx) }
func (s *Service) ResumeQueue(ctx context.Context) error { return s.queue.Resume(ctx) }

func (s *Service) ClearFailed(ctx context.Context) (int, error) { return s.queue.ClearFailed(ctx) }
func (s *Service) RetryFailed(ctx context.Context) (int, error) { return s.queue.RetryFailed(ctx) }

// Health is the system_health() snapshot: healthy follows the broker
// alone; the worker flag is informational.
type Health struct {
	Healthy       bool       `json:"healthy"`
	BrokerStatus  string     `json:"brokerStatus"`
	WorkerRunning bool       `json:"workerRunning"`
	Queue         QueueStats `json:"queue"`
}

func (s *Service) SystemHealth(ctx context.Context, workerRunning bool) Health {
	h := Health{WorkerRunning: workerRunning, BrokerStatus: "unavailable"}
	if s.queue.Ready(ctx) {
		h.BrokerStatus = "ready"
		h.Healthy = true
	}
	if stats, err := s.queue.Stats(ctx); err == nil {
		h.Queue = stats
	}
	return h
}

// --- sentry reporting ---

func (s *Service) captureError(err error, tags map[string]string, extras map[string]interface{}) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}
	hub.CaptureException(err)
}

func (s *Service) captureDeliveryFailed(n *Notification, reason string) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetTag("channel", string(n.Channel))
	scope.SetLevel(sentry.LevelWarning)
	scope.SetExtra("notification_id", n.ID.String())
	scope.SetExtra("retry_count", n.RetryCount)
	scope.SetExtra("max_retries", n.MaxRetries)
	scope.SetExtra("error_message", reason)
	hub.CaptureMessage(fmt.Sprintf("notification failed: %s (%s)", n.ID, reason))
}

func (s *Service) captureAdapterMisconfigured(n *Notification, sendErr *SendError) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetTag("channel", string(n.Channel))
	scope.SetTag("error_class", string(sendErr.Class))
	scope.SetLevel(sentry.LevelError)
	hub.CaptureMessage(fmt.Sprintf("%s adapter misconfigured: %s", n.Channel, sendErr.Message))
}

func (s *Service) captureQueueAlert(level sentry.Level, message string, stats QueueStats, threshold int) {
	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()
	scope.SetTag("service", "dispatch")
	scope.SetTag("alert_type", "queue_failed_threshold")
	scope.SetLevel(level)
	scope.SetExtra("failed", stats.Failed)
	scope.SetExtra("waiting", stats.Waiting)
	scope.SetExtra("threshold", threshold)
	hub.CaptureMessage(fmt.Sprintf("%s: %d failed jobs (threshold: %d)", message, stats.Failed, threshold))
}
