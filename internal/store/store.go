// Package store is the persistence layer: a small typed repository
// over Postgres for notifications, their append-only logs, and the
// owning-principal users collaborator.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orbitmsg/dispatch/internal/dispatch"
)

// Sentinel errors are shared with the dispatch package so both layers'
// callers can match them with errors.Is.
var (
	ErrNotFound = dispatch.ErrNotFound
	ErrConflict = dispatch.ErrConflict
)

// ChannelStats is one row of the per-channel/status breakdown in stats_last_24h.
type ChannelStats struct {
	Channel dispatch.Channel
	Status  dispatch.Status
	Count   int
}

// HourlyBucket is one (sent, failed) bucket for the analytics rollup.
type HourlyBucket struct {
	Hour   time.Time
	Sent   int
	Failed int
}

// Stats24h is the result of stats_last_24h().
type Stats24h struct {
	Total        int
	ByStatus     map[dispatch.Status]int
	ByChannel    map[dispatch.Channel]int
	ChannelStats []ChannelStats
	Hourly       []HourlyBucket
}

// NotificationRepository is the persistence contract for notification rows.
type NotificationRepository interface {
	Create(ctx context.Context, n *dispatch.Notification) error
	CreateBatch(ctx context.Context, ns []*dispatch.Notification) error
	FindByID(ctx context.Context, id uuid.UUID) (*dispatch.Notification, error)
	FindByIdempotencyKey(ctx context.Context, key string) ([]*dispatch.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status dispatch.Status) error
	// UpdateStatusWithLog transitions the row and appends the supplied
	// log entry in the same transaction, instead of the default
	// transition log. The log's NotificationID is taken from id.
	UpdateStatusWithLog(ctx context.Context, id uuid.UUID, status dispatch.Status, log *dispatch.Log) error
	// MarkQueuedBatch moves a set of freshly created rows to queued in
	// one transaction, one log row each.
	MarkQueuedBatch(ctx context.Context, ids []uuid.UUID) error
	UpdateLastProcessed(ctx context.Context, id uuid.UUID) error
	IncrementRetryCount(ctx context.Context, id uuid.UUID) error
	SetError(ctx context.Context, id uuid.UUID, message string) error
	ResetForReplay(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID string, page, limit int) ([]*dispatch.Notification, error)
	ListPending(ctx context.Context, limit int) ([]*dispatch.Notification, error)
	ListRetryable(ctx context.Context) ([]*dispatch.Notification, error)
	ListStale(ctx context.Context, threshold time.Duration) ([]*dispatch.Notification, error)
	StatsLast24h(ctx context.Context) (Stats24h, error)
}

// ErrorLog is an error-only log row joined with the owning
// notification's channel and recipient, for the error feed.
type ErrorLog struct {
	dispatch.Log
	Channel   dispatch.Channel
	Recipient string
}

// LogRepository is the insert-only log repository.
type LogRepository interface {
	Append(ctx context.Context, log *dispatch.Log) error
	ByNotification(ctx context.Context, id uuid.UUID) ([]*dispatch.Log, error)
	Recent(ctx context.Context, limit int) ([]*dispatch.Log, error)
	ErrorsOnly(ctx context.Context, limit int) ([]*ErrorLog, error)
}

// UserRepository exposes the minimal read path dispatch needs when a
// submission omits the explicit recipient.
type UserRepository interface {
	UserByID(ctx context.Context, id string) (*dispatch.User, error)
}

// PostgresStore implements NotificationRepository, LogRepository, and
// UserRepository over a single *sql.DB. Every status-updating operation
// on a notification row and its corresponding log append happen in the
// same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) Create(ctx context.Context, n *dispatch.Notification) error {
	return s.CreateBatch(ctx, []*dispatch.Notification{n})
}

func (s *PostgresStore) CreateBatch(ctx context.Context, ns []*dispatch.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO notifications
			(id, user_id, template_id, channel, recipient, subject, content, status,
			 priority, retry_count, max_retries, scheduled_at, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	now := nowUTC()
	for _, n := range ns {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		n.CreatedAt, n.UpdatedAt = now, now
		metaJSON, merr := json.Marshal(n.Metadata)
		if merr != nil {
			return fmt.Errorf("marshal metadata: %w", merr)
		}
		_, err := tx.ExecContext(ctx, insert,
			n.ID, n.UserID, n.TemplateID, n.Channel, n.Recipient, n.Subject, n.Content, n.Status,
			n.Priority, n.RetryCount, n.MaxRetries, n.ScheduledAt, n.IdempotencyKey, metaJSON, n.CreatedAt, n.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert notification: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notification_logs (notification_id, status, message, created_at) VALUES ($1,$2,$3,$4)`,
			n.ID, "created", "notification created", now,
		); err != nil {
			return fmt.Errorf("insert created log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*dispatch.Notification, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// FindByIdempotencyKey returns every row of the submission that carried
// the key, one per channel.
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) ([]*dispatch.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE idempotency_key = $1 ORDER BY created_at ASC`, key)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

const selectColumns = `
	SELECT id, user_id, template_id, channel, recipient, subject, content, status,
	       priority, retry_count, max_retries, error_message, scheduled_at,
	       last_processed_at, sent_at, idempotency_key, metadata, created_at, updated_at
	FROM notifications`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scannable) (*dispatch.Notification, error) {
	var n dispatch.Notification
	var metaJSON []byte
	if err := row.Scan(
		&n.ID, &n.UserID, &n.TemplateID, &n.Channel, &n.Recipient, &n.Subject, &n.Content, &n.Status,
		&n.Priority, &n.RetryCount, &n.MaxRetries, &n.ErrorMessage, &n.ScheduledAt,
		&n.LastProcessedAt, &n.SentAt, &n.IdempotencyKey, &metaJSON, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &n.Metadata)
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]*dispatch.Notification, error) {
	defer rows.Close()
	var out []*dispatch.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a row's status, stamping sent_at exactly
// once (only when the row's current sent_at is still null), and appends
// the matching log row in the same transaction.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status dispatch.Status) error {
	return s.UpdateStatusWithLog(ctx, id, status, &dispatch.Log{
		Status:  string(status),
		Message: fmt.Sprintf("status -> %s", status),
	})
}

// UpdateStatusWithLog is UpdateStatus with a caller-supplied log entry
// (delivered logs carry the provider response, failed logs the error
// details) appended in the same transaction.
func (s *PostgresStore) UpdateStatusWithLog(ctx context.Context, id uuid.UUID, status dispatch.Status, log *dispatch.Log) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if status == dispatch.StatusSent {
		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET status=$1, sent_at=COALESCE(sent_at, now()), updated_at=now() WHERE id=$2`,
			status, id,
		); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET status=$1, updated_at=now() WHERE id=$2`, status, id,
		); err != nil {
			return err
		}
	}

	metaJSON, err := json.Marshal(log.Metadata)
	if err != nil {
		return err
	}
	var providerResp []byte
	if len(log.ProviderResponse) > 0 {
		providerResp = log.ProviderResponse
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notification_logs (notification_id, status, message, error_details, provider_response, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6, now())`,
		id, log.Status, log.Message, log.ErrorDetails, providerResp, metaJSON,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkQueuedBatch moves freshly created rows to queued in one
// transaction, appending one queued log per row.
func (s *PostgresStore) MarkQueuedBatch(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET status=$1, updated_at=now() WHERE id = ANY($2)`,
		dispatch.StatusQueued, pq.Array(uuidStrings(ids)),
	); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notification_logs (notification_id, status, message, created_at) VALUES ($1,$2,$3, now())`,
			id, string(dispatch.StatusQueued), "enqueued for delivery",
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *PostgresStore) UpdateLastProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET last_processed_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SetError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET error_message = $1, updated_at = now() WHERE id = $2`, message, id)
	return err
}

// ResetForReplay zeroes retry_count and clears the terminal error so a
// row can be replayed from scratch via the retry endpoint's
// resetAttempts flag. The row moves to pending and a pending log row is
// appended in the same transaction.
func (s *PostgresStore) ResetForReplay(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET retry_count = 0, status = $1, error_message = NULL, updated_at = now() WHERE id = $2`,
		dispatch.StatusPending, id,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notification_logs (notification_id, status, message, created_at) VALUES ($1,$2,$3, now())`,
		id, string(dispatch.StatusPending), "retry count reset for replay",
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]*dispatch.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// ListPending returns pending rows whose scheduled_at has passed,
// oldest schedule first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*dispatch.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = $1 AND scheduled_at <= now() ORDER BY scheduled_at ASC LIMIT $2`,
		dispatch.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// ListRetryable returns failed rows that still have retry budget left,
// highest priority first, then oldest first.
func (s *PostgresStore) ListRetryable(ctx context.Context) ([]*dispatch.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = $1 AND retry_count < max_retries AND scheduled_at <= now()
			ORDER BY
				CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
				created_at ASC`,
		dispatch.StatusFailed)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// ListStale returns rows stuck in processing past the stall threshold.
func (s *PostgresStore) ListStale(ctx context.Context, threshold time.Duration) ([]*dispatch.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = $1 AND last_processed_at < now() - ($2 || ' seconds')::interval`,
		dispatch.StatusProcessing, int(threshold.Seconds()))
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

func (s *PostgresStore) StatsLast24h(ctx context.Context) (Stats24h, error) {
	out := Stats24h{
		ByStatus:  make(map[dispatch.Status]int),
		ByChannel: make(map[dispatch.Channel]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, channel, count(*) FROM notifications WHERE created_at >= now() - interval '24 hours'
			GROUP BY status, channel`)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var cs ChannelStats
		if err := rows.Scan(&cs.Status, &cs.Channel, &cs.Count); err != nil {
			return out, err
		}
		out.ChannelStats = append(out.ChannelStats, cs)
		out.ByStatus[cs.Status] += cs.Count
		out.ByChannel[cs.Channel] += cs.Count
		out.Total += cs.Count
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	hourly, err := s.db.QueryContext(ctx,
		`SELECT date_trunc('hour', created_at) AS hour,
			count(*) FILTER (WHERE status = 'sent') AS sent,
			count(*) FILTER (WHERE status = 'failed') AS failed
		FROM notifications
		WHERE created_at >= now() - interval '24 hours'
		GROUP BY hour ORDER BY hour ASC`)
	if err != nil {
		return out, err
	}
	defer hourly.Close()
	for hourly.Next() {
		var b HourlyBucket
		if err := hourly.Scan(&b.Hour, &b.Sent, &b.Failed); err != nil {
			return out, err
		}
		out.Hourly = append(out.Hourly, b)
	}
	return out, hourly.Err()
}

// --- logs ---

func (s *PostgresStore) Append(ctx context.Context, log *dispatch.Log) error {
	var providerResp []byte
	if len(log.ProviderResponse) > 0 {
		providerResp = log.ProviderResponse
	}
	metaJSON, err := json.Marshal(log.Metadata)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO notification_logs (notification_id, status, message, error_details, provider_response, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6, now()) RETURNING id, created_at`,
		log.NotificationID, log.Status, log.Message, log.ErrorDetails, providerResp, metaJSON,
	).Scan(&log.ID, &log.CreatedAt)
}

func scanLogs(rows *sql.Rows) ([]*dispatch.Log, error) {
	defer rows.Close()
	var out []*dispatch.Log
	for rows.Next() {
		var l dispatch.Log
		var metaJSON []byte
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.Status, &l.Message, &l.ErrorDetails,
			&l.ProviderResponse, &metaJSON, &l.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &l.Metadata)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

const selectLogColumns = `SELECT id, notification_id, status, message, error_details, provider_response, metadata, created_at FROM notification_logs`

func (s *PostgresStore) ByNotification(ctx context.Context, id uuid.UUID) ([]*dispatch.Log, error) {
	rows, err := s.db.QueryContext(ctx, selectLogColumns+` WHERE notification_id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*dispatch.Log, error) {
	rows, err := s.db.QueryContext(ctx, selectLogColumns+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanLogs(rows)
}

// ErrorsOnly returns the most recent error and failed log rows joined
// with the owning notification's channel and recipient.
func (s *PostgresStore) ErrorsOnly(ctx context.Context, limit int) ([]*ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.notification_id, l.status, l.message, l.error_details, l.provider_response, l.metadata, l.created_at,
		        n.channel, n.recipient
		 FROM notification_logs l
		 JOIN notifications n ON n.id = l.notification_id
		 WHERE l.status IN ('error','failed')
		 ORDER BY l.created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ErrorLog
	for rows.Next() {
		var l ErrorLog
		var metaJSON []byte
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.Status, &l.Message, &l.ErrorDetails,
			&l.ProviderResponse, &metaJSON, &l.CreatedAt, &l.Channel, &l.Recipient); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &l.Metadata)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- users ---

func (s *PostgresStore) UserByID(ctx context.Context, id string) (*dispatch.User, error) {
	var u dispatch.User
	var metaJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, phone, push_token, slack_webhook_url, telegram_chat_id, preferences, created_at, updated_at
		 FROM notification_users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.PushToken, &u.SlackWebhookURL, &u.TelegramChatID,
		&metaJSON, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &u.Preferences)
	}
	return &u, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
