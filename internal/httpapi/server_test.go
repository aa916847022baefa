package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmsg/dispatch/internal/dispatch"
	"github.com/orbitmsg/dispatch/internal/logging"
	"github.com/orbitmsg/dispatch/internal/store"
)

// fakeStore backs both the engine and the read endpoints in tests.
type fakeStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*dispatch.Notification
	logs          []*dispatch.Log
	stats         store.Stats24h
}

func newFakeStore() *fakeStore {
	return &fakeStore{notifications: make(map[uuid.UUID]*dispatch.Notification)}
}

func (s *fakeStore) Create(ctx context.Context, n *dispatch.Notification) error {
	return s.CreateBatch(ctx, []*dispatch.Notification{n})
}

func (s *fakeStore) CreateBatch(ctx context.Context, ns []*dispatch.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, n := range ns {
		n.CreatedAt, n.UpdatedAt = now, now
		copyN := *n
		s.notifications[n.ID] = &copyN
	}
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, id uuid.UUID) (*dispatch.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyN := *n
	return &copyN, nil
}

func (s *fakeStore) FindByIdempotencyKey(ctx context.Context, key string) ([]*dispatch.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dispatch.Notification
	for _, n := range s.notifications {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			copyN := *n
			out = append(out, &copyN)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, status dispatch.Status) error {
	return s.UpdateStatusWithLog(ctx, id, status, &dispatch.Log{Status: string(status)})
}

func (s *fakeStore) UpdateStatusWithLog(ctx context.Context, id uuid.UUID, status dispatch.Status, log *dispatch.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		n.Status = status
	}
	log.NotificationID = id
	s.logs = append(s.logs, log)
	return nil
}

func (s *fakeStore) MarkQueuedBatch(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if err := s.UpdateStatus(ctx, id, dispatch.StatusQueued); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) UpdateLastProcessed(ctx context.Context, id uuid.UUID) error { return nil }

func (s *fakeStore) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[id].RetryCount++
	return nil
}

func (s *fakeStore) SetError(ctx context.Context, id uuid.UUID, message string) error { return nil }

func (s *fakeStore) ResetForReplay(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[id].RetryCount = 0
	return nil
}

func (s *fakeStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]*dispatch.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dispatch.Notification
	for _, n := range s.notifications {
		if n.UserID != nil && *n.UserID == userID {
			copyN := *n
			out = append(out, &copyN)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPending(ctx context.Context, limit int) ([]*dispatch.Notification, error) {
	return nil, nil
}

func (s *fakeStore) ListRetryable(ctx context.Context) ([]*dispatch.Notification, error) {
	return nil, nil
}

func (s *fakeStore) ListStale(ctx context.Context, threshold time.Duration) ([]*dispatch.Notification, error) {
	return nil, nil
}

func (s *fakeStore) StatsLast24h(ctx context.Context) (store.Stats24h, error) { return s.stats, nil }

func (s *fakeStore) Append(ctx context.Context, log *dispatch.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *fakeStore) ByNotification(ctx context.Context, id uuid.UUID) ([]*dispatch.Log, error) {
	return nil, nil
}

func (s *fakeStore) Recent(ctx context.Context, limit int) ([]*dispatch.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs, nil
}

func (s *fakeStore) ErrorsOnly(ctx context.Context, limit int) ([]*store.ErrorLog, error) {
	return []*store.ErrorLog{}, nil
}

// fakeQueue is a no-op broker.
type fakeQueue struct {
	ready  bool
	paused bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, id uuid.UUID, p dispatch.Priority, d time.Duration) error {
	return nil
}
func (q *fakeQueue) BulkEnqueue(ctx context.Context, ids []uuid.UUID, p dispatch.Priority) error {
	return nil
}
func (q *fakeQueue) HasActiveJob(ctx context.Context, id uuid.UUID) (bool, error) { return false, nil }
func (q *fakeQueue) Pause(ctx context.Context) error                              { q.paused = true; return nil }
func (q *fakeQueue) Resume(ctx context.Context) error                             { q.paused = false; return nil }
func (q *fakeQueue) ClearFailed(ctx context.Context) (int, error)                 { return 2, nil }
func (q *fakeQueue) RetryFailed(ctx context.Context) (int, error)                 { return 3, nil }
func (q *fakeQueue) Stats(ctx context.Context) (dispatch.QueueStats, error) {
	return dispatch.QueueStats{Waiting: 5, Active: 1, Failed: 2}, nil
}
func (q *fakeQueue) Ready(ctx context.Context) bool { return q.ready }
func (q *fakeQueue) Close() error                   { return nil }

func newTestApp(t *testing.T) (*fakeStore, *fakeQueue, http.Handler) {
	t.Helper()
	st := newFakeStore()
	queue := &fakeQueue{ready: true}
	svc := dispatch.NewService(st, st, nil, queue, dispatch.DefaultConfig())

	app := New(Deps{
		Service:       svc,
		Notifications: st,
		Logs:          st,
		Logger:        logging.New(logging.Config{Level: logging.LevelError, Output: "stderr"}),
		WorkerRunning: func() bool { return true },
		CORSOrigin:    "*",
	})

	// Expose the fiber app through httptest-compatible plumbing.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := app.Test(r)
		require.NoError(t, err)
		defer resp.Body.Close()
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(resp.Body)
		_, _ = w.Write(buf.Bytes())
	})
	return st, queue, handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestSendCreatesNotification(t *testing.T) {
	st, _, handler := newTestApp(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/notifications/send", map[string]interface{}{
		"subject": "Hi",
		"message": "Hello",
		"channels": []map[string]string{
			{"type": "email", "recipient": "a@b.c"},
		},
		"priority": "normal",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	id, err := uuid.Parse(body["notificationId"].(string))
	require.NoError(t, err)

	n, err := st.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, n.Status)
}

func TestSendValidation(t *testing.T) {
	_, _, handler := newTestApp(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"no channels", map[string]interface{}{"message": "x", "channels": []interface{}{}}},
		{"unknown channel type", map[string]interface{}{
			"message":  "x",
			"channels": []map[string]string{{"type": "fax", "recipient": "555"}},
		}},
		{"missing recipient without userId", map[string]interface{}{
			"message":  "x",
			"channels": []map[string]string{{"type": "email"}},
		}},
		{"bad priority", map[string]interface{}{
			"message":  "x",
			"channels": []map[string]string{{"type": "email", "recipient": "a@b.c"}},
			"priority": "asap",
		}},
		{"bad scheduledAt", map[string]interface{}{
			"message":     "x",
			"channels":    []map[string]string{{"type": "email", "recipient": "a@b.c"}},
			"scheduledAt": "tomorrow",
		}},
	}
	for _, tt := range tests {
		rec, body := doJSON(t, handler, http.MethodPost, "/api/notifications/send", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		assert.NotEmpty(t, body["error"], tt.name)
	}
}

func TestNotificationStatus(t *testing.T) {
	st, _, handler := newTestApp(t)

	userID := "u1"
	n := &dispatch.Notification{
		ID: uuid.New(), UserID: &userID, Channel: dispatch.ChannelEmail,
		Recipient: "a@b.c", Content: "x", Status: dispatch.StatusSent,
		Priority: dispatch.PriorityNormal, RetryCount: 1,
		ScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, st.Create(context.Background(), n))

	rec, body := doJSON(t, handler, http.MethodGet, "/api/notifications/"+n.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, float64(1), body["retryCount"])
	channels := body["channels"].([]interface{})
	require.Len(t, channels, 1)
	assert.Equal(t, "email", channels[0].(map[string]interface{})["type"])
}

func TestNotificationStatusNotFound(t *testing.T) {
	_, _, handler := newTestApp(t)
	rec, _ := doJSON(t, handler, http.MethodGet, "/api/notifications/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueAdminEndpoints(t *testing.T) {
	_, queue, handler := newTestApp(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), body["waiting"])

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/queue/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, queue.paused)

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/queue/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, queue.paused)

	rec, body = doJSON(t, handler, http.MethodPost, "/api/queue/clear-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["cleared"])

	rec, body = doJSON(t, handler, http.MethodPost, "/api/queue/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["retried"])
}

func TestQueueHealth(t *testing.T) {
	_, queue, handler := newTestApp(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/api/queue/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "ready", body["brokerStatus"])

	queue.ready = false
	rec, body = doJSON(t, handler, http.MethodGet, "/api/queue/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["healthy"])
}

func TestAnalytics(t *testing.T) {
	st, _, handler := newTestApp(t)
	st.stats = store.Stats24h{
		Total: 10,
		ByStatus: map[dispatch.Status]int{
			dispatch.StatusSent:   8,
			dispatch.StatusFailed: 2,
		},
		ByChannel: map[dispatch.Channel]int{dispatch.ChannelEmail: 10},
		Hourly:    []store.HourlyBucket{{Hour: time.Now().Truncate(time.Hour), Sent: 8, Failed: 2}},
	}

	rec, body := doJSON(t, handler, http.MethodGet, "/api/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(10), body["total24h"])
	assert.Equal(t, float64(80), body["successRate"])
	assert.Equal(t, float64(10), body["channels"].(map[string]interface{})["email"])
	assert.Len(t, body["hourly"].([]interface{}), 1)
}

func TestRetryEndpoint(t *testing.T) {
	st, _, handler := newTestApp(t)

	n := &dispatch.Notification{
		ID: uuid.New(), Channel: dispatch.ChannelEmail, Recipient: "a@b.c",
		Content: "x", Status: dispatch.StatusFailed, Priority: dispatch.PriorityNormal,
		RetryCount: 3, MaxRetries: 3,
	}
	require.NoError(t, st.Create(context.Background(), n))

	rec, body := doJSON(t, handler, http.MethodPost, "/api/notifications/"+n.ID.String()+"/retry",
		map[string]interface{}{"resetAttempts": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(0), body["retryCount"])
}

func TestVerifyEndpointWithoutAdapter(t *testing.T) {
	_, _, handler := newTestApp(t)
	rec, _ := doJSON(t, handler, http.MethodGet, "/api/email/verify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
