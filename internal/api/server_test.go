package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/reminder"
	"github.com/vetcrm/notifier/internal/scheduler"
	"github.com/vetcrm/notifier/internal/store"
	"github.com/vetcrm/notifier/internal/testutil"
)

type fakeQueue struct {
	enqueued  []mailqueue.Message
	entries   map[int64]*models.QueueEntry
	stats     models.QueueStats
	err       error
	processed int
}

func (f *fakeQueue) Enqueue(_ context.Context, msg mailqueue.Message) (int64, error) {
	if msg.To == "" {
		return 0, fmt.Errorf("%w: recipient is empty", mailqueue.ErrInvalidEntry)
	}
	if f.err != nil {
		return 0, f.err
	}
	f.enqueued = append(f.enqueued, msg)
	return int64(len(f.enqueued)), nil
}

func (f *fakeQueue) Entry(_ context.Context, id int64) (*models.QueueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("email %d: %w", id, store.ErrNotFound)
	}
	return e, nil
}

func (f *fakeQueue) Stats(context.Context) (models.QueueStats, error) { return f.stats, f.err }
func (f *fakeQueue) RetryFailed(context.Context) (int, error)         { return 3, f.err }
func (f *fakeQueue) Cleanup(context.Context) (int, error)             { return 5, f.err }
func (f *fakeQueue) Running() bool                                    { return true }

func (f *fakeQueue) ProcessQueue(context.Context) bool {
	f.processed++
	return true
}

type fakeReminders struct{ runs int }

func (f *fakeReminders) Run(context.Context) reminder.Summary {
	f.runs++
	return reminder.Summary{Classes: []reminder.ClassResult{{Class: models.Reminder24h, Found: 1, Sent: 1}}}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		testutil.DecodeJSON(t, rec, &env)
	}
	return rec, env
}

func TestEnqueueHandler(t *testing.T) {
	q := &fakeQueue{}
	h := NewServer(q).Router()

	rec, env := do(t, h, http.MethodPost, "/email-queue", `{"to":"ana@example.com","subject":"Hi","html":"<p>x</p>","max_retries":5}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "queued", env.Status)
	assert.JSONEq(t, `{"id":1}`, string(env.Result))
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, 5, q.enqueued[0].MaxRetries)

	rec, env = do(t, h, http.MethodPost, "/email-queue", `{"subject":"Hi","html":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "recipient")

	rec, _ = do(t, h, http.MethodPost, "/email-queue", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.err = errors.New("db down")
	rec, env = do(t, h, http.MethodPost, "/email-queue", `{"to":"a@b.c","subject":"s","html":"h"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to enqueue email", env.Message)
}

func TestEntryHandler(t *testing.T) {
	q := &fakeQueue{entries: map[int64]*models.QueueEntry{
		7: {ID: 7, ToEmail: "ana@example.com", Status: models.EmailStatusSent},
	}}
	h := NewServer(q).Router()

	rec, env := do(t, h, http.MethodGet, "/email-queue/7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var entry models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Result, &entry))
	assert.Equal(t, int64(7), entry.ID)
	assert.Equal(t, models.EmailStatusSent, entry.Status)

	rec, _ = do(t, h, http.MethodGet, "/email-queue/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/email-queue/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminHandlers(t *testing.T) {
	q := &fakeQueue{stats: models.QueueStats{Total: 4, Pending: 1, Sent: 2, Failed: 1}}
	rem := &fakeReminders{}
	h := NewServer(q, WithReminders(rem)).Router()

	_, env := do(t, h, http.MethodGet, "/email-queue/stats", "")
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(env.Result, &stats))
	assert.Equal(t, q.stats, stats)

	_, env = do(t, h, http.MethodPost, "/email-queue/retry-failed", "")
	assert.JSONEq(t, `{"reset":3}`, string(env.Result))

	_, env = do(t, h, http.MethodPost, "/email-queue/cleanup", "")
	assert.JSONEq(t, `{"deleted":5}`, string(env.Result))

	_, env = do(t, h, http.MethodPost, "/email-queue/process", "")
	assert.JSONEq(t, `{"ran":true}`, string(env.Result))
	assert.Equal(t, 1, q.processed)

	rec, env := do(t, h, http.MethodPost, "/reminders/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Result), `"sent":1`)
	assert.Equal(t, 1, rem.runs)

	q.err = errors.New("db down")
	rec, _ = do(t, h, http.MethodGet, "/email-queue/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/email-queue/cleanup", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/email-queue/retry-failed", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOptionalRoutes(t *testing.T) {
	h := NewServer(&fakeQueue{}).Router()

	rec, _ := do(t, h, http.MethodPost, "/reminders/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metricsCalled := false
	h = NewServer(&fakeQueue{},
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			metricsCalled = true
			w.WriteHeader(http.StatusOK)
		})),
		WithJobs(func() []scheduler.JobInfo { return []scheduler.JobInfo{{Name: "reminders"}} }),
	).Router()

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, metricsCalled)

	rec, env := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)
	assert.Contains(t, string(env.Result), `"processor_running":true`)
	assert.Contains(t, string(env.Result), `"name":"reminders"`)
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.Success(make(chan int)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, string(fallbackErrorResponse), rec.Body.String())
}
