package webhook

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

var testRetry = models.RetryConfig{MaxRetries: 3, RetryDelayMs: 1, BackoffMultiplier: 2}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "webhook_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) Enqueue(id string) bool {
	q.ids = append(q.ids, id)
	return true
}

func createHook(t *testing.T, svc *Service, userID string, req CreateRequest) *models.Webhook {
	t.Helper()
	if req.URL == "" {
		req.URL = "https://hooks.example.com/verdict"
	}
	if req.Events == nil {
		req.Events = []models.EventKind{models.EventFactCheckCompleted}
	}
	w, err := svc.Create(context.Background(), userID, req)
	require.NoError(t, err)
	return w
}

func TestCreateDefaults(t *testing.T) {
	svc := NewService(newTestStore(t), nil, testRetry)
	w := createHook(t, svc, "user-1", CreateRequest{
		Events: []models.EventKind{models.EventFactCheckCompleted, models.EventFactCheckCompleted},
	})

	assert.Contains(t, w.ID, "wh_")
	assert.True(t, w.Active)
	assert.Contains(t, w.Secret, "whsec_")
	assert.Equal(t, testRetry, w.RetryConfig)
	assert.Equal(t, []models.EventKind{models.EventFactCheckCompleted}, w.Events)

	got, err := svc.Get(context.Background(), "user-1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Secret, got.Secret)
	assert.Equal(t, w.Events, got.Events)
	assert.True(t, got.CreatedAt.Equal(w.CreatedAt.Truncate(time.Millisecond)))
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newTestStore(t), nil, testRetry)
	ctx := context.Background()
	events := []models.EventKind{models.EventFactCheckCompleted}

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"missing url", CreateRequest{Events: events}, "url"},
		{"relative url", CreateRequest{URL: "/hook", Events: events}, "url"},
		{"ftp url", CreateRequest{URL: "ftp://example.com/x", Events: events}, "url"},
		{"no events", CreateRequest{URL: "https://example.com"}, "events"},
		{"unknown event", CreateRequest{URL: "https://example.com", Events: []models.EventKind{"fact_check.exploded"}}, "events[0]"},
		{"short secret", CreateRequest{URL: "https://example.com", Events: events, Secret: "abc"}, "secret"},
		{
			"too many retries",
			CreateRequest{URL: "https://example.com", Events: events, RetryConfig: &models.RetryConfig{MaxRetries: 11, RetryDelayMs: 1, BackoffMultiplier: 2}},
			"maxretries",
		},
		{
			"confidence out of range",
			CreateRequest{URL: "https://example.com", Events: events, Filters: models.WebhookFilters{ConfidenceThreshold: ptr(1.5)}},
			"confidencethreshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "user-1", tt.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	list, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOwnerScoping(t *testing.T) {
	svc := NewService(newTestStore(t), nil, testRetry)
	ctx := context.Background()
	w := createHook(t, svc, "alice", CreateRequest{})

	_, err := svc.Get(ctx, "bob", w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Update(ctx, "bob", w.ID, UpdateRequest{Active: ptr(false)})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.RotateSecret(ctx, "bob", w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Deliveries(ctx, "bob", w.ID, models.DeliveryQueryOpts{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "bob", w.ID), ErrNotFound)

	list, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, svc.Delete(ctx, "alice", w.ID))
	_, err = svc.Get(ctx, "alice", w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAndRotate(t *testing.T) {
	svc := NewService(newTestStore(t), nil, testRetry)
	ctx := context.Background()
	w := createHook(t, svc, "alice", CreateRequest{})

	newURL := "http://internal.example.com/hook"
	updated, err := svc.Update(ctx, "alice", w.ID, UpdateRequest{
		URL:     &newURL,
		Events:  []models.EventKind{models.EventSessionCreated},
		Active:  ptr(false),
		Filters: &models.WebhookFilters{VerdictLabels: []string{"false"}},
	})
	require.NoError(t, err)
	assert.Equal(t, newURL, updated.URL)
	assert.False(t, updated.Active)

	got, err := svc.Get(ctx, "alice", w.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.EventSessionCreated}, got.Events)
	assert.Equal(t, []string{"false"}, got.Filters.VerdictLabels)

	bad := "mailto:x@example.com"
	_, err = svc.Update(ctx, "alice", w.ID, UpdateRequest{URL: &bad})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	rotated, err := svc.RotateSecret(ctx, "alice", w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, w.Secret, rotated.Secret)
}

func TestTriggerFiltersAndSubscriptions(t *testing.T) {
	st := newTestStore(t)
	q := &recordingQueue{}
	svc := NewService(st, q, testRetry)
	ctx := context.Background()

	strict := createHook(t, svc, "alice", CreateRequest{Filters: models.WebhookFilters{ConfidenceThreshold: ptr(0.9)}})
	open := createHook(t, svc, "bob", CreateRequest{})
	createHook(t, svc, "carol", CreateRequest{Events: []models.EventKind{models.EventSessionCreated}})
	createHook(t, svc, "dave", CreateRequest{Active: ptr(false)})

	low := models.EventData{Query: "is the earth flat", Verdict: &models.Verdict{Label: "false", Confidence: 0.5}}
	got, err := svc.Trigger(ctx, models.EventFactCheckCompleted, "alice", low)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].WebhookID)

	high := low
	high.Verdict = &models.Verdict{Label: "false", Confidence: 0.95}
	got, err = svc.Trigger(ctx, models.EventFactCheckCompleted, "alice", high)
	require.NoError(t, err)
	require.Len(t, got, 2)
	byHook := map[string]models.WebhookDelivery{}
	for _, d := range got {
		byHook[d.WebhookID] = d
	}
	assert.Contains(t, byHook, open.ID)
	require.Contains(t, byHook, strict.ID)
	assert.Len(t, q.ids, 3)

	d := byHook[strict.ID]
	assert.Equal(t, models.DeliveryPending, d.Status)
	assert.True(t, Verify(d.Payload, d.Signature, strict.Secret))

	reloaded, err := svc.Get(ctx, "alice", strict.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Metadata.LastTriggeredAt)
	assert.Zero(t, reloaded.Metadata.TotalDeliveries, "counters move only on completion")

	_, err = svc.Trigger(ctx, "nope", "alice", low)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestTestDelivery(t *testing.T) {
	svc := NewService(newTestStore(t), nil, testRetry)
	ctx := context.Background()
	w := createHook(t, svc, "alice", CreateRequest{
		Events:  []models.EventKind{models.EventSessionDeleted},
		Filters: models.WebhookFilters{UserIDs: []string{"nobody"}},
	})

	d, err := svc.Test(ctx, "alice", w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventWebhookTest, d.Event)

	list, err := svc.Deliveries(ctx, "alice", w.ID, models.DeliveryQueryOpts{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
	assert.Empty(t, list[0].Attempts)
}
