// Package webhook delivers signed event notifications to user-registered
// HTTP endpoints with bounded, exponentially backed-off retries.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pario-ai/verdict/pkg/models"
)

// ValidationError reports a rejected webhook field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CreateRequest is the input for Service.Create. Zero optional fields take
// the service defaults.
type CreateRequest struct {
	URL         string                `json:"url" validate:"required,http_url"`
	Events      []models.EventKind    `json:"events" validate:"required,min=1,dive,event_kind"`
	Secret      string                `json:"secret,omitempty" validate:"omitempty,min=16,max=256"`
	Active      *bool                 `json:"active,omitempty"`
	RetryConfig *models.RetryConfig   `json:"retry_config,omitempty"`
	Filters     models.WebhookFilters `json:"filters"`
}

// UpdateRequest is the input for Service.Update. Nil fields are unchanged.
type UpdateRequest struct {
	URL         *string                `json:"url,omitempty" validate:"omitempty,http_url"`
	Events      []models.EventKind     `json:"events,omitempty" validate:"omitempty,min=1,dive,event_kind"`
	Active      *bool                  `json:"active,omitempty"`
	RetryConfig *models.RetryConfig    `json:"retry_config,omitempty"`
	Filters     *models.WebhookFilters `json:"filters,omitempty"`
}

// Enqueuer accepts delivery ids for sending.
type Enqueuer interface {
	Enqueue(deliveryID string) bool
}

// Service is the owner-scoped webhook API.
type Service struct {
	store        *Store
	queue        Enqueuer
	validate     *validator.Validate
	defaultRetry models.RetryConfig
	now          func() time.Time
}

// NewService creates a Service. queue may be nil, in which case deliveries
// stay pending until a dispatcher sweep picks them up.
func NewService(store *Store, queue Enqueuer, defaultRetry models.RetryConfig) *Service {
	v := validator.New()
	_ = v.RegisterValidation("http_url", validateHTTPURL)
	_ = v.RegisterValidation("event_kind", validateEventKind)
	return &Service{
		store:        store,
		queue:        queue,
		validate:     v,
		defaultRetry: defaultRetry,
		now:          time.Now,
	}
}

func validateHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func validateEventKind(fl validator.FieldLevel) bool {
	return models.EventKind(fl.Field().String()).Valid()
}

// check runs struct validation and converts the first failure into a
// ValidationError.
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "http_url":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not an absolute http(s) URL", fe.Value())}
	case "event_kind":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown event kind %q", fe.Value())}
	case "required":
		return &ValidationError{Field: field, Reason: "is required"}
	default:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())}
	}
}

// Create registers a webhook for userID.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*models.Webhook, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if err := s.check(req); err != nil {
		return nil, err
	}
	retry := s.defaultRetry
	if req.RetryConfig != nil {
		retry = *req.RetryConfig
	}
	if err := s.check(retry); err != nil {
		return nil, err
	}
	if err := s.check(req.Filters); err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = NewSecret(); err != nil {
			return nil, err
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.now().UTC()
	w := &models.Webhook{
		ID:          "wh_" + uuid.NewString(),
		UserID:      userID,
		URL:         req.URL,
		Events:      dedupe(req.Events),
		Secret:      secret,
		Active:      active,
		RetryConfig: retry,
		Filters:     req.Filters,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}
	log.Printf("webhook: created %s for %s -> %s", w.ID, userID, w.URL)
	return w, nil
}

// Get returns a webhook owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Webhook, error) {
	return s.store.Get(ctx, userID, id)
}

// List returns the webhooks owned by userID.
func (s *Service) List(ctx context.Context, userID string) ([]models.Webhook, error) {
	return s.store.List(ctx, userID)
}

// Update applies req to a webhook owned by userID.
func (s *Service) Update(ctx context.Context, userID, id string, req UpdateRequest) (*models.Webhook, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	w, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if req.URL != nil {
		w.URL = *req.URL
	}
	if req.Events != nil {
		w.Events = dedupe(req.Events)
	}
	if req.Active != nil {
		w.Active = *req.Active
	}
	if req.RetryConfig != nil {
		if err := s.check(*req.RetryConfig); err != nil {
			return nil, err
		}
		w.RetryConfig = *req.RetryConfig
	}
	if req.Filters != nil {
		if err := s.check(*req.Filters); err != nil {
			return nil, err
		}
		w.Filters = *req.Filters
	}
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// RotateSecret replaces the signing secret of a webhook owned by userID.
func (s *Service) RotateSecret(ctx context.Context, userID, id string) (*models.Webhook, error) {
	w, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if w.Secret, err = NewSecret(); err != nil {
		return nil, err
	}
	w.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Delete removes a webhook owned by userID and its delivery history.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.store.Delete(ctx, userID, id)
}

// Trigger creates a delivery for every active webhook subscribed to kind
// whose filters pass, and hands them to the dispatcher. It returns the
// deliveries created. Delivery outcomes are never reported here.
func (s *Service) Trigger(ctx context.Context, kind models.EventKind, userID string, data models.EventData) ([]models.WebhookDelivery, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "event", Reason: fmt.Sprintf("unknown event kind %q", kind)}
	}
	hooks, err := s.store.ListSubscribed(ctx, kind)
	if err != nil {
		return nil, err
	}

	ev := s.newEvent(kind, userID, data)
	var targets []models.Webhook
	for _, w := range hooks {
		if Matches(w.Filters, ev) {
			targets = append(targets, w)
		}
	}
	return s.deliver(ctx, ev, targets)
}

// Test sends a webhook.test event to one webhook owned by userID, ignoring
// its subscriptions and filters.
func (s *Service) Test(ctx context.Context, userID, id string) (*models.WebhookDelivery, error) {
	w, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	ev := s.newEvent(models.EventWebhookTest, userID, models.EventData{
		Details: map[string]any{"message": "test delivery"},
	})
	out, err := s.deliver(ctx, ev, []models.Webhook{*w})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (s *Service) newEvent(kind models.EventKind, userID string, data models.EventData) models.Event {
	return models.Event{
		ID:        "evt_" + uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Timestamp: s.now().UTC(),
		Data:      data,
	}
}

func (s *Service) deliver(ctx context.Context, ev models.Event, targets []models.Webhook) ([]models.WebhookDelivery, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	deliveries := make([]models.WebhookDelivery, len(targets))
	for i, w := range targets {
		d := models.WebhookDelivery{
			ID:        "dlv_" + uuid.NewString(),
			WebhookID: w.ID,
			Event:     ev.Kind,
			Payload:   payload,
			Attempts:  []models.DeliveryAttempt{},
			Status:    models.DeliveryPending,
			CreatedAt: ev.Timestamp,
		}
		if w.Secret != "" {
			d.Signature = Sign(payload, w.Secret)
		}
		deliveries[i] = d
	}
	if err := s.store.CreateDeliveries(ctx, deliveries); err != nil {
		return nil, err
	}
	if s.queue != nil {
		for _, d := range deliveries {
			s.queue.Enqueue(d.ID)
		}
	}
	return deliveries, nil
}

// Deliveries returns the delivery history of a webhook owned by userID.
func (s *Service) Deliveries(ctx context.Context, userID, id string, opts models.DeliveryQueryOpts) ([]models.WebhookDelivery, error) {
	if _, err := s.store.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	opts.WebhookID = id
	return s.store.Deliveries(ctx, opts)
}

// Stats summarizes a webhook owned by userID.
func (s *Service) Stats(ctx context.Context, userID, id string) (*models.WebhookStats, error) {
	w, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.PendingCount(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &models.WebhookStats{WebhookID: id, Metadata: w.Metadata, Pending: pending}
	if w.Metadata.TotalDeliveries > 0 {
		st.SuccessRate = float64(w.Metadata.SuccessfulDeliveries) / float64(w.Metadata.TotalDeliveries)
	}
	return st, nil
}

// NewSecret returns a random signing secret.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

func dedupe(kinds []models.EventKind) []models.EventKind {
	seen := make(map[models.EventKind]bool, len(kinds))
	out := make([]models.EventKind, 0, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
