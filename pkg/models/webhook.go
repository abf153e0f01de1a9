package models

import (
	"encoding/json"
	"time"
)

// EventKind names an event a webhook can subscribe to.
type EventKind string

const (
	EventFactCheckCompleted EventKind = "fact_check.completed"
	EventFactCheckFailed    EventKind = "fact_check.failed"
	EventSessionCreated     EventKind = "session.created"
	EventSessionDeleted     EventKind = "session.deleted"
	EventWebhookTest        EventKind = "webhook.test"
)

// EventKinds lists every event kind a webhook may subscribe to.
var EventKinds = []EventKind{
	EventFactCheckCompleted,
	EventFactCheckFailed,
	EventSessionCreated,
	EventSessionDeleted,
	EventWebhookTest,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RetryConfig controls redelivery of a failed webhook call.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" validate:"min=1,max=10"`
	RetryDelayMs      int64   `json:"retry_delay_ms" yaml:"retry_delay_ms" validate:"min=1,max=3600000"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1,lte=10"`
}

// WebhookFilters narrows which events reach a webhook. A nil or empty
// dimension does not filter.
type WebhookFilters struct {
	UserIDs             []string `json:"user_ids,omitempty"`
	QueryPatterns       []string `json:"query_patterns,omitempty"`
	VerdictLabels       []string `json:"verdict_labels,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// WebhookMetadata holds per-webhook delivery counters.
type WebhookMetadata struct {
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastTriggeredAt      *time.Time `json:"last_triggered_at,omitempty"`
}

// Webhook is an outbound endpoint owned by one user.
type Webhook struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	URL         string          `json:"url"`
	Events      []EventKind     `json:"events"`
	Secret      string          `json:"secret,omitempty"`
	Active      bool            `json:"active"`
	RetryConfig RetryConfig     `json:"retry_config"`
	Filters     WebhookFilters  `json:"filters"`
	Metadata    WebhookMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Subscribed reports whether the webhook listens for kind.
func (w *Webhook) Subscribed(kind EventKind) bool {
	for _, e := range w.Events {
		if e == kind {
			return true
		}
	}
	return false
}

// EventData is the payload body carried by an event.
type EventData struct {
	Query     string         `json:"query,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Verdict   *Verdict       `json:"verdict,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Event is what gets serialized, signed and posted to a webhook.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"event"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// DeliveryStatus is the state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryRetry   DeliveryStatus = "retry"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// DeliveryAttempt records one HTTP call made for a delivery.
type DeliveryAttempt struct {
	Number       int       `json:"number"`
	StatusCode   int       `json:"status_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ResponseBody string    `json:"response_body,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
}

// Succeeded reports whether the attempt got a 2xx response.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// WebhookDelivery is one event sent to one webhook, with its attempt history.
type WebhookDelivery struct {
	ID          string            `json:"id"`
	WebhookID   string            `json:"webhook_id"`
	Event       EventKind         `json:"event"`
	Payload     json.RawMessage   `json:"payload"`
	Signature   string            `json:"signature,omitempty"`
	Attempts    []DeliveryAttempt `json:"attempts"`
	Status      DeliveryStatus    `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// DeliveryQueryOpts filters delivery history queries.
type DeliveryQueryOpts struct {
	WebhookID string
	Status    DeliveryStatus
	Since     time.Time
	Limit     int
}

// WebhookStats summarizes a webhook's delivery record.
type WebhookStats struct {
	WebhookID   string          `json:"webhook_id"`
	Metadata    WebhookMetadata `json:"metadata"`
	SuccessRate float64         `json:"success_rate"`
	Pending     int64           `json:"pending"`
}
