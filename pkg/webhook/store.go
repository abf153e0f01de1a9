package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

// ErrNotFound is returned when a webhook or delivery does not exist or is
// not owned by the caller.
var ErrNotFound = errors.New("webhook: not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		events TEXT NOT NULL,
		secret TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		max_retries INTEGER NOT NULL,
		retry_delay_ms BIGINT NOT NULL,
		backoff_multiplier DOUBLE PRECISION NOT NULL,
		filters TEXT NOT NULL,
		total_deliveries BIGINT NOT NULL DEFAULT 0,
		successful_deliveries BIGINT NOT NULL DEFAULT 0,
		failed_deliveries BIGINT NOT NULL DEFAULT 0,
		last_triggered_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_user ON webhooks (user_id)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL,
		event TEXT NOT NULL,
		payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries (webhook_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_attempts (
		delivery_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		error TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		response_body TEXT NOT NULL,
		attempted_at BIGINT NOT NULL,
		PRIMARY KEY (delivery_id, number)
	)`,
}

const webhookColumns = `id, user_id, url, events, secret, active, max_retries, retry_delay_ms,
	backoff_multiplier, filters, total_deliveries, successful_deliveries, failed_deliveries,
	last_triggered_at, created_at, updated_at`

const deliveryColumns = `id, webhook_id, event, payload, signature, status, attempt_count, created_at, completed_at`

type webhookRow struct {
	ID                   string        `db:"id"`
	UserID               string        `db:"user_id"`
	URL                  string        `db:"url"`
	Events               string        `db:"events"`
	Secret               string        `db:"secret"`
	Active               bool          `db:"active"`
	MaxRetries           int           `db:"max_retries"`
	RetryDelayMs         int64         `db:"retry_delay_ms"`
	BackoffMultiplier    float64       `db:"backoff_multiplier"`
	Filters              string        `db:"filters"`
	TotalDeliveries      int64         `db:"total_deliveries"`
	SuccessfulDeliveries int64         `db:"successful_deliveries"`
	FailedDeliveries     int64         `db:"failed_deliveries"`
	LastTriggeredAt      sql.NullInt64 `db:"last_triggered_at"`
	CreatedAt            int64         `db:"created_at"`
	UpdatedAt            int64         `db:"updated_at"`
}

func (r webhookRow) webhook() (models.Webhook, error) {
	w := models.Webhook{
		ID:     r.ID,
		UserID: r.UserID,
		URL:    r.URL,
		Secret: r.Secret,
		Active: r.Active,
		RetryConfig: models.RetryConfig{
			MaxRetries:        r.MaxRetries,
			RetryDelayMs:      r.RetryDelayMs,
			BackoffMultiplier: r.BackoffMultiplier,
		},
		Metadata: models.WebhookMetadata{
			TotalDeliveries:      r.TotalDeliveries,
			SuccessfulDeliveries: r.SuccessfulDeliveries,
			FailedDeliveries:     r.FailedDeliveries,
		},
		CreatedAt: store.FromMillis(r.CreatedAt),
		UpdatedAt: store.FromMillis(r.UpdatedAt),
	}
	if r.LastTriggeredAt.Valid {
		t := store.FromMillis(r.LastTriggeredAt.Int64)
		w.Metadata.LastTriggeredAt = &t
	}
	if err := json.Unmarshal([]byte(r.Events), &w.Events); err != nil {
		return w, fmt.Errorf("decode webhook %s events: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Filters), &w.Filters); err != nil {
		return w, fmt.Errorf("decode webhook %s filters: %w", r.ID, err)
	}
	return w, nil
}

type deliveryRow struct {
	ID           string        `db:"id"`
	WebhookID    string        `db:"webhook_id"`
	Event        string        `db:"event"`
	Payload      string        `db:"payload"`
	Signature    string        `db:"signature"`
	Status       string        `db:"status"`
	AttemptCount int           `db:"attempt_count"`
	CreatedAt    int64         `db:"created_at"`
	CompletedAt  sql.NullInt64 `db:"completed_at"`
}

func (r deliveryRow) delivery() models.WebhookDelivery {
	d := models.WebhookDelivery{
		ID:        r.ID,
		WebhookID: r.WebhookID,
		Event:     models.EventKind(r.Event),
		Payload:   json.RawMessage(r.Payload),
		Signature: r.Signature,
		Status:    models.DeliveryStatus(r.Status),
		Attempts:  []models.DeliveryAttempt{},
		CreatedAt: store.FromMillis(r.CreatedAt),
	}
	if r.CompletedAt.Valid {
		t := store.FromMillis(r.CompletedAt.Int64)
		d.CompletedAt = &t
	}
	return d
}

type attemptRow struct {
	DeliveryID   string `db:"delivery_id"`
	Number       int    `db:"number"`
	StatusCode   int    `db:"status_code"`
	Error        string `db:"error"`
	DurationMs   int64  `db:"duration_ms"`
	ResponseBody string `db:"response_body"`
	AttemptedAt  int64  `db:"attempted_at"`
}

// Store persists webhooks, deliveries and attempts.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the webhook tables if needed.
func NewStore(ctx context.Context, db *sqlx.DB) (*Store, error) {
	if err := store.Migrate(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("migrate webhook db: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts w.
func (s *Store) Create(ctx context.Context, w *models.Webhook) error {
	events, filters, err := encodeWebhook(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, NULL, ?, ?)`),
		w.ID, w.UserID, w.URL, events, w.Secret, w.Active,
		w.RetryConfig.MaxRetries, w.RetryConfig.RetryDelayMs, w.RetryConfig.BackoffMultiplier,
		filters, store.Millis(w.CreatedAt), store.Millis(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// Get returns webhook id if it belongs to userID.
func (s *Store) Get(ctx context.Context, userID, id string) (*models.Webhook, error) {
	return s.getOne(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ? AND user_id = ?`, id, userID)
}

// ByID returns webhook id regardless of owner. Used by the dispatcher.
func (s *Store) ByID(ctx context.Context, id string) (*models.Webhook, error) {
	return s.getOne(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*models.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	w, err := row.webhook()
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// List returns the webhooks owned by userID, oldest first.
func (s *Store) List(ctx context.Context, userID string) ([]models.Webhook, error) {
	return s.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListAll returns every webhook. Used by the CLI.
func (s *Store) ListAll(ctx context.Context) ([]models.Webhook, error) {
	return s.list(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY user_id, created_at, id`)
}

// ListSubscribed returns active webhooks subscribed to kind.
func (s *Store) ListSubscribed(ctx context.Context, kind models.EventKind) ([]models.Webhook, error) {
	hooks, err := s.list(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE active = ? ORDER BY created_at, id`, true)
	if err != nil {
		return nil, err
	}
	out := hooks[:0]
	for _, w := range hooks {
		if w.Subscribed(kind) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]models.Webhook, error) {
	var rows []webhookRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	hooks := make([]models.Webhook, 0, len(rows))
	for _, r := range rows {
		w, err := r.webhook()
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, nil
}

// Update writes the mutable fields of w. Counters are not touched.
func (s *Store) Update(ctx context.Context, w *models.Webhook) error {
	events, filters, err := encodeWebhook(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE webhooks SET
		url = ?, events = ?, secret = ?, active = ?, max_retries = ?, retry_delay_ms = ?,
		backoff_multiplier = ?, filters = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		w.URL, events, w.Secret, w.Active, w.RetryConfig.MaxRetries, w.RetryConfig.RetryDelayMs,
		w.RetryConfig.BackoffMultiplier, filters, store.Millis(w.UpdatedAt), w.ID, w.UserID,
	)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return requireRow(res)
}

// Delete removes webhook id with its delivery history.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete webhook begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM webhooks WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM webhook_attempts WHERE delivery_id IN
		(SELECT id FROM webhook_deliveries WHERE webhook_id = ?)`), id); err != nil {
		return fmt.Errorf("delete webhook attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM webhook_deliveries WHERE webhook_id = ?`), id); err != nil {
		return fmt.Errorf("delete webhook deliveries: %w", err)
	}
	return tx.Commit()
}

// CreateDeliveries inserts pending deliveries and stamps each target
// webhook's last trigger time, in one transaction.
func (s *Store) CreateDeliveries(ctx context.Context, deliveries []models.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create deliveries begin: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, NULL)`)
	touch := tx.Rebind(`UPDATE webhooks SET last_triggered_at = ? WHERE id = ?`)
	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx, insert,
			d.ID, d.WebhookID, string(d.Event), string(d.Payload), d.Signature, string(d.Status),
			store.Millis(d.CreatedAt),
		); err != nil {
			return fmt.Errorf("create delivery: %w", err)
		}
		if _, err := tx.ExecContext(ctx, touch, store.Millis(d.CreatedAt), d.WebhookID); err != nil {
			return fmt.Errorf("touch webhook: %w", err)
		}
	}
	return tx.Commit()
}

// AppendAttempt records a failed, non-final attempt and moves the delivery
// to retry. Terminal deliveries are left alone.
func (s *Store) AppendAttempt(ctx context.Context, deliveryID string, a models.DeliveryAttempt) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append attempt begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertAttempt(ctx, tx, deliveryID, a); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE webhook_deliveries
		SET status = ?, attempt_count = ?
		WHERE id = ? AND status NOT IN ('success', 'failed')`),
		string(models.DeliveryRetry), a.Number, deliveryID,
	); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return tx.Commit()
}

// Complete records the final attempt, if any, moves the delivery to a
// terminal status and bumps the webhook's counters. It reports false, and
// changes nothing, when the delivery was already terminal.
func (s *Store) Complete(ctx context.Context, deliveryID string, final *models.DeliveryAttempt, status models.DeliveryStatus, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete delivery %s: %q is not terminal", deliveryID, status)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("complete delivery begin: %w", err)
	}
	defer tx.Rollback()

	var webhookID string
	var attempts int
	err = tx.QueryRowxContext(ctx, tx.Rebind(`SELECT webhook_id, attempt_count FROM webhook_deliveries
		WHERE id = ? AND status NOT IN ('success', 'failed')`), deliveryID).Scan(&webhookID, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete delivery: %w", err)
	}

	if final != nil {
		if err := insertAttempt(ctx, tx, deliveryID, *final); err != nil {
			return false, err
		}
		attempts = final.Number
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE webhook_deliveries
		SET status = ?, attempt_count = ?, completed_at = ? WHERE id = ?`),
		string(status), attempts, store.Millis(at), deliveryID,
	); err != nil {
		return false, fmt.Errorf("complete delivery: %w", err)
	}

	counter := "failed_deliveries"
	if status == models.DeliverySuccess {
		counter = "successful_deliveries"
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE webhooks SET
		total_deliveries = total_deliveries + 1, `+counter+` = `+counter+` + 1
		WHERE id = ?`), webhookID); err != nil {
		return false, fmt.Errorf("update webhook counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("complete delivery commit: %w", err)
	}
	return true, nil
}

func insertAttempt(ctx context.Context, tx *sqlx.Tx, deliveryID string, a models.DeliveryAttempt) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO webhook_attempts
		(delivery_id, number, status_code, error, duration_ms, response_body, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		deliveryID, a.Number, a.StatusCode, a.Error, a.DurationMs, a.ResponseBody, store.Millis(a.AttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("insert attempt %d: %w", a.Number, err)
	}
	return nil
}

// Delivery returns one delivery with its attempts.
func (s *Store) Delivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	out, err := s.withAttempts(ctx, []deliveryRow{row})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// Deliveries returns delivery history, newest first, with attempts.
func (s *Store) Deliveries(ctx context.Context, opts models.DeliveryQueryOpts) ([]models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE 1 = 1`
	var args []any
	if opts.WebhookID != "" {
		query += ` AND webhook_id = ?`
		args = append(args, opts.WebhookID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, store.Millis(opts.Since))
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return s.withAttempts(ctx, rows)
}

// Pending returns non-terminal deliveries created at or before olderThan,
// oldest first.
func (s *Store) Pending(ctx context.Context, olderThan time.Time, limit int) ([]models.WebhookDelivery, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending', 'retry') AND created_at <= ?
		ORDER BY created_at LIMIT ?`), store.Millis(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("pending deliveries: %w", err)
	}
	return s.withAttempts(ctx, rows)
}

// PendingCount returns the number of non-terminal deliveries for a webhook.
func (s *Store) PendingCount(ctx context.Context, webhookID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM webhook_deliveries
		WHERE webhook_id = ? AND status IN ('pending', 'retry')`), webhookID)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (s *Store) withAttempts(ctx context.Context, rows []deliveryRow) ([]models.WebhookDelivery, error) {
	out := make([]models.WebhookDelivery, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	index := make(map[string]int, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.delivery()
		index[r.ID] = i
		ids[i] = r.ID
	}

	query, args, err := sqlx.In(`SELECT delivery_id, number, status_code, error, duration_ms, response_body, attempted_at
		FROM webhook_attempts WHERE delivery_id IN (?) ORDER BY delivery_id, number`, ids)
	if err != nil {
		return nil, fmt.Errorf("build attempts query: %w", err)
	}
	var attempts []attemptRow
	if err := s.db.SelectContext(ctx, &attempts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	for _, a := range attempts {
		d := &out[index[a.DeliveryID]]
		d.Attempts = append(d.Attempts, models.DeliveryAttempt{
			Number:       a.Number,
			StatusCode:   a.StatusCode,
			Error:        a.Error,
			DurationMs:   a.DurationMs,
			ResponseBody: a.ResponseBody,
			AttemptedAt:  store.FromMillis(a.AttemptedAt),
		})
	}
	return out, nil
}

// Cleanup deletes terminal deliveries completed before cutoff, with their
// attempts.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delivery cleanup begin: %w", err)
	}
	defer tx.Rollback()

	ms := store.Millis(cutoff)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM webhook_attempts WHERE delivery_id IN
		(SELECT id FROM webhook_deliveries WHERE status IN ('success', 'failed') AND completed_at < ?)`), ms); err != nil {
		return 0, fmt.Errorf("delivery cleanup attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM webhook_deliveries
		WHERE status IN ('success', 'failed') AND completed_at < ?`), ms)
	if err != nil {
		return 0, fmt.Errorf("delivery cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delivery cleanup commit: %w", err)
	}
	return n, nil
}

func encodeWebhook(w *models.Webhook) (events, filters string, err error) {
	eb, err := json.Marshal(w.Events)
	if err != nil {
		return "", "", fmt.Errorf("encode webhook events: %w", err)
	}
	fb, err := json.Marshal(w.Filters)
	if err != nil {
		return "", "", fmt.Errorf("encode webhook filters: %w", err)
	}
	return string(eb), string(fb), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
