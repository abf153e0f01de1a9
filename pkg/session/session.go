// Package session persists chat sessions and their messages.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

// ErrNotFound is returned when a session does not exist or is not owned by
// the caller.
var ErrNotFound = errors.New("session: not found")

// Store manages chat sessions. Every call is scoped to the owning user.
type Store interface {
	// Create starts a new empty session.
	Create(ctx context.Context, userID, title string) (*models.Session, error)
	// Get returns one session.
	Get(ctx context.Context, userID, id string) (*models.Session, error)
	// List returns the user's sessions, most recently updated first.
	List(ctx context.Context, userID string, limit int) ([]models.Session, error)
	// Rename changes a session title.
	Rename(ctx context.Context, userID, id, title string) error
	// AppendMessage adds a message and bumps the session counters.
	AppendMessage(ctx context.Context, userID, id string, msg models.Message) (*models.Message, error)
	// Messages returns a session's messages in order.
	Messages(ctx context.Context, userID, id string) ([]models.Message, error)
	// Delete removes a session and its messages.
	Delete(ctx context.Context, userID, id string) error
}

// SQLStore implements Store over sqlx.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		verdict TEXT,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
}

const sessionColumns = `id, user_id, title, message_count, created_at, updated_at`

type sessionRow struct {
	ID           string `db:"id"`
	UserID       string `db:"user_id"`
	Title        string `db:"title"`
	MessageCount int    `db:"message_count"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r sessionRow) session() models.Session {
	return models.Session{
		ID:           r.ID,
		UserID:       r.UserID,
		Title:        r.Title,
		MessageCount: r.MessageCount,
		CreatedAt:    store.FromMillis(r.CreatedAt),
		UpdatedAt:    store.FromMillis(r.UpdatedAt),
	}
}

type messageRow struct {
	SessionID string         `db:"session_id"`
	Seq       int64          `db:"seq"`
	Role      string         `db:"role"`
	Content   string         `db:"content"`
	Verdict   sql.NullString `db:"verdict"`
	CreatedAt int64          `db:"created_at"`
}

// New creates the session tables if needed.
func New(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if err := store.Migrate(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// generateID creates a session ID like sess_20260221_a3f9c2d1.
func generateID(now time.Time) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("sess_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(b)), nil
}

// Create starts a new session for userID. An empty title becomes "New chat".
func (s *SQLStore) Create(ctx context.Context, userID, title string) (*models.Session, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	now := s.now().UTC()
	id, err := generateID(now)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, 0, ?, ?)`), id, userID, title, store.Millis(now), store.Millis(now))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: store.FromMillis(store.Millis(now)),
		UpdatedAt: store.FromMillis(store.Millis(now)),
	}, nil
}

// Get returns session id if userID owns it.
func (s *SQLStore) Get(ctx context.Context, userID, id string) (*models.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND user_id = ?`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess := row.session()
	return &sess, nil
}

// List returns sessions owned by userID. A non-positive limit returns all.
// An empty userID lists every session.
func (s *SQLStore) List(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]models.Session, len(rows))
	for i, r := range rows {
		out[i] = r.session()
	}
	return out, nil
}

// Rename sets the title of a session owned by userID.
func (s *SQLStore) Rename(ctx context.Context, userID, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("session: title is required")
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`),
		title, store.Millis(s.now()), id, userID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores msg as the next message of the session.
func (s *SQLStore) AppendMessage(ctx context.Context, userID, id string, msg models.Message) (*models.Message, error) {
	switch msg.Role {
	case "user", "assistant", "system":
	default:
		return nil, fmt.Errorf("session: unknown role %q", msg.Role)
	}

	var verdict sql.NullString
	if msg.Verdict != nil {
		b, err := json.Marshal(msg.Verdict)
		if err != nil {
			return nil, fmt.Errorf("encode verdict: %w", err)
		}
		verdict = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message begin: %w", err)
	}
	defer tx.Rollback()

	var count int64
	err = tx.GetContext(ctx, &count,
		tx.Rebind(`SELECT message_count FROM sessions WHERE id = ? AND user_id = ?`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	now := s.now().UTC()
	seq := count + 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO session_messages
		(session_id, seq, role, content, verdict, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, seq, msg.Role, msg.Content, verdict, store.Millis(now)); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET message_count = ?, updated_at = ? WHERE id = ?`),
		seq, store.Millis(now), id); err != nil {
		return nil, fmt.Errorf("update session counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message commit: %w", err)
	}

	msg.ID = seq
	msg.SessionID = id
	msg.CreatedAt = store.FromMillis(store.Millis(now))
	return &msg, nil
}

// Messages returns the messages of a session owned by userID.
func (s *SQLStore) Messages(ctx context.Context, userID, id string) ([]models.Message, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT session_id, seq, role, content, verdict, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]models.Message, len(rows))
	for i, r := range rows {
		m := models.Message{
			ID:        r.Seq,
			SessionID: r.SessionID,
			Role:      r.Role,
			Content:   r.Content,
			CreatedAt: store.FromMillis(r.CreatedAt),
		}
		if r.Verdict.Valid {
			m.Verdict = &models.Verdict{}
			if err := json.Unmarshal([]byte(r.Verdict.String), m.Verdict); err != nil {
				return nil, fmt.Errorf("decode message %d verdict: %w", r.Seq, err)
			}
		}
		out[i] = m
	}
	return out, nil
}

// Delete removes a session owned by userID with its messages.
func (s *SQLStore) Delete(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return tx.Commit()
}
