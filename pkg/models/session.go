package models

import "time"

// Session is a persisted chat conversation owned by one user.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a single turn in a session. Assistant turns may carry the
// verdict they reported.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Verdict   *Verdict  `json:"verdict,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
