package session

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, "alice", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^sess_\d{8}_[0-9a-f]{8}$`).MatchString(sess.ID) {
		t.Errorf("unexpected session id %q", sess.ID)
	}
	if sess.Title != "New chat" {
		t.Errorf("expected default title, got %q", sess.Title)
	}

	got, err := s.Get(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != sess.Title || !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("got %+v, want %+v", got, sess)
	}

	if _, err := s.Get(ctx, "bob", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestAppendMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, "alice", "Flat earth")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AppendMessage(ctx, "alice", sess.ID, models.Message{Role: "user", Content: "is the earth flat?"}); err != nil {
		t.Fatal(err)
	}
	reply, err := s.AppendMessage(ctx, "alice", sess.ID, models.Message{
		Role:    "assistant",
		Content: "No.",
		Verdict: &models.Verdict{Label: "false", Confidence: 0.99},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.ID != 2 {
		t.Errorf("expected message id 2, got %d", reply.ID)
	}

	msgs, err := s.Messages(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Verdict != nil {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Verdict == nil || msgs[1].Verdict.Label != "false" {
		t.Errorf("expected verdict on reply, got %+v", msgs[1].Verdict)
	}

	got, err := s.Get(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", got.MessageCount)
	}

	if _, err := s.AppendMessage(ctx, "bob", sess.ID, models.Message{Role: "user", Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound appending to another user's session, got %v", err)
	}
	if _, err := s.AppendMessage(ctx, "alice", sess.ID, models.Message{Role: "robot", Content: "x"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, _ := s.Create(ctx, "alice", "first")
	now = now.Add(time.Minute)
	second, _ := s.Create(ctx, "alice", "second")
	now = now.Add(time.Minute)
	if _, err := s.Create(ctx, "bob", "other"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if _, err := s.AppendMessage(ctx, "alice", first.ID, models.Message{Role: "user", Content: "bump"}); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("expected most recently updated first, got %s, %s", list[0].Title, list[1].Title)
	}

	list, err = s.List(ctx, "alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected limit 1, got %d", len(list))
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 sessions overall, got %d", len(all))
	}
}

func TestRenameAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _ := s.Create(ctx, "alice", "old")
	_, _ = s.AppendMessage(ctx, "alice", sess.ID, models.Message{Role: "user", Content: "hi"})

	if err := s.Rename(ctx, "bob", sess.ID, "hijack"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Rename(ctx, "alice", sess.ID, "new"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "alice", sess.ID)
	if got.Title != "new" {
		t.Errorf("expected renamed title, got %q", got.Title)
	}

	if err := s.Delete(ctx, "bob", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "alice", sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Messages(ctx, "alice", sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	s := newTestStore(t)
	if _, err := New(context.Background(), s.db); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}
