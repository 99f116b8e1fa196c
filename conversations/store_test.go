package conversations

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramd/engram/memory"
	"github.com/engramd/engram/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := migrations.Run(db, filepath.Join(cwd, "..", "migrations"), zerolog.Nop()); err != nil {
		_ = db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func testMessage(id, conversationID, userID, text string, at time.Time) *memory.ConversationMessage {
	return &memory.ConversationMessage{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           memory.MessageTypeHuman,
		Text:           text,
		Embedding:      []float32{0.6, 0.8},
		Timestamp:      at,
	}
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := testMessage("m1", "c1", "alice", "I start my new job on Monday", at)
	if err := store.PutMessage(ctx, msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	got, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.ConversationID != "c1" || got.UserID != "alice" {
		t.Fatalf("got %+v", got)
	}
	if got.Type != memory.MessageTypeHuman || got.Text != "I start my new job on Monday" {
		t.Fatalf("got %+v", got)
	}
	if len(got.Embedding) != 2 {
		t.Fatalf("embedding = %v", got.Embedding)
	}
	if !got.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestStore_PutMessageRejectsEmptyText(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	msg := testMessage("m1", "c1", "alice", "   ", time.Now())
	if err := store.PutMessage(context.Background(), msg); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestStore_GetMessageMissing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	_, err := store.GetMessage(context.Background(), "nope")
	if !memory.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStore_ListByConversationOrder(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of chronological order.
	for _, m := range []*memory.ConversationMessage{
		testMessage("m2", "c1", "alice", "second message", base.Add(time.Minute)),
		testMessage("m1", "c1", "alice", "first message", base),
		testMessage("m3", "c2", "alice", "other conversation", base),
	} {
		if err := store.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage %s: %v", m.ID, err)
		}
	}

	msgs, err := store.ListByConversation(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("order = %s, %s; want m1, m2", msgs[0].ID, msgs[1].ID)
	}
}

func TestStore_TextSearchScopedToUser(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, m := range []*memory.ConversationMessage{
		testMessage("m1", "c1", "alice", "the boiler pilot light keeps going out", at),
		testMessage("m2", "c1", "alice", "lunch at noon tomorrow", at),
		testMessage("m3", "c9", "bob", "my boiler is also acting up", at),
	} {
		if err := store.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage %s: %v", m.ID, err)
		}
	}

	results, err := store.TextSearchMessages(ctx, "alice", "boiler pilot light", 10)
	if err != nil {
		t.Fatalf("TextSearchMessages: %v", err)
	}
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Score <= 0 {
		t.Fatalf("score = %v, want positive", results[0].Score)
	}
}

func TestStore_TextSearchSurvivesHostileQuery(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	msg := testMessage("m1", "c1", "alice", "see you at the cafe", time.Now())
	if err := store.PutMessage(ctx, msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	for _, q := range []string{`cafe" OR (`, `NOT NOT`, `""`} {
		if _, err := store.TextSearchMessages(ctx, "alice", q, 5); err != nil {
			t.Fatalf("TextSearchMessages(%q): %v", q, err)
		}
	}
}
