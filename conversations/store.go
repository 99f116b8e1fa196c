package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/engramd/engram/memory"
)

// Store handles persistence of conversation messages. Messages are immutable
// once written; the memory engine reads them as candidates and the lexical
// retrieval path searches them through an FTS5 mirror.
// It implements memory.MessageStore.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new conversation Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "conversation_store").Logger(),
	}
}

// PutMessage saves a message and indexes its text for lexical search.
func (s *Store) PutMessage(ctx context.Context, msg *memory.ConversationMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		return fmt.Errorf("message text is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.NewStoreUnavailableError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := sq.Insert("conversation_messages").
		Columns("id", "conversation_id", "user_id", "type", "text", "embedding", "timestamp").
		Values(msg.ID, msg.ConversationID, msg.UserID, string(msg.Type), msg.Text,
			memory.EncodeEmbedding(msg.Embedding), msg.Timestamp.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return memory.NewStoreUnavailableError("insert message", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversation_messages_fts (message_id, user_id, text) VALUES (?, ?, ?)
`, msg.ID, msg.UserID, msg.Text); err != nil {
		return memory.NewStoreUnavailableError("insert message fts", err)
	}

	if err := tx.Commit(); err != nil {
		return memory.NewStoreUnavailableError("commit message", err)
	}

	s.logger.Debug().
		Str("messageID", msg.ID).
		Str("conversationID", msg.ConversationID).
		Str("userID", msg.UserID).
		Str("type", string(msg.Type)).
		Msg("message stored")
	return nil
}

// GetMessage loads one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*memory.ConversationMessage, error) {
	query := sq.Select("id", "conversation_id", "user_id", "type", "text", "embedding", "timestamp").
		From("conversation_messages").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memory.NewStoreUnavailableError("get message", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, memory.NewStoreUnavailableError("get message", err)
		}
		return nil, memory.NewNotFoundError(fmt.Sprintf("message %s not found", id))
	}
	return scanMessage(rows)
}

// ListByConversation returns a conversation's messages oldest-first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*memory.ConversationMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := sq.Select("id", "conversation_id", "user_id", "type", "text", "embedding", "timestamp").
		From("conversation_messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("timestamp ASC").
		Limit(uint64(limit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memory.NewStoreUnavailableError("list messages", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var msgs []*memory.ConversationMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.NewStoreUnavailableError("list messages", err)
	}
	return msgs, nil
}

// TextSearchMessages runs an FTS5 lookup over a user's message history.
func (s *Store) TextSearchMessages(ctx context.Context, ownerID, text string, k int) ([]memory.MessageResult, error) {
	if k <= 0 {
		k = 10
	}
	match := matchExpression(text)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id
FROM conversation_messages_fts
WHERE conversation_messages_fts MATCH ? AND user_id = ?
ORDER BY rank
LIMIT ?
`, match, ownerID, k)
	if err != nil {
		return nil, memory.NewStoreUnavailableError("message fts query", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, memory.NewStoreUnavailableError("scan message fts row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.NewStoreUnavailableError("message fts query", err)
	}

	var results []memory.MessageResult
	for i, id := range ids {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			if memory.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		results = append(results, memory.MessageResult{Message: msg, Score: 1.0 / float64(i+1)})
	}
	return results, nil
}

func scanMessage(rows *sql.Rows) (*memory.ConversationMessage, error) {
	var (
		id             string
		conversationID string
		userID         string
		typStr         string
		text           string
		embBlob        []byte
		timestamp      int64
	)
	if err := rows.Scan(&id, &conversationID, &userID, &typStr, &text, &embBlob, &timestamp); err != nil {
		return nil, memory.NewStoreUnavailableError("scan message", err)
	}

	vec, err := memory.DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}

	return &memory.ConversationMessage{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           memory.MessageType(typStr),
		Text:           text,
		Embedding:      vec,
		Timestamp:      time.Unix(timestamp, 0),
	}, nil
}

// matchExpression quotes each token and ORs them so arbitrary conversational
// text cannot break FTS5 MATCH syntax.
func matchExpression(text string) string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		tokens = append(tokens, `"`+f+`"`)
	}
	return strings.Join(tokens, " OR ")
}
