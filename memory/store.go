package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// NodeStore is the durable storage capability the tree engine consumes.
// Implementations fail with a StoreUnavailable error when the backend is
// unreachable and a NotFound error for missing nodes.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*MemoryNode, error)
	PutNode(ctx context.Context, node *MemoryNode) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, ownerID string) ([]*MemoryNode, error)
	ListOwners(ctx context.Context) ([]string, error)
	VectorSearchNodes(ctx context.Context, ownerID string, vec []float32, k int) ([]NodeResult, error)
	TextSearchNodes(ctx context.Context, ownerID, text string, k int) ([]NodeResult, error)
}

// MessageStore persists raw conversation messages and serves the lexical
// retrieval path over them.
type MessageStore interface {
	PutMessage(ctx context.Context, msg *ConversationMessage) error
	GetMessage(ctx context.Context, id string) (*ConversationMessage, error)
	TextSearchMessages(ctx context.Context, ownerID, text string, k int) ([]MessageResult, error)
}

// Store is the SQLite-backed NodeStore. Node content is mirrored into an FTS5
// shadow table so the lexical retrieval path can match node summaries too.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "node_store").Logger()
	return &Store{db: db, logger: logger}
}

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func selectNodeColumns() []string {
	return []string{
		"id", "owner_id", "parent_id", "content", "embedding", "importance",
		"depth", "created_at", "last_accessed_at", "access_count", "source_message_ids",
	}
}

// GetNode loads a single node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (*MemoryNode, error) {
	query := StatementBuilder().
		Select(selectNodeColumns()...).
		From("memory_nodes").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, NewStoreUnavailableError("get node", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, NewStoreUnavailableError("get node", err)
		}
		return nil, NewNotFoundError(fmt.Sprintf("node %s not found", id))
	}
	return scanNode(rows)
}

// PutNode inserts or replaces a node and keeps the FTS mirror in sync.
func (s *Store) PutNode(ctx context.Context, node *MemoryNode) error {
	srcJSON, err := json.Marshal(node.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("marshal source message ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreUnavailableError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentVal interface{}
	if node.ParentID != nil {
		parentVal = *node.ParentID
	}

	query := StatementBuilder().
		Insert("memory_nodes").
		Columns("id", "owner_id", "parent_id", "content", "embedding", "importance",
			"depth", "created_at", "last_accessed_at", "access_count", "source_message_ids").
		Values(node.ID, node.OwnerID, parentVal, node.Content,
			EncodeEmbedding(node.Embedding), node.Importance, node.Depth,
			node.CreatedAt.Unix(), node.LastAccessedAt.Unix(), node.AccessCount, string(srcJSON))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	// SQLite upsert: merge rewrites content, embedding and counters in place.
	queryStr = strings.Replace(queryStr, "INSERT INTO", "INSERT OR REPLACE INTO", 1)

	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return NewStoreUnavailableError("insert memory_node", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes_fts WHERE node_id = ?`, node.ID); err != nil {
		return NewStoreUnavailableError("clear node fts", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_nodes_fts (node_id, owner_id, content) VALUES (?, ?, ?)
`, node.ID, node.OwnerID, node.Content); err != nil {
		return NewStoreUnavailableError("insert node fts", err)
	}

	if err := tx.Commit(); err != nil {
		return NewStoreUnavailableError("commit put node", err)
	}

	s.logger.Debug().
		Str("nodeID", node.ID).
		Str("ownerID", node.OwnerID).
		Int("depth", node.Depth).
		Float64("importance", node.Importance).
		Msg("node stored")
	return nil
}

// DeleteNode removes a node and its FTS mirror. Deleting a missing node is
// a no-op.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStoreUnavailableError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = ?`, id); err != nil {
		return NewStoreUnavailableError("delete memory_node", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_nodes_fts WHERE node_id = ?`, id); err != nil {
		return NewStoreUnavailableError("delete node fts", err)
	}
	if err := tx.Commit(); err != nil {
		return NewStoreUnavailableError("commit delete node", err)
	}

	s.logger.Debug().Str("nodeID", id).Msg("node deleted")
	return nil
}

// ListNodes loads every node belonging to an owner. The engine uses this to
// hydrate its in-memory arena on first contact with an owner.
func (s *Store) ListNodes(ctx context.Context, ownerID string) ([]*MemoryNode, error) {
	query := StatementBuilder().
		Select(selectNodeColumns()...).
		From("memory_nodes").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("depth ASC", "created_at ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, NewStoreUnavailableError("list nodes", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var nodes []*MemoryNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailableError("list nodes", err)
	}
	return nodes, nil
}

// ListOwners returns the distinct owner IDs holding at least one node. The
// maintenance runner walks this to schedule per-owner passes.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM memory_nodes ORDER BY owner_id`)
	if err != nil {
		return nil, NewStoreUnavailableError("list owners", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, NewStoreUnavailableError("scan owner", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailableError("list owners", err)
	}
	return owners, nil
}

// VectorSearchNodes ranks an owner's nodes by cosine similarity against the
// query vector. Candidates are scanned most-recent-first and scored in
// process; SQLite has no native vector index.
func (s *Store) VectorSearchNodes(ctx context.Context, ownerID string, vec []float32, k int) ([]NodeResult, error) {
	const candidateLimit = 500
	if k <= 0 {
		k = 10
	}

	query := StatementBuilder().
		Select(selectNodeColumns()...).
		From("memory_nodes").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at DESC").
		Limit(uint64(candidateLimit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, NewStoreUnavailableError("vector search", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var results []NodeResult
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		if len(node.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(vec, node.Embedding)
		if score <= 0 {
			continue
		}
		results = append(results, NodeResult{Node: node, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailableError("vector search", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// TextSearchNodes runs an FTS5 lookup over node content for one owner.
// Results come back best-match-first with a rank-derived score.
func (s *Store) TextSearchNodes(ctx context.Context, ownerID, text string, k int) ([]NodeResult, error) {
	if k <= 0 {
		k = 10
	}
	match := ftsMatchExpression(text)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT node_id
FROM memory_nodes_fts
WHERE memory_nodes_fts MATCH ? AND owner_id = ?
ORDER BY rank
LIMIT ?
`, match, ownerID, k)
	if err != nil {
		return nil, NewStoreUnavailableError("node fts query", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, NewStoreUnavailableError("scan node fts row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailableError("node fts query", err)
	}

	var results []NodeResult
	for i, id := range ids {
		node, err := s.GetNode(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		results = append(results, NodeResult{Node: node, Score: 1.0 / float64(i+1)})
	}
	return results, nil
}

func scanNode(rows *sql.Rows) (*MemoryNode, error) {
	var (
		id             string
		ownerID        string
		parentID       sql.NullString
		content        string
		embBlob        []byte
		importance     float64
		depth          int
		createdAt      int64
		lastAccessedAt int64
		accessCount    int
		srcJSON        sql.NullString
	)
	if err := rows.Scan(&id, &ownerID, &parentID, &content, &embBlob, &importance,
		&depth, &createdAt, &lastAccessedAt, &accessCount, &srcJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("node not found")
		}
		return nil, NewStoreUnavailableError("scan node", err)
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}

	var parentPtr *string
	if parentID.Valid {
		v := parentID.String
		parentPtr = &v
	}

	var srcIDs []string
	if srcJSON.Valid && srcJSON.String != "" {
		if err := json.Unmarshal([]byte(srcJSON.String), &srcIDs); err != nil {
			srcIDs = nil
		}
	}

	return &MemoryNode{
		ID:               id,
		OwnerID:          ownerID,
		ParentID:         parentPtr,
		Content:          content,
		Embedding:        vec,
		Importance:       importance,
		Depth:            depth,
		CreatedAt:        time.Unix(createdAt, 0),
		LastAccessedAt:   time.Unix(lastAccessedAt, 0),
		AccessCount:      accessCount,
		SourceMessageIDs: srcIDs,
	}, nil
}

// ftsMatchExpression turns free text into a safe FTS5 MATCH expression by
// quoting each token and OR-ing them. Raw conversational text routinely
// contains characters FTS5 treats as syntax.
func ftsMatchExpression(text string) string {
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
