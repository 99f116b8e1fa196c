package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the outward-facing surface of the memory layer: ingest a
// conversation message, or resolve a query into memories plus a synthesis.
// The transport layer on top of it is not this package's concern.
type Service struct {
	embedder   Embedder
	scorer     *Scorer
	engine     *Engine
	retriever  *Retriever
	summarizer *Summarizer
	messages   MessageStore
	logger     zerolog.Logger
	clock      func() time.Time
}

// NewService wires the core components together.
func NewService(
	embedder Embedder,
	scorer *Scorer,
	engine *Engine,
	retriever *Retriever,
	summarizer *Summarizer,
	messages MessageStore,
	logger zerolog.Logger,
) *Service {
	return &Service{
		embedder:   embedder,
		scorer:     scorer,
		engine:     engine,
		retriever:  retriever,
		summarizer: summarizer,
		messages:   messages,
		logger:     logger.With().Str("component", "memory_service").Logger(),
		clock:      time.Now,
	}
}

// AddMessage persists a conversation message, scores it and inserts it into
// the owner's memory tree. The embedding happens before anything is written,
// so a provider failure aborts cleanly with no partial state.
func (s *Service) AddMessage(ctx context.Context, ownerID, conversationID string, msgType MessageType, text string, timestamp *time.Time) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("message text is empty")
	}
	if msgType != MessageTypeHuman && msgType != MessageTypeAI {
		return "", errors.New("invalid message type: " + string(msgType))
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", NewProviderUnavailableError("embed message", err)
	}

	ts := s.clock()
	if timestamp != nil {
		ts = *timestamp
	}
	msg := &ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         ownerID,
		Type:           msgType,
		Text:           text,
		Embedding:      embedding,
		Timestamp:      ts,
	}
	if err := s.messages.PutMessage(ctx, msg); err != nil {
		return "", err
	}

	importance := s.scorer.Score(text, ScoreContext{
		MessageType: msgType,
		Timestamp:   ts,
		Now:         s.clock(),
	})

	node, err := s.engine.Insert(ctx, ownerID, text, embedding, importance, msg.ID)
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("ownerID", ownerID).
		Str("messageID", msg.ID).
		Str("nodeID", node.ID).
		Float64("importance", importance).
		Msg("message ingested")
	return msg.ID, nil
}

// RetrieveMemory resolves a query against the owner's memories. The surfaced
// nodes are reinforced before the response is returned; a failed query
// embedding degrades to the lexical path and a failed summarization still
// returns the ranked results.
func (s *Service) RetrieveMemory(ctx context.Context, ownerID, queryText string) (*MemoryResponse, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, errors.New("query text is empty")
	}

	queryEmbedding, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		s.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("query embedding failed, lexical path only")
		queryEmbedding = nil
	}

	result, err := s.retriever.Retrieve(ctx, ownerID, queryText, queryEmbedding)
	if err != nil {
		return nil, err
	}

	// Retrieval is never side-effect-free: surfaced memories resist decay
	// and pruning. A node pruned since ranking just misses its boost.
	for _, nodeID := range result.ReinforceIDs {
		if err := s.engine.Reinforce(ctx, nodeID); err != nil {
			if IsNotFound(err) {
				continue
			}
			s.logger.Warn().Err(err).Str("nodeID", nodeID).Msg("reinforce failed")
		}
	}

	summary, err := s.summarizer.Summarize(ctx, queryText, result.MergedContext)
	if err != nil {
		s.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("summary unavailable")
		summary = ""
	}

	return &MemoryResponse{
		Nodes:         result.Nodes,
		Messages:      result.Messages,
		MergedContext: result.MergedContext,
		Summary:       summary,
	}, nil
}
