package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Retriever resolves a query into ranked memory nodes and conversation
// messages. The vector path ranks nodes by embedding similarity; the lexical
// path matches query text against message history and node content. The two
// are combined with a configurable weight, so a paraphrased query that fools
// the embedding can still surface an exact textual match.
//
// Retrieval is read-only: it returns the IDs of the surfaced nodes in
// ReinforceIDs and the caller applies reinforcement under the owner lock.
type Retriever struct {
	nodes    NodeStore
	messages MessageStore
	params   Params
	logger   zerolog.Logger
}

// NewRetriever creates a Retriever over the two store capabilities.
func NewRetriever(nodes NodeStore, messages MessageStore, params Params, logger zerolog.Logger) *Retriever {
	return &Retriever{
		nodes:    nodes,
		messages: messages,
		params:   params,
		logger:   logger.With().Str("component", "retriever").Logger(),
	}
}

// Retrieve runs both lookup paths and merges their rankings. A failure on
// one path degrades to the other; only both failing is an error.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, queryText string, queryEmbedding []float32) (*RetrievalResult, error) {
	k := r.params.RetrievalK
	if k <= 0 {
		k = 10
	}
	alpha := r.params.HybridAlpha

	var vectorErr, lexicalErr error

	var byVector []NodeResult
	if len(queryEmbedding) > 0 {
		byVector, vectorErr = r.nodes.VectorSearchNodes(ctx, ownerID, queryEmbedding, k*3)
		if vectorErr != nil {
			r.logger.Error().Err(vectorErr).Str("ownerID", ownerID).Msg("vector path failed")
		}
	}

	var nodesByText []NodeResult
	var msgsByText []MessageResult
	if strings.TrimSpace(queryText) != "" {
		nodesByText, lexicalErr = r.nodes.TextSearchNodes(ctx, ownerID, queryText, k*3)
		if lexicalErr == nil {
			msgsByText, lexicalErr = r.messages.TextSearchMessages(ctx, ownerID, queryText, k*3)
		}
		if lexicalErr != nil {
			r.logger.Error().Err(lexicalErr).Str("ownerID", ownerID).Msg("lexical path failed")
		}
	}

	if vectorErr != nil && lexicalErr != nil {
		return nil, NewStoreUnavailableError("both retrieval paths failed", vectorErr)
	}

	if maxScore := maxNodeScore(byVector); maxScore > 0 {
		for i := range byVector {
			byVector[i].Score /= maxScore
		}
	}
	normalizeNodeText := make(map[string]float64, len(nodesByText))
	if maxScore := maxNodeScore(nodesByText); maxScore > 0 {
		for _, nr := range nodesByText {
			normalizeNodeText[nr.Node.ID] = nr.Score / maxScore
		}
	}

	// Combine per node: alpha * vector + (1-alpha) * lexical.
	combined := make(map[string]NodeResult)
	for _, nr := range byVector {
		combined[nr.Node.ID] = NodeResult{Node: nr.Node, Score: alpha * nr.Score}
	}
	for _, nr := range nodesByText {
		textScore := (1 - alpha) * normalizeNodeText[nr.Node.ID]
		if existing, ok := combined[nr.Node.ID]; ok {
			existing.Score += textScore
			combined[nr.Node.ID] = existing
		} else {
			combined[nr.Node.ID] = NodeResult{Node: nr.Node, Score: textScore}
		}
	}

	rankedNodes := lo.Values(combined)
	sort.Slice(rankedNodes, func(i, j int) bool {
		a, b := rankedNodes[i], rankedNodes[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Node.LastAccessedAt.Equal(b.Node.LastAccessedAt) {
			return a.Node.LastAccessedAt.After(b.Node.LastAccessedAt)
		}
		return a.Node.ID < b.Node.ID
	})
	if len(rankedNodes) > k {
		rankedNodes = rankedNodes[:k]
	}

	rankedMsgs := make([]MessageResult, 0, len(msgsByText))
	if maxScore := maxMessageScore(msgsByText); maxScore > 0 {
		for _, mr := range msgsByText {
			rankedMsgs = append(rankedMsgs, MessageResult{
				Message: mr.Message,
				Score:   (1 - alpha) * (mr.Score / maxScore),
			})
		}
	}
	sort.Slice(rankedMsgs, func(i, j int) bool {
		a, b := rankedMsgs[i], rankedMsgs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Message.Timestamp.Equal(b.Message.Timestamp) {
			return a.Message.Timestamp.After(b.Message.Timestamp)
		}
		return a.Message.ID < b.Message.ID
	})
	if len(rankedMsgs) > k {
		rankedMsgs = rankedMsgs[:k]
	}

	result := &RetrievalResult{
		Nodes:    rankedNodes,
		Messages: rankedMsgs,
		ReinforceIDs: lo.Map(rankedNodes, func(nr NodeResult, _ int) string {
			return nr.Node.ID
		}),
	}
	result.MergedContext = mergeContext(rankedNodes, rankedMsgs)

	r.logger.Debug().
		Str("ownerID", ownerID).
		Int("nodes", len(rankedNodes)).
		Int("messages", len(rankedMsgs)).
		Bool("vectorDegraded", vectorErr != nil).
		Bool("lexicalDegraded", lexicalErr != nil).
		Msg("retrieval complete")
	return result, nil
}

// mergeContext assembles the retrieved material into a single block of text.
// A message already cited by a surfaced node is skipped so the same source
// does not appear twice.
func mergeContext(nodes []NodeResult, msgs []MessageResult) string {
	cited := make(map[string]bool)
	for _, nr := range nodes {
		for _, src := range nr.Node.SourceMessageIDs {
			cited[src] = true
		}
	}

	var b strings.Builder
	if len(nodes) > 0 {
		b.WriteString("Relevant memories:\n")
		for i, nr := range nodes {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, nr.Node.Content))
		}
	}
	fresh := lo.Filter(msgs, func(mr MessageResult, _ int) bool {
		return !cited[mr.Message.ID]
	})
	if len(fresh) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Related conversation:\n")
		for i, mr := range fresh {
			b.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, mr.Message.Type, mr.Message.Text))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func maxNodeScore(results []NodeResult) float64 {
	max := 0.0
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	return max
}

func maxMessageScore(results []MessageResult) float64 {
	max := 0.0
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	return max
}
