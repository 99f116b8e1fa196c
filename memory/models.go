package memory

import "time"

// MessageType describes who produced a conversation message.
type MessageType string

const (
	MessageTypeHuman MessageType = "human"
	MessageTypeAI    MessageType = "ai"
)

// MemoryNode is a durable, scored unit of derived knowledge in a per-owner
// hierarchy. Nodes reference their parent by ID only; the forest for an owner
// is reconstructed from those references.
type MemoryNode struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	ParentID         *string   `json:"parent_id,omitempty"` // nil for roots
	Content          string    `json:"content"`
	Embedding        []float32 `json:"embedding,omitempty"`
	Importance       float64   `json:"importance"`
	Depth            int       `json:"depth"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	AccessCount      int       `json:"access_count"`
	SourceMessageIDs []string  `json:"source_message_ids,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (n *MemoryNode) IsRoot() bool { return n.ParentID == nil }

// Clone returns a deep copy of the node. The engine stages mutations on
// copies so a failed store write never leaves the arena half-updated.
func (n *MemoryNode) Clone() *MemoryNode {
	c := *n
	if n.ParentID != nil {
		v := *n.ParentID
		c.ParentID = &v
	}
	c.Embedding = append([]float32(nil), n.Embedding...)
	c.SourceMessageIDs = append([]string(nil), n.SourceMessageIDs...)
	return &c
}

// ConversationMessage is a raw conversational event. Messages are immutable
// once written; they feed the tree as memory candidates and the lexical
// retrieval path as searchable text.
type ConversationMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text"`
	Embedding      []float32   `json:"embedding,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NodeResult is a memory node plus its relevance score for a query.
type NodeResult struct {
	Node  *MemoryNode
	Score float64
}

// MessageResult is a conversation message plus its relevance score.
type MessageResult struct {
	Message *ConversationMessage
	Score   float64
}

// RetrievalResult is the outcome of a hybrid retrieval: ranked nodes and
// messages, the deduplicated context assembled from them, and the IDs of the
// nodes that were surfaced (the caller applies reinforcement for those under
// the owner lock).
type RetrievalResult struct {
	Nodes         []NodeResult
	Messages      []MessageResult
	MergedContext string
	ReinforceIDs  []string
}

// MemoryResponse is what the outward-facing service returns for a query.
type MemoryResponse struct {
	Nodes         []NodeResult
	Messages      []MessageResult
	MergedContext string
	Summary       string
}
