package memory

import (
	"math"
	"time"
)

// Params holds the engine's tunable policies. They are passed explicitly
// rather than read from globals so tests and individual deployments can
// override them.
type Params struct {
	// MaxDepth bounds how deep a node may sit below its root. Insertions
	// that would exceed it attach at MaxDepth instead of being rejected.
	MaxDepth int

	// SimilarityThreshold is the cosine similarity at or above which a
	// candidate is merged into an existing node instead of creating one.
	SimilarityThreshold float64

	// SimilarityFloor is the lower similarity bound for attaching a new
	// node as a child of its best-matching ancestor. Below it the node
	// becomes a new root.
	SimilarityFloor float64

	// DecayFactor is the per-interval multiplier applied to importance
	// during a decay pass; 0 < DecayFactor <= 1.
	DecayFactor float64

	// DecayInterval is the elapsed time that counts as one decay interval.
	// It doubles as the half-life of the recency weight used for eviction
	// ranking.
	DecayInterval time.Duration

	// ReinforcementFactor is added to importance on reinforce and on merge.
	ReinforcementFactor float64

	// ImportanceCap bounds importance from above.
	ImportanceCap float64

	// MinImportance marks decayed nodes as prune candidates; nodes below it
	// are removed first when the ceiling is enforced.
	MinImportance float64

	// MaxNodesPerOwner is the node-count ceiling enforced by pruning.
	MaxNodesPerOwner int

	// RetrievalK is the number of nodes and messages a retrieval surfaces.
	RetrievalK int

	// HybridAlpha weights the vector path against the lexical path in the
	// final retrieval score: alpha*vector + (1-alpha)*lexical.
	HybridAlpha float64

	// MergeMaxPasses bounds the sibling merge fixpoint iteration.
	MergeMaxPasses int
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		MaxDepth:            5,
		SimilarityThreshold: 0.85,
		SimilarityFloor:     0.55,
		DecayFactor:         0.95,
		DecayInterval:       time.Hour,
		ReinforcementFactor: 0.1,
		ImportanceCap:       1.0,
		MinImportance:       0.05,
		MaxNodesPerOwner:    500,
		RetrievalK:          10,
		HybridAlpha:         0.7,
		MergeMaxPasses:      3,
	}
}

// ClampImportance bounds an importance value to [0, ImportanceCap].
func (p Params) ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > p.ImportanceCap {
		return p.ImportanceCap
	}
	return v
}

// RecencyWeight maps time since last access to (0, 1], halving every
// DecayInterval. Used with importance to rank eviction candidates.
func (p Params) RecencyWeight(lastAccessed, now time.Time) float64 {
	if !lastAccessed.Before(now) {
		return 1
	}
	interval := p.DecayInterval
	if interval <= 0 {
		interval = time.Hour
	}
	elapsed := now.Sub(lastAccessed).Seconds() / interval.Seconds()
	return math.Pow(0.5, elapsed)
}
