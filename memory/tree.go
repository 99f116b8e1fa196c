package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine owns the per-owner memory forests. Each owner's tree is an arena of
// nodes keyed by ID with parent/child relationships stored as ID references;
// structural operations for one owner are serialized by a per-owner lock and
// proceed fully in parallel across owners.
//
// Every operation is write-through: the node store is updated first and the
// in-memory arena only after the store call succeeds, so a store or provider
// failure leaves the tree exactly as it was.
type Engine struct {
	store  NodeStore
	params Params
	logger zerolog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerTree
}

type ownerTree struct {
	mu          sync.RWMutex
	nodes       map[string]*MemoryNode
	children    map[string]map[string]bool // parent id -> child id set
	index       *vectorIndex
	lastDecayAt time.Time
	hydrated    bool
}

// NewEngine creates an Engine over the given store.
func NewEngine(store NodeStore, params Params, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		params: params,
		logger: logger.With().Str("component", "tree_engine").Logger(),
		clock:  time.Now,
		owners: make(map[string]*ownerTree),
	}
}

// Params returns the engine's tuning.
func (e *Engine) Params() Params { return e.params }

// ownerLocked returns the owner's tree with its exclusive lock held,
// hydrating the arena from the store on first contact. Unknown owners get a
// fresh empty tree. The caller must unlock tree.mu.
func (e *Engine) ownerLocked(ctx context.Context, ownerID string) (*ownerTree, error) {
	e.mu.Lock()
	t, ok := e.owners[ownerID]
	if !ok {
		t = &ownerTree{
			nodes:       make(map[string]*MemoryNode),
			children:    make(map[string]map[string]bool),
			index:       newVectorIndex(),
			lastDecayAt: e.clock(),
		}
		e.owners[ownerID] = t
	}
	e.mu.Unlock()

	t.mu.Lock()
	if !t.hydrated {
		if err := e.hydrateLocked(ctx, t, ownerID); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	return t, nil
}

func (e *Engine) hydrateLocked(ctx context.Context, t *ownerTree, ownerID string) error {
	nodes, err := e.store.ListNodes(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		t.nodes[n.ID] = n
		t.index.Upsert(n.ID, n.Embedding)
	}
	for _, n := range nodes {
		if n.ParentID == nil {
			continue
		}
		if _, ok := t.nodes[*n.ParentID]; !ok {
			// Dangling parent reference in storage: promote to root
			// rather than carrying a broken edge.
			e.logger.Warn().
				Str("ownerID", ownerID).
				Str("nodeID", n.ID).
				Str("parentID", *n.ParentID).
				Msg("dangling parent reference, promoting to root")
			n.ParentID = nil
			n.Depth = 0
			continue
		}
		addChild(t, *n.ParentID, n.ID)
	}
	t.hydrated = true
	e.logger.Debug().Str("ownerID", ownerID).Int("nodes", len(t.nodes)).Msg("owner tree hydrated")
	return nil
}

func addChild(t *ownerTree, parentID, childID string) {
	set, ok := t.children[parentID]
	if !ok {
		set = make(map[string]bool)
		t.children[parentID] = set
	}
	set[childID] = true
}

func removeChild(t *ownerTree, parentID, childID string) {
	if set, ok := t.children[parentID]; ok {
		delete(set, childID)
		if len(set) == 0 {
			delete(t.children, parentID)
		}
	}
}

// Insert adds a memory candidate to an owner's forest. A candidate similar
// enough to an existing node (>= SimilarityThreshold) is merged into it;
// otherwise it becomes a child of its best match above SimilarityFloor, or a
// new root. Exceeding the node ceiling triggers an inline prune.
func (e *Engine) Insert(ctx context.Context, ownerID, content string, embedding []float32, importance float64, sourceMessageID string) (*MemoryNode, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	now := e.clock()
	importance = e.params.ClampImportance(importance)

	var best *MemoryNode
	bestSim := 0.0
	for _, m := range t.index.Nearest(embedding, 1) {
		if n, ok := t.nodes[m.ID]; ok {
			best = n
			bestSim = m.Similarity
		}
	}

	if best != nil && bestSim >= e.params.SimilarityThreshold {
		staged := best.Clone()
		absorbCandidate(staged, content, embedding, importance, sourceMessageID, now, e.params)
		if err := e.store.PutNode(ctx, staged); err != nil {
			return nil, err
		}
		t.nodes[staged.ID] = staged
		t.index.Upsert(staged.ID, staged.Embedding)
		e.logger.Debug().
			Str("ownerID", ownerID).
			Str("nodeID", staged.ID).
			Float64("similarity", bestSim).
			Msg("candidate merged into existing node")
		return staged.Clone(), nil
	}

	var parent *MemoryNode
	if best != nil && bestSim >= e.params.SimilarityFloor {
		parent = best
		// Clamp to MaxDepth by walking up: the node attaches under the
		// nearest ancestor that keeps its depth within bounds.
		for parent != nil && parent.Depth+1 > e.params.MaxDepth {
			if parent.ParentID == nil {
				break
			}
			parent = t.nodes[*parent.ParentID]
		}
	}

	node := &MemoryNode{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Content:        content,
		Embedding:      append([]float32(nil), embedding...),
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if sourceMessageID != "" {
		node.SourceMessageIDs = []string{sourceMessageID}
	}
	if parent != nil {
		pid := parent.ID
		node.ParentID = &pid
		node.Depth = parent.Depth + 1
		if node.Depth > e.params.MaxDepth {
			node.Depth = e.params.MaxDepth
		}
	}

	if err := e.store.PutNode(ctx, node); err != nil {
		return nil, err
	}
	t.nodes[node.ID] = node
	t.index.Upsert(node.ID, node.Embedding)
	if node.ParentID != nil {
		addChild(t, *node.ParentID, node.ID)
	}

	e.logger.Debug().
		Str("ownerID", ownerID).
		Str("nodeID", node.ID).
		Int("depth", node.Depth).
		Float64("importance", node.Importance).
		Bool("isRoot", node.ParentID == nil).
		Msg("node inserted")

	if len(t.nodes) > e.params.MaxNodesPerOwner {
		if removed, err := e.pruneLocked(ctx, t, ownerID); err != nil {
			e.logger.Warn().Err(err).Str("ownerID", ownerID).Msg("inline prune failed")
		} else if removed > 0 {
			e.logger.Debug().Str("ownerID", ownerID).Int("removed", removed).Msg("inline prune")
		}
	}

	return node.Clone(), nil
}

// absorbCandidate folds a candidate into a staged node copy: content is
// appended, the embedding becomes the importance-weighted centroid, the
// importance is boosted and the source set extended.
func absorbCandidate(staged *MemoryNode, content string, embedding []float32, importance float64, sourceMessageID string, now time.Time, p Params) {
	if content != "" && content != staged.Content {
		staged.Content = staged.Content + "\n" + content
	}
	staged.Embedding = WeightedCentroid(staged.Embedding, embedding, staged.Importance+1, importance+1)
	base := staged.Importance
	if importance > base {
		base = importance
	}
	staged.Importance = p.ClampImportance(base + p.ReinforcementFactor)
	staged.LastAccessedAt = now
	staged.AccessCount++
	if sourceMessageID != "" && !containsString(staged.SourceMessageIDs, sourceMessageID) {
		staged.SourceMessageIDs = append(staged.SourceMessageIDs, sourceMessageID)
	}
}

// Reinforce bumps a node's importance and access counters. It is called for
// every node a retrieval surfaces; a node pruned in the meantime yields a
// NotFound error and no other effect.
func (e *Engine) Reinforce(ctx context.Context, nodeID string) error {
	ownerID, ok := e.findOwner(nodeID)
	if !ok {
		node, err := e.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		ownerID = node.OwnerID
	}

	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	return e.reinforceLocked(ctx, t, nodeID)
}

func (e *Engine) reinforceLocked(ctx context.Context, t *ownerTree, nodeID string) error {
	node, ok := t.nodes[nodeID]
	if !ok {
		return NewNotFoundError("node " + nodeID + " not found")
	}
	staged := node.Clone()
	staged.Importance = e.params.ClampImportance(staged.Importance + e.params.ReinforcementFactor)
	staged.LastAccessedAt = e.clock()
	staged.AccessCount++
	if err := e.store.PutNode(ctx, staged); err != nil {
		return err
	}
	t.nodes[nodeID] = staged
	return nil
}

func (e *Engine) findOwner(nodeID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ownerID, t := range e.owners {
		t.mu.RLock()
		_, ok := t.nodes[nodeID]
		t.mu.RUnlock()
		if ok {
			return ownerID, true
		}
	}
	return "", false
}

// Decay applies age-based importance decay to every node of an owner. One
// decay interval elapsed means one multiplication by DecayFactor; nothing is
// deleted here, nodes that fall below MinImportance merely become the first
// candidates of the next prune. Calling Decay again within the same interval
// is a no-op.
func (e *Engine) Decay(ctx context.Context, ownerID string) (int, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()

	now := e.clock()
	interval := e.params.DecayInterval
	if interval <= 0 {
		interval = time.Hour
	}
	elapsed := int(now.Sub(t.lastDecayAt) / interval)
	if elapsed <= 0 {
		return 0, nil
	}
	factor := math.Pow(e.params.DecayFactor, float64(elapsed))

	decayed := 0
	for id, node := range t.nodes {
		if node.Importance == 0 {
			continue
		}
		staged := node.Clone()
		staged.Importance = e.params.ClampImportance(staged.Importance * factor)
		if err := e.store.PutNode(ctx, staged); err != nil {
			// Abort mid-pass: already-written nodes stay decayed, the
			// rest catch up on the next run.
			return decayed, err
		}
		t.nodes[id] = staged
		decayed++
	}
	t.lastDecayAt = t.lastDecayAt.Add(time.Duration(elapsed) * interval)

	e.logger.Debug().
		Str("ownerID", ownerID).
		Int("nodes", decayed).
		Int("intervals", elapsed).
		Msg("decay pass applied")
	return decayed, nil
}

// Prune enforces the per-owner node ceiling. Victims are picked by ascending
// importance x recency weight; a victim's children are re-parented to its own
// parent (or promoted to roots) before it is removed, so no dangling parent
// reference ever exists.
func (e *Engine) Prune(ctx context.Context, ownerID string) (int, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()
	return e.pruneLocked(ctx, t, ownerID)
}

func (e *Engine) pruneLocked(ctx context.Context, t *ownerTree, ownerID string) (int, error) {
	removed := 0
	now := e.clock()

	for len(t.nodes) > e.params.MaxNodesPerOwner {
		victim := e.evictionVictim(t, now)
		if victim == nil {
			break
		}
		if err := e.removeNodeLocked(ctx, t, victim); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		e.logger.Info().
			Str("ownerID", ownerID).
			Int("removed", removed).
			Int("remaining", len(t.nodes)).
			Msg("prune pass complete")
	}
	return removed, nil
}

// evictionVictim returns the node with the lowest importance x recency
// score. Leaves sort before interior nodes at equal score; ties break on ID
// for determinism.
func (e *Engine) evictionVictim(t *ownerTree, now time.Time) *MemoryNode {
	var victim *MemoryNode
	victimScore := math.Inf(1)
	victimLeaf := false
	for id, node := range t.nodes {
		score := node.Importance * e.params.RecencyWeight(node.LastAccessedAt, now)
		leaf := len(t.children[id]) == 0
		better := false
		switch {
		case score < victimScore:
			better = true
		case score == victimScore:
			if leaf && !victimLeaf {
				better = true
			} else if leaf == victimLeaf && victim != nil && id < victim.ID {
				better = true
			}
		}
		if better {
			victim = node
			victimScore = score
			victimLeaf = leaf
		}
	}
	return victim
}

// removeNodeLocked deletes one node, re-parenting its children first. Store
// writes precede every arena mutation so the forest and storage never
// disagree past a failure.
func (e *Engine) removeNodeLocked(ctx context.Context, t *ownerTree, victim *MemoryNode) error {
	childIDs := make([]string, 0, len(t.children[victim.ID]))
	for id := range t.children[victim.ID] {
		childIDs = append(childIDs, id)
	}
	sort.Strings(childIDs)

	for _, childID := range childIDs {
		child, ok := t.nodes[childID]
		if !ok {
			continue
		}
		staged := child.Clone()
		if victim.ParentID != nil {
			pid := *victim.ParentID
			staged.ParentID = &pid
			staged.Depth = victim.Depth // one level up
		} else {
			staged.ParentID = nil
			staged.Depth = 0
		}
		if err := e.store.PutNode(ctx, staged); err != nil {
			return err
		}
		removeChild(t, victim.ID, childID)
		t.nodes[childID] = staged
		if staged.ParentID != nil {
			addChild(t, *staged.ParentID, childID)
		}
		if err := e.reassignDepthsLocked(ctx, t, childID); err != nil {
			return err
		}
	}

	if err := e.store.DeleteNode(ctx, victim.ID); err != nil {
		return err
	}
	if victim.ParentID != nil {
		removeChild(t, *victim.ParentID, victim.ID)
	}
	delete(t.nodes, victim.ID)
	delete(t.children, victim.ID)
	t.index.Remove(victim.ID)
	return nil
}

// reassignDepthsLocked recomputes depths below a re-parented node, clamping
// at MaxDepth, and persists only the nodes whose depth changed.
func (e *Engine) reassignDepthsLocked(ctx context.Context, t *ownerTree, rootID string) error {
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := t.nodes[id]
		if node == nil {
			continue
		}
		for childID := range t.children[id] {
			child, ok := t.nodes[childID]
			if !ok {
				continue
			}
			want := node.Depth + 1
			if want > e.params.MaxDepth {
				want = e.params.MaxDepth
			}
			if child.Depth != want {
				staged := child.Clone()
				staged.Depth = want
				if err := e.store.PutNode(ctx, staged); err != nil {
					return err
				}
				t.nodes[childID] = staged
			}
			queue = append(queue, childID)
		}
	}
	return nil
}

// MergePass walks sibling sets and merges any pair whose similarity reaches
// SimilarityThreshold. Merging changes similarity relationships, so the walk
// repeats up to MergeMaxPasses times; anything still mergeable after that
// waits for the next maintenance cycle.
func (e *Engine) MergePass(ctx context.Context, ownerID string) (int, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()

	merges := 0
	maxPasses := e.params.MergeMaxPasses
	if maxPasses <= 0 {
		maxPasses = 1
	}
	for pass := 0; pass < maxPasses; pass++ {
		n, err := e.mergeSiblingsOnce(ctx, t)
		merges += n
		if err != nil {
			return merges, err
		}
		if n == 0 {
			break
		}
	}

	if merges > 0 {
		e.logger.Info().Str("ownerID", ownerID).Int("merges", merges).Msg("merge pass complete")
	}
	return merges, nil
}

func (e *Engine) mergeSiblingsOnce(ctx context.Context, t *ownerTree) (int, error) {
	// Snapshot sibling groups before mutating; the arena changes under us
	// as merges land.
	groups := make(map[string][]string)
	for id, node := range t.nodes {
		key := ""
		if node.ParentID != nil {
			key = *node.ParentID
		}
		groups[key] = append(groups[key], id)
	}

	merges := 0
	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	for _, key := range groupKeys {
		ids := groups[key]
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			a, ok := t.nodes[ids[i]]
			if !ok {
				continue
			}
			for j := i + 1; j < len(ids); j++ {
				b, ok := t.nodes[ids[j]]
				if !ok {
					continue
				}
				// Re-check siblinghood: earlier merges may have moved b.
				if !sameParent(a, b) {
					continue
				}
				sim := CosineSimilarity(a.Embedding, b.Embedding)
				if sim < e.params.SimilarityThreshold {
					continue
				}
				keep, absorb := a, b
				if b.Importance > a.Importance {
					keep, absorb = b, a
				}
				if err := e.mergeNodesLocked(ctx, t, keep, absorb); err != nil {
					return merges, err
				}
				merges++
				if keep.ID != a.ID {
					break // a was absorbed, move to next i
				}
				a = t.nodes[a.ID] // refresh after absorbing b
			}
		}
	}
	return merges, nil
}

func sameParent(a, b *MemoryNode) bool {
	if a.ParentID == nil && b.ParentID == nil {
		return true
	}
	if a.ParentID == nil || b.ParentID == nil {
		return false
	}
	return *a.ParentID == *b.ParentID
}

// mergeNodesLocked absorbs one sibling into another and deletes it. The
// absorbed node's children are re-parented to the survivor, which keeps their
// depth unchanged.
func (e *Engine) mergeNodesLocked(ctx context.Context, t *ownerTree, keep, absorb *MemoryNode) error {
	now := e.clock()
	staged := keep.Clone()
	absorbCandidate(staged, absorb.Content, absorb.Embedding, absorb.Importance, "", now, e.params)
	for _, src := range absorb.SourceMessageIDs {
		if !containsString(staged.SourceMessageIDs, src) {
			staged.SourceMessageIDs = append(staged.SourceMessageIDs, src)
		}
	}
	if err := e.store.PutNode(ctx, staged); err != nil {
		return err
	}
	t.nodes[keep.ID] = staged
	t.index.Upsert(keep.ID, staged.Embedding)

	childIDs := make([]string, 0, len(t.children[absorb.ID]))
	for id := range t.children[absorb.ID] {
		childIDs = append(childIDs, id)
	}
	sort.Strings(childIDs)
	for _, childID := range childIDs {
		child, ok := t.nodes[childID]
		if !ok {
			continue
		}
		stagedChild := child.Clone()
		pid := keep.ID
		stagedChild.ParentID = &pid
		if err := e.store.PutNode(ctx, stagedChild); err != nil {
			return err
		}
		removeChild(t, absorb.ID, childID)
		t.nodes[childID] = stagedChild
		addChild(t, keep.ID, childID)
	}

	if err := e.store.DeleteNode(ctx, absorb.ID); err != nil {
		return err
	}
	if absorb.ParentID != nil {
		removeChild(t, *absorb.ParentID, absorb.ID)
	}
	delete(t.nodes, absorb.ID)
	delete(t.children, absorb.ID)
	t.index.Remove(absorb.ID)

	e.logger.Debug().
		Str("keptID", keep.ID).
		Str("absorbedID", absorb.ID).
		Msg("siblings merged")
	return nil
}

// NodeCount returns how many nodes an owner currently holds.
func (e *Engine) NodeCount(ctx context.Context, ownerID string) (int, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()
	return len(t.nodes), nil
}

// Node returns a copy of one node from an owner's arena.
func (e *Engine) Node(ctx context.Context, ownerID, nodeID string) (*MemoryNode, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	node, ok := t.nodes[nodeID]
	if !ok {
		return nil, NewNotFoundError("node " + nodeID + " not found")
	}
	return node.Clone(), nil
}

// Nodes returns copies of all of an owner's nodes, in no particular order.
func (e *Engine) Nodes(ctx context.Context, ownerID string) ([]*MemoryNode, error) {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	out := make([]*MemoryNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Clone())
	}
	return out, nil
}

// CheckInvariants validates the owner's forest: parent references resolve,
// no cycles exist, and every edge increases depth by exactly one from a
// depth-zero root.
func (e *Engine) CheckInvariants(ctx context.Context, ownerID string) error {
	t, err := e.ownerLocked(ctx, ownerID)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	for id, node := range t.nodes {
		if node.Depth < 0 || node.Depth > e.params.MaxDepth {
			return NewInvariantViolationError("node " + id + " depth out of bounds")
		}
		if node.ParentID == nil {
			if node.Depth != 0 {
				return NewInvariantViolationError("root " + id + " has nonzero depth")
			}
			continue
		}
		parent, ok := t.nodes[*node.ParentID]
		if !ok {
			return NewInvariantViolationError("node " + id + " has dangling parent reference")
		}
		if node.Depth != parent.Depth+1 && node.Depth != e.params.MaxDepth {
			return NewInvariantViolationError("node " + id + " depth does not follow parent")
		}
		// Cycle check: walk to a root, bounded by arena size.
		seen := 0
		cur := node
		for cur.ParentID != nil {
			next, ok := t.nodes[*cur.ParentID]
			if !ok {
				return NewInvariantViolationError("node " + cur.ID + " has dangling parent reference")
			}
			cur = next
			seen++
			if seen > len(t.nodes) {
				return NewInvariantViolationError("cycle detected through node " + id)
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
