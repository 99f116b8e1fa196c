package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeNodeStore is an in-memory NodeStore for engine tests. It can be told
// to fail writes so the write-through guarantees can be exercised.
type fakeNodeStore struct {
	mu      sync.Mutex
	nodes   map[string]*MemoryNode
	failPut bool
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: make(map[string]*MemoryNode)}
}

func (f *fakeNodeStore) GetNode(ctx context.Context, id string) (*MemoryNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, NewNotFoundError("node " + id + " not found")
	}
	return n.Clone(), nil
}

func (f *fakeNodeStore) PutNode(ctx context.Context, node *MemoryNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return NewStoreUnavailableError("put node", errors.New("store down"))
	}
	f.nodes[node.ID] = node.Clone()
	return nil
}

func (f *fakeNodeStore) DeleteNode(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
	return nil
}

func (f *fakeNodeStore) ListNodes(ctx context.Context, ownerID string) ([]*MemoryNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*MemoryNode
	for _, n := range f.nodes {
		if n.OwnerID == ownerID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (f *fakeNodeStore) ListOwners(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var owners []string
	for _, n := range f.nodes {
		if !seen[n.OwnerID] {
			seen[n.OwnerID] = true
			owners = append(owners, n.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (f *fakeNodeStore) VectorSearchNodes(ctx context.Context, ownerID string, vec []float32, k int) ([]NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []NodeResult
	for _, n := range f.nodes {
		if n.OwnerID != ownerID || len(n.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(vec, n.Embedding)
		if score > 0 {
			results = append(results, NodeResult{Node: n.Clone(), Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *fakeNodeStore) TextSearchNodes(ctx context.Context, ownerID, text string, k int) ([]NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []NodeResult
	for _, n := range f.nodes {
		if n.OwnerID != ownerID {
			continue
		}
		if containsAnyWord(n.Content, text) {
			results = append(results, NodeResult{Node: n.Clone()})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Node.ID < results[j].Node.ID })
	for i := range results {
		results[i].Score = 1.0 / float64(i+1)
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (f *fakeNodeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

func containsAnyWord(content, query string) bool {
	have := make(map[string]bool)
	for _, w := range splitLowerWords(content) {
		have[w] = true
	}
	for _, w := range splitLowerWords(query) {
		if have[w] {
			return true
		}
	}
	return false
}

func splitLowerWords(s string) []string {
	var out []string
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) > 0 {
			out = append(out, string(word))
			word = word[:0]
		}
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			word = append(word, r+('a'-'A'))
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return out
}

func testParams() Params {
	p := DefaultParams()
	p.MaxNodesPerOwner = 100
	return p
}

// testEngine builds an engine over a fake store with a controllable clock.
func testEngine(t *testing.T, params Params) (*Engine, *fakeNodeStore, *time.Time) {
	t.Helper()
	store := newFakeNodeStore()
	eng := NewEngine(store, params, zerolog.Nop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.clock = func() time.Time { return now }
	return eng, store, &now
}

// unitVec returns an n-dimensional basis vector. Basis vectors are mutually
// orthogonal, so nodes built from them never merge or attach to each other.
func unitVec(n, i int) []float32 {
	v := make([]float32, n)
	v[i] = 1
	return v
}

func TestEngine_InsertCreatesRoot(t *testing.T) {
	eng, store, _ := testEngine(t, testParams())
	ctx := context.Background()

	node, err := eng.Insert(ctx, "alice", "likes hiking", unitVec(8, 0), 0.6, "m1")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !node.IsRoot() {
		t.Fatalf("expected root node, got parent %v", node.ParentID)
	}
	if node.Depth != 0 {
		t.Fatalf("root depth = %d, want 0", node.Depth)
	}
	if node.Importance != 0.6 {
		t.Fatalf("importance = %v, want 0.6", node.Importance)
	}
	if len(node.SourceMessageIDs) != 1 || node.SourceMessageIDs[0] != "m1" {
		t.Fatalf("source ids = %v, want [m1]", node.SourceMessageIDs)
	}

	stored, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("GetNode after insert: %v", err)
	}
	if stored.Content != "likes hiking" {
		t.Fatalf("stored content = %q", stored.Content)
	}
}

func TestEngine_InsertMergesSimilarCandidate(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	ctx := context.Background()

	first, err := eng.Insert(ctx, "alice", "user lives in Paris", []float32{1, 0, 0}, 0.4, "m1")
	if err != nil {
		t.Fatalf("Insert first: %v", err)
	}

	// cosine similarity to the first embedding is 0.95, above the 0.85
	// merge threshold.
	similar := []float32{0.95, 0.31225, 0}
	merged, err := eng.Insert(ctx, "alice", "user is based in Paris", similar, 0.6, "m2")
	if err != nil {
		t.Fatalf("Insert similar: %v", err)
	}

	if merged.ID != first.ID {
		t.Fatalf("expected merge into %s, got new node %s", first.ID, merged.ID)
	}
	count, err := eng.NodeCount(ctx, "alice")
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("node count = %d, want 1", count)
	}
	if len(merged.SourceMessageIDs) != 2 {
		t.Fatalf("source ids = %v, want both messages", merged.SourceMessageIDs)
	}
	// Importance is the max of the two plus the reinforcement boost.
	want := 0.6 + eng.Params().ReinforcementFactor
	if math.Abs(merged.Importance-want) > 1e-9 {
		t.Fatalf("merged importance = %v, want %v", merged.Importance, want)
	}
	if merged.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", merged.AccessCount)
	}
}

func TestEngine_InsertAttachesBelowThreshold(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	ctx := context.Background()

	root, err := eng.Insert(ctx, "alice", "works at Acme", []float32{1, 0, 0}, 0.5, "m1")
	if err != nil {
		t.Fatalf("Insert root: %v", err)
	}

	// cosine similarity 0.7: above the 0.55 attach floor, below the 0.85
	// merge threshold.
	related := []float32{0.7, 0.71414284, 0}
	child, err := eng.Insert(ctx, "alice", "Acme office is in Berlin", related, 0.5, "m2")
	if err != nil {
		t.Fatalf("Insert related: %v", err)
	}

	if child.ParentID == nil || *child.ParentID != root.ID {
		t.Fatalf("expected child of %s, got parent %v", root.ID, child.ParentID)
	}
	if child.Depth != 1 {
		t.Fatalf("child depth = %d, want 1", child.Depth)
	}
	if err := eng.CheckInvariants(ctx, "alice"); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestEngine_InsertClampsDepthByWalkingUp(t *testing.T) {
	params := testParams()
	params.MaxDepth = 1
	eng, _, _ := testEngine(t, params)
	ctx := context.Background()

	root, err := eng.Insert(ctx, "alice", "root topic", []float32{1, 0, 0}, 0.5, "")
	if err != nil {
		t.Fatalf("Insert root: %v", err)
	}
	mid, err := eng.Insert(ctx, "alice", "related topic", []float32{0.7, 0.71414284, 0}, 0.5, "")
	if err != nil {
		t.Fatalf("Insert mid: %v", err)
	}
	if mid.Depth != 1 {
		t.Fatalf("mid depth = %d, want 1", mid.Depth)
	}

	// Nearest node is mid (similarity ~0.84), but attaching under it would
	// exceed MaxDepth, so the node climbs to mid's parent.
	deep, err := eng.Insert(ctx, "alice", "further topic", []float32{0.2, 0.97979590, 0}, 0.5, "")
	if err != nil {
		t.Fatalf("Insert deep: %v", err)
	}
	if deep.ParentID == nil || *deep.ParentID != root.ID {
		t.Fatalf("expected clamp to root %s, got parent %v", root.ID, deep.ParentID)
	}
	if deep.Depth != 1 {
		t.Fatalf("deep depth = %d, want 1", deep.Depth)
	}
	if err := eng.CheckInvariants(ctx, "alice"); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestEngine_InlinePruneEnforcesCeiling(t *testing.T) {
	params := testParams()
	params.MaxNodesPerOwner = 3
	eng, store, _ := testEngine(t, params)
	ctx := context.Background()

	importances := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	ids := make([]string, len(importances))
	for i, imp := range importances {
		node, err := eng.Insert(ctx, "alice", "topic", unitVec(8, i), imp, "")
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		ids[i] = node.ID
	}

	count, err := eng.NodeCount(ctx, "alice")
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("node count = %d, want 3", count)
	}
	if store.count() != 3 {
		t.Fatalf("store count = %d, want 3", store.count())
	}

	// The two lowest-importance nodes were evicted.
	for _, id := range ids[:2] {
		if _, err := eng.Node(ctx, "alice", id); !IsNotFound(err) {
			t.Fatalf("expected node %s pruned, got err %v", id, err)
		}
	}
	for _, id := range ids[2:] {
		if _, err := eng.Node(ctx, "alice", id); err != nil {
			t.Fatalf("expected node %s kept: %v", id, err)
		}
	}
}

func TestEngine_PruneReparentsChildren(t *testing.T) {
	params := testParams()
	params.MaxNodesPerOwner = 2
	ctx := context.Background()

	// Seed the store directly so the shape is exact: a low-importance root
	// with a child, plus an unrelated high-importance root.
	store := newFakeNodeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rootID := "root-1"
	seed := []*MemoryNode{
		{ID: rootID, OwnerID: "bob", Content: "weak root", Embedding: unitVec(8, 0),
			Importance: 0.1, CreatedAt: now, LastAccessedAt: now},
		{ID: "child-1", OwnerID: "bob", ParentID: &rootID, Depth: 1, Content: "child fact",
			Embedding: unitVec(8, 1), Importance: 0.8, CreatedAt: now, LastAccessedAt: now},
		{ID: "root-2", OwnerID: "bob", Content: "strong root", Embedding: unitVec(8, 2),
			Importance: 0.9, CreatedAt: now, LastAccessedAt: now},
	}
	for _, n := range seed {
		store.nodes[n.ID] = n
	}
	eng := NewEngine(store, params, zerolog.Nop())
	eng.clock = func() time.Time { return now }

	removed, err := eng.Prune(ctx, "bob")
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	// The weak root is gone, its child promoted to a root.
	if _, err := eng.Node(ctx, "bob", rootID); !IsNotFound(err) {
		t.Fatalf("expected weak root pruned, got %v", err)
	}
	child, err := eng.Node(ctx, "bob", "child-1")
	if err != nil {
		t.Fatalf("Node child-1: %v", err)
	}
	if !child.IsRoot() || child.Depth != 0 {
		t.Fatalf("expected promoted root, got parent=%v depth=%d", child.ParentID, child.Depth)
	}
	if err := eng.CheckInvariants(ctx, "bob"); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestEngine_ReinforceSaturatesAtCap(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	ctx := context.Background()

	node, err := eng.Insert(ctx, "alice", "vital fact", unitVec(8, 0), 0.95, "")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := eng.Reinforce(ctx, node.ID); err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	got, err := eng.Node(ctx, "alice", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got.Importance != 1.0 {
		t.Fatalf("importance = %v, want cap 1.0", got.Importance)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", got.AccessCount)
	}

	// Further reinforcement stays at the cap.
	if err := eng.Reinforce(ctx, node.ID); err != nil {
		t.Fatalf("Reinforce again: %v", err)
	}
	got, err = eng.Node(ctx, "alice", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got.Importance != 1.0 {
		t.Fatalf("importance after saturation = %v, want 1.0", got.Importance)
	}
	if got.AccessCount != 2 {
		t.Fatalf("access count = %d, want 2", got.AccessCount)
	}
}

func TestEngine_ReinforceMissingNode(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	err := eng.Reinforce(context.Background(), "no-such-node")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestEngine_DecayAppliesPerInterval(t *testing.T) {
	params := testParams()
	params.DecayFactor = 0.9
	params.DecayInterval = time.Hour
	eng, _, now := testEngine(t, params)
	ctx := context.Background()

	node, err := eng.Insert(ctx, "alice", "aging fact", unitVec(8, 0), 0.8, "")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Within the first interval nothing decays.
	decayed, err := eng.Decay(ctx, "alice")
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if decayed != 0 {
		t.Fatalf("decayed = %d within interval, want 0", decayed)
	}

	// Two intervals later the factor applies twice.
	*now = now.Add(2 * time.Hour)
	decayed, err = eng.Decay(ctx, "alice")
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if decayed != 1 {
		t.Fatalf("decayed = %d, want 1", decayed)
	}
	got, err := eng.Node(ctx, "alice", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	want := 0.8 * 0.9 * 0.9
	if math.Abs(got.Importance-want) > 1e-9 {
		t.Fatalf("importance = %v, want %v", got.Importance, want)
	}

	// A second decay at the same instant is a no-op.
	decayed, err = eng.Decay(ctx, "alice")
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if decayed != 0 {
		t.Fatalf("repeat decay = %d, want 0", decayed)
	}
}

func TestEngine_StoreFailureLeavesTreeUnchanged(t *testing.T) {
	eng, store, _ := testEngine(t, testParams())
	ctx := context.Background()

	node, err := eng.Insert(ctx, "alice", "existing fact", unitVec(8, 0), 0.5, "")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	store.failPut = true

	if _, err := eng.Insert(ctx, "alice", "new fact", unitVec(8, 1), 0.5, ""); err == nil {
		t.Fatal("expected insert to fail with store down")
	}
	count, err := eng.NodeCount(ctx, "alice")
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("node count after failed insert = %d, want 1", count)
	}

	if err := eng.Reinforce(ctx, node.ID); err == nil {
		t.Fatal("expected reinforce to fail with store down")
	}
	got, err := eng.Node(ctx, "alice", node.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got.Importance != 0.5 || got.AccessCount != 0 {
		t.Fatalf("node mutated despite store failure: importance=%v accessCount=%d",
			got.Importance, got.AccessCount)
	}

	store.failPut = false
	if _, err := eng.Insert(ctx, "alice", "new fact", unitVec(8, 1), 0.5, ""); err != nil {
		t.Fatalf("Insert after recovery: %v", err)
	}
}

func TestEngine_MergePassMergesSimilarSiblings(t *testing.T) {
	eng, store, now := testEngine(t, testParams())
	ctx := context.Background()

	// Seed two near-duplicate roots (cosine 0.95) directly, one with a
	// child; Insert would have merged them up front.
	weakID := "root-a"
	seed := []*MemoryNode{
		{ID: weakID, OwnerID: "carol", Content: "cat is named Miso", Embedding: []float32{1, 0, 0},
			Importance: 0.5, CreatedAt: *now, LastAccessedAt: *now, SourceMessageIDs: []string{"m1"}},
		{ID: "root-b", OwnerID: "carol", Content: "her cat Miso", Embedding: []float32{0.95, 0.31225, 0},
			Importance: 0.7, CreatedAt: *now, LastAccessedAt: *now, SourceMessageIDs: []string{"m2"}},
		{ID: "child-a", OwnerID: "carol", ParentID: &weakID, Depth: 1, Content: "Miso eats salmon",
			Embedding: []float32{0, 1, 0}, Importance: 0.4, CreatedAt: *now, LastAccessedAt: *now},
	}
	for _, n := range seed {
		store.nodes[n.ID] = n
	}

	merges, err := eng.MergePass(ctx, "carol")
	if err != nil {
		t.Fatalf("MergePass: %v", err)
	}
	if merges != 1 {
		t.Fatalf("merges = %d, want 1", merges)
	}

	count, err := eng.NodeCount(ctx, "carol")
	if err != nil {
		t.Fatalf("NodeCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("node count = %d, want 2", count)
	}

	// The higher-importance sibling survives and inherits the child and the
	// absorbed node's sources.
	if _, err := eng.Node(ctx, "carol", weakID); !IsNotFound(err) {
		t.Fatalf("expected %s absorbed, got %v", weakID, err)
	}
	kept, err := eng.Node(ctx, "carol", "root-b")
	if err != nil {
		t.Fatalf("Node root-b: %v", err)
	}
	if len(kept.SourceMessageIDs) != 2 {
		t.Fatalf("kept sources = %v, want m1 and m2", kept.SourceMessageIDs)
	}
	child, err := eng.Node(ctx, "carol", "child-a")
	if err != nil {
		t.Fatalf("Node child-a: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != "root-b" {
		t.Fatalf("child parent = %v, want root-b", child.ParentID)
	}
	if err := eng.CheckInvariants(ctx, "carol"); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestEngine_MergePassIdempotentWhenNothingSimilar(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := eng.Insert(ctx, "alice", "topic", unitVec(8, i), 0.5, ""); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	merges, err := eng.MergePass(ctx, "alice")
	if err != nil {
		t.Fatalf("MergePass: %v", err)
	}
	if merges != 0 {
		t.Fatalf("merges = %d, want 0", merges)
	}
}

func TestEngine_HydrationPromotesDanglingParent(t *testing.T) {
	eng, store, now := testEngine(t, testParams())
	ctx := context.Background()

	missing := "gone"
	store.nodes["orphan"] = &MemoryNode{
		ID: "orphan", OwnerID: "dave", ParentID: &missing, Depth: 2,
		Content: "stranded fact", Embedding: unitVec(8, 0),
		Importance: 0.5, CreatedAt: *now, LastAccessedAt: *now,
	}

	node, err := eng.Node(ctx, "dave", "orphan")
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if !node.IsRoot() || node.Depth != 0 {
		t.Fatalf("expected promoted root, got parent=%v depth=%d", node.ParentID, node.Depth)
	}
	if err := eng.CheckInvariants(ctx, "dave"); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func TestEngine_OwnersAreIsolated(t *testing.T) {
	eng, _, _ := testEngine(t, testParams())
	ctx := context.Background()

	// Identical embeddings under different owners must not merge.
	a, err := eng.Insert(ctx, "alice", "shared phrasing", []float32{1, 0, 0}, 0.5, "")
	if err != nil {
		t.Fatalf("Insert alice: %v", err)
	}
	b, err := eng.Insert(ctx, "bob", "shared phrasing", []float32{1, 0, 0}, 0.5, "")
	if err != nil {
		t.Fatalf("Insert bob: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("owners shared a node")
	}
	for _, owner := range []string{"alice", "bob"} {
		count, err := eng.NodeCount(ctx, owner)
		if err != nil {
			t.Fatalf("NodeCount %s: %v", owner, err)
		}
		if count != 1 {
			t.Fatalf("%s count = %d, want 1", owner, count)
		}
	}
}
