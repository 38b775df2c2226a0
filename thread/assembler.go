// Package thread assembles reply trees. The tree is a flat arena of nodes
// keyed by post identifier with a parent-to-children index built as levels
// expand, so unexpanded depth costs a count, never a fetch.
package thread

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"kindred/models"
	"kindred/store"
	"kindred/visibility"
)

// ErrUnknownNode is returned when expanding an identifier the assembler has
// not loaded.
var ErrUnknownNode = errors.New("unknown thread node")

// State is the expansion lifecycle of one node. A node with no deeper
// replies never leaves StateCollapsed.
type State int

const (
	StateCollapsed State = iota
	StateExpanding
	StateExpanded
)

func (s State) String() string {
	switch s {
	case StateExpanding:
		return "expanding"
	case StateExpanded:
		return "expanded"
	default:
		return "collapsed"
	}
}

// Node is one post in the tree plus its expansion state.
type Node struct {
	Post       models.Post
	IsMuted    bool
	ChildCount int
	State      State
	Children   []string
}

// HasDeeperReplies reports whether the node holds unexpanded children.
func (n Node) HasDeeperReplies() bool {
	return n.State == StateCollapsed && n.ChildCount > 0
}

// Source is the slice of the store the assembler reads. Reply and count
// queries take identifier collections, one round trip per level.
type Source interface {
	PostByID(ctx context.Context, id string) (models.Post, error)
	RepliesByParents(ctx context.Context, parentIDs []string) ([]models.Post, error)
	ReplyCounts(ctx context.Context, postIDs []string) (map[string]int, error)
}

type expansion struct {
	done     chan struct{}
	children []Node
	err      error
}

// Assembler owns the arena for one thread screen. Expansion of different
// nodes may run concurrently; concurrent expansion of the same node coalesces
// into the in-flight fetch.
type Assembler struct {
	source   Source
	viewerID string
	vis      visibility.Sets

	mu       sync.Mutex
	rootID   string
	nodes    map[string]*Node
	inflight map[string]*expansion
}

func NewAssembler(source Source, viewerID string, vis visibility.Sets) *Assembler {
	return &Assembler{
		source:   source,
		viewerID: viewerID,
		vis:      vis,
		nodes:    map[string]*Node{},
		inflight: map[string]*expansion{},
	}
}

func (a *Assembler) visible(post models.Post) bool {
	if a.vis.IsExcluded(post.AuthorID) {
		return false
	}
	if post.Hidden && post.AuthorID != a.viewerID {
		return false
	}
	return true
}

// Assemble eagerly resolves exactly two reply levels below the root. Every
// second-level reply that itself has children stays collapsed with a
// precomputed count obtained from one grouped count query over the whole
// level.
func (a *Assembler) Assemble(ctx context.Context, rootID string) error {
	root, err := a.source.PostByID(ctx, rootID)
	if err != nil {
		return err
	}
	if !a.visible(root) {
		// Do not reveal that a blocked or hidden thread exists
		return store.ErrNotFound
	}

	level1, err := a.fetchVisibleReplies(ctx, []string{rootID})
	if err != nil {
		return err
	}

	level1IDs := postIDs(level1)
	level2, err := a.fetchVisibleReplies(ctx, level1IDs)
	if err != nil {
		return err
	}

	counts, err := a.source.ReplyCounts(ctx, postIDs(level2))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.rootID = rootID
	a.addNode(root, 0)

	for _, post := range level2 {
		a.addNode(post, counts[post.ID])
	}
	for _, parent := range level1 {
		children := childrenOf(level2, parent.ID)
		a.addNode(parent, 0)
		a.attachChildren(parent.ID, children)
	}
	a.attachChildren(rootID, level1)

	log.WithFields(log.Fields{
		"root":   rootID,
		"level1": len(level1),
		"level2": len(level2),
	}).Debug("Assembled thread")

	return nil
}

// Load registers a single node without its subtree, for expanding deep into a
// thread that was not assembled from the root.
func (a *Assembler) Load(ctx context.Context, id string) error {
	post, err := a.source.PostByID(ctx, id)
	if err != nil {
		return err
	}
	if !a.visible(post) {
		return store.ErrNotFound
	}
	counts, err := a.source.ReplyCounts(ctx, []string{id})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rootID == "" {
		a.rootID = id
	}
	a.addNode(post, counts[id])
	return nil
}

// Expand transitions a collapsed node to expanded: fetches its direct
// children and, in one grouped query, the count of each child's children to
// prepopulate the next has-deeper flag. A second call while a fetch is in
// flight waits for that fetch; both callers receive the identical child list.
func (a *Assembler) Expand(ctx context.Context, nodeID string) ([]Node, error) {
	a.mu.Lock()
	node, ok := a.nodes[nodeID]
	if !ok {
		a.mu.Unlock()
		return nil, ErrUnknownNode
	}
	if node.State == StateExpanded {
		children := a.childSnapshot(node)
		a.mu.Unlock()
		return children, nil
	}
	// Nothing below; stays collapsed forever
	if node.ChildCount == 0 {
		a.mu.Unlock()
		return nil, nil
	}
	if pending, ok := a.inflight[nodeID]; ok {
		a.mu.Unlock()
		<-pending.done
		return pending.children, pending.err
	}

	pending := &expansion{done: make(chan struct{})}
	a.inflight[nodeID] = pending
	node.State = StateExpanding
	a.mu.Unlock()

	children, err := a.fetchVisibleReplies(ctx, []string{nodeID})
	var counts map[string]int
	if err == nil {
		counts, err = a.source.ReplyCounts(ctx, postIDs(children))
	}

	a.mu.Lock()
	delete(a.inflight, nodeID)
	if err != nil {
		// Failed expansion returns to collapsed so it can be retried
		node.State = StateCollapsed
		pending.err = err
		a.mu.Unlock()
		close(pending.done)
		return nil, err
	}

	for _, child := range children {
		a.addNode(child, counts[child.ID])
	}
	a.attachChildren(nodeID, children)
	pending.children = a.childSnapshot(node)
	a.mu.Unlock()
	close(pending.done)

	return pending.children, nil
}

// Node returns a snapshot of one node.
func (a *Assembler) Node(id string) (Node, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Root returns a snapshot of the root node.
func (a *Assembler) Root() (Node, bool) {
	a.mu.Lock()
	rootID := a.rootID
	a.mu.Unlock()
	return a.Node(rootID)
}

// ChildNodes returns snapshots of a node's attached children in
// conversational order.
func (a *Assembler) ChildNodes(id string) []Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.nodes[id]
	if !ok {
		return nil
	}
	return a.childSnapshot(node)
}

// callers hold a.mu
func (a *Assembler) addNode(post models.Post, childCount int) {
	a.nodes[post.ID] = &Node{
		Post:       post,
		IsMuted:    a.vis.IsMuted(post.AuthorID),
		ChildCount: childCount,
		State:      StateCollapsed,
	}
}

// callers hold a.mu
func (a *Assembler) attachChildren(parentID string, children []models.Post) {
	parent, ok := a.nodes[parentID]
	if !ok {
		return
	}
	parent.Children = postIDs(children)
	parent.ChildCount = len(children)
	parent.State = StateExpanded
	if len(children) == 0 {
		// Zero replies never carries a has-deeper flag
		parent.State = StateCollapsed
	}
}

// callers hold a.mu
func (a *Assembler) childSnapshot(node *Node) []Node {
	children := make([]Node, 0, len(node.Children))
	for _, id := range node.Children {
		if child, ok := a.nodes[id]; ok {
			children = append(children, *child)
		}
	}
	return children
}

func (a *Assembler) fetchVisibleReplies(ctx context.Context, parentIDs []string) ([]models.Post, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	replies, err := a.source.RepliesByParents(ctx, parentIDs)
	if err != nil {
		return nil, err
	}
	return lo.Filter(replies, func(p models.Post, _ int) bool {
		return a.visible(p)
	}), nil
}

func postIDs(posts []models.Post) []string {
	return lo.Map(posts, func(p models.Post, _ int) string { return p.ID })
}

func childrenOf(posts []models.Post, parentID string) []models.Post {
	return lo.Filter(posts, func(p models.Post, _ int) bool {
		return p.ParentID != nil && *p.ParentID == parentID
	})
}
