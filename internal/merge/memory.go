package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryEngine is an in-process implementation of the replicated-text
// capability. It backs tests and single-node deployments that run without
// an external text engine.
type MemoryEngine struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{docs: make(map[string]*memoryDoc)}
}

func (e *MemoryEngine) Connect(ctx context.Context, docID string) (Doc, error) {
	if docID == "" {
		return nil, fmt.Errorf("connect: empty doc id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[docID]
	if !ok {
		doc = newMemoryDoc()
		e.docs[docID] = doc
	}
	return doc, nil
}

func (e *MemoryEngine) NewSeparator() Node {
	return &TextNode{Kind: "separator"}
}

// Seed places initial content into a document, creating it if needed.
func (e *MemoryEngine) Seed(docID string, nodes ...Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[docID]
	if !ok {
		doc = newMemoryDoc()
		e.docs[docID] = doc
	}
	doc.root.nodes = append(doc.root.nodes, nodes...)
}

// Nodes returns a copy of a document's top-level nodes.
func (e *MemoryEngine) Nodes(docID string) []Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[docID]
	if !ok {
		return nil
	}
	out := make([]Node, len(doc.root.nodes))
	copy(out, doc.root.nodes)
	return out
}

// HoldSync marks a document as never reaching the synced state, so tests
// can exercise the coordinator's timeout path.
func (e *MemoryEngine) HoldSync(docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[docID]
	if !ok {
		doc = newMemoryDoc()
		e.docs[docID] = doc
	}
	doc.holdSync = true
}

type memoryDoc struct {
	mu       sync.Mutex
	root     *memoryContainer
	holdSync bool
	never    chan struct{}
	done     chan struct{}
}

func newMemoryDoc() *memoryDoc {
	done := make(chan struct{})
	close(done)
	return &memoryDoc{
		root:  &memoryContainer{},
		never: make(chan struct{}),
		done:  done,
	}
}

func (d *memoryDoc) Synced() <-chan struct{} {
	if d.holdSync {
		return d.never
	}
	return d.done
}

func (d *memoryDoc) Root() Container {
	return d.root
}

func (d *memoryDoc) Transact(fn func(root Container)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
	return nil
}

func (d *memoryDoc) ExportState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(d.root.nodes)
}

func (d *memoryDoc) Close() error {
	return nil
}

type memoryContainer struct {
	nodes []Node
}

func (c *memoryContainer) Len() int        { return len(c.nodes) }
func (c *memoryContainer) Node(i int) Node { return c.nodes[i] }
func (c *memoryContainer) Append(n Node)   { c.nodes = append(c.nodes, n) }

// TextNode is the memory engine's content node: a kind tag, optional text,
// and children. CloneNode deep-copies the subtree.
type TextNode struct {
	Kind     string      `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Children []*TextNode `json:"children,omitempty"`
}

func (n *TextNode) CloneNode() Node {
	return n.deepCopy()
}

func (n *TextNode) deepCopy() *TextNode {
	out := &TextNode{Kind: n.Kind, Text: n.Text}
	for _, c := range n.Children {
		out.Children = append(out.Children, c.deepCopy())
	}
	return out
}
