// Package merge splices the content of an orphaned writing document into
// the document of its new root intent. The replicated text engine behind
// the documents is an injected capability; this package never looks inside
// its conflict resolution.
package merge

import "context"

// Engine is the narrow capability over the external replicated-text
// engine: connect to a document by its opaque handle and build separator
// nodes in whatever node vocabulary the engine uses.
type Engine interface {
	Connect(ctx context.Context, docID string) (Doc, error)
	NewSeparator() Node
}

// Doc is a transient connection to one replicated document.
type Doc interface {
	// Synced is closed once the document has caught up with its peers.
	// Callers race it against a timeout and proceed with whatever content
	// is available.
	Synced() <-chan struct{}

	// Root returns the document's top-level content container.
	Root() Container

	// Transact applies fn against the document as one atomic batch.
	Transact(fn func(root Container)) error

	// ExportState serializes the full document state for external
	// snapshotting.
	ExportState() ([]byte, error)

	Close() error
}

// Container is an ordered collection of content nodes.
type Container interface {
	Len() int
	Node(i int) Node
	Append(n Node)
}

// Node is an opaque content node supporting structural deep clone.
type Node interface {
	CloneNode() Node
}
