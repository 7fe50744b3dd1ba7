package room

import "encoding/json"

// Phases a room moves through. BaselineVersion only advances on transition.
const (
	PhaseSetup   = "setup"
	PhaseWriting = "writing"
)

// IntentBlock is a node in the outline tree. Parents are referenced by id,
// never by pointer; Position orders siblings sharing the same ParentID and is
// not globally meaningful.
type IntentBlock struct {
	ID               string          `json:"id"`
	Content          string          `json:"content"`
	Position         float64         `json:"position"`
	ParentID         *string         `json:"parentId"`
	Level            int             `json:"level"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
	Assignee         *string         `json:"assignee,omitempty"`
	LinkedWritingIDs []string        `json:"linkedWritingIds,omitempty"`
	MergeWritingFrom string          `json:"mergeWritingFrom,omitempty"`
	IntentTag        json.RawMessage `json:"intentTag,omitempty"`
	Assignment       json.RawMessage `json:"assignment,omitempty"`
}

// IsRoot reports whether the block sits at the top of the outline.
func (b IntentBlock) IsRoot() bool {
	return b.ParentID == nil
}

// WritingBlock attaches a replicated rich-text document to a root intent.
// DocID is the opaque handle understood by the external text engine.
type WritingBlock struct {
	ID             string  `json:"id"`
	LinkedIntentID *string `json:"linkedIntentId"`
	DocID          string  `json:"docId"`
	Position       float64 `json:"position"`
	CreatedAt      int64   `json:"createdAt"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// Dependency is a labelled edge between two intent blocks. Edges cascade
// away when either endpoint is deleted.
type Dependency struct {
	ID           string `json:"id"`
	FromIntentID string `json:"fromIntentId"`
	ToIntentID   string `json:"toIntentId"`
	Label        string `json:"label,omitempty"`
	Direction    string `json:"direction"` // directed | bidirectional
	Source       string `json:"source"`    // manual | ai-suggested | ai-confirmed
	Confirmed    bool   `json:"confirmed"`
	CreatedAt    int64  `json:"createdAt"`
}

// HelpRequest is a lightweight negotiation record attached to an intent.
type HelpRequest struct {
	ID        string `json:"id"`
	IntentID  string `json:"intentId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Meta struct {
	Phase           string `json:"phase"`
	BaselineVersion int    `json:"baselineVersion"`
}

// OnlineUser is the ephemeral per-connection identity record. Two tabs of
// the same user are two distinct entries.
type OnlineUser struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	UserEmail    string `json:"userEmail,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
}

// Snapshot is the full-state payload sent to a connection on (re)join and
// the canonical serialized form of a room.
type Snapshot struct {
	IntentBlocks  map[string]IntentBlock  `json:"intentBlocks"`
	WritingBlocks map[string]WritingBlock `json:"writingBlocks"`
	Dependencies  map[string]Dependency   `json:"dependencies"`
	HelpRequests  map[string]HelpRequest  `json:"helpRequests"`
	Meta          Meta                    `json:"meta"`
}
