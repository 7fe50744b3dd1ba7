package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIntent ResultType = "intent"
	ResultHelp   ResultType = "help"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	RoomID   string     `json:"roomId"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Assignee string     `json:"assignee,omitempty"`
}

// Query describes a search request. FilterRoomID is required: every
// search is scoped to one room.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterRoomID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexIntent(rec IntentRecord) error
	IndexHelpRequest(rec HelpRecord) error
	DeleteIntent(id string) error
	DeleteHelpRequest(id string) error
}

// IntentRecord is the data we index for an intent block.
type IntentRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	Content  string `json:"content"`
	Assignee string `json:"assignee"`
	Level    int    `json:"level"`
}

// HelpRecord is the data we index for a help request.
type HelpRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	IntentID string `json:"intentId"`
	Note     string `json:"note"`
	UserID   string `json:"userId"`
	Status   string `json:"status"`
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
