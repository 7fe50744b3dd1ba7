// Package align asks an external analysis service how well the written
// text covers the intent outline, and turns its suggestions into outline
// mutations. The service is advisory: any failure is reported as "no
// coverage data", never as a room error.
package align

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"weave/api/internal/room"
)

// Placement tells where a suggested intent should land in the outline.
const (
	PlaceRoot   = "root"
	PlaceChild  = "child"
	PlaceBefore = "before"
	PlaceAfter  = "after"
)

// Suggestion is one proposed outline addition from the analysis service.
type Suggestion struct {
	AnchorID  string `json:"anchorId,omitempty"`
	Placement string `json:"placement"`
	Content   string `json:"content"`
}

// CoverageItem scores one intent block against the written text.
type CoverageItem struct {
	IntentID string  `json:"intentId"`
	Score    float64 `json:"score"`
	Summary  string  `json:"summary,omitempty"`
}

// Report is the full analysis response for a room.
type Report struct {
	Items       []CoverageItem `json:"items"`
	Suggestions []Suggestion   `json:"suggestions"`
}

type Service struct {
	url    string
	client *http.Client
}

func New(url string, timeout time.Duration) *Service {
	return &Service{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// IsConfigured returns true if an analysis endpoint is set.
func (s *Service) IsConfigured() bool {
	return s.url != ""
}

type analyzeRequest struct {
	Outline []room.IntentBlock     `json:"outline"`
	Writing []room.WritingBlock    `json:"writingBlocks"`
	Meta    room.Meta              `json:"meta"`
	Texts   map[string]string      `json:"texts,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// Analyze submits the room's outline and writing text for coverage
// analysis. texts maps writing block ids to their current plain text.
func (s *Service) Analyze(ctx context.Context, snap room.Snapshot, texts map[string]string) (*Report, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("alignment service not configured")
	}

	st := room.NewState()
	st.Replace(snap)
	req := analyzeRequest{
		Outline: room.Flatten(st),
		Meta:    snap.Meta,
		Texts:   texts,
	}
	for _, w := range snap.WritingBlocks {
		req.Writing = append(req.Writing, w)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyze request: status %d", resp.StatusCode)
	}

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	return &report, nil
}

// Translate converts a suggestion into the outline mutation that inserts
// it. The returned command is nil when the anchor no longer exists.
func Translate(st *room.State, sug Suggestion, newID func() string) *room.Command {
	block := room.IntentBlock{
		ID:      newID(),
		Content: sug.Content,
	}

	switch sug.Placement {
	case PlaceRoot:
		block.Position = room.AppendPosition(st, nil)
		block.Level = 0

	case PlaceChild:
		parent, ok := st.IntentBlocks[sug.AnchorID]
		if !ok {
			return nil
		}
		block.Position = room.ChildPosition(st, parent)
		block.ParentID = &parent.ID
		block.Level = parent.Level + 1

	case PlaceBefore, PlaceAfter:
		anchor, ok := st.IntentBlocks[sug.AnchorID]
		if !ok {
			return nil
		}
		edge := room.EdgeBefore
		if sug.Placement == PlaceAfter {
			edge = room.EdgeAfter
		}
		block.Position = room.SiblingPosition(anchor, edge)
		block.ParentID = anchor.ParentID
		block.Level = anchor.Level

	default:
		return nil
	}

	return &room.Command{Type: room.TypeAddIntentBlock, Block: &block}
}
