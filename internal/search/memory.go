package search

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the fallback searcher used when Meilisearch is not
// configured. Room state lives in process memory anyway, so a substring
// scan over the indexed records keeps search available without an
// external service.
type Memory struct {
	mu      sync.Mutex
	intents map[string]IntentRecord
	help    map[string]HelpRecord
}

func NewMemory() *Memory {
	return &Memory{
		intents: make(map[string]IntentRecord),
		help:    make(map[string]HelpRecord),
	}
}

func (m *Memory) Healthy() bool { return true }

func (m *Memory) IndexIntent(rec IntentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[rec.ID] = rec
	return nil
}

func (m *Memory) IndexHelpRequest(rec HelpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.help[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteIntent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intents, id)
	return nil
}

func (m *Memory) DeleteHelpRequest(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.help, id)
	return nil
}

func (m *Memory) Search(q Query) ([]Result, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var results []Result

	if q.FilterType == "" || q.FilterType == ResultIntent {
		for _, rec := range m.intents {
			if q.FilterRoomID != "" && rec.RoomID != q.FilterRoomID {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(rec.Content), needle) {
				continue
			}
			results = append(results, Result{
				Type:     ResultIntent,
				ID:       rec.ID,
				RoomID:   rec.RoomID,
				Title:    rec.Content,
				Assignee: rec.Assignee,
			})
		}
	}
	if q.FilterType == "" || q.FilterType == ResultHelp {
		for _, rec := range m.help {
			if q.FilterRoomID != "" && rec.RoomID != q.FilterRoomID {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(rec.Note), needle) {
				continue
			}
			results = append(results, Result{
				Type:    ResultHelp,
				ID:      rec.ID,
				RoomID:  rec.RoomID,
				Title:   rec.Note,
				Snippet: rec.Status,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type < results[j].Type
		}
		return results[i].ID < results[j].ID
	})

	total := len(results)
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			results = nil
		} else {
			results = results[q.Offset:]
		}
	}
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}
