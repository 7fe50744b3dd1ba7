package search

import (
	"log"

	"weave/api/internal/room"
)

// Service fronts the search stack: Meilisearch when configured and
// healthy, in-memory scan otherwise. Writes go to both so the fallback
// stays current across a Meilisearch outage.
type Service struct {
	meili  *Meili
	memory *Memory
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili, memory: NewMemory()}
}

// Search tries Meilisearch if healthy, otherwise the in-memory index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to in-memory: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: in-memory search: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDelta mirrors one applied mutation into the search indexes. It is
// called from the room sequencer, after the mutation has been applied to
// st, so lookups see the post-mutation values.
func (s *Service) IndexDelta(roomID string, st *room.State, cmd room.Command) {
	switch cmd.Type {
	case room.TypeAddIntentBlock, room.TypeUpdateIntentBlock:
		id := cmd.BlockID
		if cmd.Block != nil {
			id = cmd.Block.ID
		}
		b, ok := st.IntentBlocks[id]
		if !ok {
			return
		}
		rec := IntentRecord{
			ID:      b.ID,
			RoomID:  roomID,
			Content: b.Content,
			Level:   b.Level,
		}
		if b.Assignee != nil {
			rec.Assignee = *b.Assignee
		}
		s.indexIntent(rec)

	case room.TypeDeleteIntentBlock:
		s.deleteIntent(cmd.BlockID)

	case room.TypeAddHelpRequest, room.TypeUpdateHelpRequest:
		id := cmd.HelpRequestID
		if cmd.HelpRequest != nil {
			id = cmd.HelpRequest.ID
		}
		h, ok := st.HelpRequests[id]
		if !ok {
			return
		}
		s.indexHelp(HelpRecord{
			ID:       h.ID,
			RoomID:   roomID,
			IntentID: h.IntentID,
			Note:     h.Note,
			UserID:   h.UserID,
			Status:   h.Status,
		})

	case room.TypeDeleteHelpRequest:
		s.deleteHelp(cmd.HelpRequestID)
	}
}

// IndexRoom bulk-indexes a room snapshot, used when state is restored
// from a baseline.
func (s *Service) IndexRoom(roomID string, snap room.Snapshot) {
	for _, b := range snap.IntentBlocks {
		rec := IntentRecord{ID: b.ID, RoomID: roomID, Content: b.Content, Level: b.Level}
		if b.Assignee != nil {
			rec.Assignee = *b.Assignee
		}
		s.indexIntent(rec)
	}
	for _, h := range snap.HelpRequests {
		s.indexHelp(HelpRecord{
			ID: h.ID, RoomID: roomID, IntentID: h.IntentID,
			Note: h.Note, UserID: h.UserID, Status: h.Status,
		})
	}
}

func (s *Service) indexIntent(rec IntentRecord) {
	_ = s.memory.IndexIntent(rec)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIntent(rec); err != nil {
			log.Printf("search: index intent %s: %v", rec.ID, err)
		}
	}()
}

func (s *Service) indexHelp(rec HelpRecord) {
	_ = s.memory.IndexHelpRequest(rec)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexHelpRequest(rec); err != nil {
			log.Printf("search: index help request %s: %v", rec.ID, err)
		}
	}()
}

func (s *Service) deleteIntent(id string) {
	_ = s.memory.DeleteIntent(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteIntent(id); err != nil {
			log.Printf("search: delete intent %s: %v", id, err)
		}
	}()
}

func (s *Service) deleteHelp(id string) {
	_ = s.memory.DeleteHelpRequest(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteHelpRequest(id); err != nil {
			log.Printf("search: delete help request %s: %v", id, err)
		}
	}()
}
