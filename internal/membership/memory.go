package membership

import (
	"context"
	"sync"
)

// MemoryStore keeps membership in process memory. Used when no database
// is configured and as the test double for the service.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]Room
	members map[string]map[string]Member // roomID -> userID
	links   map[string]ShareLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]Room),
		members: make(map[string]map[string]Member),
		links:   make(map[string]ShareLink),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, r Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return ErrAlreadyExist
	}
	s.rooms[r.ID] = r
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRoomsForUser(_ context.Context, userID string) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Room
	for roomID, users := range s.members {
		if _, ok := users[userID]; ok {
			if r, exists := s.rooms[roomID]; exists {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AddMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.members[m.RoomID]
	if !ok {
		users = make(map[string]Member)
		s.members[m.RoomID] = users
	}
	if _, exists := users[m.UserID]; !exists {
		users[m.UserID] = m
	}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], userID)
	return nil
}

func (s *MemoryStore) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, roomID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Member
	for _, m := range s.members[roomID] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) CreateShareLink(_ context.Context, link ShareLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.Token] = link
	return nil
}

func (s *MemoryStore) GetShareLink(_ context.Context, token string) (ShareLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[token]
	if !ok {
		return ShareLink{}, ErrNotFound
	}
	return link, nil
}

func (s *MemoryStore) DeleteShareLink(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, token)
	return nil
}
