// Package membership tracks which users belong to which rooms and issues
// share links that let new writers join.
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"weave/api/internal/util"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrLinkExpired  = errors.New("share link expired")
	ErrBadPassword  = errors.New("wrong password")
	ErrAlreadyExist = errors.New("already exists")
)

// Store is the persistence interface behind the service.
type Store interface {
	CreateRoom(ctx context.Context, r Room) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]Room, error)

	AddMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListMembers(ctx context.Context, roomID string) ([]Member, error)

	CreateShareLink(ctx context.Context, link ShareLink) error
	GetShareLink(ctx context.Context, token string) (ShareLink, error)
	DeleteShareLink(ctx context.Context, token string) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateRoom registers the room and makes creator its owner.
func (s *Service) CreateRoom(ctx context.Context, name, creator string) (Room, error) {
	now := time.Now().UTC()
	r := Room{
		ID:        util.NewID("room"),
		Name:      name,
		CreatedBy: creator,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRoom(ctx, r); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if err := s.store.AddMember(ctx, Member{RoomID: r.ID, UserID: creator, Role: RoleOwner, JoinedAt: now}); err != nil {
		return Room{}, fmt.Errorf("add owner: %w", err)
	}
	return r, nil
}

func (s *Service) Room(ctx context.Context, roomID string) (Room, error) {
	return s.store.GetRoom(ctx, roomID)
}

func (s *Service) RoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	return s.store.ListRoomsForUser(ctx, userID)
}

func (s *Service) Members(ctx context.Context, roomID string) ([]Member, error) {
	return s.store.ListMembers(ctx, roomID)
}

func (s *Service) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.store.RemoveMember(ctx, roomID, userID)
}

// CanJoin satisfies the hub's authorizer. Storage errors fail closed.
func (s *Service) CanJoin(roomID, userID string) bool {
	ok, err := s.store.IsMember(context.Background(), roomID, userID)
	if err != nil {
		return false
	}
	return ok
}

// CreateShareLink mints a join link for a room. password may be empty.
func (s *Service) CreateShareLink(ctx context.Context, roomID, role, password, createdBy string, expiresAt *time.Time) (ShareLink, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return ShareLink{}, fmt.Errorf("share link room: %w", err)
	}
	link := ShareLink{
		Token:     util.NewID("share"),
		RoomID:    roomID,
		Role:      role,
		ExpiresAt: expiresAt,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if link.Role == "" {
		link.Role = RoleWriter
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return ShareLink{}, fmt.Errorf("hash link password: %w", err)
		}
		link.PasswordHash = string(hash)
	}
	if err := s.store.CreateShareLink(ctx, link); err != nil {
		return ShareLink{}, fmt.Errorf("create share link: %w", err)
	}
	return link, nil
}

// RedeemShareLink validates the token and password and adds userID to the
// room. Redeeming a link twice is harmless.
func (s *Service) RedeemShareLink(ctx context.Context, token, password, userID string) (Room, error) {
	link, err := s.store.GetShareLink(ctx, token)
	if err != nil {
		return Room{}, fmt.Errorf("share link: %w", err)
	}
	if link.ExpiresAt != nil && time.Now().After(*link.ExpiresAt) {
		return Room{}, ErrLinkExpired
	}
	if link.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return Room{}, ErrBadPassword
		}
	}
	if member, err := s.store.IsMember(ctx, link.RoomID, userID); err != nil {
		return Room{}, err
	} else if !member {
		m := Member{RoomID: link.RoomID, UserID: userID, Role: link.Role, JoinedAt: time.Now().UTC()}
		if err := s.store.AddMember(ctx, m); err != nil {
			return Room{}, fmt.Errorf("join via link: %w", err)
		}
	}
	return s.store.GetRoom(ctx, link.RoomID)
}

func (s *Service) RevokeShareLink(ctx context.Context, token string) error {
	return s.store.DeleteShareLink(ctx, token)
}
