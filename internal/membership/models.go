package membership

import "time"

type Room struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Member struct {
	RoomID   string
	UserID   string
	Role     string
	JoinedAt time.Time
}

const (
	RoleOwner  = "owner"
	RoleWriter = "writer"
)

// ShareLink grants room membership to whoever presents its token, and
// optionally a password. PasswordHash is a bcrypt hash; empty means the
// link is open.
type ShareLink struct {
	Token        string
	RoomID       string
	Role         string
	PasswordHash string
	ExpiresAt    *time.Time
	CreatedBy    string
	CreatedAt    time.Time
}
