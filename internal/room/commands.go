package room

import (
	"encoding/json"
	"fmt"
)

// Message types carried over the mutation channel. Clients send mutation
// commands and identify; the store sends sync, online_users, and echoes of
// every applied mutation back to all connections.
const (
	TypeIdentify    = "identify"
	TypeSync        = "sync"
	TypeOnlineUsers = "online_users"

	TypeAddIntentBlock    = "add_intent_block"
	TypeUpdateIntentBlock = "update_intent_block"
	TypeDeleteIntentBlock = "delete_intent_block"

	TypeAddWritingBlock    = "add_writing_block"
	TypeUpdateWritingBlock = "update_writing_block"
	TypeDeleteWritingBlock = "delete_writing_block"

	TypeAddDependency    = "add_dependency"
	TypeUpdateDependency = "update_dependency"
	TypeDeleteDependency = "delete_dependency"

	TypeAddHelpRequest    = "add_help_request"
	TypeUpdateHelpRequest = "update_help_request"
	TypeDeleteHelpRequest = "delete_help_request"

	TypeUpdateRoomMeta = "update_room_meta"
)

// Command is the wire envelope for every message on the mutation channel.
// Only the fields relevant to Type are populated; updates are partial
// patches applied with field-set last-write-wins semantics.
type Command struct {
	Type string `json:"type"`

	// identify
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`

	// add_* payloads
	Block       *IntentBlock  `json:"block,omitempty"`
	Writing     *WritingBlock `json:"writingBlock,omitempty"`
	Dependency  *Dependency   `json:"dependency,omitempty"`
	HelpRequest *HelpRequest  `json:"helpRequest,omitempty"`

	// update_*/delete_* targets and patches
	BlockID       string          `json:"blockId,omitempty"`
	DependencyID  string          `json:"dependencyId,omitempty"`
	HelpRequestID string          `json:"helpRequestId,omitempty"`
	Updates       json.RawMessage `json:"updates,omitempty"`

	// sync / online_users
	State *Snapshot    `json:"state,omitempty"`
	Users []OnlineUser `json:"users,omitempty"`
}

// DecodeCommand parses a text frame from the mutation channel. Binary
// frames never reach this function; they are forwarded undecoded.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return cmd, nil
}

// Encode serializes the command for the wire.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}
