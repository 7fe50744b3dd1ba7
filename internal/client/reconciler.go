// Package client mirrors a room's authoritative state on the client side.
// Commands apply to the local mirror the moment they are issued; every
// broadcast from the server, including echoes of the client's own commands,
// is then applied as an idempotent patch over the optimistic result.
package client

import (
	"encoding/json"
	"sync"

	"weave/api/internal/room"
	"weave/api/internal/util"
)

// Sender delivers a command to the room's mutation channel. Sending is
// fire-and-forget; the reconciler never waits for acknowledgement.
type Sender interface {
	Send(cmd room.Command) error
}

// Reconciler is the per-client mirror of one room.
type Reconciler struct {
	mu     sync.Mutex
	state  *room.State
	sender Sender
	roster []room.OnlineUser
	newID  func() string

	// HasDocContent reports whether the replicated document behind a
	// writing block holds any content. Used to decide if indenting a root
	// must schedule a cross-document merge. Nil means assume non-empty.
	HasDocContent func(w room.WritingBlock) bool

	// OnMergeScheduled fires when a broadcast (or local command) leaves a
	// mergeWritingFrom instruction on an intent block.
	OnMergeScheduled func(intentID, writingID string)

	// OnSync fires after a full snapshot replaced the mirror.
	OnSync func()

	// OnRoster fires when the online user set changes.
	OnRoster func(users []room.OnlineUser)
}

func NewReconciler(sender Sender) *Reconciler {
	return &Reconciler{
		state:  room.NewState(),
		sender: sender,
		newID:  func() string { return util.NewID("blk") },
	}
}

// Identify announces this connection's user to the presence broker.
func (r *Reconciler) Identify(userID, userName, userEmail, avatarURL string) error {
	return r.sender.Send(room.Command{
		Type:      room.TypeIdentify,
		UserID:    userID,
		UserName:  userName,
		UserEmail: userEmail,
		AvatarURL: avatarURL,
	})
}

// issue applies commands optimistically and ships them to the server.
// The network leg is fire-and-forget: a failed send leaves the optimistic
// state in place until the next sync replaces it.
func (r *Reconciler) issue(cmds ...room.Command) {
	for _, cmd := range cmds {
		r.mu.Lock()
		delta, ok := r.state.Apply(cmd)
		r.mu.Unlock()
		if !ok {
			continue
		}
		_ = r.sender.Send(delta)
		r.noteMergeInstruction(delta)
	}
}

// AddRootBlock appends a new root intent at the end of the outline.
func (r *Reconciler) AddRootBlock(content string) string {
	r.mu.Lock()
	block := room.IntentBlock{
		ID:       r.newID(),
		Content:  content,
		Position: room.AppendPosition(r.state, nil),
		Level:    0,
	}
	r.mu.Unlock()
	r.issue(room.Command{Type: room.TypeAddIntentBlock, Block: &block})
	return block.ID
}

// AddChildBlock inserts a new intent as the last child of parentID.
func (r *Reconciler) AddChildBlock(parentID, content string) string {
	r.mu.Lock()
	parent, ok := r.state.IntentBlocks[parentID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	block := room.IntentBlock{
		ID:       r.newID(),
		Content:  content,
		Position: room.ChildPosition(r.state, parent),
		ParentID: &parent.ID,
		Level:    parent.Level + 1,
	}
	r.mu.Unlock()
	r.issue(room.Command{Type: room.TypeAddIntentBlock, Block: &block})
	return block.ID
}

// AddBlockNear inserts a new intent immediately before or after anchorID,
// as its sibling.
func (r *Reconciler) AddBlockNear(anchorID string, edge room.Edge, content string) string {
	r.mu.Lock()
	anchor, ok := r.state.IntentBlocks[anchorID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	block := room.IntentBlock{
		ID:       r.newID(),
		Content:  content,
		Position: room.SiblingPosition(anchor, edge),
		ParentID: anchor.ParentID,
		Level:    anchor.Level,
	}
	r.mu.Unlock()
	r.issue(room.Command{Type: room.TypeAddIntentBlock, Block: &block})
	return block.ID
}

// UpdateBlock sends a partial patch for one intent block.
func (r *Reconciler) UpdateBlock(blockID string, fields map[string]any) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	r.issue(room.Command{Type: room.TypeUpdateIntentBlock, BlockID: blockID, Updates: raw})
}

func (r *Reconciler) DeleteBlock(blockID string) {
	r.issue(room.Command{Type: room.TypeDeleteIntentBlock, BlockID: blockID})
}

// Indent nests blockID under its nearest preceding same-level block.
func (r *Reconciler) Indent(blockID string) {
	r.mu.Lock()
	hasContent := r.HasDocContent
	if hasContent == nil {
		hasContent = func(room.WritingBlock) bool { return true }
	}
	cmds := room.Indent(r.state, blockID, hasContent)
	r.mu.Unlock()
	r.issue(cmds...)
}

func (r *Reconciler) Outdent(blockID string) {
	r.mu.Lock()
	cmds := room.Outdent(r.state, blockID)
	r.mu.Unlock()
	r.issue(cmds...)
}

// Reorder drops draggedID on the given edge of targetID.
func (r *Reconciler) Reorder(draggedID, targetID string, edge room.Edge) {
	r.mu.Lock()
	cmds := room.Reorder(r.state, draggedID, targetID, edge)
	r.mu.Unlock()
	r.issue(cmds...)
}

// Rebalance collapses fractional positions back to sequential integers.
func (r *Reconciler) Rebalance() {
	r.mu.Lock()
	cmds := room.Rebalance(r.state)
	r.mu.Unlock()
	r.issue(cmds...)
}

// EnsureWritingBlocks lazily creates the writing surface for every root
// intent that lacks one. Safe to call repeatedly.
func (r *Reconciler) EnsureWritingBlocks() {
	r.mu.Lock()
	cmds := r.state.EnsureWritingBlocks(func() string { return util.NewID("wr") })
	r.mu.Unlock()
	r.issue(cmds...)
}

func (r *Reconciler) AddDependency(dep room.Dependency) {
	if dep.ID == "" {
		dep.ID = util.NewID("dep")
	}
	r.issue(room.Command{Type: room.TypeAddDependency, Dependency: &dep})
}

func (r *Reconciler) UpdateDependency(depID string, fields map[string]any) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	r.issue(room.Command{Type: room.TypeUpdateDependency, DependencyID: depID, Updates: raw})
}

func (r *Reconciler) DeleteDependency(depID string) {
	r.issue(room.Command{Type: room.TypeDeleteDependency, DependencyID: depID})
}

func (r *Reconciler) AddHelpRequest(req room.HelpRequest) {
	if req.ID == "" {
		req.ID = util.NewID("help")
	}
	r.issue(room.Command{Type: room.TypeAddHelpRequest, HelpRequest: &req})
}

func (r *Reconciler) UpdateHelpRequest(reqID string, fields map[string]any) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	r.issue(room.Command{Type: room.TypeUpdateHelpRequest, HelpRequestID: reqID, Updates: raw})
}

func (r *Reconciler) DeleteHelpRequest(reqID string) {
	r.issue(room.Command{Type: room.TypeDeleteHelpRequest, HelpRequestID: reqID})
}

// SetPhase patches the room meta. The store advances the baseline version
// when the phase actually changes.
func (r *Reconciler) SetPhase(phase string) {
	raw, _ := json.Marshal(map[string]any{"phase": phase})
	r.issue(room.Command{Type: room.TypeUpdateRoomMeta, Updates: raw})
}

// ClearMergeInstruction resets mergeWritingFrom on an intent. Called by the
// merge coordinator on success or failure alike.
func (r *Reconciler) ClearMergeInstruction(intentID string) {
	r.UpdateBlock(intentID, map[string]any{"mergeWritingFrom": ""})
}

// DeleteWritingBlock retires a writing surface from room state. The
// replicated document behind it may live on, unreferenced.
func (r *Reconciler) DeleteWritingBlock(writingID string) {
	r.issue(room.Command{Type: room.TypeDeleteWritingBlock, BlockID: writingID})
}

// HandleMessage processes one text frame from the mutation channel.
// Broadcasts are applied exactly as a remote command would be, regardless
// of whether this client originated them.
func (r *Reconciler) HandleMessage(data []byte) error {
	cmd, err := room.DecodeCommand(data)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case room.TypeSync:
		if cmd.State == nil {
			return nil
		}
		r.mu.Lock()
		r.state.Replace(*cmd.State)
		r.mu.Unlock()
		if r.OnSync != nil {
			r.OnSync()
		}
		r.noteMergeInstructions()
		return nil

	case room.TypeOnlineUsers:
		r.mu.Lock()
		r.roster = cmd.Users
		r.mu.Unlock()
		if r.OnRoster != nil {
			r.OnRoster(cmd.Users)
		}
		return nil
	}

	r.mu.Lock()
	_, ok := r.state.Apply(cmd)
	r.mu.Unlock()
	if ok {
		r.noteMergeInstruction(cmd)
	}
	return nil
}

// Snapshot returns a copy of the mirrored state.
func (r *Reconciler) Snapshot() room.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot()
}

// Roster returns the last received online user set.
func (r *Reconciler) Roster() []room.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]room.OnlineUser, len(r.roster))
	copy(out, r.roster)
	return out
}

// Outline returns the mirrored intent blocks in outline order.
func (r *Reconciler) Outline() []room.IntentBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return room.Flatten(r.state)
}

// noteMergeInstruction inspects a single applied delta for a fresh
// mergeWritingFrom instruction.
func (r *Reconciler) noteMergeInstruction(cmd room.Command) {
	if r.OnMergeScheduled == nil || cmd.Type != room.TypeUpdateIntentBlock {
		return
	}
	var probe struct {
		MergeWritingFrom *string `json:"mergeWritingFrom"`
	}
	if err := json.Unmarshal(cmd.Updates, &probe); err != nil {
		return
	}
	if probe.MergeWritingFrom != nil && *probe.MergeWritingFrom != "" {
		r.OnMergeScheduled(cmd.BlockID, *probe.MergeWritingFrom)
	}
}

// noteMergeInstructions scans the whole mirror after a sync: instructions
// that arrived while this client was away still need a coordinator.
func (r *Reconciler) noteMergeInstructions() {
	if r.OnMergeScheduled == nil {
		return
	}
	r.mu.Lock()
	type pending struct{ intentID, writingID string }
	var found []pending
	for id, b := range r.state.IntentBlocks {
		if b.MergeWritingFrom != "" {
			found = append(found, pending{id, b.MergeWritingFrom})
		}
	}
	r.mu.Unlock()
	for _, p := range found {
		r.OnMergeScheduled(p.intentID, p.writingID)
	}
}
