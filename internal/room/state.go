package room

import (
	"encoding/json"

	"weave/api/internal/util"
)

// State is the authoritative collection of blocks for one room. It has a
// single writer: the room's sequencer goroutine on the server, or the
// owning client on the mirror side. It is not safe for concurrent use.
type State struct {
	IntentBlocks  map[string]IntentBlock
	WritingBlocks map[string]WritingBlock
	Dependencies  map[string]Dependency
	HelpRequests  map[string]HelpRequest
	Meta          Meta

	// Now supplies timestamps; injectable so that replaying a command
	// sequence is deterministic.
	Now func() int64

	// lastStamp is the most recent timestamp handed out by stamp.
	lastStamp int64

	// OnPhaseChange fires after a room meta patch changed the phase.
	// Nil on client mirrors.
	OnPhaseChange func(old, updated Meta)
}

func NewState() *State {
	return &State{
		IntentBlocks:  make(map[string]IntentBlock),
		WritingBlocks: make(map[string]WritingBlock),
		Dependencies:  make(map[string]Dependency),
		HelpRequests:  make(map[string]HelpRequest),
		Meta:          Meta{Phase: PhaseSetup, BaselineVersion: 0},
		Now:           util.NowMillis,
	}
}

// Snapshot copies the full state into the wire form used by sync frames.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		IntentBlocks:  make(map[string]IntentBlock, len(s.IntentBlocks)),
		WritingBlocks: make(map[string]WritingBlock, len(s.WritingBlocks)),
		Dependencies:  make(map[string]Dependency, len(s.Dependencies)),
		HelpRequests:  make(map[string]HelpRequest, len(s.HelpRequests)),
		Meta:          s.Meta,
	}
	for id, b := range s.IntentBlocks {
		snap.IntentBlocks[id] = b
	}
	for id, w := range s.WritingBlocks {
		snap.WritingBlocks[id] = w
	}
	for id, d := range s.Dependencies {
		snap.Dependencies[id] = d
	}
	for id, h := range s.HelpRequests {
		snap.HelpRequests[id] = h
	}
	return snap
}

// Replace swaps in a full snapshot, discarding everything held locally.
// Used by clients on (re)join; unacknowledged optimistic edits are lost.
func (s *State) Replace(snap Snapshot) {
	s.IntentBlocks = make(map[string]IntentBlock, len(snap.IntentBlocks))
	s.WritingBlocks = make(map[string]WritingBlock, len(snap.WritingBlocks))
	s.Dependencies = make(map[string]Dependency, len(snap.Dependencies))
	s.HelpRequests = make(map[string]HelpRequest, len(snap.HelpRequests))
	for id, b := range snap.IntentBlocks {
		s.IntentBlocks[id] = b
	}
	for id, w := range snap.WritingBlocks {
		s.WritingBlocks[id] = w
	}
	for id, d := range snap.Dependencies {
		s.Dependencies[id] = d
	}
	for id, h := range snap.HelpRequests {
		s.HelpRequests[id] = h
	}
	s.Meta = snap.Meta
}

// stamp returns the next logical timestamp: wall time when the clock has
// advanced, otherwise one past the previous stamp. No two stamps from the
// same state are ever equal, so createdAt orders blocks by insertion even
// when several arrive within one millisecond.
func (s *State) stamp() int64 {
	t := s.Now()
	if t <= s.lastStamp {
		t = s.lastStamp + 1
	}
	s.lastStamp = t
	return t
}

// Apply executes one command against the state. It returns the delta to
// rebroadcast and whether the command changed anything. Updates and deletes
// against unknown ids are silent no-ops: concurrent deletes and edits are
// expected, not errors. Re-applying an already applied delta converges to
// the same state, so self-echoes are harmless.
func (s *State) Apply(cmd Command) (Command, bool) {
	switch cmd.Type {
	case TypeAddIntentBlock:
		if cmd.Block == nil || cmd.Block.ID == "" {
			return Command{}, false
		}
		block := *cmd.Block
		if block.CreatedAt == 0 {
			block.CreatedAt = s.stamp()
		}
		if block.UpdatedAt == 0 {
			block.UpdatedAt = block.CreatedAt
		}
		s.IntentBlocks[block.ID] = block
		cmd.Block = &block
		return cmd, true

	case TypeUpdateIntentBlock:
		block, ok := s.IntentBlocks[cmd.BlockID]
		if !ok {
			return Command{}, false
		}
		if !patch(cmd.Updates, &block) {
			return Command{}, false
		}
		block.ID = cmd.BlockID
		block.UpdatedAt = s.stamp()
		s.IntentBlocks[cmd.BlockID] = block
		return cmd, true

	case TypeDeleteIntentBlock:
		if _, ok := s.IntentBlocks[cmd.BlockID]; !ok {
			return Command{}, false
		}
		delete(s.IntentBlocks, cmd.BlockID)
		for id, dep := range s.Dependencies {
			if dep.FromIntentID == cmd.BlockID || dep.ToIntentID == cmd.BlockID {
				delete(s.Dependencies, id)
			}
		}
		return cmd, true

	case TypeAddWritingBlock:
		if cmd.Writing == nil || cmd.Writing.ID == "" {
			return Command{}, false
		}
		writing := *cmd.Writing
		if writing.CreatedAt == 0 {
			writing.CreatedAt = s.stamp()
		}
		if writing.UpdatedAt == 0 {
			writing.UpdatedAt = writing.CreatedAt
		}
		s.WritingBlocks[writing.ID] = writing
		cmd.Writing = &writing
		return cmd, true

	case TypeUpdateWritingBlock:
		writing, ok := s.WritingBlocks[cmd.BlockID]
		if !ok {
			return Command{}, false
		}
		if !patch(cmd.Updates, &writing) {
			return Command{}, false
		}
		writing.ID = cmd.BlockID
		writing.UpdatedAt = s.stamp()
		s.WritingBlocks[cmd.BlockID] = writing
		return cmd, true

	case TypeDeleteWritingBlock:
		if _, ok := s.WritingBlocks[cmd.BlockID]; !ok {
			return Command{}, false
		}
		delete(s.WritingBlocks, cmd.BlockID)
		for id, block := range s.IntentBlocks {
			links := removeString(block.LinkedWritingIDs, cmd.BlockID)
			if len(links) != len(block.LinkedWritingIDs) {
				block.LinkedWritingIDs = links
				s.IntentBlocks[id] = block
			}
		}
		return cmd, true

	case TypeAddDependency:
		if cmd.Dependency == nil || cmd.Dependency.ID == "" {
			return Command{}, false
		}
		dep := *cmd.Dependency
		if dep.CreatedAt == 0 {
			dep.CreatedAt = s.stamp()
		}
		s.Dependencies[dep.ID] = dep
		cmd.Dependency = &dep
		return cmd, true

	case TypeUpdateDependency:
		dep, ok := s.Dependencies[cmd.DependencyID]
		if !ok {
			return Command{}, false
		}
		if !patch(cmd.Updates, &dep) {
			return Command{}, false
		}
		dep.ID = cmd.DependencyID
		s.Dependencies[cmd.DependencyID] = dep
		return cmd, true

	case TypeDeleteDependency:
		if _, ok := s.Dependencies[cmd.DependencyID]; !ok {
			return Command{}, false
		}
		delete(s.Dependencies, cmd.DependencyID)
		return cmd, true

	case TypeAddHelpRequest:
		if cmd.HelpRequest == nil || cmd.HelpRequest.ID == "" {
			return Command{}, false
		}
		req := *cmd.HelpRequest
		if req.CreatedAt == 0 {
			req.CreatedAt = s.stamp()
		}
		if req.UpdatedAt == 0 {
			req.UpdatedAt = req.CreatedAt
		}
		s.HelpRequests[req.ID] = req
		cmd.HelpRequest = &req
		return cmd, true

	case TypeUpdateHelpRequest:
		req, ok := s.HelpRequests[cmd.HelpRequestID]
		if !ok {
			return Command{}, false
		}
		if !patch(cmd.Updates, &req) {
			return Command{}, false
		}
		req.ID = cmd.HelpRequestID
		req.UpdatedAt = s.stamp()
		s.HelpRequests[cmd.HelpRequestID] = req
		return cmd, true

	case TypeDeleteHelpRequest:
		if _, ok := s.HelpRequests[cmd.HelpRequestID]; !ok {
			return Command{}, false
		}
		delete(s.HelpRequests, cmd.HelpRequestID)
		return cmd, true

	case TypeUpdateRoomMeta:
		old := s.Meta
		updated := old
		if !patch(cmd.Updates, &updated) {
			return Command{}, false
		}
		if updated.Phase != old.Phase {
			updated.BaselineVersion = old.BaselineVersion + 1
		} else {
			updated.BaselineVersion = old.BaselineVersion
		}
		s.Meta = updated
		if updated.Phase != old.Phase && s.OnPhaseChange != nil {
			s.OnPhaseChange(old, updated)
		}
		return cmd, true
	}

	return Command{}, false
}

// EnsureWritingBlocks returns add commands for every root intent block that
// has no writing block yet. Calling it twice in a row produces nothing the
// second time: exactly one writing surface per root.
func (s *State) EnsureWritingBlocks(newID func() string) []Command {
	linked := make(map[string]bool, len(s.WritingBlocks))
	for _, w := range s.WritingBlocks {
		if w.LinkedIntentID != nil {
			linked[*w.LinkedIntentID] = true
		}
	}
	var cmds []Command
	for _, root := range sortedByPosition(s.rootBlocks()) {
		if linked[root.ID] {
			continue
		}
		id := newID()
		intentID := root.ID
		cmds = append(cmds, Command{
			Type: TypeAddWritingBlock,
			Writing: &WritingBlock{
				ID:             id,
				LinkedIntentID: &intentID,
				DocID:          id,
				Position:       root.Position,
			},
		})
	}
	return cmds
}

// WritingBlockForIntent finds the writing block linked to the given root
// intent, if any.
func (s *State) WritingBlockForIntent(intentID string) (WritingBlock, bool) {
	for _, w := range s.WritingBlocks {
		if w.LinkedIntentID != nil && *w.LinkedIntentID == intentID {
			return w, true
		}
	}
	return WritingBlock{}, false
}

func (s *State) rootBlocks() []IntentBlock {
	var roots []IntentBlock
	for _, b := range s.IntentBlocks {
		if b.IsRoot() {
			roots = append(roots, b)
		}
	}
	return roots
}

// patch applies a partial JSON object onto target. Only fields present in
// the patch are overwritten; the rest keep their current values.
func patch(updates json.RawMessage, target any) bool {
	if len(updates) == 0 {
		return false
	}
	return json.Unmarshal(updates, target) == nil
}

func removeString(list []string, value string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
