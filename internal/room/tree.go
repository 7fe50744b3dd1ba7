package room

import (
	"encoding/json"
	"sort"
)

// Edge selects which side of the anchor block an insert or drop lands on.
type Edge string

const (
	EdgeBefore Edge = "before"
	EdgeAfter  Edge = "after"
)

// maxDepth bounds every upward parent walk. Outlines never get anywhere
// near this deep; the bound guards against cycles introduced by bad input.
const maxDepth = 1000

// AppendPosition returns the position for a block appended at the end of
// the sibling set under parentID: max sibling position + 1, or 0 when the
// set is empty. No other sibling is renumbered.
func AppendPosition(s *State, parentID *string) float64 {
	siblings := s.siblings(parentID)
	if len(siblings) == 0 {
		return 0
	}
	max := siblings[0].Position
	for _, b := range siblings[1:] {
		if b.Position > max {
			max = b.Position
		}
	}
	return max + 1
}

// ChildPosition returns the position for a new child of parent: appended
// after the current children, or parent.position + 0.5 when the parent is
// childless.
func ChildPosition(s *State, parent IntentBlock) float64 {
	if len(s.siblings(&parent.ID)) == 0 {
		return parent.Position + 0.5
	}
	return AppendPosition(s, &parent.ID)
}

// SiblingPosition returns the position for a block inserted immediately
// next to sibling on the given edge.
func SiblingPosition(sibling IntentBlock, edge Edge) float64 {
	if edge == EdgeBefore {
		return sibling.Position - 0.5
	}
	return sibling.Position + 0.5
}

// IsAncestor reports whether ancestorID appears on the parent chain of
// blockID. The walk is bounded and guarded against repeated visits so a
// corrupted chain can never loop forever.
func IsAncestor(s *State, ancestorID, blockID string) bool {
	visited := make(map[string]bool)
	current := blockID
	for i := 0; i < maxDepth; i++ {
		block, ok := s.IntentBlocks[current]
		if !ok || block.ParentID == nil {
			return false
		}
		parent := *block.ParentID
		if parent == ancestorID {
			return true
		}
		if visited[parent] {
			return false
		}
		visited[parent] = true
		current = parent
	}
	return false
}

// rootAncestor walks up from blockID to its root. Returns blockID itself
// when the block is a root or unknown.
func rootAncestor(s *State, blockID string) string {
	visited := make(map[string]bool)
	current := blockID
	for i := 0; i < maxDepth; i++ {
		block, ok := s.IntentBlocks[current]
		if !ok || block.ParentID == nil {
			return current
		}
		parent := *block.ParentID
		if visited[parent] {
			return current
		}
		visited[parent] = true
		current = parent
	}
	return current
}

// Flatten returns every intent block in outline order: depth-first from the
// roots, siblings ordered by position. This is the sequence the indent scan
// walks backward through.
func Flatten(s *State) []IntentBlock {
	children := make(map[string][]IntentBlock)
	var roots []IntentBlock
	for _, b := range s.IntentBlocks {
		if b.ParentID == nil {
			roots = append(roots, b)
		} else {
			children[*b.ParentID] = append(children[*b.ParentID], b)
		}
	}
	out := make([]IntentBlock, 0, len(s.IntentBlocks))
	seen := make(map[string]bool, len(s.IntentBlocks))
	var walk func(b IntentBlock)
	walk = func(b IntentBlock) {
		if seen[b.ID] {
			return
		}
		seen[b.ID] = true
		out = append(out, b)
		for _, c := range sortedByPosition(children[b.ID]) {
			walk(c)
		}
	}
	for _, r := range sortedByPosition(roots) {
		walk(r)
	}
	// Blocks whose parent is missing (concurrent delete) trail the outline
	// rather than disappearing from the flat sequence.
	for _, b := range sortedByPosition(orphans(s, seen)) {
		out = append(out, b)
	}
	return out
}

// Indent re-parents blockID under the nearest preceding block at the same
// level. If a shallower block comes first, the outline shape forbids the
// indent and nothing is returned. When a root with an attached non-empty
// writing surface is indented, the resulting commands also schedule a
// content merge on the root ancestor of the new parent so the orphaned
// document is not silently lost.
func Indent(s *State, blockID string, hasContent func(WritingBlock) bool) []Command {
	block, ok := s.IntentBlocks[blockID]
	if !ok {
		return nil
	}
	seq := Flatten(s)
	idx := indexOf(seq, blockID)
	if idx <= 0 {
		return nil
	}
	var parent *IntentBlock
	for i := idx - 1; i >= 0; i-- {
		candidate := seq[i]
		if candidate.Level == block.Level {
			parent = &candidate
			break
		}
		if candidate.Level < block.Level {
			return nil
		}
	}
	if parent == nil {
		return nil
	}

	cmds := []Command{updateBlock(blockID, map[string]any{
		"parentId": parent.ID,
		"level":    block.Level + 1,
	})}
	cmds = append(cmds, shiftSubtreeLevels(s, blockID, +1)...)

	if block.IsRoot() {
		if writing, ok := s.WritingBlockForIntent(blockID); ok && hasContent != nil && hasContent(writing) {
			root := rootAncestor(s, parent.ID)
			cmds = append(cmds, updateBlock(root, map[string]any{
				"mergeWritingFrom": writing.ID,
			}))
		}
	}
	return cmds
}

// Outdent moves blockID one level up, under its grandparent. Roots stay put.
func Outdent(s *State, blockID string) []Command {
	block, ok := s.IntentBlocks[blockID]
	if !ok || block.Level == 0 || block.ParentID == nil {
		return nil
	}
	parent, ok := s.IntentBlocks[*block.ParentID]
	if !ok {
		return nil
	}
	updates := map[string]any{
		"level": block.Level - 1,
	}
	if parent.ParentID == nil {
		updates["parentId"] = nil
	} else {
		updates["parentId"] = *parent.ParentID
	}
	cmds := []Command{updateBlock(blockID, updates)}
	return append(cmds, shiftSubtreeLevels(s, blockID, -1)...)
}

// Reorder drops draggedID next to targetID on the given edge. Drags across
// parents are rejected silently, as is any drop that would make a block its
// own ancestor. Accepted drops renumber the sibling set 0..n-1.
func Reorder(s *State, draggedID, targetID string, edge Edge) []Command {
	if draggedID == targetID {
		return nil
	}
	dragged, ok := s.IntentBlocks[draggedID]
	if !ok {
		return nil
	}
	target, ok := s.IntentBlocks[targetID]
	if !ok {
		return nil
	}
	if !sameParent(dragged.ParentID, target.ParentID) {
		return nil
	}
	if IsAncestor(s, draggedID, targetID) {
		return nil
	}

	siblings := sortedByPosition(s.siblings(target.ParentID))
	order := make([]IntentBlock, 0, len(siblings)+1)
	for _, b := range siblings {
		if b.ID == draggedID {
			continue
		}
		if b.ID == targetID && edge == EdgeBefore {
			order = append(order, dragged)
		}
		order = append(order, b)
		if b.ID == targetID && edge == EdgeAfter {
			order = append(order, dragged)
		}
	}

	var cmds []Command
	for i, b := range order {
		updates := make(map[string]any)
		if b.Position != float64(i) {
			updates["position"] = i
		}
		if b.ID == draggedID && dragged.Level != target.Level {
			if target.ParentID == nil {
				updates["parentId"] = nil
			} else {
				updates["parentId"] = *target.ParentID
			}
			updates["level"] = target.Level
		}
		if len(updates) > 0 {
			cmds = append(cmds, updateBlock(b.ID, updates))
		}
	}
	return cmds
}

// Rebalance reassigns sequential integer positions within every sibling
// set, touching only blocks whose stored position differs from their
// computed index. Run after bulk insertions to collapse the fractional
// positions the O(1) insert rules leave behind.
func Rebalance(s *State) []Command {
	groups := make(map[string][]IntentBlock)
	for _, b := range s.IntentBlocks {
		key := ""
		if b.ParentID != nil {
			key = *b.ParentID
		}
		groups[key] = append(groups[key], b)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cmds []Command
	for _, k := range keys {
		for i, b := range sortedByPosition(groups[k]) {
			if b.Position != float64(i) {
				cmds = append(cmds, updateBlock(b.ID, map[string]any{"position": i}))
			}
		}
	}
	return cmds
}

// shiftSubtreeLevels patches every descendant of blockID by delta so the
// level(child) = level(parent)+1 invariant survives indents and outdents.
func shiftSubtreeLevels(s *State, blockID string, delta int) []Command {
	var cmds []Command
	for _, b := range Flatten(s) {
		if b.ID == blockID {
			continue
		}
		if IsAncestor(s, blockID, b.ID) {
			cmds = append(cmds, updateBlock(b.ID, map[string]any{"level": b.Level + delta}))
		}
	}
	return cmds
}

func (s *State) siblings(parentID *string) []IntentBlock {
	var out []IntentBlock
	for _, b := range s.IntentBlocks {
		if sameParent(b.ParentID, parentID) {
			out = append(out, b)
		}
	}
	return out
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortedByPosition(blocks []IntentBlock) []IntentBlock {
	out := make([]IntentBlock, len(blocks))
	copy(out, blocks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func indexOf(blocks []IntentBlock, id string) int {
	for i, b := range blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func orphans(s *State, seen map[string]bool) []IntentBlock {
	var out []IntentBlock
	for _, b := range s.IntentBlocks {
		if !seen[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

func updateBlock(id string, updates map[string]any) Command {
	raw, _ := json.Marshal(updates)
	return Command{
		Type:    TypeUpdateIntentBlock,
		BlockID: id,
		Updates: json.RawMessage(raw),
	}
}
