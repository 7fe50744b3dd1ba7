package client

import (
	"encoding/json"
	"fmt"
	"testing"

	"weave/api/internal/room"
)

// fakeSender records every outbound command without a network.
type fakeSender struct {
	sent []room.Command
	fail bool
}

func (f *fakeSender) Send(cmd room.Command) error {
	if f.fail {
		return fmt.Errorf("send: connection lost")
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func newTestReconciler() (*Reconciler, *fakeSender) {
	sender := &fakeSender{}
	r := NewReconciler(sender)
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("blk-%d", n)
	}
	return r, sender
}

func outlineIDs(r *Reconciler) []string {
	var ids []string
	for _, b := range r.Outline() {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestAddRootBlockAppliesOptimistically(t *testing.T) {
	r, sender := newTestReconciler()

	id := r.AddRootBlock("first point")
	if id == "" {
		t.Fatal("no id returned")
	}

	snap := r.Snapshot()
	b, ok := snap.IntentBlocks[id]
	if !ok {
		t.Fatal("block not applied locally before ack")
	}
	if b.Position != 0 || b.Level != 0 {
		t.Fatalf("bad first root placement: pos=%v level=%d", b.Position, b.Level)
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != room.TypeAddIntentBlock {
		t.Fatalf("expected one add command, got %+v", sender.sent)
	}

	id2 := r.AddRootBlock("second point")
	if got := r.Snapshot().IntentBlocks[id2].Position; got != 1 {
		t.Fatalf("second root position = %v, want 1", got)
	}
}

func TestEchoOfOwnCommandIsIdempotent(t *testing.T) {
	r, sender := newTestReconciler()

	r.AddRootBlock("point")
	before, _ := json.Marshal(r.Snapshot())

	// The server echoes the same delta back to its originator.
	echo, err := sender.sent[0].Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.HandleMessage(echo); err != nil {
		t.Fatal(err)
	}

	after, _ := json.Marshal(r.Snapshot())
	if string(before) != string(after) {
		t.Fatalf("echo changed the mirror:\n%s\n%s", before, after)
	}
}

func TestRemoteDeltaApplies(t *testing.T) {
	r, _ := newTestReconciler()

	cmd := room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "remote-1", Content: "from elsewhere", Level: 0},
	}
	data, _ := cmd.Encode()
	if err := r.HandleMessage(data); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Snapshot().IntentBlocks["remote-1"]; !ok {
		t.Fatal("remote delta not applied")
	}
}

func TestSyncReplacesMirrorEntirely(t *testing.T) {
	r, _ := newTestReconciler()
	r.AddRootBlock("doomed local state")

	synced := false
	r.OnSync = func() { synced = true }

	server := room.NewState()
	server.Apply(room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "srv-1", Content: "authoritative", Level: 0},
	})
	snap := server.Snapshot()
	data, _ := room.Command{Type: room.TypeSync, State: &snap}.Encode()
	if err := r.HandleMessage(data); err != nil {
		t.Fatal(err)
	}

	got := r.Snapshot()
	if !synced {
		t.Fatal("OnSync did not fire")
	}
	if _, ok := got.IntentBlocks["srv-1"]; !ok {
		t.Fatal("sync state missing")
	}
	if len(got.IntentBlocks) != 1 {
		t.Fatalf("local state survived sync: %v", outlineIDs(r))
	}
}

func TestIndentSchedulesMergeAndNotifies(t *testing.T) {
	r, _ := newTestReconciler()
	r.HasDocContent = func(room.WritingBlock) bool { return true }

	var gotIntent, gotWriting string
	r.OnMergeScheduled = func(intentID, writingID string) {
		gotIntent, gotWriting = intentID, writingID
	}

	a := r.AddRootBlock("keep")
	b := r.AddRootBlock("absorb")
	r.EnsureWritingBlocks()
	r.Indent(b)

	snap := r.Snapshot()
	moved := snap.IntentBlocks[b]
	if moved.ParentID == nil || *moved.ParentID != a {
		t.Fatalf("indent did not nest %s under %s", b, a)
	}
	wantWriting, ok := snapState(snap).WritingBlockForIntent(b)
	if !ok {
		t.Fatal("indented root lost its writing block reference")
	}
	if gotIntent != a || gotWriting != wantWriting.ID {
		t.Fatalf("merge notification = (%s, %s), want (%s, %s)", gotIntent, gotWriting, a, wantWriting.ID)
	}
	if snap.IntentBlocks[a].MergeWritingFrom != wantWriting.ID {
		t.Fatal("mergeWritingFrom not recorded on new parent")
	}
}

func TestSyncSurfacesPendingMergeInstructions(t *testing.T) {
	r, _ := newTestReconciler()

	var fired []string
	r.OnMergeScheduled = func(intentID, writingID string) {
		fired = append(fired, intentID+"/"+writingID)
	}

	server := room.NewState()
	server.Apply(room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: "x", Level: 0, MergeWritingFrom: "w-old"},
	})
	snap := server.Snapshot()
	data, _ := room.Command{Type: room.TypeSync, State: &snap}.Encode()
	if err := r.HandleMessage(data); err != nil {
		t.Fatal(err)
	}

	if len(fired) != 1 || fired[0] != "i1/w-old" {
		t.Fatalf("expected pending instruction after sync, got %v", fired)
	}
}

func TestClearMergeInstruction(t *testing.T) {
	r, _ := newTestReconciler()

	cmd := room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: "x", Level: 0, MergeWritingFrom: "w1"},
	}
	data, _ := cmd.Encode()
	_ = r.HandleMessage(data)

	r.ClearMergeInstruction("i1")
	if got := r.Snapshot().IntentBlocks["i1"].MergeWritingFrom; got != "" {
		t.Fatalf("mergeWritingFrom = %q after clear", got)
	}
}

func TestFailedSendKeepsOptimisticState(t *testing.T) {
	sender := &fakeSender{fail: true}
	r := NewReconciler(sender)

	id := r.AddRootBlock("offline edit")
	if _, ok := r.Snapshot().IntentBlocks[id]; !ok {
		t.Fatal("optimistic state discarded on send failure")
	}
}

func TestRosterUpdates(t *testing.T) {
	r, _ := newTestReconciler()

	var seen []room.OnlineUser
	r.OnRoster = func(users []room.OnlineUser) { seen = users }

	cmd := room.Command{
		Type:  room.TypeOnlineUsers,
		Users: []room.OnlineUser{{ConnectionID: "c1", UserID: "u1", UserName: "Ada"}},
	}
	data, _ := cmd.Encode()
	if err := r.HandleMessage(data); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0].UserID != "u1" {
		t.Fatalf("OnRoster saw %v", seen)
	}
	if got := r.Roster(); len(got) != 1 || got[0].UserName != "Ada" {
		t.Fatalf("Roster() = %v", got)
	}
}

func TestAddBlockNearPlacesSibling(t *testing.T) {
	r, _ := newTestReconciler()

	a := r.AddRootBlock("a")
	b := r.AddRootBlock("b")

	mid := r.AddBlockNear(a, room.EdgeAfter, "between")
	ids := outlineIDs(r)
	want := []string{a, mid, b}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Fatalf("outline = %v, want %v", ids, want)
	}
}

// snapState rebuilds a State around a snapshot so tree helpers can run
// against it.
func snapState(snap room.Snapshot) *room.State {
	s := room.NewState()
	s.Replace(snap)
	return s
}
