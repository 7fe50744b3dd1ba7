package baseline

import (
	"os"
	"path/filepath"
	"testing"

	"weave/api/internal/room"
)

func snapWithContent(content string) room.Snapshot {
	s := room.NewState()
	s.Apply(room.Command{
		Type:  room.TypeAddIntentBlock,
		Block: &room.IntentBlock{ID: "i1", Content: content, Level: 0},
	})
	return s.Snapshot()
}

func TestBaselineLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.Commit("room-1", snapWithContent("setup outline"), "Avery", "Baseline v1")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := svc.Commit("room-1", snapWithContent("writing outline"), "Avery", "Baseline v2")
	if err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}

	head, info, err := svc.Head("room-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if info.Hash != second.Hash {
		t.Fatalf("head = %s, want %s", info.Hash, second.Hash)
	}
	if head.IntentBlocks["i1"].Content != "writing outline" {
		t.Fatalf("head content = %q", head.IntentBlocks["i1"].Content)
	}

	old, err := svc.SnapshotByHash("room-1", first.Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	if old.IntentBlocks["i1"].Content != "setup outline" {
		t.Fatalf("historical content = %q", old.IntentBlocks["i1"].Content)
	}

	history, err := svc.History("room-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d", len(history))
	}
	if history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("history order wrong: %+v", history)
	}
	if history[0].Author != "Avery" {
		t.Fatalf("author = %q", history[0].Author)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())

	for i := 0; i < 3; i++ {
		if _, err := svc.Commit("room-1", snapWithContent("v"), "A", "checkpoint"); err != nil {
			t.Fatal(err)
		}
	}

	history, err := svc.History("room-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("limit ignored, got %d entries", len(history))
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.Commit("room-1", snapWithContent("one"), "A", "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit("room-2", snapWithContent("two"), "B", "v1"); err != nil {
		t.Fatal(err)
	}

	head1, _, err := svc.Head("room-1")
	if err != nil {
		t.Fatal(err)
	}
	if head1.IntentBlocks["i1"].Content != "one" {
		t.Fatalf("room-1 head = %q", head1.IntentBlocks["i1"].Content)
	}

	if _, _, err := svc.Head("room-3"); err == nil {
		t.Fatal("expected error for room with no baselines")
	}
}
