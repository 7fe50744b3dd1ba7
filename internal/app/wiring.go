package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"weave/api/internal/baseline"
	"weave/api/internal/hub"
	"weave/api/internal/merge"
	"weave/api/internal/room"
	"weave/api/internal/search"
)

// Wiring connects the hub's mutation stream to the services that react
// to it: the search index, the baseline history, and the cross-document
// merge coordinator.
type Wiring struct {
	Hub       *hub.Hub
	Search    *search.Service
	Baselines *baseline.Service
	Merges    *merge.Coordinator
}

func (wr *Wiring) Attach() {
	wr.Hub.OnDelta = func(roomID string, st *room.State, cmd room.Command) {
		if wr.Search != nil {
			wr.Search.IndexDelta(roomID, st, cmd)
		}
		if wr.Merges != nil {
			if intentID, writingID, ok := mergeInstruction(cmd); ok {
				// Run on its own goroutine: the coordinator reads room
				// state through the sequencer, which is busy delivering
				// this very delta.
				go wr.Merges.Run(context.Background(),
					roomView{hub: wr.Hub, roomID: roomID},
					roomIssuer{hub: wr.Hub, roomID: roomID},
					intentID, writingID)
			}
		}
	}

	wr.Hub.OnPhaseChange = func(roomID string, meta room.Meta, snap room.Snapshot) {
		if wr.Baselines == nil {
			return
		}
		message := fmt.Sprintf("Phase changed to %s (baseline v%d)", meta.Phase, meta.BaselineVersion)
		if _, err := wr.Baselines.Commit(roomID, snap, "system", message); err != nil {
			log.Printf("baseline: commit room %s: %v", roomID, err)
		}
	}
}

// mergeInstruction reports whether the delta sets a non-empty
// mergeWritingFrom on an intent block.
func mergeInstruction(cmd room.Command) (intentID, writingID string, ok bool) {
	if cmd.Type != room.TypeUpdateIntentBlock {
		return "", "", false
	}
	var probe struct {
		MergeWritingFrom *string `json:"mergeWritingFrom"`
	}
	if err := json.Unmarshal(cmd.Updates, &probe); err != nil {
		return "", "", false
	}
	if probe.MergeWritingFrom == nil || *probe.MergeWritingFrom == "" {
		return "", "", false
	}
	return cmd.BlockID, *probe.MergeWritingFrom, true
}

// roomView reads room state through the sequencer, never directly.
type roomView struct {
	hub    *hub.Hub
	roomID string
}

func (v roomView) Snapshot() room.Snapshot {
	return v.hub.Snapshot(v.roomID)
}

// roomIssuer sends merge housekeeping commands through the sequencer so
// every connected client sees them as ordinary broadcasts.
type roomIssuer struct {
	hub    *hub.Hub
	roomID string
}

func (i roomIssuer) DeleteWritingBlock(writingID string) {
	if err := i.hub.Issue(i.roomID, room.Command{
		Type:    room.TypeDeleteWritingBlock,
		BlockID: writingID,
	}); err != nil {
		log.Printf("merge: retire writing block %s: %v", writingID, err)
	}
}

func (i roomIssuer) ClearMergeInstruction(intentID string) {
	updates, _ := json.Marshal(map[string]any{"mergeWritingFrom": ""})
	if err := i.hub.Issue(i.roomID, room.Command{
		Type:    room.TypeUpdateIntentBlock,
		BlockID: intentID,
		Updates: updates,
	}); err != nil {
		log.Printf("merge: clear instruction on %s: %v", intentID, err)
	}
}
