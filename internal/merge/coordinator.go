package merge

import (
	"context"
	"log"
	"time"

	"weave/api/internal/room"
)

// View exposes the observed room state to the coordinator.
type View interface {
	Snapshot() room.Snapshot
}

// Issuer sends the commands the merge procedure needs: retiring the source
// writing block and clearing the instruction that triggered the run.
type Issuer interface {
	DeleteWritingBlock(writingID string)
	ClearMergeInstruction(intentID string)
}

// Archiver receives a byte-level export of the source document before it
// is retired. Optional; archiving failures never fail the merge.
type Archiver interface {
	Archive(ctx context.Context, docID string, state []byte) error
}

// Coordinator performs the cross-document content merge scheduled by
// merge-on-indent. The whole procedure is best-effort: any failure still
// clears the instruction so a broken merge can never re-trigger on every
// observation of the block.
type Coordinator struct {
	Engine  Engine
	Claims  Claims   // optional; nil runs unguarded
	Archive Archiver // optional
	Holder  string   // claim holder identity, e.g. the connection id

	// SyncTimeout bounds the wait for the source document's synced
	// signal. PropagateWait is the pause between the splice transaction
	// and disconnect.
	SyncTimeout   time.Duration
	PropagateWait time.Duration
}

const (
	defaultSyncTimeout   = 3 * time.Second
	defaultPropagateWait = 500 * time.Millisecond
)

// Run executes one merge instruction: intentID carries
// mergeWritingFrom = sourceWritingID. Safe to call from any client
// observing the block; the claim store elects a single worker.
func (c *Coordinator) Run(ctx context.Context, view View, issuer Issuer, intentID, sourceWritingID string) {
	snap := view.Snapshot()

	intent, ok := snap.IntentBlocks[intentID]
	if !ok || intent.MergeWritingFrom != sourceWritingID {
		// Instruction gone or superseded; nothing to do.
		return
	}

	// Step 1: a missing source block means another coordinator already
	// finished. Clear and stop.
	source, ok := snap.WritingBlocks[sourceWritingID]
	if !ok {
		issuer.ClearMergeInstruction(intentID)
		return
	}

	if c.Claims != nil {
		won, err := c.Claims.TryClaim(ctx, intentID+":"+sourceWritingID, c.Holder)
		if err != nil {
			log.Printf("merge: claim failed for %s: %v", intentID, err)
			return
		}
		if !won {
			// Another client is merging; the winner clears the flag.
			return
		}
	}

	// From here on the instruction is cleared no matter what happens:
	// a stuck flag would re-trigger the merge on every re-render.
	defer issuer.ClearMergeInstruction(intentID)

	c.splice(ctx, snap, intent, source)

	// Step 5: retire the source writing block. The replicated document
	// may persist unreferenced on the external engine.
	issuer.DeleteWritingBlock(sourceWritingID)
}

// splice performs steps 2-4: open the source, wait for sync up to the
// timeout, copy its nodes behind a separator into the target document,
// and give the transaction a moment to propagate.
func (c *Coordinator) splice(ctx context.Context, snap room.Snapshot, intent room.IntentBlock, source room.WritingBlock) {
	srcDoc, err := c.Engine.Connect(ctx, source.DocID)
	if err != nil {
		log.Printf("merge: connect source %s: %v", source.DocID, err)
		return
	}
	defer srcDoc.Close()

	timeout := c.SyncTimeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	select {
	case <-srcDoc.Synced():
	case <-time.After(timeout):
		log.Printf("merge: source %s not synced after %s, proceeding with available content", source.DocID, timeout)
	case <-ctx.Done():
		return
	}

	target, ok := writingBlockForIntent(snap, intent.ID)
	if !ok || target.ID == source.ID {
		log.Printf("merge: intent %s has no writing block to merge into", intent.ID)
		return
	}

	tgtDoc, err := c.Engine.Connect(ctx, target.DocID)
	if err != nil {
		log.Printf("merge: connect target %s: %v", target.DocID, err)
		return
	}
	defer tgtDoc.Close()

	// Step 3: only splice when both containers have content; an empty
	// source has nothing to preserve and an empty target belongs to a
	// surface nobody has written on yet.
	if srcDoc.Root().Len() == 0 || tgtDoc.Root().Len() == 0 {
		return
	}

	err = tgtDoc.Transact(func(root Container) {
		root.Append(c.Engine.NewSeparator())
		src := srcDoc.Root()
		for i := 0; i < src.Len(); i++ {
			root.Append(src.Node(i).CloneNode())
		}
	})
	if err != nil {
		log.Printf("merge: splice into %s: %v", target.DocID, err)
		return
	}

	if c.Archive != nil {
		if state, exportErr := srcDoc.ExportState(); exportErr == nil {
			if archiveErr := c.Archive.Archive(ctx, source.DocID, state); archiveErr != nil {
				log.Printf("merge: archive %s: %v", source.DocID, archiveErr)
			}
		}
	}

	wait := c.PropagateWait
	if wait <= 0 {
		wait = defaultPropagateWait
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// HasContent reports whether the document behind a writing block has any
// top-level nodes. Used by the tree engine's indent path to decide whether
// a merge needs scheduling at all.
func HasContent(ctx context.Context, engine Engine, w room.WritingBlock) bool {
	doc, err := engine.Connect(ctx, w.DocID)
	if err != nil {
		return false
	}
	defer doc.Close()
	return doc.Root().Len() > 0
}

func writingBlockForIntent(snap room.Snapshot, intentID string) (room.WritingBlock, bool) {
	for _, w := range snap.WritingBlocks {
		if w.LinkedIntentID != nil && *w.LinkedIntentID == intentID {
			return w, true
		}
	}
	return room.WritingBlock{}, false
}
