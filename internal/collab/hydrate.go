package collab

import (
	"context"

	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	"go.uber.org/zap"
)

// Hydrate populates a fresh document runtime with the room's persisted
// history. The change hook must not be attached before calling Hydrate, so
// that replaying history never re-triggers persistence.
//
// When a valid snapshot exists, hydration applies it and replays only the
// updates it does not cover. A missing snapshot, or a degenerate one whose
// payload is at most emptyDocThreshold bytes, downgrades silently to a full
// replay of the log. A snapshot whose last_update_id points mid-history is
// tolerated: replaying from that id forward reapplies at most a suffix of
// the log, which is safe under the document library's idempotent apply.
func Hydrate(ctx context.Context, runtime *document.Runtime, handle *store.Handle, emptyDocThreshold int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	payload, lastUpdateID, found, err := handle.Snapshot(ctx)
	if err != nil {
		return err
	}

	applyOne := func(update []byte) error {
		if applyErr := runtime.ApplyUpdate(update); applyErr != nil {
			// A single bad log entry must not abort hydration.
			logger.Warn("skipping unreplayable update",
				zap.String("room_id", handle.RoomID()),
				zap.Error(applyErr))
		}
		return nil
	}

	if !found || len(payload) <= emptyDocThreshold {
		if found {
			logger.Warn("ignoring degenerate snapshot, replaying full log",
				zap.String("room_id", handle.RoomID()),
				zap.Int("snapshot_bytes", len(payload)))
		}
		return handle.ReadAll(ctx, applyOne)
	}

	if err := runtime.ApplyUpdate(payload); err != nil {
		logger.Warn("snapshot apply failed, replaying full log",
			zap.String("room_id", handle.RoomID()),
			zap.Error(err))
		return handle.ReadAll(ctx, applyOne)
	}
	return handle.ReadSince(ctx, lastUpdateID, applyOne)
}
