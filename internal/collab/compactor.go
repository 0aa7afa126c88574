package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingHandle  = errors.New("collab: room handle is required")
	errMissingRuntime = errors.New("collab: document runtime is required")
)

// CompactionResult reports what a compaction attempt did.
type CompactionResult int

const (
	// CompactionPerformed means a snapshot was written and the log trimmed.
	CompactionPerformed CompactionResult = iota + 1
	// CompactionSkipped means the encoded document was degenerate and no
	// snapshot was written. This is a deliberate no-op, not an error.
	CompactionSkipped
)

// CompactorConfig describes the inputs required to build a Compactor.
type CompactorConfig struct {
	Handle            *store.Handle
	Runtime           *document.Runtime
	EditThreshold     int
	IdleInterval      time.Duration
	EmptyDocThreshold int
	Logger            *zap.Logger
}

// Compactor owns one session's dirty flag and edit counter and decides when
// to fold the update log into a new snapshot. Compaction fires on the edit
// count threshold, on an idle timer armed by the first dirty update, or on
// session teardown.
type Compactor struct {
	handle            *store.Handle
	runtime           *document.Runtime
	editThreshold     int
	idleInterval      time.Duration
	emptyDocThreshold int
	logger            *zap.Logger

	mu                   sync.Mutex
	dirty                bool
	updatesSinceSnapshot int
	idleCancel           chan struct{}
	idleDone             chan struct{}
}

// NewCompactor constructs a Compactor with the provided configuration.
func NewCompactor(cfg CompactorConfig) (*Compactor, error) {
	if cfg.Handle == nil {
		return nil, errMissingHandle
	}
	if cfg.Runtime == nil {
		return nil, errMissingRuntime
	}
	editThreshold := cfg.EditThreshold
	if editThreshold <= 0 {
		editThreshold = 50
	}
	idleInterval := cfg.IdleInterval
	if idleInterval <= 0 {
		idleInterval = 45 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		handle:            cfg.Handle,
		runtime:           cfg.Runtime,
		editThreshold:     editThreshold,
		idleInterval:      idleInterval,
		emptyDocThreshold: cfg.EmptyDocThreshold,
		logger:            logger,
	}, nil
}

// NoteUpdate records one applied update. It compacts immediately once the
// edit threshold is reached, and otherwise makes sure an idle timer is armed.
func (c *Compactor) NoteUpdate(ctx context.Context) {
	c.mu.Lock()
	c.dirty = true
	c.updatesSinceSnapshot++
	reached := c.updatesSinceSnapshot >= c.editThreshold
	if !reached {
		c.armIdleTimerLocked()
	}
	c.mu.Unlock()

	if reached {
		if _, err := c.Compact(ctx); err != nil {
			c.logger.Warn("count-triggered compaction failed",
				zap.String("room_id", c.handle.RoomID()),
				zap.Error(err))
		}
	}
}

// Dirty reports whether un-snapshotted changes exist.
func (c *Compactor) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// UpdatesSinceSnapshot returns the current edit counter.
func (c *Compactor) UpdatesSinceSnapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatesSinceSnapshot
}

// armIdleTimerLocked starts the idle timer if none is outstanding. Re-arming
// is idempotent; the caller holds c.mu.
func (c *Compactor) armIdleTimerLocked() {
	if c.idleCancel != nil {
		return
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	c.idleCancel = cancel
	c.idleDone = done

	go func() {
		defer close(done)
		timer := time.NewTimer(c.idleInterval)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.idleFired()
		case <-cancel:
		}
	}()
}

func (c *Compactor) idleFired() {
	c.mu.Lock()
	c.idleCancel = nil
	c.idleDone = nil
	stillDirty := c.dirty
	c.mu.Unlock()

	// A count-triggered compaction may have raced the timer.
	if !stillDirty {
		return
	}
	if _, err := c.Compact(context.Background()); err != nil {
		c.logger.Warn("idle-triggered compaction failed",
			zap.String("room_id", c.handle.RoomID()),
			zap.Error(err))
	}
}

// StopIdleTimer cancels an outstanding idle timer and waits for its task to
// finish. Safe to call when no timer is armed.
func (c *Compactor) StopIdleTimer() {
	c.mu.Lock()
	cancel := c.idleCancel
	done := c.idleDone
	c.idleCancel = nil
	c.idleDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

// Compact encodes the full document state, writes it as the room's snapshot
// and trims the superseded log entries. A degenerate encoded state (at most
// the empty-document byte threshold) is never persisted: downstream readers
// cannot tell a real empty document from a corrupt capture.
func (c *Compactor) Compact(ctx context.Context) (CompactionResult, error) {
	c.handle.LockCompaction()
	defer c.handle.UnlockCompaction()

	payload := c.runtime.EncodeState()
	if len(payload) <= c.emptyDocThreshold {
		c.resetCounters()
		c.logger.Debug("compaction skipped for empty document",
			zap.String("room_id", c.handle.RoomID()),
			zap.Int("encoded_bytes", len(payload)))
		return CompactionSkipped, nil
	}

	maxID, err := c.handle.MaxUpdateID(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.handle.UpsertSnapshot(ctx, payload, maxID); err != nil {
		return 0, err
	}
	deleted, err := c.handle.DeleteUpdatesBefore(ctx, maxID)
	if err != nil {
		return 0, err
	}

	c.resetCounters()
	c.logger.Info("room compacted",
		zap.String("room_id", c.handle.RoomID()),
		zap.Int64("last_update_id", maxID),
		zap.Int64("updates_deleted", deleted),
		zap.Int("snapshot_bytes", len(payload)))
	return CompactionPerformed, nil
}

// Teardown runs the disconnect-time trigger: compact once more when dirty, or
// when the room has no snapshot at all yet, so every touched room eventually
// carries one.
func (c *Compactor) Teardown(ctx context.Context) (CompactionResult, error) {
	if c.Dirty() {
		return c.Compact(ctx)
	}
	_, _, found, err := c.handle.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		return CompactionSkipped, nil
	}
	return c.Compact(ctx)
}

func (c *Compactor) resetCounters() {
	c.mu.Lock()
	c.dirty = false
	c.updatesSinceSnapshot = 0
	c.mu.Unlock()
}
