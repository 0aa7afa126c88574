package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRoomID   = errors.New("room identifier is required")
	errEmptyPayload    = errors.New("payload must not be empty")
	errHandleReleased  = errors.New("room handle already released")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew             = "store.new"
	opAcquire              = "store.acquire"
	opAppend               = "store.append_update"
	opReadUpdates          = "store.read_updates"
	opGetSnapshot          = "store.get_snapshot"
	opMaxUpdateID          = "store.max_update_id"
	opUpsertSnapshot       = "store.upsert_snapshot"
	opDeleteUpdatesBefore  = "store.delete_updates_before"
	opPurgeRoom            = "store.purge_room"
	reasonQueryFailed      = "query_failed"
	reasonInsertFailed     = "insert_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonUpsertFailed     = "upsert_failed"
	reasonInvalidRoom      = "room_invalid"
	reasonInvalidPayload   = "payload_invalid"
	reasonMissingDatabase  = "missing_database"
	reasonHandleReleased   = "handle_released"
	columnRoomID           = "room_id"
	columnSequenceID       = "sequence_id"
	queryRoom              = columnRoomID + " = ?"
	queryRoomSince         = columnRoomID + " = ? AND " + columnSequenceID + " > ?"
	queryRoomUpTo          = columnRoomID + " = ? AND " + columnSequenceID + " <= ?"
	orderSequenceIDAsc     = columnSequenceID + " ASC"
)

// StoreError wraps a persistence failure with an op.reason code. Every
// StoreError is retryable from the caller's perspective; sessions log and
// continue best-effort rather than disconnecting editors.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the op.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// Config describes the inputs required to build a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store binds the update log and snapshot tables behind per-room handles.
// One Store exists per process; handles are reference-counted and released
// when the last session for a room disconnects.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New constructs a Store with the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		handles: make(map[string]*Handle),
	}, nil
}

// Acquire returns the shared handle for a room, creating it lazily. Every
// Acquire must be paired with a Release.
func (s *Store) Acquire(roomID string) (*Handle, error) {
	if roomID == "" {
		return nil, newStoreError(opAcquire, reasonInvalidRoom, errMissingRoomID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[roomID]
	if !ok {
		handle = &Handle{store: s, roomID: roomID}
		s.handles[roomID] = handle
	}
	handle.refs++
	return handle, nil
}

// OpenHandles reports the number of rooms with live handles.
func (s *Store) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Handle scopes log and snapshot operations to one room. It is shared by all
// sessions currently open on the room and carries the per-room advisory lock
// serializing compaction.
type Handle struct {
	store  *Store
	roomID string

	// refs is guarded by store.mu.
	refs int

	compactMu sync.Mutex
}

// RoomID returns the room this handle is scoped to.
func (h *Handle) RoomID() string {
	return h.roomID
}

// Release drops one reference. The handle is removed from the store when the
// last reference departs.
func (h *Handle) Release() {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.refs == 0 {
		h.store.logger.Warn("room handle released more times than acquired",
			zap.String("room_id", h.roomID))
		return
	}
	h.refs--
	if h.refs == 0 {
		delete(h.store.handles, h.roomID)
	}
}

// LockCompaction acquires the room-scoped advisory lock serializing the
// encode, upsert and trim steps of compaction across sessions.
func (h *Handle) LockCompaction() {
	h.compactMu.Lock()
}

// UnlockCompaction releases the advisory compaction lock.
func (h *Handle) UnlockCompaction() {
	h.compactMu.Unlock()
}

func (h *Handle) live() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.refs == 0 {
		return errHandleReleased
	}
	return nil
}

// Append writes one delta to the room's update log and returns the assigned
// sequence id.
func (h *Handle) Append(ctx context.Context, payload []byte) (int64, error) {
	if err := h.live(); err != nil {
		return 0, newStoreError(opAppend, reasonHandleReleased, err)
	}
	if len(payload) == 0 {
		return 0, newStoreError(opAppend, reasonInvalidPayload, errEmptyPayload)
	}
	record := UpdateRecord{
		RoomID:           h.roomID,
		Payload:          payload,
		CreatedAtSeconds: h.store.clock().UTC().Unix(),
	}
	if err := h.store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, newStoreError(opAppend, reasonInsertFailed, err)
	}
	return record.SequenceID, nil
}

// ReadAll streams every payload for the room in sequence order. A fresh call
// re-reads from the start.
func (h *Handle) ReadAll(ctx context.Context, apply func(payload []byte) error) error {
	query := h.store.db.WithContext(ctx).
		Model(&UpdateRecord{}).
		Where(queryRoom, h.roomID)
	return h.readOrdered(query, apply)
}

// ReadSince streams payloads with sequence ids strictly greater than afterID,
// in sequence order.
func (h *Handle) ReadSince(ctx context.Context, afterID int64, apply func(payload []byte) error) error {
	query := h.store.db.WithContext(ctx).
		Model(&UpdateRecord{}).
		Where(queryRoomSince, h.roomID, afterID)
	return h.readOrdered(query, apply)
}

// Snapshot returns the room's snapshot payload and the sequence id it
// supersedes. found is false when no snapshot row exists.
func (h *Handle) Snapshot(ctx context.Context) (payload []byte, lastUpdateID int64, found bool, err error) {
	var record SnapshotRecord
	queryErr := h.store.db.WithContext(ctx).
		Where(queryRoom, h.roomID).
		Take(&record).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return nil, 0, false, nil
	}
	if queryErr != nil {
		return nil, 0, false, newStoreError(opGetSnapshot, reasonQueryFailed, queryErr)
	}
	return record.Payload, record.LastUpdateID, true, nil
}

// MaxUpdateID returns the highest sequence id in the room's log, or zero when
// the log is empty.
func (h *Handle) MaxUpdateID(ctx context.Context) (int64, error) {
	var maxID int64
	err := h.store.db.WithContext(ctx).
		Model(&UpdateRecord{}).
		Where(queryRoom, h.roomID).
		Select("COALESCE(MAX(" + columnSequenceID + "), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, newStoreError(opMaxUpdateID, reasonQueryFailed, err)
	}
	return maxID, nil
}

// UpsertSnapshot atomically replaces or inserts the room's single snapshot row.
func (h *Handle) UpsertSnapshot(ctx context.Context, payload []byte, lastUpdateID int64) error {
	if len(payload) == 0 {
		return newStoreError(opUpsertSnapshot, reasonInvalidPayload, errEmptyPayload)
	}
	record := SnapshotRecord{
		RoomID:           h.roomID,
		Payload:          payload,
		LastUpdateID:     lastUpdateID,
		UpdatedAtSeconds: h.store.clock().UTC().Unix(),
	}
	err := h.store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnRoomID}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "last_update_id", "updated_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return newStoreError(opUpsertSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

// DeleteUpdatesBefore removes log rows with sequence ids up to and including
// id, returning the number of rows deleted.
func (h *Handle) DeleteUpdatesBefore(ctx context.Context, id int64) (int64, error) {
	result := h.store.db.WithContext(ctx).
		Where(queryRoomUpTo, h.roomID, id).
		Delete(&UpdateRecord{})
	if result.Error != nil {
		return 0, newStoreError(opDeleteUpdatesBefore, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Purge removes the room's entire log and snapshot. Used when the owning
// document is destroyed.
func (h *Handle) Purge(ctx context.Context) error {
	if err := h.store.db.WithContext(ctx).
		Where(queryRoom, h.roomID).
		Delete(&UpdateRecord{}).Error; err != nil {
		return newStoreError(opPurgeRoom, reasonDeleteFailed, err)
	}
	if err := h.store.db.WithContext(ctx).
		Where(queryRoom, h.roomID).
		Delete(&SnapshotRecord{}).Error; err != nil {
		return newStoreError(opPurgeRoom, reasonDeleteFailed, err)
	}
	return nil
}

func (h *Handle) readOrdered(query *gorm.DB, apply func(payload []byte) error) error {
	rows, err := query.Order(orderSequenceIDAsc).Rows()
	if err != nil {
		return newStoreError(opReadUpdates, reasonQueryFailed, err)
	}
	defer rows.Close()
	for rows.Next() {
		var record UpdateRecord
		if err := h.store.db.ScanRows(rows, &record); err != nil {
			return newStoreError(opReadUpdates, reasonQueryFailed, err)
		}
		if err := apply(record.Payload); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return newStoreError(opReadUpdates, reasonQueryFailed, err)
	}
	return nil
}
