package store

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&UpdateRecord{}, &SnapshotRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	persistence, err := New(Config{Database: db, Clock: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return persistence
}

func mustAcquire(t *testing.T, persistence *Store, roomID string) *Handle {
	t.Helper()
	handle, err := persistence.Acquire(roomID)
	if err != nil {
		t.Fatalf("failed to acquire handle for %s: %v", roomID, err)
	}
	return handle
}

func TestAppendAssignsMonotonicSequenceIDs(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-append")
	defer handle.Release()

	var previous int64
	for i := 0; i < 5; i++ {
		id, err := handle.Append(context.Background(), []byte{byte(i + 1)})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if id <= previous {
			t.Fatalf("expected sequence id above %d, got %d", previous, id)
		}
		previous = id
	}
}

func TestAppendRejectsEmptyPayload(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-empty")
	defer handle.Release()

	if _, err := handle.Append(context.Background(), nil); err == nil {
		t.Fatal("expected empty payload to be rejected")
	}
}

func TestReadAllPreservesAppendOrder(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-order")
	defer handle.Release()

	payloads := [][]byte{{1}, {2}, {3}, {4}}
	for _, payload := range payloads {
		if _, err := handle.Append(context.Background(), payload); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	var seen []byte
	err := handle.ReadAll(context.Background(), func(payload []byte) error {
		seen = append(seen, payload[0])
		return nil
	})
	if err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if string(seen) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("expected payloads in append order, got %v", seen)
	}
}

func TestReadSinceSkipsSupersededUpdates(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-since")
	defer handle.Release()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := handle.Append(context.Background(), []byte{byte(i + 1)})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, id)
	}

	var seen []byte
	err := handle.ReadSince(context.Background(), ids[1], func(payload []byte) error {
		seen = append(seen, payload[0])
		return nil
	})
	if err != nil {
		t.Fatalf("read since failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 4 {
		t.Fatalf("expected payloads 3,4 after id %d, got %v", ids[1], seen)
	}
}

func TestUpsertSnapshotKeepsSingleRowPerRoom(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-snapshot")
	defer handle.Release()

	if err := handle.UpsertSnapshot(context.Background(), []byte{1, 2, 3}, 7); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := handle.UpsertSnapshot(context.Background(), []byte{4, 5, 6}, 11); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	payload, lastUpdateID, found, err := handle.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot lookup failed: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot row")
	}
	if lastUpdateID != 11 {
		t.Fatalf("expected last update id 11, got %d", lastUpdateID)
	}
	if len(payload) != 3 || payload[0] != 4 {
		t.Fatalf("expected replaced payload, got %v", payload)
	}

	var count int64
	if err := persistence.db.Model(&SnapshotRecord{}).Where("room_id = ?", "room-snapshot").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single snapshot row, got %d", count)
	}
}

func TestSnapshotAbsentReportsNotFound(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-none")
	defer handle.Release()

	_, _, found, err := handle.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot lookup failed: %v", err)
	}
	if found {
		t.Fatal("expected no snapshot row")
	}
}

func TestDeleteUpdatesBeforeTrimsOnlySuperseded(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-trim")
	defer handle.Release()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := handle.Append(context.Background(), []byte{byte(i + 1)})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		ids = append(ids, id)
	}

	deleted, err := handle.DeleteUpdatesBefore(context.Background(), ids[2])
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted rows, got %d", deleted)
	}

	var remaining []byte
	if err := handle.ReadAll(context.Background(), func(payload []byte) error {
		remaining = append(remaining, payload[0])
		return nil
	}); err != nil {
		t.Fatalf("read all failed: %v", err)
	}
	if len(remaining) != 2 || remaining[0] != 4 || remaining[1] != 5 {
		t.Fatalf("expected payloads 4,5 to remain, got %v", remaining)
	}
}

func TestMaxUpdateIDZeroOnEmptyLog(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-max")
	defer handle.Release()

	maxID, err := handle.MaxUpdateID(context.Background())
	if err != nil {
		t.Fatalf("max update id failed: %v", err)
	}
	if maxID != 0 {
		t.Fatalf("expected zero on empty log, got %d", maxID)
	}
}

func TestPurgeRemovesLogAndSnapshot(t *testing.T) {
	persistence := mustTestStore(t)
	handle := mustAcquire(t, persistence, "room-purge")
	defer handle.Release()

	if _, err := handle.Append(context.Background(), []byte{1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := handle.UpsertSnapshot(context.Background(), []byte{1, 2, 3}, 1); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := handle.Purge(context.Background()); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	maxID, err := handle.MaxUpdateID(context.Background())
	if err != nil {
		t.Fatalf("max update id failed: %v", err)
	}
	if maxID != 0 {
		t.Fatalf("expected empty log after purge, got max id %d", maxID)
	}
	_, _, found, err := handle.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot lookup failed: %v", err)
	}
	if found {
		t.Fatal("expected snapshot to be purged")
	}
}

func TestHandleReferenceCounting(t *testing.T) {
	persistence := mustTestStore(t)

	first := mustAcquire(t, persistence, "room-refs")
	second := mustAcquire(t, persistence, "room-refs")
	if first != second {
		t.Fatal("expected sessions on one room to share a handle")
	}
	if persistence.OpenHandles() != 1 {
		t.Fatalf("expected one open handle, got %d", persistence.OpenHandles())
	}

	first.Release()
	if persistence.OpenHandles() != 1 {
		t.Fatal("expected handle to survive while references remain")
	}
	second.Release()
	if persistence.OpenHandles() != 0 {
		t.Fatalf("expected all handles closed, got %d", persistence.OpenHandles())
	}

	if _, err := second.Append(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected append on released handle to fail")
	}
}

func TestAcquireRequiresRoomID(t *testing.T) {
	persistence := mustTestStore(t)
	if _, err := persistence.Acquire(""); err == nil {
		t.Fatal("expected empty room id to be rejected")
	}
}
