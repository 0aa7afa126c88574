package collab

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/access"
	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// fakeDoc is a deterministic stand-in for the external document library: a
// grow-only set of opaque frames. Updates and encoded state share one wire
// shape, a sequence of length-prefixed frames, so a snapshot payload is
// itself appliable. Apply is idempotent and fires the hook only when at
// least one frame was new.
type fakeDoc struct {
	mu      sync.Mutex
	entries map[string]struct{}
	hook    func(update []byte)
}

func newFakeDoc() document.CRDT {
	return &fakeDoc{entries: make(map[string]struct{})}
}

func (d *fakeDoc) Apply(update []byte) error {
	d.mu.Lock()
	changed := false
	for _, frame := range splitFrames(update) {
		if _, ok := d.entries[string(frame)]; ok {
			continue
		}
		d.entries[string(frame)] = struct{}{}
		changed = true
	}
	hook := d.hook
	d.mu.Unlock()

	if changed && hook != nil {
		hook(update)
	}
	return nil
}

func (d *fakeDoc) Encode() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	frames := make([]string, 0, len(d.entries))
	for frame := range d.entries {
		frames = append(frames, frame)
	}
	sort.Strings(frames)
	var encoded []byte
	for _, frame := range frames {
		encoded = appendFrame(encoded, []byte(frame))
	}
	return encoded
}

func (d *fakeDoc) OnChange(hook func(update []byte)) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}

func frame(payload []byte) []byte {
	return appendFrame(nil, payload)
}

func appendFrame(encoded, payload []byte) []byte {
	length := uint32(len(payload))
	encoded = append(encoded, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(encoded, payload...)
}

func splitFrames(encoded []byte) [][]byte {
	var frames [][]byte
	offset := 0
	for offset+4 <= len(encoded) {
		length := uint32(encoded[offset])<<24 |
			uint32(encoded[offset+1])<<16 |
			uint32(encoded[offset+2])<<8 |
			uint32(encoded[offset+3])
		offset += 4
		if offset+int(length) > len(encoded) {
			break
		}
		payload := make([]byte, length)
		copy(payload, encoded[offset:offset+int(length)])
		frames = append(frames, payload)
		offset += int(length)
	}
	return frames
}

type fakeTransport struct {
	mu        sync.Mutex
	delivered [][]byte
	notices   []access.Notice
	closures  []CloseReason
}

func (t *fakeTransport) Deliver(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) Notify(notice access.Notice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notices = append(t.notices, notice)
	return nil
}

func (t *fakeTransport) Close(reason CloseReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closures = append(t.closures, reason)
	return nil
}

func (t *fakeTransport) deliveredCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered)
}

func (t *fakeTransport) closedWith(reason CloseReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, closed := range t.closures {
		if closed == reason {
			return true
		}
	}
	return false
}

func (t *fakeTransport) noticeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.notices)
}

func mustCollabDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&store.UpdateRecord{}, &store.SnapshotRecord{}, &access.RoomGrant{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustCollabStore(t *testing.T, db *gorm.DB) *store.Store {
	t.Helper()
	persistence, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return persistence
}

func mustRoomHandle(t *testing.T, persistence *store.Store, roomID string) *store.Handle {
	t.Helper()
	handle, err := persistence.Acquire(roomID)
	if err != nil {
		t.Fatalf("failed to acquire handle: %v", err)
	}
	return handle
}

func waitUntil(t *testing.T, deadline time.Duration, condition func() bool) {
	t.Helper()
	expire := time.Now().Add(deadline)
	for time.Now().Before(expire) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
