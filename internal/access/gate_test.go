package access

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustGate(t *testing.T) *Gate {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&RoomGrant{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	gate, err := NewGate(GateConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	return gate
}

func TestCanAccessRequiresGrant(t *testing.T) {
	gate := mustGate(t)

	allowed, err := gate.CanAccess(context.Background(), "user-1", "room-1")
	if err != nil {
		t.Fatalf("can access failed: %v", err)
	}
	if allowed {
		t.Fatal("expected denial without grant")
	}

	if err := gate.Grant(context.Background(), "user-1", "room-1", "org:acme"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	allowed, err = gate.CanAccess(context.Background(), "user-1", "room-1")
	if err != nil {
		t.Fatalf("can access failed: %v", err)
	}
	if !allowed {
		t.Fatal("expected access after grant")
	}
}

func TestCanAccessDeniesAnonymousIdentity(t *testing.T) {
	gate := mustGate(t)
	allowed, err := gate.CanAccess(context.Background(), "", "room-1")
	if err != nil {
		t.Fatalf("can access failed: %v", err)
	}
	if allowed {
		t.Fatal("expected empty identity to be denied")
	}
}

func TestAccessSurvivesRevocationOfOneSource(t *testing.T) {
	gate := mustGate(t)

	if err := gate.Grant(context.Background(), "user-2", "room-2", "org:acme"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := gate.Grant(context.Background(), "user-2", "room-2", "share:direct"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	affected, err := gate.RevokeSource(context.Background(), "user-2", "org:acme")
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if len(affected) != 1 || affected[0] != "room-2" {
		t.Fatalf("expected room-2 in affected rooms, got %v", affected)
	}

	allowed, err := gate.CanAccess(context.Background(), "user-2", "room-2")
	if err != nil {
		t.Fatalf("can access failed: %v", err)
	}
	if !allowed {
		t.Fatal("expected access to survive through the remaining grant")
	}
}

func TestRevokeSourcePublishesNotice(t *testing.T) {
	gate := mustGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := gate.Revoker().Subscribe(ctx, "user-3")
	defer cleanup()

	if err := gate.Grant(context.Background(), "user-3", "room-3", "org:acme"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	// Drain the grant notice before revoking.
	select {
	case notice := <-stream:
		if notice.Kind != NoticeAccessGranted {
			t.Fatalf("expected grant notice, got kind %d", notice.Kind)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected grant notice within deadline")
	}

	if _, err := gate.RevokeSource(context.Background(), "user-3", "org:acme"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	select {
	case notice := <-stream:
		if notice.Kind != NoticeAccessRevoked {
			t.Fatalf("expected revocation notice, got kind %d", notice.Kind)
		}
		if len(notice.RoomIDs) != 1 || notice.RoomIDs[0] != "room-3" {
			t.Fatalf("expected room-3 in notice, got %v", notice.RoomIDs)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected revocation notice within deadline")
	}
}

func TestRevokeMissingGrantIsSilent(t *testing.T) {
	gate := mustGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := gate.Revoker().Subscribe(ctx, "user-4")
	defer cleanup()

	if err := gate.Revoke(context.Background(), "user-4", "room-4", "org:acme"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	select {
	case notice := <-stream:
		t.Fatalf("expected no notice for missing grant, got kind %d", notice.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRevokerIsolatesIdentities(t *testing.T) {
	revoker := NewRevoker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamA, cleanupA := revoker.Subscribe(ctx, "user-a")
	defer cleanupA()
	streamB, cleanupB := revoker.Subscribe(ctx, "user-b")
	defer cleanupB()

	revoker.Publish(Notice{Kind: NoticeAccessRevoked, Identity: "user-a", RoomIDs: []string{"room-x"}})

	select {
	case notice := <-streamA:
		if notice.Identity != "user-a" {
			t.Fatalf("expected notice for user-a, got %s", notice.Identity)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notice within deadline")
	}

	select {
	case notice := <-streamB:
		t.Fatalf("expected no notice for user-b, got kind %d", notice.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
