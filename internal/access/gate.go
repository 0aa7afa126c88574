package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingIdentity = errors.New("identity is required")
	errMissingRoomID   = errors.New("room identifier is required")
	errMissingSource   = errors.New("grant source is required")
	noOpLogger         = zap.NewNop()
)

const (
	opGateNew       = "access.gate.new"
	opCanAccess     = "access.can_access"
	opGrant         = "access.grant"
	opRevoke        = "access.revoke"
	queryIdentRoom  = "identity = ? AND room_id = ?"
	queryGrantExact = "identity = ? AND room_id = ? AND source = ?"
)

// GateError wraps an access-layer failure with an op.reason code.
type GateError struct {
	code string
	err  error
}

func (e *GateError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *GateError) Unwrap() error {
	return e.err
}

func newGateError(operation, reason string, cause error) error {
	return &GateError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// GateConfig describes the inputs required to build a Gate.
type GateConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Revoker  *Revoker
}

// Gate answers the per-room capability check and manages grant rows. Revoking
// a grant publishes an access-revocation notice so open sessions re-check.
type Gate struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	revoker *Revoker
}

// NewGate constructs a Gate with the provided configuration.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Database == nil {
		return nil, newGateError(opGateNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	revoker := cfg.Revoker
	if revoker == nil {
		revoker = NewRevoker()
	}
	return &Gate{db: cfg.Database, clock: clock, logger: logger, revoker: revoker}, nil
}

// Revoker returns the notice dispatcher shared with sessions.
func (g *Gate) Revoker() *Revoker {
	return g.revoker
}

// CanAccess reports whether any grant row links the identity to the room.
func (g *Gate) CanAccess(ctx context.Context, identity, roomID string) (bool, error) {
	if identity == "" || roomID == "" {
		return false, nil
	}
	var count int64
	err := g.db.WithContext(ctx).
		Model(&RoomGrant{}).
		Where(queryIdentRoom, identity, roomID).
		Count(&count).Error
	if err != nil {
		return false, newGateError(opCanAccess, "query_failed", err)
	}
	return count > 0, nil
}

// Grant inserts one access path. Re-granting the same path is a no-op.
func (g *Gate) Grant(ctx context.Context, identity, roomID, source string) error {
	if identity == "" {
		return newGateError(opGrant, "identity_invalid", errMissingIdentity)
	}
	if roomID == "" {
		return newGateError(opGrant, "room_invalid", errMissingRoomID)
	}
	if source == "" {
		return newGateError(opGrant, "source_invalid", errMissingSource)
	}
	grant := RoomGrant{
		Identity:         identity,
		RoomID:           roomID,
		Source:           source,
		CreatedAtSeconds: g.clock().UTC().Unix(),
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grant).Error
	if err != nil {
		return newGateError(opGrant, "insert_failed", err)
	}
	g.revoker.Publish(Notice{
		Kind:      NoticeAccessGranted,
		Identity:  identity,
		RoomIDs:   []string{roomID},
		Timestamp: g.clock().UTC(),
	})
	return nil
}

// RevokeSource removes every grant the identity holds through the source and
// publishes an access-revocation notice listing the affected rooms. Rooms
// still reachable through another grant are included; sessions re-check
// CanAccess rather than trusting the notice.
func (g *Gate) RevokeSource(ctx context.Context, identity, source string) ([]string, error) {
	if identity == "" {
		return nil, newGateError(opRevoke, "identity_invalid", errMissingIdentity)
	}
	if source == "" {
		return nil, newGateError(opRevoke, "source_invalid", errMissingSource)
	}

	var affected []RoomGrant
	err := g.db.WithContext(ctx).
		Where("identity = ? AND source = ?", identity, source).
		Find(&affected).Error
	if err != nil {
		return nil, newGateError(opRevoke, "query_failed", err)
	}
	if len(affected) == 0 {
		return nil, nil
	}

	err = g.db.WithContext(ctx).
		Where("identity = ? AND source = ?", identity, source).
		Delete(&RoomGrant{}).Error
	if err != nil {
		return nil, newGateError(opRevoke, "delete_failed", err)
	}

	roomIDs := make([]string, 0, len(affected))
	for _, grant := range affected {
		roomIDs = append(roomIDs, grant.RoomID)
	}
	g.revoker.Publish(Notice{
		Kind:      NoticeAccessRevoked,
		Identity:  identity,
		RoomIDs:   roomIDs,
		Timestamp: g.clock().UTC(),
	})
	g.logger.Info("access revoked",
		zap.String("identity", identity),
		zap.String("source", source),
		zap.Strings("room_ids", roomIDs))
	return roomIDs, nil
}

// Revoke removes a single grant row and publishes a notice for its room.
func (g *Gate) Revoke(ctx context.Context, identity, roomID, source string) error {
	if identity == "" {
		return newGateError(opRevoke, "identity_invalid", errMissingIdentity)
	}
	if roomID == "" {
		return newGateError(opRevoke, "room_invalid", errMissingRoomID)
	}
	if source == "" {
		return newGateError(opRevoke, "source_invalid", errMissingSource)
	}
	result := g.db.WithContext(ctx).
		Where(queryGrantExact, identity, roomID, source).
		Delete(&RoomGrant{})
	if result.Error != nil {
		return newGateError(opRevoke, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}
	g.revoker.Publish(Notice{
		Kind:      NoticeAccessRevoked,
		Identity:  identity,
		RoomIDs:   []string{roomID},
		Timestamp: g.clock().UTC(),
	})
	return nil
}
