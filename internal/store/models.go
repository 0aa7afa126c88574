package store

// UpdateRecord stores one append-only binary delta for a room. Rows are
// immutable once written; ordering within a room is defined solely by the
// auto-incremented sequence id.
type UpdateRecord struct {
	SequenceID       int64  `gorm:"column:sequence_id;primaryKey;autoIncrement"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_room_updates_room_seq,priority:1"`
	Payload          []byte `gorm:"column:payload;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "room_updates"
}

// SnapshotRecord stores the most recent compacted full-state blob per room
// and the sequence id it supersedes. At most one row exists per room.
type SnapshotRecord struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Payload          []byte `gorm:"column:payload;not null"`
	LastUpdateID     int64  `gorm:"column:last_update_id;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "room_snapshots"
}
