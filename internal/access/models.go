package access

// RoomGrant records one access path from an identity to a room. An identity
// may hold several grants for the same room through different sources (for
// example an org membership and a direct share); access survives as long as
// any grant row remains.
type RoomGrant struct {
	GrantID          int64  `gorm:"column:grant_id;primaryKey;autoIncrement"`
	Identity         string `gorm:"column:identity;size:190;not null;index:idx_room_grants_identity,priority:1;uniqueIndex:idx_room_grant_dedupe,priority:1"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_room_grants_identity,priority:2;uniqueIndex:idx_room_grant_dedupe,priority:2"`
	Source           string `gorm:"column:source;size:190;not null;uniqueIndex:idx_room_grant_dedupe,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomGrant) TableName() string {
	return "room_grants"
}
