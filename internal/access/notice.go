package access

import "time"

// NoticeKind enumerates the out-of-band notifications pushed to sessions.
type NoticeKind int

const (
	// NoticeAccessRevoked signals that one of the identity's access paths
	// was removed. Sessions re-evaluate CanAccess before force-closing,
	// since a different grant may still apply.
	NoticeAccessRevoked NoticeKind = iota + 1
	// NoticeAccessGranted signals that the identity gained a new access path.
	NoticeAccessGranted
)

// Notice is one typed out-of-band notification for an identity.
type Notice struct {
	Kind      NoticeKind
	Identity  string
	RoomIDs   []string
	Timestamp time.Time
}
