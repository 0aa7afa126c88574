package collab

import (
	"sync"

	"go.uber.org/zap"
)

// Hub fans client deltas out to every other session open on the same room.
// Delivery is best-effort; a slow session drops frames rather than blocking
// the sender.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Session
	logger *zap.Logger
}

// NewHub constructs an empty broadcast hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Session),
		logger: logger,
	}
}

// SessionCount reports the number of sessions currently open on the room.
func (h *Hub) SessionCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) register(session *Session) {
	h.mu.Lock()
	if _, ok := h.rooms[session.RoomID()]; !ok {
		h.rooms[session.RoomID()] = make(map[string]*Session)
	}
	h.rooms[session.RoomID()][session.ID()] = session
	total := len(h.rooms[session.RoomID()])
	h.mu.Unlock()

	h.logger.Info("session joined room",
		zap.String("room_id", session.RoomID()),
		zap.String("session_id", session.ID()),
		zap.Int("sessions", total))
}

func (h *Hub) unregister(session *Session) {
	h.mu.Lock()
	sessions := h.rooms[session.RoomID()]
	if sessions != nil {
		delete(sessions, session.ID())
		if len(sessions) == 0 {
			delete(h.rooms, session.RoomID())
		}
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(roomID, senderID string, payload []byte) {
	h.mu.RLock()
	sessions := h.rooms[roomID]
	copies := make([]*Session, 0, len(sessions))
	for id, session := range sessions {
		if id == senderID {
			continue
		}
		copies = append(copies, session)
	}
	h.mu.RUnlock()

	for _, session := range copies {
		session.receiveRemote(payload)
	}
}
