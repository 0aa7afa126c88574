package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/access"
	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRateLimited refuses a connection that exceeded the admission window.
	ErrRateLimited = errors.New("collab: connection rate limited")
	// ErrAccessDenied refuses a connection without revealing whether the
	// room exists.
	ErrAccessDenied = errors.New("collab: access denied")

	errMissingStore     = errors.New("collab: store is required")
	errMissingFactory   = errors.New("collab: document factory is required")
	errMissingHub       = errors.New("collab: hub is required")
	errMissingLimiter   = errors.New("collab: rate limiter is required")
	errMissingGate      = errors.New("collab: access gate is required")
	errMissingTransport = errors.New("collab: transport is required")
	errMissingRoom      = errors.New("collab: room identifier is required")
)

// State tracks the session's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateRejected
	StateHydrated
	StateActive
	StateDraining
	StateClosed
)

// CloseReason is the transport-independent close classification. The wire
// layer maps each reason to its protocol close code.
type CloseReason int

const (
	ReasonNormal CloseReason = iota
	ReasonRateLimited
	ReasonAccessDenied
	ReasonAccessRevoked
)

// Transport is the connection-facing half of a session: the wire layer
// implements it, the session drives it. Sessions hold a Transport by
// composition instead of inheriting protocol behavior.
type Transport interface {
	Deliver(payload []byte) error
	Notify(notice access.Notice) error
	Close(reason CloseReason) error
}

// SessionConfig describes the inputs required to build a Session.
type SessionConfig struct {
	RoomID   string
	Identity string
	// RateKey derives from the identity when authenticated, otherwise from
	// the network origin.
	RateKey   string
	Store     *store.Store
	Factory   document.Factory
	Hub       *Hub
	Limiter   *ratelimit.Limiter
	Gate      *access.Gate
	Transport Transport
	Logger    *zap.Logger

	SnapshotEditThreshold int
	SnapshotIdle          time.Duration
	DrainTimeout          time.Duration
	EmptyDocByteThreshold int
}

// Session owns all connection-scoped state for one editor on one room: the
// document runtime, the dirty tracking, the pending persistence writes and
// the graceful teardown. It is exclusively owned by one connection.
type Session struct {
	id        string
	roomID    string
	identity  string
	rateKey   string
	persist   *store.Store
	factory   document.Factory
	hub       *Hub
	limiter   *ratelimit.Limiter
	gate      *access.Gate
	transport Transport
	logger    *zap.Logger

	editThreshold     int
	idleInterval      time.Duration
	drainTimeout      time.Duration
	emptyDocThreshold int

	state atomic.Int32

	handle    *store.Handle
	runtime   *document.Runtime
	compactor *Compactor

	writes      sync.WaitGroup
	writeQueue  chan []byte
	writeCtx    context.Context
	writeCancel context.CancelFunc

	noticeCancel func()
	noticeDone   chan struct{}

	closeOnce sync.Once
}

// NewSession constructs a Session in the Connecting state.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errMissingRoom
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Factory == nil {
		return nil, errMissingFactory
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rateKey := cfg.RateKey
	if rateKey == "" {
		rateKey = cfg.Identity
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}

	writeCtx, writeCancel := context.WithCancel(context.Background())
	session := &Session{
		id:                id.String(),
		roomID:            cfg.RoomID,
		identity:          cfg.Identity,
		rateKey:           rateKey,
		persist:           cfg.Store,
		factory:           cfg.Factory,
		hub:               cfg.Hub,
		limiter:           cfg.Limiter,
		gate:              cfg.Gate,
		transport:         cfg.Transport,
		logger:            logger,
		editThreshold:     cfg.SnapshotEditThreshold,
		idleInterval:      cfg.SnapshotIdle,
		drainTimeout:      drainTimeout,
		emptyDocThreshold: cfg.EmptyDocByteThreshold,
		writeQueue:        make(chan []byte, 512),
		writeCtx:          writeCtx,
		writeCancel:       writeCancel,
	}
	session.state.Store(int32(StateConnecting))
	return session, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RoomID returns the room this session is bound to.
func (s *Session) RoomID() string {
	return s.roomID
}

// Identity returns the connected principal.
func (s *Session) Identity() string {
	return s.identity
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect runs admission, hydration and hub registration. On success the
// session is Active and relaying; on ErrRateLimited or ErrAccessDenied the
// session is Rejected and the caller sends only a close code.
func (s *Session) Connect(ctx context.Context) error {
	allowed, count, err := s.limiter.CheckAndIncrement(ctx, s.rateKey)
	if err != nil {
		// A broken counter backend must not lock every editor out.
		s.logger.Warn("rate limiter unavailable, admitting connection",
			zap.String("room_id", s.roomID),
			zap.Error(err))
	} else if !allowed {
		s.state.Store(int32(StateRejected))
		s.logger.Info("connection rate limited",
			zap.String("room_id", s.roomID),
			zap.Int64("count", count))
		return ErrRateLimited
	}

	permitted, err := s.gate.CanAccess(ctx, s.identity, s.roomID)
	if err != nil {
		s.logger.Warn("access check failed",
			zap.String("room_id", s.roomID),
			zap.String("identity", s.identity),
			zap.Error(err))
		permitted = false
	}
	if !permitted {
		s.state.Store(int32(StateRejected))
		return ErrAccessDenied
	}

	handle, err := s.persist.Acquire(s.roomID)
	if err != nil {
		s.state.Store(int32(StateRejected))
		return err
	}
	s.handle = handle
	s.runtime = document.NewRuntime(s.factory())

	if err := Hydrate(ctx, s.runtime, s.handle, s.emptyDocThreshold, s.logger); err != nil {
		// Best effort: a storage hiccup yields a partially hydrated
		// document rather than a refused connection.
		s.logger.Warn("hydration incomplete",
			zap.String("room_id", s.roomID),
			zap.Error(err))
	}
	s.state.Store(int32(StateHydrated))

	compactor, err := NewCompactor(CompactorConfig{
		Handle:            s.handle,
		Runtime:           s.runtime,
		EditThreshold:     s.editThreshold,
		IdleInterval:      s.idleInterval,
		EmptyDocThreshold: s.emptyDocThreshold,
		Logger:            s.logger,
	})
	if err != nil {
		s.releaseHandle()
		s.state.Store(int32(StateRejected))
		return err
	}
	s.compactor = compactor

	if err := s.runtime.AttachOnChange(s.onDocChange); err != nil {
		s.releaseHandle()
		s.state.Store(int32(StateRejected))
		return err
	}

	go s.writeLoop()

	noticeCtx, noticeCancel := context.WithCancel(context.Background())
	stream, _ := s.gate.Revoker().Subscribe(noticeCtx, s.identity)
	s.noticeCancel = noticeCancel
	s.noticeDone = make(chan struct{})
	go s.watchNotices(noticeCtx, stream)

	s.hub.register(s)
	s.state.Store(int32(StateActive))
	return nil
}

// Receive relays one inbound client delta into the document. Persistence and
// compaction bookkeeping happen through the change hook; the delta fans out
// to the room's other sessions. Storage problems are logged, never allowed
// to drop the live connection.
func (s *Session) Receive(payload []byte) {
	if s.State() != StateActive {
		return
	}
	if err := s.runtime.ApplyUpdate(payload); err != nil {
		s.logger.Warn("dropping unappliable update",
			zap.String("room_id", s.roomID),
			zap.String("session_id", s.id),
			zap.Error(err))
		return
	}
	s.hub.broadcast(s.roomID, s.id, payload)
}

// receiveRemote handles a delta broadcast by another session in the room:
// forward it to the client, then fold it into this session's replica. The
// replica apply is idempotent, so an echo of an already-known update is a
// no-op and fires no hook.
func (s *Session) receiveRemote(payload []byte) {
	if s.State() != StateActive {
		return
	}
	if err := s.transport.Deliver(payload); err != nil {
		s.logger.Warn("outbound delivery failed",
			zap.String("room_id", s.roomID),
			zap.String("session_id", s.id),
			zap.Error(err))
	}
	if err := s.runtime.ApplyUpdate(payload); err != nil {
		s.logger.Warn("remote update apply failed",
			zap.String("room_id", s.roomID),
			zap.String("session_id", s.id),
			zap.Error(err))
	}
}

// onDocChange is bound to the session at creation time and fires for every
// state-changing apply, whether the update came from this connection or was
// observed via broadcast. Each change enqueues one fire-and-forget
// persistence write and feeds the compaction counters. The single writer
// loop keeps appends in apply order.
func (s *Session) onDocChange(update []byte) {
	s.writes.Add(1)
	select {
	case s.writeQueue <- update:
	case <-s.writeCtx.Done():
		s.writes.Done()
	}
	s.compactor.NoteUpdate(s.writeCtx)
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.writeCtx.Done():
			return
		case update := <-s.writeQueue:
			if _, err := s.handle.Append(s.writeCtx, update); err != nil {
				s.logger.Warn("update append failed",
					zap.String("room_id", s.roomID),
					zap.String("identity", s.identity),
					zap.Error(err))
			}
			s.writes.Done()
		}
	}
}

func (s *Session) watchNotices(ctx context.Context, stream <-chan access.Notice) {
	defer close(s.noticeDone)
	for {
		var notice access.Notice
		select {
		case <-ctx.Done():
			return
		case notice = <-stream:
		}
		if notice.Kind != access.NoticeAccessRevoked {
			continue
		}
		if !noticeCoversRoom(notice, s.roomID) {
			continue
		}
		// Losing one access path is not losing access: the identity may
		// retain the room through a different grant.
		permitted, err := s.gate.CanAccess(context.Background(), s.identity, s.roomID)
		if err != nil {
			s.logger.Warn("revocation re-check failed, keeping session",
				zap.String("room_id", s.roomID),
				zap.String("identity", s.identity),
				zap.Error(err))
			continue
		}
		if permitted {
			continue
		}
		s.logger.Info("session access revoked",
			zap.String("room_id", s.roomID),
			zap.String("identity", s.identity),
			zap.String("session_id", s.id))
		if err := s.transport.Notify(notice); err != nil {
			s.logger.Warn("revocation notice delivery failed",
				zap.String("session_id", s.id),
				zap.Error(err))
		}
		if err := s.transport.Close(ReasonAccessRevoked); err != nil {
			s.logger.Warn("revocation close failed",
				zap.String("session_id", s.id),
				zap.Error(err))
		}
		return
	}
}

func noticeCoversRoom(notice access.Notice, roomID string) bool {
	for _, id := range notice.RoomIDs {
		if id == roomID {
			return true
		}
	}
	return false
}

// Close drains and tears the session down: stop accepting input, wait out
// pending persistence writes with a bounded timeout, cancel the idle timer,
// run the teardown compaction and release the room handle. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		wasActive := s.State() == StateActive || s.State() == StateHydrated
		s.state.Store(int32(StateDraining))

		if s.hub != nil && wasActive {
			s.hub.unregister(s)
		}

		drained := make(chan struct{})
		go func() {
			s.writes.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.drainTimeout):
			s.logger.Warn("pending write drain timed out, abandoning in-flight writes",
				zap.String("room_id", s.roomID),
				zap.String("session_id", s.id),
				zap.Duration("timeout", s.drainTimeout))
		}
		s.writeCancel()

		if s.compactor != nil {
			s.compactor.StopIdleTimer()
			if _, err := s.compactor.Teardown(ctx); err != nil {
				s.logger.Warn("teardown compaction failed",
					zap.String("room_id", s.roomID),
					zap.Error(err))
			}
		}

		if s.noticeCancel != nil {
			s.noticeCancel()
			<-s.noticeDone
		}

		s.releaseHandle()
		s.state.Store(int32(StateClosed))
	})
}

func (s *Session) releaseHandle() {
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
}
