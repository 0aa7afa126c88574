package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/access"
	"github.com/MarcoPoloResearchLab/undertow/internal/collab"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

// Close codes distinguish why the server ended the connection. Rejections
// carry only a code, never an error body.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseAccessRevoked = 4401
	CloseAccessDenied  = 4403
	CloseRateLimited   = 4429
)

var errSendBufferFull = errors.New("ws: send buffer full")

// Upgrader is the shared handshake configuration for sync connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CloseCodeFor maps a session close reason to its wire close code.
func CloseCodeFor(reason collab.CloseReason) int {
	switch reason {
	case collab.ReasonRateLimited:
		return CloseRateLimited
	case collab.ReasonAccessDenied:
		return CloseAccessDenied
	case collab.ReasonAccessRevoked:
		return CloseAccessRevoked
	default:
		return CloseNormal
	}
}

type outboundKind int

const (
	outboundDelta outboundKind = iota
	outboundNotice
	outboundClose
)

type outboundFrame struct {
	kind      outboundKind
	payload   []byte
	closeCode int
}

type noticePayload struct {
	Type    string   `json:"type"`
	RoomIDs []string `json:"room_ids,omitempty"`
}

// Client pumps one websocket connection and implements collab.Transport for
// its session. Inbound frames are opaque document deltas; outbound frames
// are deltas plus the occasional JSON notice.
type Client struct {
	conn   *websocket.Conn
	send   chan outboundFrame
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:   conn,
		send:   make(chan outboundFrame, sendBufferSize),
		logger: logger,
	}
}

// Deliver queues one document delta for the client. A full buffer drops the
// frame rather than blocking the room's broadcast.
func (c *Client) Deliver(payload []byte) error {
	select {
	case c.send <- outboundFrame{kind: outboundDelta, payload: payload}:
		return nil
	default:
		return errSendBufferFull
	}
}

// Notify queues one out-of-band notice as a JSON text frame.
func (c *Client) Notify(notice access.Notice) error {
	kind := "notice"
	if notice.Kind == access.NoticeAccessRevoked {
		kind = "access_revoked"
	}
	encoded, err := json.Marshal(noticePayload{Type: kind, RoomIDs: notice.RoomIDs})
	if err != nil {
		return err
	}
	select {
	case c.send <- outboundFrame{kind: outboundNotice, payload: encoded}:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close queues a close frame for the session's reason and ends the write
// pump. The read pump observes the peer's close response or the dropped
// connection and finishes teardown.
func (c *Client) Close(reason collab.CloseReason) error {
	select {
	case c.send <- outboundFrame{kind: outboundClose, closeCode: CloseCodeFor(reason)}:
		return nil
	default:
		// Buffer full; tear the connection down directly.
		return c.conn.Close()
	}
}

// Reject performs the refused-connection path: close code only, no body.
func (c *Client) Reject(reason collab.CloseReason) {
	message := websocket.FormatCloseMessage(CloseCodeFor(reason), "")
	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("close control write failed", zap.Error(err))
	}
	_ = c.conn.Close()
}

// Run pumps the connection until it drops, relaying inbound binary frames
// into the session. It returns once the read side ends; the caller then
// closes the session.
func (c *Client) Run(ctx context.Context, session *collab.Session) {
	c.closed = make(chan struct{})
	go c.writePump()
	c.readPump(ctx, session)
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) readPump(ctx context.Context, session *collab.Session) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		// Payloads are opaque; only binary frames carry document deltas.
		if messageType != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}
		session.Receive(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			switch frame.kind {
			case outboundClose:
				message := websocket.FormatCloseMessage(frame.closeCode, "")
				_ = c.conn.WriteMessage(websocket.CloseMessage, message)
				return
			case outboundNotice:
				if err := c.conn.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
					return
				}
			default:
				if err := c.conn.WriteMessage(websocket.BinaryMessage, frame.payload); err != nil {
					return
				}
			}
		case <-c.closed:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
