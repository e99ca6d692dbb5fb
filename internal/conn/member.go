package conn

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueSize bounds the per-connection delivery queue (spec §4.B
// "per-connection delivery queue"). When a consumer's queue is full, Send
// discards the message and returns errSendQueueFull rather than blocking the
// fan-out of every other connection; the connection itself stays open.
const sendQueueSize = 64

// socketMember adapts one live websocket connection to bus.Member. All
// writes to the underlying connection happen on writePump's goroutine,
// matching gorilla/websocket's single-writer requirement.
type socketMember struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

func newSocketMember(id, userID string, wsConn *websocket.Conn) *socketMember {
	return &socketMember{
		id:     id,
		userID: userID,
		conn:   wsConn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (m *socketMember) ID() string { return m.id }

// Send enqueues data for delivery without blocking the caller (spec §4.B
// "non-blocking on the sender side"). A full queue signals a dead or
// saturated consumer.
func (m *socketMember) Send(data []byte) error {
	select {
	case m.send <- data:
		return nil
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
		return errSendQueueFull
	}
}

func (m *socketMember) writePump() {
	defer m.conn.Close()
	for {
		select {
		case <-m.closed:
			return
		case data := <-m.send:
			if target, code, ok := directDisconnectTarget(data); ok && target == m.userID {
				m.closeWithCode(code, "disconnected")
				return
			}
			_ = m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[conn] write to %s failed: %v", m.id, err)
				return
			}
		}
	}
}

// directDisconnectTarget recognizes the direct_disconnect_user command
// broadcast on kick (spec §4.H): "each connection self-closes if it
// matches" rather than the engine reaching into a specific socket.
func directDisconnectTarget(data []byte) (targetID string, closeCode int, ok bool) {
	var env struct {
		Type string `json:"type"`
		Data struct {
			TargetID  string `json:"target_id"`
			CloseCode int    `json:"close_code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "direct_disconnect_user" {
		return "", 0, false
	}
	return env.Data.TargetID, env.Data.CloseCode, true
}

// closeWithCode sends a close control frame carrying one of the spec §4.D
// close codes, then tears down the write pump.
func (m *socketMember) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	m.stop()
}

func (m *socketMember) stop() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}

var errSendQueueFull = &sendQueueFullError{}

type sendQueueFullError struct{}

func (*sendQueueFullError) Error() string { return "conn: send queue full" }
