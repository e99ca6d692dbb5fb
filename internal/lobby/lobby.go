// Package lobby implements the Lobby Notifier (spec §4.I): it rebroadcasts
// a room-list snapshot to the reserved `rooms_lobby` group whenever
// presence, membership, or visibility changes, and serves the lightweight
// `/ws/lobby/` subscriber endpoint.
//
// Grounded on the reference repo's internal/websockets/ws.go connection
// bookkeeping, simplified to a single broadcast-only group with no inbound
// dispatch.
package lobby

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/config"
	"github.com/scythe504/doodleroom/internal/model"
	"github.com/scythe504/doodleroom/internal/store"
)

// Group is the reserved broadcast-fabric group lobby subscribers join
// (spec §4.I "group_send to the reserved group rooms_lobby").
const Group = "rooms_lobby"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Notifier owns the rebroadcast side: building and publishing a snapshot.
type Notifier struct {
	fab   *bus.Fabric
	store *store.Gateway
	cfg   *config.Config
}

func New(fab *bus.Fabric, gateway *store.Gateway, cfg *config.Config) *Notifier {
	return &Notifier{fab: fab, store: gateway, cfg: cfg}
}

// Rebroadcast builds the current snapshot and publishes it to rooms_lobby.
// Safe to call often: it is the engine's single hook for every trigger
// named in spec §4.I.
func (n *Notifier) Rebroadcast(ctx context.Context) {
	if n.store == nil || n.fab == nil {
		return
	}
	rooms, err := n.store.RoomsSnapshot(ctx, n.cfg.MaxPlayers)
	if err != nil {
		log.Printf("[lobby] snapshot failed: %v", err)
		return
	}
	n.fab.GroupSend(Group, model.Envelope[model.RoomsListData]{
		Type: "rooms_list",
		Data: model.RoomsListData{Rooms: rooms},
	}, "")
}

// member adapts one lobby subscriber socket to bus.Member.
type member struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

func (m *member) ID() string { return m.id }

func (m *member) Send(data []byte) error {
	select {
	case m.send <- data:
		return nil
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
		return nil // drop on a saturated lobby subscriber rather than block fan-out
	}
}

func (m *member) writePump() {
	defer m.conn.Close()
	for {
		select {
		case <-m.closed:
			return
		case data := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// ServeLobby handles the /ws/lobby/ endpoint: join the group, send one
// snapshot immediately, then block on reads until the client disconnects.
func (n *Notifier) ServeLobby(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[lobby] upgrade failed: %v", err)
		return
	}

	m := &member{id: uuid.NewString(), conn: wsConn, send: make(chan []byte, 8), closed: make(chan struct{})}
	go m.writePump()

	if n.fab != nil {
		n.fab.JoinGroup(Group, m)
		defer n.fab.LeaveGroup(Group, m)
	}

	n.sendSnapshot(r.Context(), m)

	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			close(m.closed)
			return
		}
	}
}

func (n *Notifier) sendSnapshot(ctx context.Context, m *member) {
	if n.store == nil {
		return
	}
	rooms, err := n.store.RoomsSnapshot(ctx, n.cfg.MaxPlayers)
	if err != nil {
		log.Printf("[lobby] initial snapshot failed: %v", err)
		return
	}
	payload, err := json.Marshal(model.Envelope[model.RoomsListData]{
		Type: "rooms_list",
		Data: model.RoomsListData{Rooms: rooms},
	})
	if err != nil {
		return
	}
	_ = m.Send(payload)
}
