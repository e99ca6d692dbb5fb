package conn

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/scythe504/doodleroom/internal/config"
	"github.com/scythe504/doodleroom/internal/engine"
	"github.com/scythe504/doodleroom/internal/model"
	"github.com/scythe504/doodleroom/internal/store"
)

const (
	closeUnauthenticated = 4401
	closeForbidden       = 4403
	closeRoomMissing     = 4404
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler wires the Authenticator, Persistence Gateway, and Room Engine
// into the per-socket admission and dispatch loop.
type Handler struct {
	Auth   Authenticator
	Store  *store.Gateway
	Engine *engine.Engine
	Cfg    *config.Config

	// OnRoomEvent is called after admission, leave, and socket close so the
	// Lobby Notifier can rebroadcast (spec §4.I). May be nil.
	OnRoomEvent func()
}

// ServeRoom implements the /ws/rooms/{CODE}/ admission sequence end to end
// (spec §4.D steps 1-7) and then runs the read loop until the socket closes.
//
// The handshake is upgraded before any rejection so every close code (4401,
// 4403, 4404) actually reaches the client as a WS close frame, matching
// original_source/backend/realtime/consumers.py's connect(), which always
// completes the accept before calling self.close(code=...).
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(mux.Vars(r)["code"])
	ctx := r.Context()

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[conn] room=%s: upgrade failed: %v", code, err)
		return
	}

	identity, ok := h.Auth.Authenticate(r)
	if !ok {
		closeSocket(wsConn, closeUnauthenticated, "unauthenticated")
		return
	}

	room, err := h.Store.GetActiveRoom(ctx, code)
	if err != nil {
		log.Printf("[conn] room=%s: lookup failed: %v", code, err)
		closeSocket(wsConn, closeRoomMissing, "lookup failed")
		return
	}
	if room == nil {
		closeSocket(wsConn, closeRoomMissing, "no such room")
		return
	}

	allowed, err := h.Store.IsUserAllowed(ctx, identity.UserID)
	if err != nil {
		log.Printf("[conn] room=%s user=%s: allow check failed: %v", code, identity.UserID, err)
	}
	isMember, err := h.Store.IsMemberActive(ctx, room.ID, identity.UserID)
	if err != nil {
		log.Printf("[conn] room=%s user=%s: membership check failed: %v", code, identity.UserID, err)
	}

	if !allowed || !isMember {
		log.Printf("[conn] room=%s user=%s: forbidden (allowed=%v member=%v)", code, identity.UserID, allowed, isMember)
		closeSocket(wsConn, closeForbidden, "forbidden")
		return
	}

	user, err := h.Store.GetPublicUser(ctx, identity.UserID)
	if err != nil {
		log.Printf("[conn] room=%s user=%s: profile lookup failed: %v", code, identity.UserID, err)
		closeSocket(wsConn, closeForbidden, "profile incomplete")
		return
	}

	member := newSocketMember(uuid.NewString(), identity.UserID, wsConn)
	go member.writePump()

	h.Engine.RegisterConnection(ctx, code, room.ID, identity.UserID, member)
	h.notifyLobby()

	h.sendSnapshotAndHistory(ctx, member, code, room.ID)

	if members, mErr := h.Engine.ActiveMemberIDs(ctx, code); mErr == nil && len(members) >= 2 {
		snapshot := h.Engine.GameStateSnapshot(ctx, code, room.ID)
		if snapshot.Status == model.StatusWaiting {
			if err := h.Engine.StartRound(ctx, code, room.ID); err != nil && err != engine.ErrNotEnoughPlayers {
				log.Printf("[conn] room=%s: auto-start failed: %v", code, err)
			}
		}
	}

	h.readLoop(member, code, room.ID, identity.UserID, user.Name)

	h.Engine.UnregisterConnection(context.Background(), code, room.ID, identity.UserID, member)
	h.notifyLobby()
}

func (h *Handler) notifyLobby() {
	if h.OnRoomEvent != nil {
		h.OnRoomEvent()
	}
}

func (h *Handler) sendSnapshotAndHistory(ctx context.Context, member *socketMember, code string, roomID int64) {
	snapshot := h.Engine.GameStateSnapshot(ctx, code, roomID)
	sendEnvelope(member, "game_state", snapshot)

	history := h.Engine.History(ctx, code)
	sendEnvelope(member, "history", history)
}

func sendEnvelope(member *socketMember, envelopeType string, data any) {
	payload, err := json.Marshal(model.Envelope[any]{Type: envelopeType, Data: data})
	if err != nil {
		log.Printf("[conn] marshal %s failed: %v", envelopeType, err)
		return
	}
	if err := member.Send(payload); err != nil {
		log.Printf("[conn] send %s to %s failed: %v", envelopeType, member.ID(), err)
	}
}

func closeSocket(wsConn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = wsConn.Close()
}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readLoop is the single logical task per connection for inbound reads
// (spec §5 "Scheduling model"), dispatching each envelope per the table in
// spec §4.D.
func (h *Handler) readLoop(member *socketMember, code string, roomID int64, userID, userName string) {
	defer member.stop()

	for {
		_, raw, err := member.conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[conn] room=%s user=%s: malformed envelope: %v", code, userID, err)
			continue
		}

		ctx := context.Background()
		switch env.Type {
		case "draw":
			var p model.DrawPayload
			if json.Unmarshal(env.Data, &p) == nil {
				h.Engine.HandleDraw(ctx, code, roomID, userID, p.Payload)
			}
		case "clear":
			h.Engine.HandleClear(ctx, code, roomID, userID)
		case "chat":
			var p model.ChatPayload
			if json.Unmarshal(env.Data, &p) == nil {
				h.Engine.HandleChat(ctx, code, roomID, userID, userName, p.Message, p.ClientID)
			}
		case "start_game":
			if err := h.Engine.StartRound(ctx, code, roomID); err != nil && err != engine.ErrNotEnoughPlayers {
				sendEnvelope(member, "error", model.ErrorData{Message: "could not start round"})
			}
		case "kick_request":
			var p model.KickRequestPayload
			if json.Unmarshal(env.Data, &p) == nil {
				if err := h.Engine.KickRequest(ctx, code, roomID, userID, p.TargetID); err != nil {
					sendEnvelope(member, "error", model.ErrorData{Message: err.Error()})
				}
			}
		case "kick_vote":
			var p model.KickVotePayload
			if json.Unmarshal(env.Data, &p) == nil {
				if err := h.Engine.KickVote(ctx, code, roomID, userID, p.TargetID, p.Approve); err != nil {
					sendEnvelope(member, "error", model.ErrorData{Message: err.Error()})
				}
			}
		case "leave":
			h.handleLeave(ctx, code, roomID, userID)
			member.closeWithCode(closeForbidden, "left")
			return
		case "ping":
			sendEnvelope(member, "pong", nil)
		default:
			log.Printf("[conn] room=%s user=%s: unknown envelope type %q", code, userID, env.Type)
		}
	}
}

// handleLeave is the self-kick path: it marks the membership inactive, syncs
// empty_since, broadcasts presence, and pauses the round if fewer than two
// members remain. The socket is then closed by readLoop, and ServeRoom's
// UnregisterConnection removes the connection from the engine. It also covers
// spec §4.H step 4: a leaving user is removed from any kick vote naming them
// as target or voter, with the vote recomputed or cancelled accordingly.
func (h *Handler) handleLeave(ctx context.Context, code string, roomID int64, userID string) {
	if h.Store != nil {
		if err := h.Store.MarkMemberInactive(ctx, roomID, userID); err != nil {
			log.Printf("[conn] room=%s user=%s: leave mark inactive failed: %v", code, userID, err)
		}
		if _, err := h.Store.SyncEmptySince(ctx, roomID); err != nil {
			log.Printf("[conn] room=%s user=%s: leave sync empty_since failed: %v", code, userID, err)
		}
	}
	if err := h.Engine.CleanupKickVotesOnDeparture(ctx, code, roomID, userID, "Target left"); err != nil {
		log.Printf("[conn] room=%s user=%s: leave kick vote cleanup failed: %v", code, userID, err)
	}
	h.Engine.BroadcastPresence(ctx, code, roomID)
	h.notifyLobby()

	if members, err := h.Engine.ActiveMemberIDs(ctx, code); err == nil && len(members) < 2 {
		if err := h.Engine.Pause(ctx, code, roomID); err != nil {
			log.Printf("[conn] room=%s: pause on leave failed: %v", code, err)
		}
	}
}
