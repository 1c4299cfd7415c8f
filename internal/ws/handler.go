package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/hub"
	"github.com/pvoronin/planning-poker-backend/internal/protocol"
	"github.com/pvoronin/planning-poker-backend/internal/room"
)

const writeTimeout = 3 * time.Second

// Connection roles. A room connection starts unbound and becomes a member
// when its join message arrives; lobby connections are classified by the
// routing key alone.
type role int

const (
	roleUnbound role = iota
	roleLobby
	roleMember
)

// Handler accepts a websocket and routes it by the path key: the reserved
// lobby key subscribes it to room-list updates, anything else is a room id.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if key == "" {
			http.Error(w, "missing routing key", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		if key == protocol.LobbyKey {
			serveLobby(r.Context(), conn, h, log)
			return
		}
		serveRoom(r.Context(), conn, h, key, log)
	}
}

func serveLobby(ctx context.Context, conn *websocket.Conn, h *hub.Hub, log *zap.Logger) {
	connID := uuid.NewString()
	out := make(chan protocol.ServerMessage, 8)
	h.Inbox() <- hub.SubscribeLobby{ConnID: connID, Outbox: out}
	defer func() { h.Inbox() <- hub.UnsubscribeLobby{ConnID: connID} }()

	writeCtx, writeCancel := context.WithCancel(ctx)
	defer writeCancel()
	go writeLoop(writeCtx, conn, out)

	log.Info("lobby subscriber connected", zap.String("conn", connID))
	for {
		var cm protocol.ClientMessage
		if !readMessage(ctx, conn, &cm, log) {
			return
		}
		if cm.Type == protocol.TypeGetRooms {
			replyRooms(ctx, conn, h)
		}
	}
}

func serveRoom(ctx context.Context, conn *websocket.Conn, h *hub.Hub, roomID string, log *zap.Logger) {
	reply := make(chan *room.Room, 1)
	h.Inbox() <- hub.EnsureRoom{ID: roomID, Reply: reply}
	rm := <-reply

	connID := uuid.NewString()
	connRole := roleUnbound
	participantID := ""
	writerCancel := func() {}
	defer func() {
		rm.Inbox() <- room.Disconnect{ConnID: connID, ParticipantID: participantID}
		writerCancel()
	}()

	log.Info("connected to room", zap.String("room", roomID), zap.String("conn", connID))
	for {
		var cm protocol.ClientMessage
		if !readMessage(ctx, conn, &cm, log) {
			return
		}

		switch cm.Type {
		case protocol.TypeGetRooms:
			replyRooms(ctx, conn, h)

		case protocol.TypeJoin:
			if cm.User == nil || cm.User.ID == "" {
				log.Debug("join without user", zap.String("room", roomID))
				continue
			}
			// The room may have been destroyed while this connection sat
			// unbound; re-resolve so a rejoin lands in a live room.
			reply := make(chan *room.Room, 1)
			h.Inbox() <- hub.EnsureRoom{ID: roomID, Reply: reply}
			rm = <-reply

			// Every join gets a fresh outbox and writer: the room closes
			// the previous outbox on quit and on rebind, so a channel is
			// never registered twice.
			writerCancel()
			out := make(chan protocol.ServerMessage, 8)
			writeCtx, cancel := context.WithCancel(ctx)
			writerCancel = cancel
			go writeLoop(writeCtx, conn, out)

			connRole = roleMember
			participantID = cm.User.ID
			rm.Inbox() <- room.Join{
				ParticipantID: cm.User.ID,
				Name:          cm.User.Name,
				ConnID:        connID,
				Outbox:        out,
			}

		case protocol.TypeVote:
			if connRole != roleMember {
				continue
			}
			rm.Inbox() <- room.Vote{ParticipantID: participantID, Card: cm.Card}

		case protocol.TypeReset:
			rm.Inbox() <- room.Reset{}

		case protocol.TypeQuit:
			if connRole != roleMember {
				continue
			}
			rm.Inbox() <- room.Quit{ParticipantID: participantID}
			connRole = roleUnbound
			participantID = ""

		default:
			log.Debug("unknown message type", zap.String("type", cm.Type))
		}
	}
}

// readMessage reads until it has a well-formed client message or the
// connection ends. Malformed payloads are dropped and the connection stays
// open.
func readMessage(ctx context.Context, conn *websocket.Conn, cm *protocol.ClientMessage, log *zap.Logger) bool {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("websocket read ended", zap.Error(err))
			}
			return false
		}
		if err := json.Unmarshal(data, cm); err != nil {
			log.Debug("malformed message", zap.Error(err))
			continue
		}
		return true
	}
}

func replyRooms(ctx context.Context, conn *websocket.Conn, h *hub.Hub) {
	reply := make(chan []string, 1)
	h.Inbox() <- hub.ListRooms{Reply: reply}
	writeMessage(ctx, conn, protocol.NewRoomsMessage(<-reply))
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			writeMessage(ctx, conn, msg)
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg protocol.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
