package hub

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/protocol"
	"github.com/pvoronin/planning-poker-backend/internal/room"
)

type Msg interface{ isHubMsg() }

// EnsureRoom is an idempotent get-or-create for the routing key of a new
// connection. Creating a room refreshes every lobby subscriber.
type EnsureRoom struct {
	ID    string
	Reply chan *room.Room
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room // may receive nil
}

// ListRooms replies with a snapshot of the current room ids.
type ListRooms struct{ Reply chan []string }

type SubscribeLobby struct {
	ConnID string
	Outbox chan protocol.ServerMessage
}

type UnsubscribeLobby struct{ ConnID string }

type Shutdown struct{}

func (EnsureRoom) isHubMsg()       {}
func (GetRoom) isHubMsg()          {}
func (ListRooms) isHubMsg()        {}
func (SubscribeLobby) isHubMsg()   {}
func (UnsubscribeLobby) isHubMsg() {}
func (Shutdown) isHubMsg()         {}

// Hub is the process-wide room registry plus the lobby subscription set. All
// of its state is owned by a single loop goroutine; rooms report membership
// changes through the notices channel.
type Hub struct {
	inbox   chan Msg
	notices chan room.Notice
	rooms   map[string]*room.Room
	lobby   map[string]chan protocol.ServerMessage
	clock   clockwork.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, clock clockwork.Clock, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 64),
		notices: make(chan room.Notice, 64),
		rooms:   make(map[string]*room.Room),
		lobby:   make(map[string]chan protocol.ServerMessage),
		clock:   clock,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case n := <-h.notices:
			h.handleNotice(n)

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				msg.Reply <- h.ensureRoom(msg.ID)

			case GetRoom:
				msg.Reply <- h.rooms[msg.ID]

			case ListRooms:
				msg.Reply <- h.roomIDs()

			case SubscribeLobby:
				h.lobby[msg.ConnID] = msg.Outbox
				h.send(msg.Outbox, protocol.NewRoomsMessage(h.roomIDs()))

			case UnsubscribeLobby:
				if out, ok := h.lobby[msg.ConnID]; ok {
					delete(h.lobby, msg.ConnID)
					close(out)
				}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) ensureRoom(id string) *room.Room {
	if rm := h.rooms[id]; rm != nil {
		return rm
	}
	rm := room.New(h.ctx, id, h.notices, h.clock, h.log)
	h.rooms[id] = rm
	h.log.Info("room created", zap.String("room", id))
	h.broadcastRooms()
	return rm
}

func (h *Hub) handleNotice(n room.Notice) {
	if n.Empty {
		if h.rooms[n.RoomID] != n.Ref {
			// Already removed, or the id was re-created since.
			return
		}
		if n.Ref.Members() > 0 {
			// A join raced in after the room reported empty; keep it.
			return
		}
		delete(h.rooms, n.RoomID)
		n.Ref.Stop()
		h.log.Info("room removed", zap.String("room", n.RoomID))
	}
	h.broadcastRooms()
}

func (h *Hub) roomIDs() []string {
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) broadcastRooms() {
	msg := protocol.NewRoomsMessage(h.roomIDs())
	for _, out := range h.lobby {
		h.send(out, msg)
	}
}

func (h *Hub) send(out chan protocol.ServerMessage, msg protocol.ServerMessage) {
	select {
	case out <- msg:
	default:
		// Full outbox: skip; the disconnect handler unsubscribes it.
	}
}

func (h *Hub) shutdown() {
	for id, out := range h.lobby {
		close(out)
		delete(h.lobby, id)
	}
	for id, rm := range h.rooms {
		rm.Stop()
		delete(h.rooms, id)
	}
	h.cancel()
}
