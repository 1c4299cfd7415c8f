package room

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/protocol"
)

// VoteDuration is the fixed voting window opened by the first vote in a room
// with at least two participants.
const VoteDuration = 10 * time.Second

// NoVoteCard is assigned to participants that never voted before expiry.
const NoVoteCard = "?"

type Msg interface{ isRoomMsg() }

// Join adds a participant, or rebinds the delivery target when a participant
// with the same id reconnects over a new connection.
type Join struct {
	ParticipantID string
	Name          string
	ConnID        string
	Outbox        chan protocol.ServerMessage
}

type Vote struct {
	ParticipantID string
	Card          string
}

type Reset struct{}

type Quit struct{ ParticipantID string }

// Disconnect is the transport-level counterpart of Quit. ParticipantID is
// empty when the connection never joined. Removal only happens if this
// connection is still the participant's bound delivery target, so the old
// socket of a reconnected participant cannot evict the new one.
type Disconnect struct {
	ConnID        string
	ParticipantID string
}

type Shutdown struct{}

// GetView reflects internal state without data races; test-only.
type GetView struct{ Reply chan View }

type timerFired struct{ gen uint64 }

func (Join) isRoomMsg()       {}
func (Vote) isRoomMsg()       {}
func (Reset) isRoomMsg()      {}
func (Quit) isRoomMsg()       {}
func (Disconnect) isRoomMsg() {}
func (Shutdown) isRoomMsg()   {}
func (GetView) isRoomMsg()    {}
func (timerFired) isRoomMsg() {}

// Notice is sent to the hub when room membership changes. Empty means the
// last participant left and the room should be removed from the registry.
type Notice struct {
	RoomID string
	Ref    *Room
	Empty  bool
}

type View struct {
	ID           string
	Participants []ParticipantInfo
	VotingActive bool
	Deadline     int64
}

type ParticipantInfo struct {
	ID   string
	Name string
	Card string
}

type participant struct {
	id     string
	name   string
	card   string
	connID string
	outbox chan protocol.ServerMessage
}

type Room struct {
	id      string
	inbox   chan Msg
	members []*participant // join order
	count   atomic.Int32

	votingActive bool
	deadline     int64
	timerGen     uint64

	notices chan<- Notice
	clock   clockwork.Clock
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, id string, notices chan<- Notice, clock clockwork.Clock, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:      id,
		inbox:   make(chan Msg, 64),
		notices: notices,
		clock:   clock,
		log:     log.With(zap.String("room", id)),
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) ID() string { return r.id }

// Members reports the current participant count. The hub reads it to confirm
// an emptied room was not rejoined before removing it from the registry.
func (r *Room) Members() int { return int(r.count.Load()) }

// Stop cancels the room; the loop closes all member outboxes on exit.
func (r *Room) Stop() { r.cancel() }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Vote:
				r.handleVote(msg)
			case Reset:
				r.handleReset()
			case Quit:
				r.remove(msg.ParticipantID, "")
			case Disconnect:
				r.remove(msg.ParticipantID, msg.ConnID)
			case timerFired:
				r.handleExpiry(msg.gen)
			case GetView:
				msg.Reply <- r.view()
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	if p := r.find(msg.ParticipantID); p != nil {
		// Reconnect: replace the delivery target, keep the card.
		close(p.outbox)
		p.connID = msg.ConnID
		p.outbox = msg.Outbox
		p.name = msg.Name
	} else {
		r.members = append(r.members, &participant{
			id:     msg.ParticipantID,
			name:   msg.Name,
			connID: msg.ConnID,
			outbox: msg.Outbox,
		})
		r.count.Store(int32(len(r.members)))
	}
	r.log.Info("participant joined",
		zap.String("participant", msg.ParticipantID),
		zap.String("name", msg.Name))
	r.broadcastState()
	r.notify(false)
}

func (r *Room) handleVote(msg Vote) {
	p := r.find(msg.ParticipantID)
	if p == nil {
		return
	}
	p.card = msg.Card

	if r.votingActive {
		r.broadcastState()
		// broadcastState may already have resolved the round by evicting
		// the last missing voter, so re-check votingActive.
		if r.votingActive && r.allVoted() {
			// Early completion: everyone voted inside the window.
			r.clearCountdown()
			r.broadcast(protocol.NewCountdownClearedMessage())
		}
		return
	}

	// A lone voter never starts a countdown, and neither does a vote that
	// already completes the round.
	if len(r.members) >= 2 && !r.allVoted() {
		r.startCountdown()
	}
	r.broadcastState()
}

func (r *Room) handleReset() {
	for _, p := range r.members {
		p.card = ""
	}
	r.clearCountdown()
	r.broadcastState()
	r.broadcast(protocol.NewCountdownResetMessage())
}

func (r *Room) handleExpiry(gen uint64) {
	if !r.votingActive || gen != r.timerGen {
		// Stale fire: the round resolved or was reset after this timer armed.
		return
	}
	for _, p := range r.members {
		if p.card == "" {
			p.card = NoVoteCard
		}
	}
	r.clearCountdown()
	r.log.Info("voting window expired")
	r.broadcastState()
	r.broadcast(protocol.NewCountdownClearedMessage())
}

func (r *Room) remove(participantID, connID string) {
	removed := false
	for i, p := range r.members {
		if p.id != participantID {
			continue
		}
		if connID != "" && p.connID != connID {
			// A newer connection already took over this participant.
			return
		}
		close(p.outbox)
		r.members = append(r.members[:i], r.members[i+1:]...)
		removed = true
		break
	}
	r.count.Store(int32(len(r.members)))

	if len(r.members) == 0 {
		r.notify(true)
		return
	}
	if !removed {
		return
	}
	r.log.Info("participant left", zap.String("participant", participantID))
	r.broadcastState()
	if r.votingActive && r.allVoted() {
		// The leaver was the only one still missing a card.
		r.clearCountdown()
		r.broadcast(protocol.NewCountdownClearedMessage())
	}
}

// startCountdown arms the voting window. Expiry is delivered back through the
// inbox so it is serialized with every other room message; the generation
// counter makes fires from a superseded window no-ops.
func (r *Room) startCountdown() {
	r.votingActive = true
	r.timerGen++
	r.deadline = r.clock.Now().Add(VoteDuration).UnixMilli()

	gen := r.timerGen
	expired := r.clock.After(VoteDuration)
	go func() {
		select {
		case <-expired:
			select {
			case r.inbox <- timerFired{gen: gen}:
			case <-r.ctx.Done():
			}
		case <-r.ctx.Done():
		}
	}()

	r.broadcast(protocol.NewCountdownMessage(r.deadline))
}

func (r *Room) clearCountdown() {
	r.votingActive = false
	r.deadline = 0
	r.timerGen++
}

func (r *Room) broadcastState() {
	views := make([]protocol.ParticipantView, 0, len(r.members))
	for _, p := range r.members {
		views = append(views, protocol.ParticipantView{ID: p.id, Name: p.name, Card: p.card})
	}
	r.broadcast(protocol.NewStateMessage(views))
}

func (r *Room) broadcast(msg protocol.ServerMessage) {
	dropped := false
	for i := 0; i < len(r.members); {
		p := r.members[i]
		select {
		case p.outbox <- msg:
			i++
		default:
			// Slow consumer: drop it like a disconnect.
			r.log.Warn("dropping slow participant", zap.String("participant", p.id))
			close(p.outbox)
			r.members = append(r.members[:i], r.members[i+1:]...)
			dropped = true
		}
	}
	r.count.Store(int32(len(r.members)))
	if !dropped {
		return
	}
	if len(r.members) == 0 {
		r.notify(true)
		return
	}
	if r.votingActive && r.allVoted() {
		// The evicted member was the only one still missing a card.
		r.clearCountdown()
		r.broadcast(protocol.NewCountdownClearedMessage())
	}
}

func (r *Room) notify(empty bool) {
	select {
	case r.notices <- Notice{RoomID: r.id, Ref: r, Empty: empty}:
	case <-r.ctx.Done():
	}
}

func (r *Room) find(id string) *participant {
	for _, p := range r.members {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (r *Room) allVoted() bool {
	if len(r.members) == 0 {
		return false
	}
	for _, p := range r.members {
		if p.card == "" {
			return false
		}
	}
	return true
}

func (r *Room) view() View {
	infos := make([]ParticipantInfo, 0, len(r.members))
	for _, p := range r.members {
		infos = append(infos, ParticipantInfo{ID: p.id, Name: p.name, Card: p.card})
	}
	return View{
		ID:           r.id,
		Participants: infos,
		VotingActive: r.votingActive,
		Deadline:     r.deadline,
	}
}

func (r *Room) shutdown() {
	for _, p := range r.members {
		close(p.outbox)
	}
	r.members = nil
	r.count.Store(0)
	r.cancel()
}
