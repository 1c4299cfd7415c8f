package protocol

import "sort"

// Routing key reserved for lobby connections; every other key is a room id.
const LobbyKey = "lobby"

// Client -> server message types.
const (
	TypeGetRooms = "getRooms"
	TypeJoin     = "join"
	TypeVote     = "vote"
	TypeReset    = "reset"
	TypeQuit     = "quit"
)

// Server -> client message types.
const (
	TypeRooms     = "rooms"
	TypeState     = "state"
	TypeCountdown = "countdown"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ClientMessage struct {
	Type string `json:"type"`
	User *User  `json:"user,omitempty"`
	Card string `json:"card,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ParticipantView is the per-participant slice of a state broadcast. Card is
// omitted entirely while the participant has not voted.
type ParticipantView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Card string `json:"card,omitempty"`
}

type StatePayload struct {
	Participants []ParticipantView `json:"participants"`
}

type CountdownPayload struct {
	// EndTime is the vote deadline in epoch millis. 0 means the countdown
	// resolved (early completion or expiry); null means it was reset.
	EndTime *int64 `json:"endTime"`
}

func NewRoomsMessage(ids []string) ServerMessage {
	if ids == nil {
		ids = []string{}
	}
	return ServerMessage{Type: TypeRooms, Payload: ids}
}

// NewStateMessage sorts the views by name (stable, so participants with equal
// names keep join order) and wraps them in a state envelope.
func NewStateMessage(views []ParticipantView) ServerMessage {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Name < views[j].Name
	})
	return ServerMessage{Type: TypeState, Payload: StatePayload{Participants: views}}
}

func NewCountdownMessage(endTime int64) ServerMessage {
	return ServerMessage{Type: TypeCountdown, Payload: CountdownPayload{EndTime: &endTime}}
}

// NewCountdownClearedMessage signals that the countdown resolved, either by
// early completion or by expiry.
func NewCountdownClearedMessage() ServerMessage {
	return NewCountdownMessage(0)
}

// NewCountdownResetMessage signals that the round was reset; EndTime is null
// on the wire to distinguish it from a resolved countdown.
func NewCountdownResetMessage() ServerMessage {
	return ServerMessage{Type: TypeCountdown, Payload: CountdownPayload{}}
}
