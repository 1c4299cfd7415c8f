package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/hub"
	"github.com/pvoronin/planning-poker-backend/internal/protocol"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.New(ctx, clockwork.NewRealClock(), zap.NewNop())

	r := chi.NewRouter()
	r.Get("/{key}", Handler(h, zap.NewNop()))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, srv.URL+"/"+key, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func readState(t *testing.T, conn *websocket.Conn) []protocol.ParticipantView {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeState, env.Type)

	var payload protocol.StatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload.Participants
}

func readRooms(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeRooms, env.Type)

	var ids []string
	require.NoError(t, json.Unmarshal(env.Payload, &ids))
	return ids
}

func TestHandler_JoinAndVote(t *testing.T) {
	srv := newTestServer(t)

	connA := dial(t, srv, "room-1")
	send(t, connA, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	views := readState(t, connA)
	require.Len(t, views, 1)
	require.Equal(t, "Alice", views[0].Name)

	connB := dial(t, srv, "room-1")
	send(t, connB, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "b", Name: "Bob"},
	})
	require.Len(t, readState(t, connA), 2)
	require.Len(t, readState(t, connB), 2)

	send(t, connA, protocol.ClientMessage{Type: protocol.TypeVote, Card: "5"})

	// First the countdown with a real deadline, then the state with A's card.
	env := readEnvelope(t, connB)
	require.Equal(t, protocol.TypeCountdown, env.Type)
	var countdown protocol.CountdownPayload
	require.NoError(t, json.Unmarshal(env.Payload, &countdown))
	require.NotNil(t, countdown.EndTime)
	require.Greater(t, *countdown.EndTime, time.Now().Add(-time.Second).UnixMilli())

	views = readState(t, connB)
	require.Equal(t, "5", views[0].Card) // Alice sorts first
	require.Empty(t, views[1].Card)
}

func TestHandler_VoteBeforeJoinIsIgnored(t *testing.T) {
	srv := newTestServer(t)

	conn := dial(t, srv, "room-2")
	send(t, conn, protocol.ClientMessage{Type: protocol.TypeVote, Card: "5"})
	send(t, conn, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})

	// The pre-join vote left no trace.
	views := readState(t, conn)
	require.Len(t, views, 1)
	require.Empty(t, views[0].Card)
}

func TestHandler_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t)

	conn := dial(t, srv, "room-3")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	send(t, conn, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	require.Len(t, readState(t, conn), 1)
}

func TestHandler_LobbySeesRoomLifecycle(t *testing.T) {
	srv := newTestServer(t)

	lobby := dial(t, srv, protocol.LobbyKey)
	require.Empty(t, readRooms(t, lobby))

	roomConn := dial(t, srv, "room-4")
	require.Equal(t, []string{"room-4"}, readRooms(t, lobby))

	// getRooms replies directly to the asking connection, lobby or room.
	send(t, lobby, protocol.ClientMessage{Type: protocol.TypeGetRooms})
	require.Equal(t, []string{"room-4"}, readRooms(t, lobby))
	send(t, roomConn, protocol.ClientMessage{Type: protocol.TypeGetRooms})
	require.Equal(t, []string{"room-4"}, readRooms(t, roomConn))

	// Dropping the only connection removes the never-joined room.
	roomConn.Close(websocket.StatusNormalClosure, "")
	require.Empty(t, readRooms(t, lobby))
}

func TestHandler_QuitEmptiesRoomAndLobbyList(t *testing.T) {
	srv := newTestServer(t)

	lobby := dial(t, srv, protocol.LobbyKey)
	require.Empty(t, readRooms(t, lobby))

	conn := dial(t, srv, "room-5")
	require.Equal(t, []string{"room-5"}, readRooms(t, lobby))

	send(t, conn, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	require.Len(t, readState(t, conn), 1)
	require.Equal(t, []string{"room-5"}, readRooms(t, lobby)) // join refresh

	send(t, conn, protocol.ClientMessage{Type: protocol.TypeQuit})
	require.Empty(t, readRooms(t, lobby))
}

func TestHandler_RejoinAfterQuit(t *testing.T) {
	srv := newTestServer(t)

	connA := dial(t, srv, "room-6")
	send(t, connA, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	require.Len(t, readState(t, connA), 1)

	connB := dial(t, srv, "room-6")
	send(t, connB, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "b", Name: "Bob"},
	})
	require.Len(t, readState(t, connA), 2)
	require.Len(t, readState(t, connB), 2)

	send(t, connA, protocol.ClientMessage{Type: protocol.TypeQuit})
	require.Len(t, readState(t, connB), 1)

	// Rejoining on the same connection must come back with a working
	// delivery channel, not the one closed by the quit.
	send(t, connA, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	require.Len(t, readState(t, connA), 2)
	require.Len(t, readState(t, connB), 2)

	send(t, connA, protocol.ClientMessage{Type: protocol.TypeVote, Card: "8"})
	env := readEnvelope(t, connB)
	require.Equal(t, protocol.TypeCountdown, env.Type)
	views := readState(t, connB)
	require.Equal(t, "8", views[0].Card) // Alice sorts first
}

func TestHandler_JoinAfterRoomDestroyed(t *testing.T) {
	srv := newTestServer(t)

	lobby := dial(t, srv, protocol.LobbyKey)
	require.Empty(t, readRooms(t, lobby))

	connA := dial(t, srv, "room-7")
	require.Equal(t, []string{"room-7"}, readRooms(t, lobby))
	connB := dial(t, srv, "room-7")

	send(t, connA, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "a", Name: "Alice"},
	})
	require.Len(t, readState(t, connA), 1)
	require.Equal(t, []string{"room-7"}, readRooms(t, lobby)) // join refresh

	// The only member quits; the room is destroyed while B stays connected.
	send(t, connA, protocol.ClientMessage{Type: protocol.TypeQuit})
	require.Empty(t, readRooms(t, lobby))

	// B's join must land in a freshly created room, not the destroyed one.
	send(t, connB, protocol.ClientMessage{
		Type: protocol.TypeJoin,
		User: &protocol.User{ID: "b", Name: "Bob"},
	})
	views := readState(t, connB)
	require.Len(t, views, 1)
	require.Equal(t, "Bob", views[0].Name)
	require.Equal(t, []string{"room-7"}, readRooms(t, lobby))
}

func TestHandler_MissingKeyRejected(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
