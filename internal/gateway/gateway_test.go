package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"kvitlach-server/card"
	"kvitlach-server/internal/audit"
	"kvitlach-server/internal/session"
	"kvitlach-server/internal/store"
	"kvitlach-server/kvitlach"
)

func newTestGateway(t *testing.T) (*Gateway, *store.Store) {
	t.Helper()
	auditSvc, _, err := audit.NewService("")
	if err != nil {
		t.Fatalf("audit init failed: %v", err)
	}
	st := store.New(session.NewManager(time.Hour), auditSvc)
	return New(st, auditSvc), st
}

func newTestConn(g *Gateway) *Connection {
	g.mu.Lock()
	g.nextConnID++
	c := &Connection{
		id:      fmt.Sprintf("conn_%d", g.nextConnID),
		gateway: g,
		send:    make(chan []byte, 32),
	}
	g.conns[c] = true
	g.mu.Unlock()
	return c
}

func drainEnvelopes(c *Connection) []map[string]any {
	out := []map[string]any{}
	for {
		select {
		case data := <-c.send:
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func TestRemoteIP_PrefersForwardedFor(t *testing.T) {
	r, _ := http.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	if got := remoteIP(r); got != "10.0.0.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := remoteIP(r); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestSanitizeRound_StripsDeck(t *testing.T) {
	round := &kvitlach.Round{
		ID:   "ROOM-r1",
		Deck: []card.Card{card.New(5), card.New(6)},
		Turns: []kvitlach.Turn{
			{Player: kvitlach.Player{ID: "p1"}, State: kvitlach.TurnPending},
		},
	}
	out := sanitizeRound(round)
	if out.Deck != nil {
		t.Fatalf("expected deck stripped from broadcast snapshot")
	}
	if len(round.Deck) != 2 {
		t.Fatalf("expected original round untouched")
	}
	if len(out.Turns) != 1 {
		t.Fatalf("expected turns preserved")
	}
}

func TestRoomLeave_DeregistersSocketFromBroadcasts(t *testing.T) {
	g, st := newTestGateway(t)
	room, _, _, err := st.CreateRoom(store.CreateRoomParams{FirstName: "Ada"})
	if err != nil {
		t.Fatalf("create room failed: %v", err)
	}
	_, p2, _, err := st.JoinRoom(room.ID, store.JoinRoomParams{FirstName: "Bob"})
	if err != nil {
		t.Fatalf("join room failed: %v", err)
	}

	c := newTestConn(g)
	g.bind(c, room.ID, p2.ID)

	c.handleMessage([]byte(`{"type":"room:leave","requestId":"req-1"}`))

	sawAck := false
	for _, env := range drainEnvelopes(c) {
		if env["type"] == "ack" && env["requestId"] == "req-1" {
			sawAck = true
		}
	}
	if !sawAck {
		t.Fatalf("expected leave acknowledged")
	}
	g.mu.RLock()
	registered := g.rooms[room.ID][c]
	g.mu.RUnlock()
	if registered {
		t.Fatalf("expected socket deregistered from the room after leave")
	}

	g.removeConnection(c)

	// A broadcast after leave+disconnect must not hit the closed channel.
	updated, _, err := st.GetRoom(room.ID)
	if err != nil {
		t.Fatalf("get room failed: %v", err)
	}
	g.RoomState(updated)
}

func TestTurnCommands_ScopedToBoundRoom(t *testing.T) {
	g, st := newTestGateway(t)
	attacker, _, _, err := st.CreateRoom(store.CreateRoomParams{FirstName: "Mallory"})
	if err != nil {
		t.Fatalf("create room failed: %v", err)
	}
	victim, _, _, err := st.CreateRoom(store.CreateRoomParams{FirstName: "Ada"})
	if err != nil {
		t.Fatalf("create room failed: %v", err)
	}
	if _, _, _, err := st.JoinRoom(victim.ID, store.JoinRoomParams{FirstName: "Bob"}); err != nil {
		t.Fatalf("join room failed: %v", err)
	}
	round, err := st.StartRound(victim.ID, 0)
	if err != nil {
		t.Fatalf("start round failed: %v", err)
	}

	// Both rooms call their creator "p1"; the socket is bound to the
	// attacker's room.
	c := newTestConn(g)
	g.bind(c, attacker.ID, "p1")

	msg := fmt.Sprintf(`{"type":"turn:hit","requestId":"req-1","payload":{"roundId":%q,"playerId":"p1"}}`, round.ID)
	c.handleMessage([]byte(msg))

	envs := drainEnvelopes(c)
	if len(envs) != 1 {
		t.Fatalf("expected a single error envelope, got %d", len(envs))
	}
	errObj, _ := envs[0]["error"].(map[string]any)
	if envs[0]["type"] != "error" || errObj == nil || errObj["message"] != "forbidden" {
		t.Fatalf("expected forbidden for a round outside the bound room, got %v", envs[0])
	}

	got, err := st.GetRound(round.ID)
	if err != nil {
		t.Fatalf("get round failed: %v", err)
	}
	if turn := got.TurnByPlayer("p1"); turn == nil || len(turn.Cards) != 1 {
		t.Fatalf("expected the other room's banker hand untouched")
	}
}

func TestEnvelope_ErrorShape(t *testing.T) {
	data, err := json.Marshal(ServerEnvelope{
		Type:      "error",
		RequestID: "req-1",
		Error:     &WireError{Message: "invalid_bet"},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != "error" || decoded["requestId"] != "req-1" {
		t.Fatalf("unexpected envelope: %v", decoded)
	}
	errObj, ok := decoded["error"].(map[string]any)
	if !ok || errObj["message"] != "invalid_bet" {
		t.Fatalf("expected verbatim error message, got %v", decoded["error"])
	}
	if _, present := decoded["payload"]; present {
		t.Fatalf("expected empty payload omitted")
	}
}
