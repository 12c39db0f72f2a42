// Package gateway accepts websocket connections, parses JSON envelopes,
// routes commands to the store and fans state snapshots back to every
// socket of the affected room.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kvitlach-server/internal/audit"
	"kvitlach-server/internal/store"
	"kvitlach-server/kvitlach"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 65536
)

// Connection is one websocket client. roomID/playerID are set once the
// client creates, joins or resumes a room.
type Connection struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte

	ip        string
	userAgent string

	mu       sync.Mutex
	closed   bool
	roomID   string
	playerID string
}

func (c *Connection) binding() (roomID, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.playerID
}

// Gateway owns the socket registry and implements the store's listener.
type Gateway struct {
	mu         sync.RWMutex
	conns      map[*Connection]bool
	rooms      map[string]map[*Connection]bool
	nextConnID uint64

	store *store.Store
	audit audit.Service
}

// New wires the gateway to the store and registers it as the store's
// fan-out listener.
func New(st *store.Store, auditSvc audit.Service) *Gateway {
	g := &Gateway{
		conns: make(map[*Connection]bool),
		rooms: make(map[string]map[*Connection]bool),
		store: st,
		audit: auditSvc,
	}
	st.SetListener(g)
	return g
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	g.mu.Lock()
	g.nextConnID++
	c := &Connection{
		id:        fmt.Sprintf("conn_%d", g.nextConnID),
		gateway:   g,
		conn:      conn,
		send:      make(chan []byte, 256),
		ip:        remoteIP(r),
		userAgent: r.UserAgent(),
	}
	g.conns[c] = true
	total := len(g.conns)
	g.mu.Unlock()

	log.Printf("[Gateway] Client connected: %s from %s, total: %d", c.id, c.ip, total)

	go c.readPump()
	go c.writePump()
}

// remoteIP prefers the first X-Forwarded-For hop behind a proxy.
func remoteIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func (c *Connection) readPump() {
	defer func() {
		c.gateway.removeConnection(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if roomID, _ := c.binding(); roomID != "" && c.gateway.audit.Enabled() {
			c.gateway.audit.TouchSeen(c.id)
		}
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			break
		}
		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bind attaches a connection to a room/player after a successful create,
// join or resume.
func (g *Gateway) bind(c *Connection, roomID, playerID string) {
	g.mu.Lock()
	c.mu.Lock()
	oldRoom := c.roomID
	c.roomID = roomID
	c.playerID = playerID
	c.mu.Unlock()
	if oldRoom != "" && oldRoom != roomID {
		if set := g.rooms[oldRoom]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(g.rooms, oldRoom)
			}
		}
	}
	set := g.rooms[roomID]
	if set == nil {
		set = make(map[*Connection]bool)
		g.rooms[roomID] = set
	}
	set[c] = true
	g.mu.Unlock()

	if g.audit.Enabled() {
		g.audit.RecordConnect(c.id, roomID, playerID, c.ip, c.userAgent)
	}
}

// unbind detaches a connection from its room after a leave. The socket
// stays open but no longer receives the room's broadcasts.
func (g *Gateway) unbind(c *Connection) {
	g.mu.Lock()
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.playerID = ""
	c.mu.Unlock()
	if roomID != "" {
		if set := g.rooms[roomID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(g.rooms, roomID)
			}
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) removeConnection(c *Connection) {
	roomID, playerID := c.binding()

	g.mu.Lock()
	delete(g.conns, c)
	// Drop the socket from every broadcast set it still occupies; the
	// logical binding may already be cleared (room:leave).
	for id, set := range g.rooms {
		if set[c] {
			delete(set, c)
			if len(set) == 0 {
				delete(g.rooms, id)
			}
		}
	}
	lastOfPlayer := true
	if playerID != "" {
		for other := range g.rooms[roomID] {
			or, op := other.binding()
			if or == roomID && op == playerID {
				lastOfPlayer = false
				break
			}
		}
	}
	total := len(g.conns)
	g.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	log.Printf("[Gateway] Client disconnected: %s, total: %d", c.id, total)

	if roomID == "" || playerID == "" {
		return
	}
	if g.audit.Enabled() {
		g.audit.RecordDisconnect(c.id)
	}
	if lastOfPlayer {
		if err := g.store.SetPresence(roomID, playerID, kvitlach.PresenceOffline); err != nil &&
			err != store.ErrRoomNotFound && err != store.ErrPlayerNotFound {
			log.Printf("[Gateway] Presence update failed: %v", err)
		}
	}
}

// broadcastRoom sends an encoded envelope to every socket of the room.
func (g *Gateway) broadcastRoom(roomID string, data []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.rooms[roomID] {
		select {
		case c.send <- data:
		default:
			// Drop if buffer full
		}
	}
}

func (g *Gateway) sendEnvelope(c *Connection, env ServerEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// RoomState implements store.Listener.
func (g *Gateway) RoomState(room *store.Room) {
	if room == nil {
		return
	}
	data, err := json.Marshal(ServerEnvelope{
		Type:    "room:state",
		RoomID:  room.ID,
		Payload: room,
	})
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	g.broadcastRoom(room.ID, data)
}

// RoundState implements store.Listener.
func (g *Gateway) RoundState(round *kvitlach.Round) {
	if round == nil {
		return
	}
	data, err := json.Marshal(ServerEnvelope{
		Type:    "round:state",
		RoomID:  round.RoomID,
		Payload: sanitizeRound(round),
	})
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	g.broadcastRoom(round.RoomID, data)
}

// RoundEnded implements store.Listener.
func (g *Gateway) RoundEnded(roomID string, round *kvitlach.Round, balances []kvitlach.BalanceEntry) {
	data, err := json.Marshal(ServerEnvelope{
		Type:   "round:ended",
		RoomID: roomID,
		Payload: map[string]any{
			"balances": balances,
			"round":    sanitizeRound(round),
		},
	})
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	g.broadcastRoom(roomID, data)
}

// RoomEvent implements store.Listener.
func (g *Gateway) RoomEvent(roomID, eventType string, payload map[string]any) {
	data, err := json.Marshal(ServerEnvelope{
		Type:    eventType,
		RoomID:  roomID,
		Payload: payload,
	})
	if err != nil {
		log.Printf("[Gateway] Marshal error: %v", err)
		return
	}
	g.broadcastRoom(roomID, data)
}

// sanitizeRound strips the undealt deck from a broadcast snapshot so
// clients never see upcoming cards.
func sanitizeRound(round *kvitlach.Round) *kvitlach.Round {
	if round == nil {
		return nil
	}
	out := *round
	out.Deck = nil
	return &out
}
