package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"kvitlach-server/internal/session"
	"kvitlach-server/internal/store"
	"kvitlach-server/kvitlach"
)

// Envelope is the client -> server frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ServerEnvelope is the server -> client frame. Payload is the room or
// round snapshot for state events and a keyed object for acks.
type ServerEnvelope struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId,omitempty"`
	PlayerID  string     `json:"playerId,omitempty"`
	RequestID string     `json:"requestId,omitempty"`
	Payload   any        `json:"payload,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// WireError carries the store-raised reason verbatim.
type WireError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (c *Connection) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("", "invalid_json")
		return
	}

	switch env.Type {
	case "room:create":
		c.handleCreateRoom(&env)
	case "room:join":
		c.handleJoinRoom(&env)
	case "room:resume":
		c.handleResume(&env)
	case "room:get":
		c.handleGetRoom(&env)
	case "room:switch-admin":
		c.handleSwitchAdmin(&env)
	case "round:start":
		c.handleStartRound(&env)
	case "round:get":
		c.handleGetRound(&env)
	case "round:banker-end":
		c.handleBankerEnd(&env)
	case "turn:bet":
		c.handleBet(&env)
	case "turn:hit":
		c.handleHit(&env)
	case "turn:stand":
		c.handleStand(&env)
	case "turn:skip":
		c.handleSkip(&env)
	case "player:rename-request":
		c.handleRenameRequest(&env)
	case "player:rename-cancel":
		c.handleRenameCancel(&env)
	case "player:rename-approve":
		c.handleRenameApprove(&env)
	case "player:rename-reject":
		c.handleRenameReject(&env)
	case "player:rename-block":
		c.handleRenameBlock(&env)
	case "player:buyin-request":
		c.handleBuyInRequest(&env)
	case "player:buyin-cancel":
		c.handleBuyInCancel(&env)
	case "player:buyin-approve":
		c.handleBuyInApprove(&env)
	case "player:buyin-reject":
		c.handleBuyInReject(&env)
	case "player:buyin-block":
		c.handleBuyInBlock(&env)
	case "player:kick":
		c.handleKick(&env)
	case "player:bank-adjust":
		c.handleBankAdjust(&env)
	case "room:banker-topup":
		c.handleBankerTopUp(&env)
	case "room:leave":
		c.handleLeave(&env)
	default:
		c.sendError(env.RequestID, "unknown_type")
	}
}

func (c *Connection) sendError(requestID, message string) {
	roomID, playerID := c.binding()
	c.gateway.sendEnvelope(c, ServerEnvelope{
		Type:      "error",
		RoomID:    roomID,
		PlayerID:  playerID,
		RequestID: requestID,
		Error:     &WireError{Message: message},
	})
}

func (c *Connection) sendAck(requestID string, payload map[string]any) {
	roomID, playerID := c.binding()
	c.gateway.sendEnvelope(c, ServerEnvelope{
		Type:      "ack",
		RoomID:    roomID,
		PlayerID:  playerID,
		RequestID: requestID,
		Payload:   payload,
	})
}

func (c *Connection) fail(requestID string, err error) {
	c.sendError(requestID, err.Error())
}

func decode(env *Envelope, into any) bool {
	if len(env.Payload) == 0 {
		return false
	}
	return json.Unmarshal(env.Payload, into) == nil
}

func sessionPayload(s session.Session) map[string]any {
	return map[string]any{
		"roomId":   s.RoomID,
		"playerId": s.PlayerID,
		"token":    s.Token,
	}
}

func (c *Connection) handleCreateRoom(env *Envelope) {
	var p struct {
		FirstName      string `json:"firstName"`
		LastName       string `json:"lastName"`
		RoomName       string `json:"roomName"`
		Password       string `json:"password"`
		BuyIn          int64  `json:"buyIn"`
		RoomID         string `json:"roomId"`
		BankerBankroll int64  `json:"bankerBankroll"`
	}
	if !decode(env, &p) || p.FirstName == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	room, player, sess, err := c.gateway.store.CreateRoom(store.CreateRoomParams{
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		RoomName:       p.RoomName,
		Password:       p.Password,
		BuyIn:          p.BuyIn,
		RoomID:         p.RoomID,
		BankerBankroll: p.BankerBankroll,
	})
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.gateway.bind(c, room.ID, player.ID)
	c.sendAck(env.RequestID, map[string]any{
		"room":    room,
		"player":  player,
		"session": sessionPayload(sess),
	})
	c.pushConnections(room.ID, player.ID)
}

func (c *Connection) handleJoinRoom(env *Envelope) {
	var p struct {
		RoomID    string `json:"roomId"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Password  string `json:"password"`
	}
	if !decode(env, &p) || p.RoomID == "" || p.FirstName == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	room, player, sess, err := c.gateway.store.JoinRoom(p.RoomID, store.JoinRoomParams{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Password:  p.Password,
	})
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.gateway.bind(c, room.ID, player.ID)
	c.sendAck(env.RequestID, map[string]any{
		"room":    room,
		"player":  player,
		"session": sessionPayload(sess),
	})
}

func (c *Connection) handleResume(env *Envelope) {
	var p struct {
		RoomID   string `json:"roomId"`
		PlayerID string `json:"playerId"`
		Token    string `json:"token"`
	}
	if !decode(env, &p) || p.RoomID == "" || p.PlayerID == "" || p.Token == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	room, round, player, sess, err := c.gateway.store.ResumePlayer(p.RoomID, p.PlayerID, p.Token)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.gateway.bind(c, room.ID, player.ID)
	payload := map[string]any{
		"room":    room,
		"player":  player,
		"session": sessionPayload(sess),
	}
	if round != nil {
		payload["round"] = sanitizeRound(round)
	}
	c.sendAck(env.RequestID, payload)
	c.pushConnections(room.ID, player.ID)
}

func (c *Connection) handleGetRoom(env *Envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if !decode(env, &p) || p.RoomID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	room, round, err := c.gateway.store.GetRoom(p.RoomID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	payload := map[string]any{"room": room}
	if round != nil {
		payload["round"] = sanitizeRound(round)
	}
	c.sendAck(env.RequestID, payload)
}

func (c *Connection) handleSwitchAdmin(env *Envelope) {
	var p struct {
		TargetPlayerID string `json:"targetPlayerId"`
	}
	if !decode(env, &p) || p.TargetPlayerID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, playerID := c.binding()
	room, err := c.gateway.store.SwitchAdmin(roomID, playerID, p.TargetPlayerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleStartRound(env *Envelope) {
	var p struct {
		RoomID    string `json:"roomId"`
		DeckCount int    `json:"deckCount"`
	}
	if !decode(env, &p) || p.RoomID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	round, err := c.gateway.store.StartRound(p.RoomID, p.DeckCount)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleGetRound(env *Envelope) {
	var p struct {
		RoundID string `json:"roundId"`
	}
	if !decode(env, &p) || p.RoundID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	if c.crossRoom(p.RoundID) {
		c.sendError(env.RequestID, "forbidden")
		return
	}
	round, err := c.gateway.store.GetRound(p.RoundID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleBankerEnd(env *Envelope) {
	roomID, playerID := c.binding()
	room, _, err := c.gateway.store.GetRoom(roomID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	if room.RoundID == "" {
		c.sendError(env.RequestID, "round_not_found")
		return
	}
	round, err := c.gateway.store.EndRoundAfterBankDecision(room.RoundID, playerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

// crossRoom reports whether the round belongs to a room other than the
// socket's. Unknown rounds fall through to the store's round_not_found.
func (c *Connection) crossRoom(roundID string) bool {
	roomID, _ := c.binding()
	owner := c.gateway.store.RoundOwner(roundID)
	return owner != "" && owner != roomID
}

// actorFor resolves the acting player: the bound player, unless the
// payload names them explicitly (which must match).
func (c *Connection) actorFor(payloadPlayerID string) (string, bool) {
	_, bound := c.binding()
	if bound == "" {
		return "", false
	}
	if payloadPlayerID != "" && payloadPlayerID != bound {
		return "", false
	}
	return bound, true
}

func (c *Connection) handleBet(env *Envelope) {
	var p struct {
		RoundID  string `json:"roundId"`
		Amount   int64  `json:"amount"`
		PlayerID string `json:"playerId"`
		Bank     bool   `json:"bank"`
	}
	if !decode(env, &p) || p.RoundID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	playerID, ok := c.actorFor(p.PlayerID)
	if !ok || c.crossRoom(p.RoundID) {
		c.sendError(env.RequestID, "forbidden")
		return
	}
	round, err := c.gateway.store.Bet(p.RoundID, playerID, p.Amount, p.Bank)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleHit(env *Envelope) {
	var p struct {
		RoundID   string `json:"roundId"`
		PlayerID  string `json:"playerId"`
		Eleveroon bool   `json:"eleveroon"`
	}
	if !decode(env, &p) || p.RoundID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	playerID, ok := c.actorFor(p.PlayerID)
	if !ok || c.crossRoom(p.RoundID) {
		c.sendError(env.RequestID, "forbidden")
		return
	}
	round, err := c.gateway.store.Hit(p.RoundID, playerID, p.Eleveroon)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleStand(env *Envelope) {
	var p struct {
		RoundID  string `json:"roundId"`
		PlayerID string `json:"playerId"`
	}
	if !decode(env, &p) || p.RoundID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	playerID, ok := c.actorFor(p.PlayerID)
	if !ok || c.crossRoom(p.RoundID) {
		c.sendError(env.RequestID, "forbidden")
		return
	}
	round, err := c.gateway.store.Stand(p.RoundID, playerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleSkip(env *Envelope) {
	var p struct {
		RoundID  string `json:"roundId"`
		PlayerID string `json:"playerId"`
		ActorID  string `json:"actorId"`
	}
	if !decode(env, &p) || p.RoundID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	_, bound := c.binding()
	if bound == "" || (p.ActorID != "" && p.ActorID != bound) || c.crossRoom(p.RoundID) {
		c.sendError(env.RequestID, "forbidden")
		return
	}
	target := p.PlayerID
	if target == "" {
		target = bound
	}
	round, err := c.gateway.store.Skip(p.RoundID, bound, target)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"round": sanitizeRound(round)})
}

func (c *Connection) handleRenameRequest(env *Envelope) {
	var p struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if !decode(env, &p) || p.FirstName == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, playerID := c.binding()
	room, err := c.gateway.store.RequestRename(roomID, playerID, p.FirstName, p.LastName)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleRenameCancel(env *Envelope) {
	roomID, playerID := c.binding()
	room, err := c.gateway.store.CancelRename(roomID, playerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleRenameApprove(env *Envelope) {
	c.handleTargeted(env, c.gateway.store.ApproveRename)
}

func (c *Connection) handleRenameReject(env *Envelope) {
	c.handleTargeted(env, c.gateway.store.RejectRename)
}

func (c *Connection) handleRenameBlock(env *Envelope) {
	var p struct {
		PlayerID string `json:"playerId"`
		Block    bool   `json:"block"`
	}
	if !decode(env, &p) || p.PlayerID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, playerID := c.binding()
	room, err := c.gateway.store.SetRenameBlock(roomID, playerID, p.PlayerID, p.Block)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleBuyInRequest(env *Envelope) {
	var p struct {
		Amount int64  `json:"amount"`
		Note   string `json:"note"`
	}
	if !decode(env, &p) || p.Amount <= 0 {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, playerID := c.binding()
	room, err := c.gateway.store.RequestBuyIn(roomID, playerID, p.Amount, p.Note)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleBuyInCancel(env *Envelope) {
	roomID, playerID := c.binding()
	room, err := c.gateway.store.CancelBuyIn(roomID, playerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleBuyInApprove(env *Envelope) {
	c.handleTargeted(env, c.gateway.store.ApproveBuyIn)
}

func (c *Connection) handleBuyInReject(env *Envelope) {
	c.handleTargeted(env, c.gateway.store.RejectBuyIn)
}

func (c *Connection) handleBuyInBlock(env *Envelope) {
	var p struct {
		PlayerID string `json:"playerId"`
		Block    bool   `json:"block"`
	}
	if !decode(env, &p) || p.PlayerID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, playerID := c.binding()
	room, err := c.gateway.store.SetBuyInBlock(roomID, playerID, p.PlayerID, p.Block)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleKick(env *Envelope) {
	c.handleTargeted(env, c.gateway.store.KickPlayer)
}

// handleTargeted covers the banker commands whose payload is just a target
// player id.
func (c *Connection) handleTargeted(env *Envelope, op func(roomID, actorID, targetID string) (*store.Room, error)) {
	var p struct {
		PlayerID string `json:"playerId"`
	}
	if !decode(env, &p) || p.PlayerID == "" {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, actorID := c.binding()
	room, err := op(roomID, actorID, p.PlayerID)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{"room": room})
}

func (c *Connection) handleBankAdjust(env *Envelope) {
	var p struct {
		PlayerID string `json:"playerId"`
		Amount   int64  `json:"amount"`
		Note     string `json:"note"`
	}
	if !decode(env, &p) || p.PlayerID == "" || p.Amount == 0 {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, actorID := c.binding()
	room, err := c.gateway.store.AdjustPlayerWallet(roomID, actorID, p.PlayerID, p.Amount, p.Note)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{
		"room":   room,
		"adjust": map[string]any{"playerId": p.PlayerID, "amount": p.Amount},
	})
}

func (c *Connection) handleBankerTopUp(env *Envelope) {
	var p struct {
		Amount int64  `json:"amount"`
		Note   string `json:"note"`
	}
	if !decode(env, &p) || p.Amount == 0 {
		c.sendError(env.RequestID, "invalid_payload")
		return
	}
	roomID, actorID := c.binding()
	room, err := c.gateway.store.TopUpBanker(roomID, actorID, p.Amount, p.Note)
	if err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.sendAck(env.RequestID, map[string]any{
		"room":  room,
		"topUp": map[string]any{"amount": p.Amount},
	})
}

func (c *Connection) handleLeave(env *Envelope) {
	roomID, playerID := c.binding()
	if err := c.gateway.store.LeaveRoom(roomID, playerID); err != nil {
		c.fail(env.RequestID, err)
		return
	}
	c.gateway.unbind(c)
	c.sendAck(env.RequestID, nil)
}

// pushConnections sends the banker the latest connection summary of their
// room when the audit sink is enabled.
func (c *Connection) pushConnections(roomID, playerID string) {
	if !c.gateway.audit.Enabled() {
		return
	}
	room, _, err := c.gateway.store.GetRoom(roomID)
	if err != nil {
		return
	}
	isBanker := false
	for _, p := range room.Players {
		if p.ID == playerID && p.Role == kvitlach.RoleBanker {
			isBanker = true
			break
		}
	}
	if !isBanker {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		summaries, err := c.gateway.audit.ListRoomConnections(ctx, roomID)
		if err != nil {
			log.Printf("[Gateway] Connection summary query failed: room=%s err=%v", roomID, err)
			return
		}
		c.gateway.sendEnvelope(c, ServerEnvelope{
			Type:    "room:connections",
			RoomID:  roomID,
			Payload: map[string]any{"connections": summaries},
		})
	}()
}
