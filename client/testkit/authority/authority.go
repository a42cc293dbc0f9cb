// Package authority is an in-memory session authority speaking the room
// protocol over websockets. It backs the client tests.
package authority

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultJoinTimeout = 5 * time.Second

type (
	prompt struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		From string `json:"from"`
	}

	room struct {
		players  []string
		prompts  []prompt
		ready    map[string]struct{}
		drawPile []string
		turn     int
	}

	peer struct {
		mx       sync.Mutex
		conn     *websocket.Conn
		username string
	}

	// Authority keeps rooms, their members, and every frame it received.
	Authority struct {
		logger   zerolog.Logger
		upgrader websocket.Upgrader
		srv      *httptest.Server

		mx       sync.Mutex
		rooms    map[string]*room
		peers    map[string]map[*peer]struct{}
		received map[string][]string
		promptID int
	}
)

func New(logger *zerolog.Logger) *Authority {
	a := &Authority{
		logger: logger.With().Str("component", "authority").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms:    make(map[string]*room),
		peers:    make(map[string]map[*peer]struct{}),
		received: make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{roomID}", a.handle)
	a.srv = httptest.NewServer(mux)
	return a
}

// Endpoint is the base websocket endpoint; rooms live under <Endpoint>/<roomID>.
func (a *Authority) Endpoint() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"
}

func (a *Authority) Close() {
	a.mx.Lock()
	for _, members := range a.peers {
		for p := range members {
			_ = p.conn.Close()
		}
	}
	a.mx.Unlock()
	a.srv.Close()
}

// CreateRoom registers an empty room as if someone created it earlier.
func (a *Authority) CreateRoom(roomID string) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if _, ok := a.rooms[roomID]; !ok {
		a.rooms[roomID] = newRoom()
	}
}

func (a *Authority) RoomExists(roomID string) bool {
	a.mx.Lock()
	defer a.mx.Unlock()
	_, ok := a.rooms[roomID]
	return ok
}

// Received returns raw frames received for roomID, in arrival order.
func (a *Authority) Received(roomID string) []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return append([]string(nil), a.received[roomID]...)
}

// ReceivedTypes returns the type tags of Received.
func (a *Authority) ReceivedTypes(roomID string) []string {
	var types []string
	for _, raw := range a.Received(roomID) {
		var m struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(raw), &m)
		types = append(types, m.Type)
	}
	return types
}

func (a *Authority) Peers(roomID string) int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return len(a.peers[roomID])
}

// Push writes a raw frame to every member of roomID.
func (a *Authority) Push(roomID string, raw string) {
	for _, p := range a.members(roomID) {
		p.write([]byte(raw))
	}
}

// Drop closes every member connection of roomID without a close handshake.
func (a *Authority) Drop(roomID string) {
	for _, p := range a.members(roomID) {
		_ = p.conn.Close()
	}
}

func newRoom() *room {
	return &room{ready: make(map[string]struct{})}
}

func (a *Authority) members(roomID string) []*peer {
	a.mx.Lock()
	defer a.mx.Unlock()
	out := make([]*peer, 0, len(a.peers[roomID]))
	for p := range a.peers[roomID] {
		out = append(out, p)
	}
	return out
}

func (p *peer) write(b []byte) {
	p.mx.Lock()
	defer p.mx.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *peer) send(v map[string]any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.write(b)
}

func (a *Authority) broadcast(roomID string, v map[string]any) {
	for _, p := range a.members(roomID) {
		p.send(v)
	}
}

func (a *Authority) record(roomID string, raw []byte) {
	a.mx.Lock()
	a.received[roomID] = append(a.received[roomID], string(raw))
	a.mx.Unlock()
}

func (a *Authority) handle(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	p := &peer{conn: conn}
	defer func() {
		a.leave(roomID, p)
		_ = conn.Close()
	}()

	fail := func(msg string) {
		p.send(map[string]any{"type": "ERROR", "message": msg})
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultJoinTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		fail("No message received after connection.")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	a.record(roomID, raw)

	var hello struct {
		Type     string `json:"type"`
		Username string `json:"username"`
		Intent   string `json:"intent"`
	}
	if json.Unmarshal(raw, &hello) != nil || hello.Type != "USER_JOINED" {
		fail("First message must be USER_JOINED.")
		return
	}
	if hello.Username == "" {
		hello.Username = "Anonymous"
	}
	p.username = hello.Username

	if msg := a.join(roomID, p, hello.Intent); msg != "" {
		fail(msg)
		return
	}
	a.logger.Debug().Str("roomID", roomID).Str("username", p.username).Msg("user joined")

	a.mx.Lock()
	rm := a.rooms[roomID]
	existing := append([]prompt(nil), rm.prompts...)
	state := roomStateLocked(rm)
	a.mx.Unlock()

	if len(existing) > 0 {
		p.send(map[string]any{"type": "EXISTING_PROMPTS", "prompts": existing})
	}
	a.broadcast(roomID, state)

	for {
		_, raw, err = conn.ReadMessage()
		if err != nil {
			return
		}
		a.record(roomID, raw)
		a.dispatch(roomID, p, raw)
	}
}

func (a *Authority) join(roomID string, p *peer, intent string) string {
	a.mx.Lock()
	defer a.mx.Unlock()

	rm, exists := a.rooms[roomID]
	switch intent {
	case "create":
		if exists {
			return fmt.Sprintf("Room '%s' already exists.", roomID)
		}
		rm = newRoom()
		a.rooms[roomID] = rm
	case "join":
		if !exists {
			return fmt.Sprintf("Room '%s' does not exist.", roomID)
		}
	default:
		return fmt.Sprintf("Invalid intent: '%s'", intent)
	}

	if a.peers[roomID] == nil {
		a.peers[roomID] = make(map[*peer]struct{})
	}
	a.peers[roomID][p] = struct{}{}
	for _, name := range rm.players {
		if name == p.username {
			return ""
		}
	}
	rm.players = append(rm.players, p.username)
	return ""
}

func (a *Authority) leave(roomID string, p *peer) {
	a.mx.Lock()
	defer a.mx.Unlock()
	delete(a.peers[roomID], p)
	if len(a.peers[roomID]) == 0 {
		delete(a.peers, roomID)
	}
}

func roomStateLocked(rm *room) map[string]any {
	var turn any
	if len(rm.players) > 0 {
		turn = rm.players[rm.turn%len(rm.players)]
	}
	return map[string]any{
		"type":        "ROOM_STATE",
		"players":     append([]string{}, rm.players...),
		"currentTurn": turn,
	}
}

func (a *Authority) dispatch(roomID string, p *peer, raw []byte) {
	var msg struct {
		Type     string   `json:"type"`
		Prompts  []string `json:"prompts"`
		PromptID string   `json:"promptId"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	a.mx.Lock()
	rm := a.rooms[roomID]
	var (
		toRoom []map[string]any
		toPeer []map[string]any
	)
	switch msg.Type {
	case "NEW_PROMPTS":
		for _, text := range msg.Prompts {
			a.promptID++
			pr := prompt{ID: fmt.Sprintf("p%d", a.promptID), Text: text, From: p.username}
			rm.prompts = append(rm.prompts, pr)
			toRoom = append(toRoom, map[string]any{"type": "PROMPT_RECEIVED", "prompt": pr})
		}
	case "DELETE_PROMPT":
		for i, pr := range rm.prompts {
			if pr.ID == msg.PromptID {
				rm.prompts = append(rm.prompts[:i], rm.prompts[i+1:]...)
				toRoom = append(toRoom, map[string]any{"type": "PROMPT_DELETED", "promptId": msg.PromptID})
				break
			}
		}
	case "PLAYER_READY":
		rm.ready[p.username] = struct{}{}
		if len(rm.ready) >= len(rm.players) {
			rm.drawPile = rm.drawPile[:0]
			for _, pr := range rm.prompts {
				rm.drawPile = append(rm.drawPile, pr.Text)
			}
			toRoom = append(toRoom, map[string]any{"type": "ALL_READY", "drawPileSize": len(rm.drawPile)})
		} else {
			toRoom = append(toRoom, map[string]any{
				"type":         "PLAYER_READY",
				"username":     p.username,
				"readyCount":   len(rm.ready),
				"totalPlayers": len(rm.players),
			})
		}
	case "DRAW_PROMPT":
		if len(rm.drawPile) > 0 {
			drawn := rm.drawPile[0]
			rm.drawPile = rm.drawPile[1:]
			toPeer = append(toPeer, map[string]any{"type": "PROMPT_DRAWN", "prompt": drawn})
		} else {
			toPeer = append(toPeer, map[string]any{"type": "NO_PROMPTS_LEFT"})
		}
	case "NEXT_TURN":
		if len(rm.players) > 0 {
			rm.turn = (rm.turn + 1) % len(rm.players)
			toRoom = append(toRoom, map[string]any{"type": "TURN_CHANGED", "currentTurn": rm.players[rm.turn]})
		}
	}
	a.mx.Unlock()

	for _, m := range toRoom {
		a.broadcast(roomID, m)
	}
	for _, m := range toPeer {
		p.send(m)
	}
}
