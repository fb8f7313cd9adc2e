package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one live websocket with the player identity bound at handshake.
type Client struct {
	conn     *websocket.Conn
	username string
	lobby    string
	writeMu  sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// Hub owns every live connection and the lobby registry, and implements
// PacketSender for the dispatcher. Connections, memberships and lobbies sit
// behind separate locks so a slow socket write in one lobby never stalls
// another. Identity is bound once at handshake; whatever origin a client
// writes into its packets is overwritten with the authenticated username.
type Hub struct {
	verify func(token string) (string, error)
	d      *Dispatcher

	// onDeparture re-evaluates any pending vote/choice/guess aggregation
	// after a disconnect shrinks the membership. Called under the lobby
	// lock, next to the barrier check.
	onDeparture func(l *Lobby)

	connMu sync.RWMutex
	conns  map[string]*Client // username -> connection

	lobbyMu sync.RWMutex
	lobbies map[string]*Lobby // code -> lobby

	memberMu    sync.RWMutex
	memberships map[string]string // username -> lobby code
}

func newHub(verify func(token string) (string, error)) *Hub {
	return &Hub{
		verify:      verify,
		conns:       make(map[string]*Client),
		lobbies:     make(map[string]*Lobby),
		memberships: make(map[string]string),
	}
}

// setDispatcher breaks the hub/dispatcher construction cycle: the dispatcher
// needs the hub as its sender, the hub needs the dispatcher for inbound
// packets.
func (h *Hub) setDispatcher(d *Dispatcher) { h.d = d }

// ============================================================================
// Lobby registry
// ============================================================================

// CreateLobby registers a fresh lobby under a collision-checked join code.
func (h *Hub) CreateLobby() (*Lobby, error) {
	h.lobbyMu.Lock()
	defer h.lobbyMu.Unlock()
	for {
		code, err := generateLobbyCode()
		if err != nil {
			return nil, err
		}
		if _, taken := h.lobbies[code]; taken {
			continue
		}
		l := newLobby(code)
		h.lobbies[code] = l
		log.Printf("lobby %s created", code)
		return l, nil
	}
}

// LookupLobby resolves a join code.
func (h *Hub) LookupLobby(code string) *Lobby {
	h.lobbyMu.RLock()
	defer h.lobbyMu.RUnlock()
	return h.lobbies[code]
}

// lobbyFor resolves the lobby a username currently belongs to. This is the
// dispatcher's resolve hook.
func (h *Hub) lobbyFor(username string) *Lobby {
	h.memberMu.RLock()
	code, ok := h.memberships[username]
	h.memberMu.RUnlock()
	if !ok {
		return nil
	}
	return h.LookupLobby(code)
}

func (h *Hub) dropLobby(code string) {
	h.lobbyMu.Lock()
	delete(h.lobbies, code)
	h.lobbyMu.Unlock()
	log.Printf("lobby %s torn down", code)
}

// ============================================================================
// PacketSender
// ============================================================================

// SendTo writes a packet to one player's connection. A write failure closes
// the socket; the read loop observes the close and runs the normal
// disconnect path.
func (h *Hub) SendTo(l *Lobby, username string, pkt EventPacket) {
	h.connMu.RLock()
	client, ok := h.conns[username]
	h.connMu.RUnlock()
	if !ok || client.lobby != l.Code {
		return
	}
	h.writePacket(client, pkt)
}

// Broadcast writes a packet to every connected player in the lobby.
func (h *Hub) Broadcast(l *Lobby, pkt EventPacket) {
	for _, username := range l.ConnectedUsernames() {
		h.connMu.RLock()
		client, ok := h.conns[username]
		h.connMu.RUnlock()
		if !ok || client.lobby != l.Code {
			continue
		}
		h.writePacket(client, pkt)
	}
}

func (h *Hub) writePacket(client *Client, pkt EventPacket) {
	payload, err := json.Marshal(pkt)
	if err != nil {
		logError("writePacket: marshal", err)
		return
	}
	LogWSMessage("OUT", client.username, string(payload))

	client.writeMu.Lock()
	err = client.conn.WriteMessage(websocket.TextMessage, payload)
	client.writeMu.Unlock()
	if err != nil {
		log.Printf("WebSocket write error to %s: %v", client.username, err)
		client.conn.Close()
	}
}

// ============================================================================
// Handshake
// ============================================================================

// handleWebSocket upgrades GET /ws?lobby=CODE&token=TOKEN. Refusals carry a
// reason so clients can distinguish a bad token from a full table.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	username, err := h.verify(token)
	if err != nil {
		DebugLog("handleWebSocket: rejected connection: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	code := strings.ToUpper(r.URL.Query().Get("lobby"))
	l := h.LookupLobby(code)
	if l == nil {
		http.Error(w, "no such lobby", http.StatusNotFound)
		return
	}

	// One active lobby per user. Rejoining the same lobby is the reconnect
	// path; a different one is refused.
	h.memberMu.RLock()
	current, member := h.memberships[username]
	h.memberMu.RUnlock()
	if member && current != code {
		http.Error(w, "already in another lobby", http.StatusConflict)
		return
	}

	// Seat or re-seat the player before upgrading so a refusal is still an
	// ordinary HTTP response.
	l.mu.Lock()
	p, seated := l.Players[username]
	switch {
	case seated:
		p.Connected = true
	case l.State.Phase != PhaseLobby:
		l.mu.Unlock()
		http.Error(w, "game in progress", http.StatusConflict)
		return
	case len(l.Players) >= maxPlayers:
		l.mu.Unlock()
		http.Error(w, "lobby full", http.StatusConflict)
		return
	default:
		if _, err := l.AddPlayer(username, r.URL.Query().Get("avatar")); err != nil {
			l.mu.Unlock()
			http.Error(w, "cannot join lobby", http.StatusConflict)
			return
		}
	}
	l.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for %s: %v", username, err)
		return
	}
	DebugLog("handleWebSocket: %s joined lobby %s", username, code)

	client := &Client{conn: conn, username: username, lobby: code}
	h.attach(client)

	l.mu.Lock()
	h.syncLobby(l)
	l.coord.checkBarrier(l)
	l.mu.Unlock()

	go h.readLoop(client, l)
}

// attach records the connection and membership, closing any previous socket
// for the same user. One socket per user: the newest connection wins.
func (h *Hub) attach(client *Client) {
	h.connMu.Lock()
	if prev, ok := h.conns[client.username]; ok {
		prev.conn.Close()
	}
	h.conns[client.username] = client
	h.connMu.Unlock()

	h.memberMu.Lock()
	h.memberships[client.username] = client.lobby
	h.memberMu.Unlock()
}

// syncLobby sends every connected player a full snapshot, each filtered to
// what that player may know. Called under the lobby lock on membership
// changes.
func (h *Hub) syncLobby(l *Lobby) {
	full := UpdateEvent{
		PlayerOrder:  Some(append([]string(nil), l.Order...)),
		Host:         Some(l.HostName),
		Leader:       leaderDelta(l),
		State:        Some(l.State),
		EnabledRoles: Some(l.EnabledRoles),
	}
	for _, u := range l.ConnectedUsernames() {
		ev := full
		ev.Players = Some(viewFor(l, u))
		h.d.SendTo(l, u, &ev)
	}
}

// ============================================================================
// Read loop and disconnect
// ============================================================================

// readLoop pumps inbound packets into the dispatcher. The origin field is
// forced to the authenticated username regardless of what the client sent.
// Dispatch runs under the lobby lock, which is what makes handler execution
// and the resulting broadcasts atomic per lobby.
func (h *Hub) readLoop(client *Client, l *Lobby) {
	defer h.disconnect(client, l)
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		LogWSMessage("IN", client.username, string(payload))

		var pkt EventPacket
		if err := json.Unmarshal(payload, &pkt); err != nil {
			DebugLog("readLoop: malformed packet from %s: %v", client.username, err)
			continue
		}
		pkt.Origin = client.username

		// A voluntary leave closes the socket; the deferred disconnect
		// path handles the membership change like any other hangup.
		if pkt.Type == "disconnect" {
			DebugLog("readLoop: %s leaving lobby %s", client.username, l.Code)
			return
		}

		l.mu.Lock()
		h.d.Receive(pkt)
		l.mu.Unlock()
	}
}

// disconnect runs when a read loop ends. Before a game starts the player is
// removed outright; mid-round they stay seated but marked disconnected so
// their roles and the turn order survive a reconnect. The last player
// leaving tears the lobby down.
func (h *Hub) disconnect(client *Client, l *Lobby) {
	h.connMu.Lock()
	if cur, ok := h.conns[client.username]; ok && cur == client {
		delete(h.conns, client.username)
	} else {
		// A newer socket replaced this one; nothing else to unwind.
		h.connMu.Unlock()
		client.conn.Close()
		return
	}
	h.connMu.Unlock()
	client.conn.Close()

	l.mu.Lock()
	p, seated := l.Players[client.username]
	if !seated {
		l.mu.Unlock()
		h.forget(client.username)
		return
	}
	log.Printf("lobby %s: %s disconnected", l.Code, client.username)

	wasHost := l.HostName == client.username
	if l.State.Phase == PhaseLobby || l.State.Phase == PhaseGameOver {
		l.RemovePlayer(client.username)
	} else {
		p.Connected = false
	}

	empty := l.ConnectedCount() == 0
	if !empty {
		if wasHost {
			l.coord.PromoteHost(l)
		}
		if l.LeaderName == client.username || (l.LeaderName != "" && !l.Players[l.LeaderName].Connected) {
			l.coord.RotateLeader(l)
		}
		// A departure can complete a barrier or an aggregation the leaver
		// was holding up.
		l.coord.checkBarrier(l)
		if h.onDeparture != nil {
			h.onDeparture(l)
		}
		h.syncLobby(l)
	}
	l.mu.Unlock()

	h.forget(client.username)
	if empty {
		h.dropLobby(l.Code)
	}
}

func (h *Hub) forget(username string) {
	h.memberMu.Lock()
	delete(h.memberships, username)
	h.memberMu.Unlock()
}

// ============================================================================
// Lobby directory endpoint
// ============================================================================

// handleCreateLobby serves POST /lobbies, returning the join code. The
// caller still joins over the websocket like everyone else.
func (h *Hub) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.verify(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	l, err := h.CreateLobby()
	if err != nil {
		logError("handleCreateLobby", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"lobby": l.Code})
}
