package main

import (
	"fmt"
)

// OriginServer is the reserved origin tag for packets the server authors
// itself. Clients always stamp their own username.
const OriginServer = "server"

// EventPacket is the wire-level envelope. It carries no business logic; the
// data payload is an opaque map until the dispatcher decodes it.
type EventPacket struct {
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
	Origin string         `json:"origin"`
	Token  string         `json:"token,omitempty"`
}

// GameEvent is a named payload that can encode itself into a
// transport-neutral map and decode from one. Decode must tolerate
// partially-populated payloads: update events intentionally send sparse
// diffs, so every field is optional.
type GameEvent interface {
	Tag() string
	Encode() map[string]any
	Decode(data map[string]any) error
}

// Opt is an optional field with an explicit present/absent discriminator.
// An unset field encodes to no key at all, which receivers must read as
// "unchanged" — never as "reset to empty". This is distinct from a present
// null value (see UpdateEvent.Leader).
type Opt[T any] struct {
	Value T
	Set   bool
}

// Some wraps a value in a set Opt.
func Some[T any](v T) Opt[T] { return Opt[T]{Value: v, Set: true} }

// ============================================================================
// Payload decode helpers
// ============================================================================

// JSON unmarshals numbers as float64 and arrays as []any; these helpers
// normalize without ever panicking on a missing or malformed field.

func asString(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func asBool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

func asInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func asRoleSet(m map[string]any, key string) (RoleSet, bool) {
	n, ok := asInt(m, key)
	if !ok || n < 0 {
		return RoleNone, false
	}
	return RoleSet(n), true
}

func asStringSlice(m map[string]any, key string) ([]string, bool) {
	raw, ok := m[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

// ============================================================================
// Event catalog
// ============================================================================

// ReadyEvent acknowledges that a client has applied the last broadcast.
type ReadyEvent struct{}

func (ReadyEvent) Tag() string                 { return "ready" }
func (ReadyEvent) Encode() map[string]any      { return map[string]any{} }
func (*ReadyEvent) Decode(map[string]any) error { return nil }

// DisconnectEvent tells a client why its connection is being dropped, or
// signals a voluntary leave when sent by a client.
type DisconnectEvent struct {
	Reason string
}

func (DisconnectEvent) Tag() string { return "disconnect" }
func (e DisconnectEvent) Encode() map[string]any {
	return map[string]any{"reason": e.Reason}
}
func (e *DisconnectEvent) Decode(m map[string]any) error {
	e.Reason, _ = asString(m, "reason")
	return nil
}

// SetRoleListEvent replaces the lobby's enabled role set (host only).
type SetRoleListEvent struct {
	Roles RoleSet
}

func (SetRoleListEvent) Tag() string { return "set_role_list" }
func (e SetRoleListEvent) Encode() map[string]any {
	return map[string]any{"roles": int(e.Roles)}
}
func (e *SetRoleListEvent) Decode(m map[string]any) error {
	roles, ok := asRoleSet(m, "roles")
	if !ok {
		return fmt.Errorf("set_role_list: missing roles")
	}
	e.Roles = roles
	return nil
}

// PlayerView is the per-viewer redacted copy of a player. Roles carries the
// viewer's knowledge as a possibility set and is omitted from the wire when
// the viewer has none.
type PlayerView struct {
	Username  string
	Host      bool
	Leader    bool
	Connected bool
	Avatar    string
	Roles     RoleSet
}

func (p PlayerView) encode() map[string]any {
	m := map[string]any{
		"username":  p.Username,
		"host":      p.Host,
		"leader":    p.Leader,
		"connected": p.Connected,
		"avatar":    p.Avatar,
	}
	if p.Roles != RoleNone {
		m["roles"] = int(p.Roles)
	}
	return m
}

func decodePlayerView(m map[string]any) PlayerView {
	var p PlayerView
	p.Username, _ = asString(m, "username")
	p.Host, _ = asBool(m, "host")
	p.Leader, _ = asBool(m, "leader")
	p.Connected, _ = asBool(m, "connected")
	p.Avatar, _ = asString(m, "avatar")
	p.Roles, _ = asRoleSet(m, "roles")
	return p
}

// UpdateEvent is a sparse state delta. Only fields that changed are set;
// absent fields mean "unchanged". Leader is doubly optional: set-to-nil
// means "leader cleared" (wire null), unset means "no change".
type UpdateEvent struct {
	PlayerOrder  Opt[[]string]
	Host         Opt[string]
	Leader       Opt[*string]
	State        Opt[LobbyState]
	EnabledRoles Opt[RoleSet]
	Players      Opt[map[string]PlayerView]
}

func (UpdateEvent) Tag() string { return "update" }

func (e UpdateEvent) Encode() map[string]any {
	m := map[string]any{}
	if e.PlayerOrder.Set {
		order := make([]any, len(e.PlayerOrder.Value))
		for i, u := range e.PlayerOrder.Value {
			order[i] = u
		}
		m["player_order"] = order
	}
	if e.Host.Set {
		m["host"] = e.Host.Value
	}
	if e.Leader.Set {
		if e.Leader.Value == nil {
			m["leader"] = nil
		} else {
			m["leader"] = *e.Leader.Value
		}
	}
	if e.State.Set {
		m["state"] = e.State.Value.encode()
	}
	if e.EnabledRoles.Set {
		m["enabled_roles"] = int(e.EnabledRoles.Value)
	}
	if e.Players.Set {
		players := map[string]any{}
		for name, view := range e.Players.Value {
			players[name] = view.encode()
		}
		m["players"] = players
	}
	return m
}

func (e *UpdateEvent) Decode(m map[string]any) error {
	if order, ok := asStringSlice(m, "player_order"); ok {
		e.PlayerOrder = Some(order)
	}
	if host, ok := asString(m, "host"); ok {
		e.Host = Some(host)
	}
	if raw, present := m["leader"]; present {
		if raw == nil {
			e.Leader = Some[*string](nil)
		} else if name, ok := raw.(string); ok {
			e.Leader = Some(&name)
		}
	}
	if raw, ok := asMap(m, "state"); ok {
		e.State = Some(decodeLobbyState(raw))
	}
	if roles, ok := asRoleSet(m, "enabled_roles"); ok {
		e.EnabledRoles = Some(roles)
	}
	if raw, ok := asMap(m, "players"); ok {
		players := map[string]PlayerView{}
		for name, entry := range raw {
			if pm, ok := entry.(map[string]any); ok {
				players[name] = decodePlayerView(pm)
			}
		}
		e.Players = Some(players)
	}
	return nil
}

// StartGameEvent starts the round (host only).
type StartGameEvent struct{}

func (StartGameEvent) Tag() string                 { return "start_game" }
func (StartGameEvent) Encode() map[string]any      { return map[string]any{} }
func (*StartGameEvent) Decode(map[string]any) error { return nil }

// RoleRevealEvent announces the role reveal phase.
type RoleRevealEvent struct{}

func (RoleRevealEvent) Tag() string                 { return "role_reveal" }
func (RoleRevealEvent) Encode() map[string]any      { return map[string]any{} }
func (*RoleRevealEvent) Decode(map[string]any) error { return nil }

// TeamProposalEvent carries the leader's proposed mission team.
type TeamProposalEvent struct {
	Team []string
}

func (TeamProposalEvent) Tag() string { return "team_proposal" }
func (e TeamProposalEvent) Encode() map[string]any {
	team := make([]any, len(e.Team))
	for i, u := range e.Team {
		team[i] = u
	}
	return map[string]any{"team": team}
}
func (e *TeamProposalEvent) Decode(m map[string]any) error {
	team, ok := asStringSlice(m, "team")
	if !ok {
		return fmt.Errorf("team_proposal: missing team")
	}
	e.Team = team
	return nil
}

// TeamVoteEvent announces that voting on the proposed team has begun.
type TeamVoteEvent struct {
	Players []string
}

func (TeamVoteEvent) Tag() string { return "team_vote" }
func (e TeamVoteEvent) Encode() map[string]any {
	players := make([]any, len(e.Players))
	for i, u := range e.Players {
		players[i] = u
	}
	return map[string]any{"players": players}
}
func (e *TeamVoteEvent) Decode(m map[string]any) error {
	e.Players, _ = asStringSlice(m, "players")
	return nil
}

// TeamVoteChoiceEvent is one player's approve/reject vote.
type TeamVoteChoiceEvent struct {
	Vote bool
}

func (TeamVoteChoiceEvent) Tag() string { return "team_vote_choice" }
func (e TeamVoteChoiceEvent) Encode() map[string]any {
	return map[string]any{"vote": e.Vote}
}
func (e *TeamVoteChoiceEvent) Decode(m map[string]any) error {
	vote, ok := asBool(m, "vote")
	if !ok {
		return fmt.Errorf("team_vote_choice: missing vote")
	}
	e.Vote = vote
	return nil
}

// MissionEvent announces that the approved team is on mission.
type MissionEvent struct {
	Players []string
}

func (MissionEvent) Tag() string { return "mission" }
func (e MissionEvent) Encode() map[string]any {
	players := make([]any, len(e.Players))
	for i, u := range e.Players {
		players[i] = u
	}
	return map[string]any{"players": players}
}
func (e *MissionEvent) Decode(m map[string]any) error {
	e.Players, _ = asStringSlice(m, "players")
	return nil
}

// MissionChoiceEvent is one team member's pass/fail card.
type MissionChoiceEvent struct {
	Pass bool
}

func (MissionChoiceEvent) Tag() string { return "mission_choice" }
func (e MissionChoiceEvent) Encode() map[string]any {
	return map[string]any{"pass": e.Pass}
}
func (e *MissionChoiceEvent) Decode(m map[string]any) error {
	pass, ok := asBool(m, "pass")
	if !ok {
		return fmt.Errorf("mission_choice: missing pass")
	}
	e.Pass = pass
	return nil
}

// MissionOutcomeEvent reveals the result of the completed mission.
type MissionOutcomeEvent struct {
	Pass     bool
	NumFails int
}

func (MissionOutcomeEvent) Tag() string { return "mission_outcome" }
func (e MissionOutcomeEvent) Encode() map[string]any {
	return map[string]any{"pass": e.Pass, "numFails": e.NumFails}
}
func (e *MissionOutcomeEvent) Decode(m map[string]any) error {
	e.Pass, _ = asBool(m, "pass")
	e.NumFails, _ = asInt(m, "numFails")
	return nil
}

// AssassinationEvent announces the assassination phase.
type AssassinationEvent struct{}

func (AssassinationEvent) Tag() string                 { return "assassination" }
func (AssassinationEvent) Encode() map[string]any      { return map[string]any{} }
func (*AssassinationEvent) Decode(map[string]any) error { return nil }

// AssassinationChoiceEvent is one evil player's guess at Merlin.
type AssassinationChoiceEvent struct {
	Guess string
}

func (AssassinationChoiceEvent) Tag() string { return "assassination_choice" }
func (e AssassinationChoiceEvent) Encode() map[string]any {
	return map[string]any{"guess": e.Guess}
}
func (e *AssassinationChoiceEvent) Decode(m map[string]any) error {
	guess, ok := asString(m, "guess")
	if !ok {
		return fmt.Errorf("assassination_choice: missing guess")
	}
	e.Guess = guess
	return nil
}

// GameResultEvent announces the winner. Assassinated is nil when the game
// ended without an assassination attempt.
type GameResultEvent struct {
	Winner       Alignment
	Message      string
	Assassinated *string
}

func (GameResultEvent) Tag() string { return "game_result" }
func (e GameResultEvent) Encode() map[string]any {
	m := map[string]any{
		"winner":  string(e.Winner),
		"message": e.Message,
	}
	if e.Assassinated == nil {
		m["assassinated"] = nil
	} else {
		m["assassinated"] = *e.Assassinated
	}
	return m
}
func (e *GameResultEvent) Decode(m map[string]any) error {
	winner, _ := asString(m, "winner")
	e.Winner = Alignment(winner)
	e.Message, _ = asString(m, "message")
	if name, ok := asString(m, "assassinated"); ok {
		e.Assassinated = &name
	}
	return nil
}

// BackToLobbyEvent returns a finished game to the pre-game lobby.
type BackToLobbyEvent struct{}

func (BackToLobbyEvent) Tag() string                 { return "back_to_lobby" }
func (BackToLobbyEvent) Encode() map[string]any      { return map[string]any{} }
func (*BackToLobbyEvent) Decode(map[string]any) error { return nil }

// ============================================================================
// Dispatcher
// ============================================================================

// EventHandler reacts to a decoded event in the context of its lobby. The
// caller holds the lobby's lock for the duration of the call.
type EventHandler func(l *Lobby, origin string, ev GameEvent)

// PacketSender is the single point where a concrete transport is touched;
// the dispatcher itself stays transport-agnostic.
type PacketSender interface {
	SendTo(l *Lobby, username string, pkt EventPacket)
	Broadcast(l *Lobby, pkt EventPacket)
}

// Dispatcher is a symmetric registry of event types. Either endpoint can use
// it: register factories for the tags you understand, attach handlers for
// the tags you act on, and unknown tags are dropped for forward
// compatibility.
type Dispatcher struct {
	factories map[string]func() GameEvent
	handlers  map[string][]EventHandler
	resolve   func(origin string) *Lobby
	sender    PacketSender
}

func NewDispatcher(resolve func(origin string) *Lobby, sender PacketSender) *Dispatcher {
	return &Dispatcher{
		factories: make(map[string]func() GameEvent),
		handlers:  make(map[string][]EventHandler),
		resolve:   resolve,
		sender:    sender,
	}
}

// Register binds a tag to its event factory. Registering the same tag twice
// is a configuration error.
func (d *Dispatcher) Register(tag string, factory func() GameEvent) error {
	if _, dup := d.factories[tag]; dup {
		return fmt.Errorf("dispatcher: event %q registered twice", tag)
	}
	d.factories[tag] = factory
	return nil
}

// Handle attaches a handler to a registered tag.
func (d *Dispatcher) Handle(tag string, h EventHandler) error {
	if _, ok := d.factories[tag]; !ok {
		return fmt.Errorf("dispatcher: handler for unregistered event %q", tag)
	}
	d.handlers[tag] = append(d.handlers[tag], h)
	return nil
}

// Receive decodes a packet, resolves the acting lobby for its origin and
// invokes every handler for the tag. Unknown tags and malformed payloads
// are dropped: a single bad packet must never take down a lobby.
func (d *Dispatcher) Receive(pkt EventPacket) {
	factory, ok := d.factories[pkt.Type]
	if !ok {
		DebugLog("dispatcher: dropping unknown event %q from %s", pkt.Type, pkt.Origin)
		return
	}
	ev := factory()
	data := pkt.Data
	if data == nil {
		data = map[string]any{}
	}
	if err := ev.Decode(data); err != nil {
		DebugLog("dispatcher: dropping malformed %q from %s: %v", pkt.Type, pkt.Origin, err)
		return
	}
	l := d.resolve(pkt.Origin)
	if l == nil {
		DebugLog("dispatcher: no lobby for origin %s (event %q)", pkt.Origin, pkt.Type)
		return
	}
	for _, h := range d.handlers[pkt.Type] {
		h(l, pkt.Origin, ev)
	}
}

// Send encodes the event and broadcasts it to every connection in the lobby.
func (d *Dispatcher) Send(l *Lobby, ev GameEvent) {
	d.sender.Broadcast(l, EventPacket{Type: ev.Tag(), Data: ev.Encode(), Origin: OriginServer})
}

// SendTo encodes the event and delivers it to a single player.
func (d *Dispatcher) SendTo(l *Lobby, username string, ev GameEvent) {
	d.sender.SendTo(l, username, EventPacket{Type: ev.Tag(), Data: ev.Encode(), Origin: OriginServer})
}

// registerCoreEvents registers the full event catalog. Both directions are
// registered so the same registry works on either endpoint.
func registerCoreEvents(d *Dispatcher) error {
	factories := map[string]func() GameEvent{
		"ready":                func() GameEvent { return &ReadyEvent{} },
		"disconnect":           func() GameEvent { return &DisconnectEvent{} },
		"set_role_list":        func() GameEvent { return &SetRoleListEvent{} },
		"update":               func() GameEvent { return &UpdateEvent{} },
		"start_game":           func() GameEvent { return &StartGameEvent{} },
		"role_reveal":          func() GameEvent { return &RoleRevealEvent{} },
		"team_proposal":        func() GameEvent { return &TeamProposalEvent{} },
		"team_vote":            func() GameEvent { return &TeamVoteEvent{} },
		"team_vote_choice":     func() GameEvent { return &TeamVoteChoiceEvent{} },
		"mission":              func() GameEvent { return &MissionEvent{} },
		"mission_choice":       func() GameEvent { return &MissionChoiceEvent{} },
		"mission_outcome":      func() GameEvent { return &MissionOutcomeEvent{} },
		"assassination":        func() GameEvent { return &AssassinationEvent{} },
		"assassination_choice": func() GameEvent { return &AssassinationChoiceEvent{} },
		"game_result":          func() GameEvent { return &GameResultEvent{} },
		"back_to_lobby":        func() GameEvent { return &BackToLobbyEvent{} },
	}
	for tag, factory := range factories {
		if err := d.Register(tag, factory); err != nil {
			return err
		}
	}
	return nil
}
