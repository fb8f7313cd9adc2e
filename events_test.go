package main

import (
	"encoding/json"
	"testing"
	"testing/quick"
)

// wireTrip pushes an event through JSON the way the transport does and
// decodes it into dst.
func wireTrip(t *testing.T, ev GameEvent, dst GameEvent) {
	t.Helper()
	raw, err := json.Marshal(EventPacket{Type: ev.Tag(), Data: ev.Encode(), Origin: OriginServer})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var pkt EventPacket
	if err := json.Unmarshal(raw, &pkt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := dst.Decode(pkt.Data); err != nil {
		t.Fatalf("decode %s: %v", ev.Tag(), err)
	}
}

// ============================================================================
// Sparse Update Tests
// ============================================================================

func TestUpdateAbsentFieldsStayUnset(t *testing.T) {
	sent := UpdateEvent{Host: Some("alice")}
	var got UpdateEvent
	wireTrip(t, &sent, &got)

	if !got.Host.Set || got.Host.Value != "alice" {
		t.Errorf("host = %+v, want set to alice", got.Host)
	}
	if got.Leader.Set || got.State.Set || got.PlayerOrder.Set || got.EnabledRoles.Set || got.Players.Set {
		t.Errorf("absent fields decoded as set: %+v", got)
	}
}

func TestUpdateLeaderNullMeansCleared(t *testing.T) {
	sent := UpdateEvent{Leader: Some[*string](nil)}
	var got UpdateEvent
	wireTrip(t, &sent, &got)

	if !got.Leader.Set {
		t.Fatal("explicit null leader decoded as absent")
	}
	if got.Leader.Value != nil {
		t.Errorf("null leader decoded as %q", *got.Leader.Value)
	}

	name := "bob"
	sent = UpdateEvent{Leader: Some(&name)}
	got = UpdateEvent{}
	wireTrip(t, &sent, &got)
	if !got.Leader.Set || got.Leader.Value == nil || *got.Leader.Value != "bob" {
		t.Errorf("leader = %+v, want bob", got.Leader)
	}
}

func TestUpdateFullStateRoundTrip(t *testing.T) {
	state := newLobbyState()
	state.Phase = PhaseTeamVote
	state.Round = 2
	state.Rejections = 3
	state.Team = []string{"alice", "bob"}
	state.Outcomes[0] = &MissionOutcome{Pass: true}
	state.Outcomes[1] = &MissionOutcome{Pass: false, NumFails: 2}

	sent := UpdateEvent{
		PlayerOrder:  Some([]string{"alice", "bob", "carol"}),
		State:        Some(state),
		EnabledRoles: Some(RoleMerlin | RoleAssassin),
		Players: Some(map[string]PlayerView{
			"alice": {Username: "alice", Host: true, Connected: true, Roles: RoleMerlin},
			"bob":   {Username: "bob", Leader: true, Connected: true},
		}),
	}
	var got UpdateEvent
	wireTrip(t, &sent, &got)

	if len(got.PlayerOrder.Value) != 3 || got.PlayerOrder.Value[2] != "carol" {
		t.Errorf("player order = %v", got.PlayerOrder.Value)
	}
	s := got.State.Value
	if s.Phase != PhaseTeamVote || s.Round != 2 || s.Rejections != 3 {
		t.Errorf("state = %+v", s)
	}
	if s.Outcomes[0] == nil || !s.Outcomes[0].Pass {
		t.Errorf("outcome 0 = %+v", s.Outcomes[0])
	}
	if s.Outcomes[1] == nil || s.Outcomes[1].NumFails != 2 {
		t.Errorf("outcome 1 = %+v", s.Outcomes[1])
	}
	if s.Outcomes[2] != nil {
		t.Error("unresolved outcome decoded non-nil")
	}
	if got.EnabledRoles.Value != RoleMerlin|RoleAssassin {
		t.Errorf("enabled roles = %b", got.EnabledRoles.Value)
	}
	alice := got.Players.Value["alice"]
	if !alice.Host || alice.Roles != RoleMerlin {
		t.Errorf("alice view = %+v", alice)
	}
	if got.Players.Value["bob"].Roles != RoleNone {
		t.Error("bob view grew a role")
	}
}

func TestPlayerViewOmitsEmptyRoles(t *testing.T) {
	m := PlayerView{Username: "alice", Connected: true}.encode()
	if _, present := m["roles"]; present {
		t.Error("roles key present for unknowing viewer")
	}
	m = PlayerView{Username: "alice", Roles: RolePercival}.encode()
	if _, present := m["roles"]; !present {
		t.Error("roles key missing for known role")
	}
}

func TestGameResultAssassinatedNilVsName(t *testing.T) {
	var got GameResultEvent
	wireTrip(t, &GameResultEvent{Winner: AlignmentGood, Message: "m"}, &got)
	if got.Assassinated != nil {
		t.Errorf("assassinated = %q, want nil", *got.Assassinated)
	}

	name := "carol"
	got = GameResultEvent{}
	wireTrip(t, &GameResultEvent{Winner: AlignmentEvil, Message: "m", Assassinated: &name}, &got)
	if got.Assassinated == nil || *got.Assassinated != "carol" {
		t.Errorf("assassinated = %v, want carol", got.Assassinated)
	}
}

func TestChoiceEventsRoundTrip(t *testing.T) {
	f := func(vote, pass bool, guessSeed uint8) bool {
		var v TeamVoteChoiceEvent
		wireTrip(t, &TeamVoteChoiceEvent{Vote: vote}, &v)
		if v.Vote != vote {
			return false
		}
		var c MissionChoiceEvent
		wireTrip(t, &MissionChoiceEvent{Pass: pass}, &c)
		if c.Pass != pass {
			return false
		}
		guess := []string{"alice", "bob", "carol"}[guessSeed%3]
		var a AssassinationChoiceEvent
		wireTrip(t, &AssassinationChoiceEvent{Guess: guess}, &a)
		return a.Guess == guess
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Error(err)
	}
}

// ============================================================================
// Dispatcher Tests
// ============================================================================

func TestDispatcherDuplicateRegistration(t *testing.T) {
	d := NewDispatcher(func(string) *Lobby { return nil }, &fakeSender{})
	if err := d.Register("ready", func() GameEvent { return &ReadyEvent{} }); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.Register("ready", func() GameEvent { return &ReadyEvent{} }); err == nil {
		t.Error("duplicate register succeeded")
	}
}

func TestDispatcherHandlerNeedsRegisteredTag(t *testing.T) {
	d := NewDispatcher(func(string) *Lobby { return nil }, &fakeSender{})
	err := d.Handle("nonsense", func(*Lobby, string, GameEvent) {})
	if err == nil {
		t.Error("handler attached to unregistered tag")
	}
}

func TestDispatcherDropsUnknownAndMalformed(t *testing.T) {
	l := newLobby("X")
	d := NewDispatcher(func(string) *Lobby { return l }, &fakeSender{})
	if err := registerCoreEvents(d); err != nil {
		t.Fatal(err)
	}
	fired := 0
	d.Handle("team_vote_choice", func(*Lobby, string, GameEvent) { fired++ })

	// Unknown tag: dropped silently.
	d.Receive(EventPacket{Type: "no_such_event", Origin: "alice"})
	// Malformed payload: vote key missing.
	d.Receive(EventPacket{Type: "team_vote_choice", Data: map[string]any{}, Origin: "alice"})
	// Wrong type for the vote field.
	d.Receive(EventPacket{Type: "team_vote_choice", Data: map[string]any{"vote": "yes"}, Origin: "alice"})

	if fired != 0 {
		t.Errorf("handler fired %d times on bad input", fired)
	}

	d.Receive(EventPacket{Type: "team_vote_choice", Data: map[string]any{"vote": true}, Origin: "alice"})
	if fired != 1 {
		t.Errorf("handler fired %d times on valid input, want 1", fired)
	}
}

func TestDispatcherUnresolvedOriginDropped(t *testing.T) {
	d := NewDispatcher(func(string) *Lobby { return nil }, &fakeSender{})
	if err := registerCoreEvents(d); err != nil {
		t.Fatal(err)
	}
	fired := false
	d.Handle("ready", func(*Lobby, string, GameEvent) { fired = true })
	d.Receive(EventPacket{Type: "ready", Origin: "ghost"})
	if fired {
		t.Error("handler fired for origin with no lobby")
	}
}
