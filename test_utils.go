package main

import (
	"encoding/json"
	"fmt"
	"testing"
)

// ============================================================================
// In-memory transport fixture
// ============================================================================

// sentPacket is one captured outbound packet; to is empty for broadcasts.
type sentPacket struct {
	to  string
	pkt EventPacket
}

// fakeSender implements PacketSender against memory so protocol and flow
// tests can run without sockets.
type fakeSender struct {
	packets []sentPacket
}

func (f *fakeSender) SendTo(l *Lobby, username string, pkt EventPacket) {
	f.packets = append(f.packets, sentPacket{to: username, pkt: pkt})
}

func (f *fakeSender) Broadcast(l *Lobby, pkt EventPacket) {
	f.packets = append(f.packets, sentPacket{pkt: pkt})
}

func (f *fakeSender) byType(tag string) []sentPacket {
	var out []sentPacket
	for _, sp := range f.packets {
		if sp.pkt.Type == tag {
			out = append(out, sp)
		}
	}
	return out
}

// memorySink collects game records for assertions.
type memorySink struct {
	records []GameRecord
}

func (m *memorySink) RecordResult(record GameRecord) error {
	m.records = append(m.records, record)
	return nil
}

// ============================================================================
// Game fixture
// ============================================================================

// testGame is a fully wired lobby, dispatcher and flow over the fake
// transport. Tests drive it by delivering packets the way the hub would.
type testGame struct {
	t      *testing.T
	l      *Lobby
	d      *Dispatcher
	flow   *Flow
	sender *fakeSender
	sink   *memorySink
}

func newTestGame(t *testing.T, players int) *testGame {
	t.Helper()
	l := newLobby("TEST42")
	sender := &fakeSender{}
	sink := &memorySink{}
	d := NewDispatcher(func(string) *Lobby { return l }, sender)
	if err := registerCoreEvents(d); err != nil {
		t.Fatalf("registerCoreEvents: %v", err)
	}
	flow := newFlow(d, sink, nil)
	if err := flow.register(); err != nil {
		t.Fatalf("flow.register: %v", err)
	}
	for i := 0; i < players; i++ {
		name := fmt.Sprintf("p%d", i+1)
		if _, err := l.AddPlayer(name, ""); err != nil {
			t.Fatalf("AddPlayer %s: %v", name, err)
		}
	}
	return &testGame{t: t, l: l, d: d, flow: flow, sender: sender, sink: sink}
}

// deliver routes a packet through the dispatcher exactly as the hub does
// after authenticating the origin. The payload takes a wire round trip
// through JSON so decode sees float64 numbers, not Go ints.
func (g *testGame) deliver(origin, tag string, data map[string]any) {
	g.t.Helper()
	raw, err := json.Marshal(EventPacket{Type: tag, Data: data, Origin: origin})
	if err != nil {
		g.t.Fatalf("marshal %s: %v", tag, err)
	}
	var pkt EventPacket
	if err := json.Unmarshal(raw, &pkt); err != nil {
		g.t.Fatalf("unmarshal %s: %v", tag, err)
	}
	g.d.Receive(pkt)
}

// allReady acknowledges the pending barrier for every connected player.
func (g *testGame) allReady() {
	for _, u := range g.l.ConnectedUsernames() {
		g.deliver(u, "ready", nil)
	}
}

// startStandard runs a five-seat game up to team_select with Merlin and the
// Assassin enabled.
func (g *testGame) startStandard() {
	g.t.Helper()
	g.deliver(g.l.HostName, "set_role_list", map[string]any{"roles": int(RoleMerlin | RoleAssassin)})
	g.deliver(g.l.HostName, "start_game", nil)
	if g.l.State.Phase != PhaseRoleReveal {
		g.t.Fatalf("expected role_reveal after start, got %s", g.l.State.Phase)
	}
	g.allReady()
	if g.l.State.Phase != PhaseTeamSelect {
		g.t.Fatalf("expected team_select after reveal barrier, got %s", g.l.State.Phase)
	}
}

// proposeAndApprove has the leader propose the first players in turn order
// and everyone vote yes.
func (g *testGame) proposeAndApprove() []string {
	g.t.Helper()
	size := teamSizes[len(g.l.Players)][g.l.State.Round]
	team := append([]string(nil), g.l.Order[:size]...)
	teamAny := make([]any, len(team))
	for i, u := range team {
		teamAny[i] = u
	}
	g.deliver(g.l.LeaderName, "team_proposal", map[string]any{"team": teamAny})
	if g.l.State.Phase != PhaseTeamVote {
		g.t.Fatalf("expected team_vote after proposal, got %s", g.l.State.Phase)
	}
	for _, u := range g.l.ConnectedUsernames() {
		g.deliver(u, "team_vote_choice", map[string]any{"vote": true})
	}
	return team
}

// runMission plays one full round: propose, approve, play cards, ack the
// reveal barrier.
func (g *testGame) runMission(pass bool) {
	g.t.Helper()
	team := g.proposeAndApprove()
	if g.l.State.Phase != PhaseMission {
		g.t.Fatalf("expected mission after approval, got %s", g.l.State.Phase)
	}
	for _, u := range team {
		g.deliver(u, "mission_choice", map[string]any{"pass": pass})
	}
	if g.l.State.Phase != PhaseMissionReveal {
		g.t.Fatalf("expected mission_reveal after cards, got %s", g.l.State.Phase)
	}
	g.allReady()
}

// findRole returns the username holding a role, or empty.
func (g *testGame) findRole(role RoleSet) string {
	for name, p := range g.l.Players {
		if p.Roles == role {
			return name
		}
	}
	return ""
}
