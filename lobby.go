package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// Phase is a named stage of the game flow state machine.
type Phase string

const (
	PhaseLobby         Phase = "lobby"
	PhaseRoleReveal    Phase = "role_reveal"
	PhaseTeamSelect    Phase = "team_select"
	PhaseTeamVote      Phase = "team_vote"
	PhaseMission       Phase = "mission"
	PhaseMissionReveal Phase = "mission_reveal"
	PhaseAssassination Phase = "assassination"
	PhaseGameOver      Phase = "game_over"
)

const missionCount = 5

// MissionOutcome records one resolved mission. A nil slot in
// LobbyState.Outcomes means the mission has not happened yet.
type MissionOutcome struct {
	Pass     bool
	NumFails int
}

// LobbyState is the phase payload of a lobby: where the game is, what the
// five missions did, and which team is currently proposed or active.
// Transitions are produced only by the game flow controller.
type LobbyState struct {
	Phase      Phase
	Round      int // -1 outside active rounds
	Outcomes   [missionCount]*MissionOutcome
	Team       []string
	Rejections int // consecutive rejected proposals this round
}

func newLobbyState() LobbyState {
	return LobbyState{Phase: PhaseLobby, Round: -1}
}

func (s LobbyState) encode() map[string]any {
	outcomes := make([]any, missionCount)
	for i, o := range s.Outcomes {
		if o == nil {
			outcomes[i] = nil
		} else {
			outcomes[i] = map[string]any{"pass": o.Pass, "numFails": o.NumFails}
		}
	}
	team := make([]any, len(s.Team))
	for i, u := range s.Team {
		team[i] = u
	}
	return map[string]any{
		"phase":      string(s.Phase),
		"round":      s.Round,
		"outcomes":   outcomes,
		"team":       team,
		"rejections": s.Rejections,
	}
}

func decodeLobbyState(m map[string]any) LobbyState {
	var s LobbyState
	phase, _ := asString(m, "phase")
	s.Phase = Phase(phase)
	s.Round, _ = asInt(m, "round")
	s.Rejections, _ = asInt(m, "rejections")
	s.Team, _ = asStringSlice(m, "team")
	if raw, ok := m["outcomes"].([]any); ok {
		for i, entry := range raw {
			if i >= missionCount {
				break
			}
			om, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			pass, _ := asBool(om, "pass")
			fails, _ := asInt(om, "numFails")
			s.Outcomes[i] = &MissionOutcome{Pass: pass, NumFails: fails}
		}
	}
	return s
}

// Player is one seat in a lobby. Roles is a possibility set: on the server
// it collapses to a single role once assigned, but a filtered client view
// may stay ambiguous (Percival sees {Merlin, Morgana}).
type Player struct {
	Username  string
	Host      bool
	Leader    bool
	Connected bool
	Avatar    string
	Roles     RoleSet
}

// Lobby is the authoritative state of one game session. All mutation of a
// lobby happens under its lock; two lobbies never contend with each other.
type Lobby struct {
	mu sync.Mutex

	Code         string
	HostName     string
	LeaderName   string // empty outside active rounds
	State        LobbyState
	EnabledRoles RoleSet
	Order        []string // turn/leader order; permutation of player keys during a round
	Players      map[string]*Player

	coord   Coordinator
	waiting WaitingFor
}

func newLobby(code string) *Lobby {
	return &Lobby{
		Code:    code,
		State:   newLobbyState(),
		Players: make(map[string]*Player),
		coord:   newCoordinator(),
	}
}

// generateLobbyCode returns a short join code. Ambiguous characters are
// excluded because players read these out loud.
func generateLobbyCode() (string, error) {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[n.Int64()]
	}
	return string(code), nil
}

// AddPlayer seats a new player. The first player to join becomes host.
func (l *Lobby) AddPlayer(username, avatar string) (*Player, error) {
	if _, taken := l.Players[username]; taken {
		return nil, fmt.Errorf("username %q already seated in lobby %s", username, l.Code)
	}
	p := &Player{Username: username, Avatar: avatar, Connected: true}
	l.Players[username] = p
	l.Order = append(l.Order, username)
	if l.HostName == "" {
		l.setHost(username)
	}
	return p, nil
}

// RemovePlayer unseats a player, removing them from the player map and the
// turn order atomically. Returns false if they were not seated.
func (l *Lobby) RemovePlayer(username string) bool {
	if _, ok := l.Players[username]; !ok {
		return false
	}
	delete(l.Players, username)
	for i, u := range l.Order {
		if u == username {
			l.Order = append(l.Order[:i], l.Order[i+1:]...)
			break
		}
	}
	if l.LeaderName == username {
		l.clearLeader()
	}
	if l.HostName == username {
		l.HostName = ""
	}
	return true
}

func (l *Lobby) setHost(username string) {
	if prev, ok := l.Players[l.HostName]; ok {
		prev.Host = false
	}
	l.HostName = username
	if p, ok := l.Players[username]; ok {
		p.Host = true
	}
}

func (l *Lobby) setLeader(username string) {
	if prev, ok := l.Players[l.LeaderName]; ok {
		prev.Leader = false
	}
	l.LeaderName = username
	if p, ok := l.Players[username]; ok {
		p.Leader = true
	}
}

func (l *Lobby) clearLeader() {
	if prev, ok := l.Players[l.LeaderName]; ok {
		prev.Leader = false
	}
	l.LeaderName = ""
}

// ConnectedCount returns how many seated players have a live connection.
func (l *Lobby) ConnectedCount() int {
	n := 0
	for _, p := range l.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// ConnectedUsernames returns connected players in turn order.
func (l *Lobby) ConnectedUsernames() []string {
	var out []string
	for _, u := range l.Order {
		if p, ok := l.Players[u]; ok && p.Connected {
			out = append(out, u)
		}
	}
	return out
}

// onTeam reports whether username is part of the current mission team.
func (l *Lobby) onTeam(username string) bool {
	for _, u := range l.State.Team {
		if u == username {
			return true
		}
	}
	return false
}

// resetToLobby returns the session to its pre-game state: roles cleared,
// round index reset, outcomes wiped, leader unset. Seats and host survive.
func (l *Lobby) resetToLobby() {
	l.State = newLobbyState()
	l.clearLeader()
	l.waiting = WaitingNone
	l.coord.Reset()
	for _, p := range l.Players {
		p.Roles = RoleNone
	}
}
