package main

import (
	"context"
	"crypto/rand"
	"log"
	"math/big"
	"time"
)

// teamSizes maps table size to the mission team size for each of the five
// rounds, per the standard rulebook.
var teamSizes = map[int][missionCount]int{
	5:  {2, 3, 2, 3, 3},
	6:  {2, 3, 4, 3, 4},
	7:  {2, 3, 3, 4, 4},
	8:  {3, 4, 4, 5, 5},
	9:  {3, 4, 4, 5, 5},
	10: {3, 4, 4, 5, 5},
}

const (
	minPlayers = 5
	maxPlayers = 10

	// A round auto-fails after this many consecutive rejected proposals.
	maxRejections = 5
)

// failsRequired returns how many fail cards sink the mission: the fourth
// mission at tables of seven or more needs two.
func failsRequired(players, round int) int {
	if players >= 7 && round == 3 {
		return 2
	}
	return 1
}

// Flow is the game flow controller: the phase state machine driving a round
// of play. Its transition inputs always come from the coordinator's
// aggregation results, never ad hoc reads, which keeps the machine
// deterministic and replayable from recorded inputs. Every handler runs
// under the lobby lock.
type Flow struct {
	d        *Dispatcher
	sink     ResultSink
	narrator Narrator // nil when disabled
}

func newFlow(d *Dispatcher, sink ResultSink, narrator Narrator) *Flow {
	return &Flow{d: d, sink: sink, narrator: narrator}
}

// register attaches the server-side handlers to their tags.
func (f *Flow) register() error {
	handlers := map[string]EventHandler{
		"ready":                f.handleReady,
		"set_role_list":        f.handleSetRoleList,
		"start_game":           f.handleStartGame,
		"team_proposal":        f.handleTeamProposal,
		"team_vote_choice":     f.handleTeamVoteChoice,
		"mission_choice":       f.handleMissionChoice,
		"assassination_choice": f.handleAssassinationChoice,
		"back_to_lobby":        f.handleBackToLobby,
	}
	for tag, h := range handlers {
		if err := f.d.Handle(tag, h); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Per-viewer projection
// ============================================================================

// viewFor computes the filtered snapshot of every player as seen by viewer.
// The viewer's own entry is unredacted; every other player exposes only
// host/leader/connected/avatar, plus a role-possibility set iff the
// viewer's visibility mask contains that player's actual role. The
// possibility set is the viewer's whole mask, which is what keeps Percival
// unable to tell Merlin from Morgana. Pure: no side effects, and the single
// chokepoint preventing information leakage.
func viewFor(l *Lobby, viewer string) map[string]PlayerView {
	var viewerRole RoleSet
	if vp, ok := l.Players[viewer]; ok {
		viewerRole = vp.Roles
	}
	views := make(map[string]PlayerView, len(l.Players))
	for name, p := range l.Players {
		v := PlayerView{
			Username:  p.Username,
			Host:      p.Host,
			Leader:    p.Leader,
			Connected: p.Connected,
			Avatar:    p.Avatar,
		}
		if name == viewer {
			v.Roles = p.Roles
		} else if p.Roles != RoleNone && viewerRole.CanSee(p.Roles) {
			v.Roles = viewerRole.Visibility()
		}
		views[name] = v
	}
	return views
}

// broadcastDelta sends a sparse update to every connected player. When
// withPlayers is set, each recipient gets their own filtered player map.
func (f *Flow) broadcastDelta(l *Lobby, delta UpdateEvent, withPlayers bool) {
	for _, u := range l.ConnectedUsernames() {
		ev := delta
		if withPlayers {
			ev.Players = Some(viewFor(l, u))
		}
		f.d.SendTo(l, u, &ev)
	}
}

// leaderDelta wraps the current leader as an update field; empty means
// cleared and goes out as an explicit null.
func leaderDelta(l *Lobby) Opt[*string] {
	if l.LeaderName == "" {
		return Some[*string](nil)
	}
	name := l.LeaderName
	return Some(&name)
}

// ============================================================================
// Handlers
// ============================================================================

func (f *Flow) handleReady(l *Lobby, origin string, _ GameEvent) {
	l.coord.MarkReady(l, origin)
}

func (f *Flow) handleSetRoleList(l *Lobby, origin string, ev GameEvent) {
	e := ev.(*SetRoleListEvent)
	if origin != l.HostName {
		log.Printf("set_role_list from non-host %s in lobby %s, ignoring", origin, l.Code)
		return
	}
	if l.State.Phase != PhaseLobby {
		log.Printf("set_role_list outside lobby phase in %s, ignoring", l.Code)
		return
	}
	roles := e.Roles.Intersect(AllRoles)
	// Prerequisite cascade: drop anything whose requirements are missing.
	// Headcounts are checked against the final table size at start_game.
	for _, role := range roles.Roles() {
		if prereq, ok := rolePrereqs[role]; ok && !roles.Contains(prereq) {
			roles = disableRole(roles, role)
		}
	}
	l.EnabledRoles = roles
	DebugLog("lobby %s: enabled roles set to %b by %s", l.Code, roles, origin)
	f.broadcastDelta(l, UpdateEvent{EnabledRoles: Some(roles)}, false)
}

func (f *Flow) handleStartGame(l *Lobby, origin string, _ GameEvent) {
	if origin != l.HostName {
		log.Printf("start_game from non-host %s in lobby %s, ignoring", origin, l.Code)
		return
	}
	if l.State.Phase != PhaseLobby {
		log.Printf("start_game outside lobby phase in %s, ignoring", l.Code)
		return
	}
	n := len(l.Players)
	if n < minPlayers || n > maxPlayers {
		log.Printf("start_game in %s with %d players, ignoring", l.Code, n)
		return
	}
	if !isValidRoleset(l.EnabledRoles, n) {
		log.Printf("start_game in %s with invalid role set %b, ignoring", l.Code, l.EnabledRoles)
		return
	}

	if err := assignRoles(l); err != nil {
		logError("handleStartGame: assign roles", err)
		return
	}
	l.State = newLobbyState()
	l.State.Phase = PhaseRoleReveal
	l.State.Round = 0
	l.setLeader(l.Order[0])
	log.Printf("lobby %s: game started with %d players, leader %s", l.Code, n, l.LeaderName)

	f.broadcastDelta(l, UpdateEvent{
		PlayerOrder: Some(append([]string(nil), l.Order...)),
		Leader:      leaderDelta(l),
		State:       Some(l.State),
	}, true)
	f.d.Send(l, &RoleRevealEvent{})

	l.coord.Arm(func() {
		l.State.Phase = PhaseTeamSelect
		f.broadcastDelta(l, UpdateEvent{State: Some(l.State)}, false)
	})
}

func (f *Flow) handleTeamProposal(l *Lobby, origin string, ev GameEvent) {
	e := ev.(*TeamProposalEvent)
	if origin != l.LeaderName {
		log.Printf("team_proposal from non-leader %s in lobby %s, ignoring", origin, l.Code)
		return
	}
	if l.State.Phase != PhaseTeamSelect {
		log.Printf("team_proposal outside team_select in %s, ignoring", l.Code)
		return
	}
	want := teamSizes[len(l.Players)][l.State.Round]
	if len(e.Team) != want {
		log.Printf("team_proposal in %s with %d members, want %d, ignoring", l.Code, len(e.Team), want)
		return
	}
	seen := make(map[string]bool, len(e.Team))
	for _, u := range e.Team {
		if _, ok := l.Players[u]; !ok || seen[u] {
			log.Printf("team_proposal in %s names %q, ignoring", l.Code, u)
			return
		}
		seen[u] = true
	}

	l.State.Team = append([]string(nil), e.Team...)
	l.State.Phase = PhaseTeamVote
	l.waiting = WaitingTeamVote
	l.coord.ClearVotes()
	DebugLog("lobby %s: %s proposed team %v", l.Code, origin, e.Team)

	f.broadcastDelta(l, UpdateEvent{State: Some(l.State)}, false)
	f.d.Send(l, &TeamVoteEvent{Players: append([]string(nil), l.State.Team...)})
}

func (f *Flow) handleTeamVoteChoice(l *Lobby, origin string, ev GameEvent) {
	e := ev.(*TeamVoteChoiceEvent)
	if l.waiting != WaitingTeamVote {
		log.Printf("team_vote_choice outside vote window in %s, ignoring", l.Code)
		return
	}
	if !l.coord.RecordVote(l, origin, e.Vote) {
		return
	}
	f.settleTeamVote(l)
}

// settleTeamVote tallies and transitions once every connected player has
// voted. Split from the handler because a disconnect can also be the event
// that completes the vote.
func (f *Flow) settleTeamVote(l *Lobby) {
	if !l.coord.VotesComplete(l) {
		return
	}

	passed := l.coord.TallyVotes()
	l.waiting = WaitingNone
	l.coord.ClearVotes()

	if passed {
		l.State.Rejections = 0
		l.State.Phase = PhaseMission
		l.waiting = WaitingMissionChoices
		l.coord.ClearChoices()
		log.Printf("lobby %s: team approved, mission %d underway", l.Code, l.State.Round+1)
		f.broadcastDelta(l, UpdateEvent{State: Some(l.State)}, false)
		f.d.Send(l, &MissionEvent{Players: append([]string(nil), l.State.Team...)})
		return
	}

	l.State.Rejections++
	log.Printf("lobby %s: team rejected (%d consecutive)", l.Code, l.State.Rejections)
	if l.State.Rejections >= maxRejections {
		// Five straight rejections hand the round to evil.
		f.finishMission(l, false, 0)
		return
	}
	l.State.Team = nil
	l.State.Phase = PhaseTeamSelect
	l.coord.RotateLeader(l)
	f.broadcastDelta(l, UpdateEvent{State: Some(l.State), Leader: leaderDelta(l)}, true)
}

func (f *Flow) handleMissionChoice(l *Lobby, origin string, ev GameEvent) {
	e := ev.(*MissionChoiceEvent)
	if l.waiting != WaitingMissionChoices {
		log.Printf("mission_choice outside mission window in %s, ignoring", l.Code)
		return
	}
	if !l.onTeam(origin) {
		log.Printf("mission_choice from %s not on team in %s, ignoring", origin, l.Code)
		return
	}
	if !l.coord.RecordChoice(l, origin, e.Pass) {
		return
	}
	f.settleMissionChoices(l)
}

// settleMissionChoices resolves the mission once every connected team member
// has played a card. A disconnected member's missing card stays an implicit
// pass.
func (f *Flow) settleMissionChoices(l *Lobby) {
	if !l.coord.ChoicesComplete(l, l.State.Team) {
		return
	}

	fails := l.coord.FailCount()
	pass := fails < failsRequired(len(l.Players), l.State.Round)
	f.finishMission(l, pass, fails)
}

// finishMission records the round's outcome, reveals it, and arms the
// barrier that routes to the next phase once everyone has acknowledged.
func (f *Flow) finishMission(l *Lobby, pass bool, fails int) {
	l.State.Outcomes[l.State.Round] = &MissionOutcome{Pass: pass, NumFails: fails}
	l.State.Phase = PhaseMissionReveal
	l.waiting = WaitingNone
	l.coord.ClearChoices()
	log.Printf("lobby %s: mission %d resolved pass=%v fails=%d", l.Code, l.State.Round+1, pass, fails)

	f.broadcastDelta(l, UpdateEvent{State: Some(l.State)}, false)
	f.d.Send(l, &MissionOutcomeEvent{Pass: pass, NumFails: fails})

	l.coord.Arm(func() { f.routeAfterMission(l) })
}

// routeAfterMission decides where mission_reveal goes: evil securing three
// failures ends the game outright, good securing three successes moves to
// the assassination attempt, anything else starts the next round.
func (f *Flow) routeAfterMission(l *Lobby) {
	wins, losses := 0, 0
	for _, o := range l.State.Outcomes {
		if o == nil {
			continue
		}
		if o.Pass {
			wins++
		} else {
			losses++
		}
	}

	switch {
	case losses >= 3:
		f.endGame(l, AlignmentEvil, nil)
	case wins >= 3:
		l.State.Phase = PhaseAssassination
		l.waiting = WaitingAssassinationGuesses
		l.coord.ClearGuesses()
		f.broadcastDelta(l, UpdateEvent{State: Some(l.State)}, false)
		f.d.Send(l, &AssassinationEvent{})
	default:
		l.State.Round++
		l.State.Team = nil
		l.State.Rejections = 0
		l.State.Phase = PhaseTeamSelect
		l.coord.RotateLeader(l)
		f.broadcastDelta(l, UpdateEvent{State: Some(l.State), Leader: leaderDelta(l)}, true)
	}
}

func (f *Flow) handleAssassinationChoice(l *Lobby, origin string, ev GameEvent) {
	e := ev.(*AssassinationChoiceEvent)
	if l.waiting != WaitingAssassinationGuesses {
		log.Printf("assassination_choice outside window in %s, ignoring", l.Code)
		return
	}
	p, ok := l.Players[origin]
	if !ok || !p.Roles.IsEvil() {
		log.Printf("assassination_choice from non-evil %s in %s, ignoring", origin, l.Code)
		return
	}
	if !l.coord.RecordGuess(l, origin, e.Guess) {
		return
	}
	f.settleAssassination(l)
}

// settleAssassination resolves the guess once every connected evil player
// has named a target.
func (f *Flow) settleAssassination(l *Lobby) {
	if !l.coord.GuessesComplete(l, evilUsernames(l)) {
		return
	}
	target, decided := l.coord.PluralityGuess()
	if !decided {
		// Everyone has guessed and the vote is tied: the shot misses
		// rather than crowning an arbitrary victim.
		log.Printf("lobby %s: assassination tied, shot misses", l.Code)
		f.endGame(l, AlignmentGood, nil)
		return
	}

	winner := AlignmentGood
	if tp, ok := l.Players[target]; ok && tp.Roles == RoleMerlin {
		winner = AlignmentEvil
	}
	log.Printf("lobby %s: assassination targets %s, winner %s", l.Code, target, winner)
	f.endGame(l, winner, &target)
}

// resumeAfterDeparture re-evaluates whatever aggregation the lobby is
// waiting on. The hub calls this alongside the barrier check when a player
// disconnects: shrinking the connected membership can complete a vote, a
// mission, or the assassination just as a final response would. Runs under
// the lobby lock.
func (f *Flow) resumeAfterDeparture(l *Lobby) {
	switch l.waiting {
	case WaitingTeamVote:
		f.settleTeamVote(l)
	case WaitingMissionChoices:
		f.settleMissionChoices(l)
	case WaitingAssassinationGuesses:
		f.settleAssassination(l)
	}
}

func (f *Flow) handleBackToLobby(l *Lobby, origin string, _ GameEvent) {
	if origin != l.HostName {
		log.Printf("back_to_lobby from non-host %s in lobby %s, ignoring", origin, l.Code)
		return
	}
	if l.State.Phase != PhaseGameOver {
		log.Printf("back_to_lobby outside game_over in %s, ignoring", l.Code)
		return
	}
	l.resetToLobby()
	log.Printf("lobby %s: back to lobby", l.Code)
	f.broadcastDelta(l, UpdateEvent{
		State:       Some(l.State),
		Leader:      leaderDelta(l),
		PlayerOrder: Some(append([]string(nil), l.Order...)),
	}, true)
}

// ============================================================================
// Game end
// ============================================================================

func (f *Flow) endGame(l *Lobby, winner Alignment, assassinated *string) {
	l.State.Phase = PhaseGameOver
	l.State.Team = nil
	l.waiting = WaitingNone
	l.clearLeader()
	log.Printf("lobby %s: game over, %s wins", l.Code, winner)

	record := buildRecord(l, winner)
	if f.sink != nil {
		if err := f.sink.RecordResult(record); err != nil {
			logError("endGame: record result", err)
		}
	}

	f.broadcastDelta(l, UpdateEvent{State: Some(l.State), Leader: leaderDelta(l)}, true)
	message := resultMessage(winner, assassinated)
	f.d.Send(l, &GameResultEvent{Winner: winner, Message: message, Assassinated: assassinated})

	f.maybeNarrate(l, record, winner, assassinated)
}

func resultMessage(winner Alignment, assassinated *string) string {
	switch {
	case winner == AlignmentEvil && assassinated != nil:
		return "Merlin has fallen to the assassin. Evil claims the realm."
	case winner == AlignmentEvil:
		return "Three missions lie in ruin. Evil claims the realm."
	case assassinated != nil:
		return "The assassin's blade found the wrong mark. Good prevails."
	default:
		return "The quests are won and Merlin stands unharmed. Good prevails."
	}
}

// maybeNarrate asks the optional narrator for an epilogue and re-broadcasts
// the game result once the text lands. Runs detached: the lock is released
// while the model generates.
func (f *Flow) maybeNarrate(l *Lobby, record GameRecord, winner Alignment, assassinated *string) {
	if f.narrator == nil {
		return
	}
	summary := record.summaryLines()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		text, err := f.narrator.Epilogue(ctx, summary)
		if err != nil {
			log.Printf("narrator: epilogue failed: %v", err)
			return
		}
		if text == "" {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.State.Phase != PhaseGameOver {
			return // lobby already moved on
		}
		f.d.Send(l, &GameResultEvent{Winner: winner, Message: text, Assassinated: assassinated})
	}()
}

// ============================================================================
// Role assignment
// ============================================================================

// assignRoles deals the enabled catalog: pad with minions until the evil
// count matches the headcount table, pad with servants to the table size,
// shuffle, reshuffle the turn order, and zip the two together. The shuffle
// uses crypto/rand so no client can predict the deal; once assigned, roles
// are immutable for the rest of the round. An entropy failure aborts the
// deal rather than degrading to a predictable order.
func assignRoles(l *Lobby) error {
	n := len(l.Players)
	pool := l.EnabledRoles.Roles()
	evil := l.EnabledRoles.Intersect(EvilRoles).Count()
	for evil < evilHeadcount[n] {
		pool = append(pool, RoleMinion)
		evil++
	}
	for len(pool) < n {
		pool = append(pool, RoleServant)
	}

	if err := shuffle(pool); err != nil {
		return err
	}
	if err := shuffle(l.Order); err != nil {
		return err
	}
	for i, username := range l.Order {
		l.Players[username].Roles = pool[i]
	}
	return nil
}

// shuffle permutes s in place with a crypto/rand Fisher-Yates.
func shuffle[T any](s []T) error {
	for i := len(s) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

func evilUsernames(l *Lobby) []string {
	var out []string
	for _, u := range l.Order {
		if p, ok := l.Players[u]; ok && p.Roles.IsEvil() {
			out = append(out, u)
		}
	}
	return out
}
