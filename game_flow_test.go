package main

import (
	"testing"
	"testing/quick"
)

// ============================================================================
// Projection Tests
// ============================================================================

func TestViewForNeverLeaksUnseenRoles(t *testing.T) {
	f := func(tableSeed uint8) bool {
		n := minPlayers + int(tableSeed)%(maxPlayers-minPlayers+1)
		g := newTestGame(t, n)
		g.l.EnabledRoles = RoleMerlin | RolePercival | RoleMorgana | RoleAssassin
		if err := assignRoles(g.l); err != nil {
			t.Fatalf("assignRoles: %v", err)
		}

		for _, viewer := range g.l.Order {
			viewerRole := g.l.Players[viewer].Roles
			views := viewFor(g.l, viewer)
			if len(views) != n {
				t.Errorf("view for %s has %d entries, want %d", viewer, len(views), n)
				return false
			}
			for name, view := range views {
				actual := g.l.Players[name].Roles
				if name == viewer {
					if view.Roles != actual {
						t.Errorf("%s sees own role as %b, holds %b", viewer, view.Roles, actual)
						return false
					}
					continue
				}
				if view.Roles == RoleNone {
					continue
				}
				// Any disclosed possibility set implies genuine visibility
				// of the actual role, and never narrows past the mask.
				if !viewerRole.CanSee(actual) {
					t.Errorf("%s (%s) sees %s (%s) without visibility",
						viewer, viewerRole.Name(), name, actual.Name())
					return false
				}
				if view.Roles != viewerRole.Visibility() {
					t.Errorf("%s view of %s = %b, want full mask %b",
						viewer, name, view.Roles, viewerRole.Visibility())
					return false
				}
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func TestViewForHidesMordredFromMerlin(t *testing.T) {
	g := newTestGame(t, 7)
	g.l.EnabledRoles = RoleMerlin | RoleMordred | RoleAssassin
	if err := assignRoles(g.l); err != nil {
		t.Fatalf("assignRoles: %v", err)
	}

	merlin := g.findRole(RoleMerlin)
	mordred := g.findRole(RoleMordred)
	views := viewFor(g.l, merlin)
	if views[mordred].Roles != RoleNone {
		t.Errorf("Merlin's view of Mordred = %b, want nothing", views[mordred].Roles)
	}
	assassin := g.findRole(RoleAssassin)
	if views[assassin].Roles == RoleNone {
		t.Error("Merlin's view of the Assassin is empty")
	}
}

// ============================================================================
// Role Assignment Tests
// ============================================================================

func TestAssignRolesFillsEveryTableSize(t *testing.T) {
	f := func(tableSeed uint8) bool {
		n := minPlayers + int(tableSeed)%(maxPlayers-minPlayers+1)
		g := newTestGame(t, n)
		g.l.EnabledRoles = RoleMerlin | RoleAssassin
		if err := assignRoles(g.l); err != nil {
			t.Fatalf("assignRoles: %v", err)
		}

		evil, merlins := 0, 0
		for _, p := range g.l.Players {
			if p.Roles.Count() != 1 {
				t.Errorf("player %s dealt %b", p.Username, p.Roles)
				return false
			}
			if p.Roles.IsEvil() {
				evil++
			}
			if p.Roles == RoleMerlin {
				merlins++
			}
		}
		if evil != evilHeadcount[n] {
			t.Errorf("table %d dealt %d evil, want %d", n, evil, evilHeadcount[n])
			return false
		}
		return merlins == 1
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

// ============================================================================
// Authorization Tests
// ============================================================================

func TestStartGameRequiresHost(t *testing.T) {
	g := newTestGame(t, 5)
	g.deliver(g.l.HostName, "set_role_list", map[string]any{"roles": int(RoleMerlin | RoleAssassin)})

	var nonHost string
	for _, u := range g.l.Order {
		if u != g.l.HostName {
			nonHost = u
			break
		}
	}
	g.deliver(nonHost, "start_game", nil)
	if g.l.State.Phase != PhaseLobby {
		t.Fatalf("non-host started the game, phase %s", g.l.State.Phase)
	}
}

func TestStartGameRequiresEnoughPlayers(t *testing.T) {
	g := newTestGame(t, 4)
	g.deliver(g.l.HostName, "start_game", nil)
	if g.l.State.Phase != PhaseLobby {
		t.Fatalf("four-seat game started, phase %s", g.l.State.Phase)
	}
}

func TestSetRoleListCascadesPrereqs(t *testing.T) {
	g := newTestGame(t, 5)
	// Percival without Morgana: both Percival and nothing else should stick.
	g.deliver(g.l.HostName, "set_role_list", map[string]any{"roles": int(RoleMerlin | RolePercival | RoleAssassin)})
	if g.l.EnabledRoles.Contains(RolePercival) {
		t.Errorf("Percival enabled without Morgana: %b", g.l.EnabledRoles)
	}
	if !g.l.EnabledRoles.Contains(RoleMerlin | RoleAssassin) {
		t.Errorf("valid roles dropped: %b", g.l.EnabledRoles)
	}
}

func TestTeamProposalValidation(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	leader := g.l.LeaderName

	// Wrong size.
	g.deliver(leader, "team_proposal", map[string]any{"team": []any{g.l.Order[0]}})
	if g.l.State.Phase != PhaseTeamSelect {
		t.Fatalf("undersized team accepted, phase %s", g.l.State.Phase)
	}
	// Duplicate member.
	g.deliver(leader, "team_proposal", map[string]any{"team": []any{g.l.Order[0], g.l.Order[0]}})
	if g.l.State.Phase != PhaseTeamSelect {
		t.Fatalf("duplicate team accepted, phase %s", g.l.State.Phase)
	}
	// Non-leader.
	var nonLeader string
	for _, u := range g.l.Order {
		if u != leader {
			nonLeader = u
			break
		}
	}
	g.deliver(nonLeader, "team_proposal", map[string]any{"team": []any{g.l.Order[0], g.l.Order[1]}})
	if g.l.State.Phase != PhaseTeamSelect {
		t.Fatalf("non-leader proposal accepted, phase %s", g.l.State.Phase)
	}
}

func TestMissionChoiceOnlyFromTeam(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	team := g.proposeAndApprove()

	var outsider string
	for _, u := range g.l.Order {
		onTeam := false
		for _, m := range team {
			if m == u {
				onTeam = true
			}
		}
		if !onTeam {
			outsider = u
			break
		}
	}
	g.deliver(outsider, "mission_choice", map[string]any{"pass": false})
	if g.l.State.Phase != PhaseMission {
		t.Fatalf("outsider card advanced the mission, phase %s", g.l.State.Phase)
	}
}

// ============================================================================
// Round Flow Tests
// ============================================================================

func TestFiveRejectionsFailTheRound(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()

	for i := 0; i < maxRejections; i++ {
		size := teamSizes[5][g.l.State.Round]
		team := make([]any, size)
		for j := 0; j < size; j++ {
			team[j] = g.l.Order[j]
		}
		g.deliver(g.l.LeaderName, "team_proposal", map[string]any{"team": team})
		for _, u := range g.l.ConnectedUsernames() {
			g.deliver(u, "team_vote_choice", map[string]any{"vote": false})
		}
	}

	if g.l.State.Phase != PhaseMissionReveal {
		t.Fatalf("phase %s after five rejections, want mission_reveal", g.l.State.Phase)
	}
	outcome := g.l.State.Outcomes[0]
	if outcome == nil || outcome.Pass || outcome.NumFails != 0 {
		t.Fatalf("outcome = %+v, want auto-fail with zero cards", outcome)
	}

	g.allReady()
	if g.l.State.Phase != PhaseTeamSelect || g.l.State.Round != 1 {
		t.Fatalf("phase %s round %d after reveal, want team_select round 1", g.l.State.Phase, g.l.State.Round)
	}
	if g.l.State.Rejections != 0 {
		t.Errorf("rejection counter carried over: %d", g.l.State.Rejections)
	}
}

func TestRejectionRotatesLeader(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	before := g.l.LeaderName

	team := []any{g.l.Order[0], g.l.Order[1]}
	g.deliver(g.l.LeaderName, "team_proposal", map[string]any{"team": team})
	for _, u := range g.l.ConnectedUsernames() {
		g.deliver(u, "team_vote_choice", map[string]any{"vote": false})
	}

	if g.l.State.Phase != PhaseTeamSelect {
		t.Fatalf("phase %s after rejection", g.l.State.Phase)
	}
	if g.l.LeaderName == before {
		t.Error("leader did not rotate after rejection")
	}
	if g.l.State.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", g.l.State.Rejections)
	}
}

func TestThreeFailedMissionsEndGameForEvil(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()

	for i := 0; i < 3; i++ {
		g.runMission(false)
	}

	if g.l.State.Phase != PhaseGameOver {
		t.Fatalf("phase %s after three failures, want game_over", g.l.State.Phase)
	}
	if len(g.sender.byType("assassination")) != 0 {
		t.Error("assassination announced on an evil win")
	}
	if len(g.sink.records) != 1 || g.sink.records[0].Winner != AlignmentEvil {
		t.Fatalf("sink records = %+v, want one evil win", g.sink.records)
	}
	record := g.sink.records[0]
	for name, p := range g.l.Players {
		if record.Roles[name] != p.Roles.Name() || record.Alignments[name] != p.Roles.Alignment() {
			t.Errorf("record entry for %s = %s/%s, want %s/%s", name,
				record.Roles[name], record.Alignments[name], p.Roles.Name(), p.Roles.Alignment())
		}
	}

	results := g.sender.byType("game_result")
	if len(results) == 0 {
		t.Fatal("no game_result broadcast")
	}
	var ev GameResultEvent
	if err := ev.Decode(results[len(results)-1].pkt.Data); err != nil {
		t.Fatal(err)
	}
	if ev.Winner != AlignmentEvil || ev.Assassinated != nil {
		t.Errorf("result = %+v, want evil win without assassination", ev)
	}
}

func TestThreeSuccessesLeadToAssassination(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()

	for i := 0; i < 3; i++ {
		g.runMission(true)
	}
	if g.l.State.Phase != PhaseAssassination {
		t.Fatalf("phase %s after three successes, want assassination", g.l.State.Phase)
	}
	if len(g.sender.byType("assassination")) == 0 {
		t.Error("assassination phase never announced")
	}
}

func TestAssassinationMissWinsForGood(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	for i := 0; i < 3; i++ {
		g.runMission(true)
	}

	servant := g.findRole(RoleServant)
	for _, u := range evilUsernames(g.l) {
		g.deliver(u, "assassination_choice", map[string]any{"guess": servant})
	}

	if g.l.State.Phase != PhaseGameOver {
		t.Fatalf("phase %s after guesses, want game_over", g.l.State.Phase)
	}
	if len(g.sink.records) != 1 || g.sink.records[0].Winner != AlignmentGood {
		t.Fatalf("sink records = %+v, want one good win", g.sink.records)
	}
}

func TestAssassinationHitWinsForEvil(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	for i := 0; i < 3; i++ {
		g.runMission(true)
	}

	merlin := g.findRole(RoleMerlin)
	for _, u := range evilUsernames(g.l) {
		g.deliver(u, "assassination_choice", map[string]any{"guess": merlin})
	}

	if len(g.sink.records) != 1 || g.sink.records[0].Winner != AlignmentEvil {
		t.Fatalf("sink records = %+v, want one evil win", g.sink.records)
	}

	results := g.sender.byType("game_result")
	var ev GameResultEvent
	if err := ev.Decode(results[len(results)-1].pkt.Data); err != nil {
		t.Fatal(err)
	}
	if ev.Assassinated == nil || *ev.Assassinated != merlin {
		t.Errorf("assassinated = %v, want %s", ev.Assassinated, merlin)
	}
}

func TestAssassinationIgnoresGoodGuesses(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	for i := 0; i < 3; i++ {
		g.runMission(true)
	}

	merlin := g.findRole(RoleMerlin)
	g.deliver(merlin, "assassination_choice", map[string]any{"guess": merlin})
	if g.l.State.Phase != PhaseAssassination {
		t.Fatalf("good player's guess resolved the phase: %s", g.l.State.Phase)
	}
}

func TestBackToLobbyResetsSession(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	for i := 0; i < 3; i++ {
		g.runMission(false)
	}
	if g.l.State.Phase != PhaseGameOver {
		t.Fatalf("setup failed, phase %s", g.l.State.Phase)
	}

	g.deliver(g.l.HostName, "back_to_lobby", nil)
	if g.l.State.Phase != PhaseLobby || g.l.State.Round != -1 {
		t.Fatalf("phase %s round %d after reset", g.l.State.Phase, g.l.State.Round)
	}
	if g.l.LeaderName != "" {
		t.Error("leader survived reset")
	}
	for _, p := range g.l.Players {
		if p.Roles != RoleNone {
			t.Errorf("%s kept role %b through reset", p.Username, p.Roles)
		}
	}
	if g.l.HostName == "" {
		t.Error("host lost in reset")
	}
	if len(g.l.Players) != 5 {
		t.Errorf("seats lost in reset: %d", len(g.l.Players))
	}
}

func TestFullGameTeamVotePassResetsRejections(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()

	// One rejection, then an approval.
	team := []any{g.l.Order[0], g.l.Order[1]}
	g.deliver(g.l.LeaderName, "team_proposal", map[string]any{"team": team})
	for _, u := range g.l.ConnectedUsernames() {
		g.deliver(u, "team_vote_choice", map[string]any{"vote": false})
	}
	g.proposeAndApprove()

	if g.l.State.Rejections != 0 {
		t.Errorf("rejections = %d after approval, want 0", g.l.State.Rejections)
	}
	if g.l.State.Phase != PhaseMission {
		t.Errorf("phase %s after approval, want mission", g.l.State.Phase)
	}
}

func TestMissionFailThreshold(t *testing.T) {
	// Fourth mission at a seven-seat table needs two fails.
	play := func(fails int) *MissionOutcome {
		t.Helper()
		g := newTestGame(t, 7)
		g.deliver(g.l.HostName, "set_role_list", map[string]any{"roles": int(RoleMerlin | RoleAssassin)})
		g.deliver(g.l.HostName, "start_game", nil)
		g.allReady()

		// Fast-forward to round 3 by resolving three missions.
		g.runMission(true)
		g.runMission(false)
		g.runMission(true)
		if g.l.State.Round != 3 {
			t.Fatalf("round = %d, want 3", g.l.State.Round)
		}

		team := g.proposeAndApprove()
		for i, u := range team {
			g.deliver(u, "mission_choice", map[string]any{"pass": i >= fails})
		}
		outcome := g.l.State.Outcomes[3]
		if outcome == nil {
			t.Fatal("fourth mission unresolved")
		}
		return outcome
	}

	if outcome := play(1); !outcome.Pass || outcome.NumFails != 1 {
		t.Errorf("one fail card: outcome = %+v, want pass", outcome)
	}
	if outcome := play(2); outcome.Pass || outcome.NumFails != 2 {
		t.Errorf("two fail cards: outcome = %+v, want failure", outcome)
	}
}

// ============================================================================
// Departure Resumption Tests
// ============================================================================

func TestDepartureResolvesPendingTeamVote(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()

	team := []any{g.l.Order[0], g.l.Order[1]}
	g.deliver(g.l.LeaderName, "team_proposal", map[string]any{"team": team})
	holdout := g.l.Order[4]
	for _, u := range g.l.Order[:4] {
		g.deliver(u, "team_vote_choice", map[string]any{"vote": true})
	}
	if g.l.State.Phase != PhaseTeamVote {
		t.Fatalf("phase %s with one ballot outstanding, want team_vote", g.l.State.Phase)
	}

	// The holdout hangs up; the four recorded votes now decide the proposal.
	g.l.Players[holdout].Connected = false
	g.flow.resumeAfterDeparture(g.l)
	if g.l.State.Phase != PhaseMission {
		t.Fatalf("phase %s after holdout left, want mission", g.l.State.Phase)
	}
}

func TestDepartureResolvesPendingMission(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	team := g.proposeAndApprove()

	g.deliver(team[0], "mission_choice", map[string]any{"pass": true})
	if g.l.State.Phase != PhaseMission {
		t.Fatalf("phase %s with one card outstanding, want mission", g.l.State.Phase)
	}

	g.l.Players[team[1]].Connected = false
	g.flow.resumeAfterDeparture(g.l)
	if g.l.State.Phase != PhaseMissionReveal {
		t.Fatalf("phase %s after team member left, want mission_reveal", g.l.State.Phase)
	}
	outcome := g.l.State.Outcomes[0]
	if outcome == nil || !outcome.Pass || outcome.NumFails != 0 {
		t.Errorf("outcome = %+v, want pass with the missing card an implicit pass", outcome)
	}
}

func TestDepartureResolvesPendingAssassination(t *testing.T) {
	g := newTestGame(t, 5)
	g.startStandard()
	for i := 0; i < 3; i++ {
		g.runMission(true)
	}

	evil := evilUsernames(g.l)
	if len(evil) != 2 {
		t.Fatalf("evil seats = %d, want 2", len(evil))
	}
	merlin := g.findRole(RoleMerlin)
	g.deliver(evil[0], "assassination_choice", map[string]any{"guess": merlin})
	if g.l.State.Phase != PhaseAssassination {
		t.Fatalf("phase %s with one guess outstanding, want assassination", g.l.State.Phase)
	}

	g.l.Players[evil[1]].Connected = false
	g.flow.resumeAfterDeparture(g.l)
	if g.l.State.Phase != PhaseGameOver {
		t.Fatalf("phase %s after second assassin left, want game_over", g.l.State.Phase)
	}
	if len(g.sink.records) != 1 || g.sink.records[0].Winner != AlignmentEvil {
		t.Fatalf("sink records = %+v, want the lone guess at Merlin to land", g.sink.records)
	}
}
