package main

// WaitingFor records which aggregation the coordinator currently expects
// from players, so stray or late responses can be rejected unambiguously.
type WaitingFor int

const (
	WaitingNone WaitingFor = iota
	WaitingTeamVote
	WaitingMissionChoices
	WaitingAssassinationGuesses
)

// Coordinator holds the per-lobby, server-only concurrency primitives: the
// player-readiness barrier and the vote/choice/guess aggregation maps. It
// is always accessed under its lobby's lock, so the maps need no locking of
// their own. Operations on a user who is not seated in the lobby are no-ops
// returning false — those arise naturally from network races and must never
// crash the coordinator.
type Coordinator struct {
	ready   map[string]bool
	advance func() // at most one outstanding barrier advance

	votes   map[string]bool
	choices map[string]bool
	guesses map[string]string
}

func newCoordinator() Coordinator {
	return Coordinator{
		ready:   make(map[string]bool),
		votes:   make(map[string]bool),
		choices: make(map[string]bool),
		guesses: make(map[string]string),
	}
}

// Reset drops every aggregation and any armed barrier.
func (c *Coordinator) Reset() {
	c.ready = make(map[string]bool)
	c.advance = nil
	c.ClearVotes()
	c.ClearChoices()
	c.ClearGuesses()
}

// ============================================================================
// Readiness barrier
// ============================================================================

// Arm installs the advance to fire once every connected player has marked
// ready, replacing any unfired advance and clearing stale acknowledgments.
// Only the flow controller arms, so at most one advance is ever pending.
func (c *Coordinator) Arm(advance func()) {
	c.ready = make(map[string]bool)
	c.advance = advance
}

// MarkReady records an acknowledgment. The barrier target is recomputed
// against current connected membership on every call rather than fixed in
// advance, which handles players disconnecting mid-barrier. Fires the armed
// advance exactly once.
func (c *Coordinator) MarkReady(l *Lobby, username string) bool {
	p, ok := l.Players[username]
	if !ok {
		return false
	}
	if !p.Connected {
		return false
	}
	c.ready[username] = true
	c.checkBarrier(l)
	return true
}

// checkBarrier fires the pending advance when every connected player has
// acknowledged. Also called after a disconnect shrinks the membership.
func (c *Coordinator) checkBarrier(l *Lobby) {
	if c.advance == nil {
		return
	}
	for _, u := range l.ConnectedUsernames() {
		if !c.ready[u] {
			return
		}
	}
	fire := c.advance
	c.advance = nil
	c.ready = make(map[string]bool)
	fire()
}

// ============================================================================
// Vote aggregation
// ============================================================================

// RecordVote stores a player's team vote, replacing any earlier one.
func (c *Coordinator) RecordVote(l *Lobby, username string, vote bool) bool {
	if _, ok := l.Players[username]; !ok {
		return false
	}
	c.votes[username] = vote
	return true
}

// VotesComplete reports whether every connected player has voted.
func (c *Coordinator) VotesComplete(l *Lobby) bool {
	for _, u := range l.ConnectedUsernames() {
		if _, voted := c.votes[u]; !voted {
			return false
		}
	}
	return true
}

// TallyVotes reports whether the proposal passes: a strict majority of
// recorded votes must be affirmative. Players who did not respond are
// abstentions and count toward neither side.
func (c *Coordinator) TallyVotes() bool {
	yes := 0
	for _, v := range c.votes {
		if v {
			yes++
		}
	}
	return yes*2 > len(c.votes)
}

// ClearVotes wipes the map between proposals. Stale votes must never leak
// into the next tally.
func (c *Coordinator) ClearVotes() {
	c.votes = make(map[string]bool)
}

// ============================================================================
// Mission choice aggregation
// ============================================================================

// RecordChoice stores a team member's pass/fail card.
func (c *Coordinator) RecordChoice(l *Lobby, username string, pass bool) bool {
	if _, ok := l.Players[username]; !ok {
		return false
	}
	c.choices[username] = pass
	return true
}

// ChoicesComplete reports whether every connected member of team has
// submitted a card.
func (c *Coordinator) ChoicesComplete(l *Lobby, team []string) bool {
	for _, u := range team {
		if p, ok := l.Players[u]; !ok || !p.Connected {
			continue
		}
		if _, chose := c.choices[u]; !chose {
			return false
		}
	}
	return true
}

// FailCount counts explicit fail cards. A missing choice is an implicit
// pass — the fail-safe default favors the good team, matching tabletop
// convention.
func (c *Coordinator) FailCount() int {
	fails := 0
	for _, pass := range c.choices {
		if !pass {
			fails++
		}
	}
	return fails
}

// ClearChoices wipes the map between missions.
func (c *Coordinator) ClearChoices() {
	c.choices = make(map[string]bool)
}

// ============================================================================
// Assassination guess aggregation
// ============================================================================

// RecordGuess stores an evil player's guess at Merlin.
func (c *Coordinator) RecordGuess(l *Lobby, username, target string) bool {
	if _, ok := l.Players[username]; !ok {
		return false
	}
	if _, ok := l.Players[target]; !ok {
		return false
	}
	c.guesses[username] = target
	return true
}

// GuessesComplete reports whether every connected player in voters has
// submitted a guess.
func (c *Coordinator) GuessesComplete(l *Lobby, voters []string) bool {
	for _, u := range voters {
		if p, ok := l.Players[u]; !ok || !p.Connected {
			continue
		}
		if _, guessed := c.guesses[u]; !guessed {
			return false
		}
	}
	return true
}

// PluralityGuess returns the strict-plurality target. A tie at the maximum
// count yields no result — ties must not silently crown a winner.
func (c *Coordinator) PluralityGuess() (string, bool) {
	counts := make(map[string]int)
	for _, target := range c.guesses {
		counts[target]++
	}
	best, bestCount, tied := "", 0, false
	for target, n := range counts {
		switch {
		case n > bestCount:
			best, bestCount, tied = target, n, false
		case n == bestCount:
			tied = true
		}
	}
	if bestCount == 0 || tied {
		return "", false
	}
	return best, true
}

// ClearGuesses wipes the map.
func (c *Coordinator) ClearGuesses() {
	c.guesses = make(map[string]string)
}

// ============================================================================
// Leader rotation and host failover
// ============================================================================

// RotateLeader advances leadership to the next connected player in turn
// order, cyclically, skipping disconnected players.
func (c *Coordinator) RotateLeader(l *Lobby) bool {
	if len(l.Order) == 0 {
		return false
	}
	start := 0
	for i, u := range l.Order {
		if u == l.LeaderName {
			start = i
			break
		}
	}
	for step := 1; step <= len(l.Order); step++ {
		u := l.Order[(start+step)%len(l.Order)]
		if p, ok := l.Players[u]; ok && p.Connected {
			l.setLeader(u)
			return true
		}
	}
	return false
}

// PromoteHost hands the host seat to the first connected player in turn
// order after the current host departs.
func (c *Coordinator) PromoteHost(l *Lobby) bool {
	for _, u := range l.Order {
		if p, ok := l.Players[u]; ok && p.Connected {
			l.setHost(u)
			return true
		}
	}
	return false
}
