package main

import "math/bits"

// RoleSet is a bitmask of character roles. A single role is a RoleSet with
// exactly one bit set; a player's knowledge of another player is expressed
// as a set of roles they might hold. All operations are pure bit arithmetic
// and safe to call concurrently.
type RoleSet uint32

const (
	RoleServant RoleSet = 1 << iota // servant of arthur, uninformed good
	RoleMinion                      // minion of mordred, uninformed evil
	RoleMerlin
	RolePercival
	RoleMorgana
	RoleMordred
	RoleOberon
	RoleAssassin

	RoleNone RoleSet = 0
)

// AllRoles is every role the catalog knows about.
const AllRoles = RoleServant | RoleMinion | RoleMerlin | RolePercival |
	RoleMorgana | RoleMordred | RoleOberon | RoleAssassin

// EvilRoles is the set of roles aligned with Mordred.
const EvilRoles = RoleMinion | RoleMorgana | RoleMordred | RoleOberon | RoleAssassin

// Alignment of a role or a winning side, as it appears on the wire.
type Alignment string

const (
	AlignmentGood Alignment = "good"
	AlignmentEvil Alignment = "evil"
)

// roleNames maps single-bit roles to display names.
var roleNames = map[RoleSet]string{
	RoleServant:  "Servant of Arthur",
	RoleMinion:   "Minion of Mordred",
	RoleMerlin:   "Merlin",
	RolePercival: "Percival",
	RoleMorgana:  "Morgana",
	RoleMordred:  "Mordred",
	RoleOberon:   "Oberon",
	RoleAssassin: "Assassin",
}

// roleVisibility maps each role to the set of roles it can see.
// Merlin sees all evil except Mordred. Percival sees Merlin and Morgana but
// cannot tell them apart. Evil players see each other except Oberon, who
// sees no one. Uninformed roles see nothing.
var roleVisibility = map[RoleSet]RoleSet{
	RoleServant:  RoleNone,
	RoleMinion:   RoleMinion | RoleMorgana | RoleMordred | RoleAssassin,
	RoleMerlin:   RoleMinion | RoleMorgana | RoleOberon | RoleAssassin,
	RolePercival: RoleMerlin | RoleMorgana,
	RoleMorgana:  RoleMinion | RoleMorgana | RoleMordred | RoleAssassin,
	RoleMordred:  RoleMinion | RoleMorgana | RoleMordred | RoleAssassin,
	RoleOberon:   RoleNone,
	RoleAssassin: RoleMinion | RoleMorgana | RoleMordred | RoleAssassin,
}

// rolePrereqs maps a role to the roles that must also be enabled for it to
// make sense. Percival is pointless without both Merlin and Morgana in play.
var rolePrereqs = map[RoleSet]RoleSet{
	RolePercival: RoleMerlin | RoleMorgana,
	RoleMorgana:  RoleMerlin,
	RoleMordred:  RoleMerlin,
	RoleAssassin: RoleMerlin,
}

// evilHeadcount is the number of evil players by table size (5-10 players).
var evilHeadcount = map[int]int{5: 2, 6: 2, 7: 3, 8: 3, 9: 3, 10: 4}

// Union returns the combined set.
func (s RoleSet) Union(o RoleSet) RoleSet { return s | o }

// Without returns s with every role in o removed.
func (s RoleSet) Without(o RoleSet) RoleSet { return s &^ o }

// Intersect returns the roles present in both sets.
func (s RoleSet) Intersect(o RoleSet) RoleSet { return s & o }

// Contains reports whether every role in o is a member of s.
func (s RoleSet) Contains(o RoleSet) bool { return s&o == o }

// Count returns the number of roles in the set.
func (s RoleSet) Count() int { return bits.OnesCount32(uint32(s)) }

// IsEvil reports whether a single role is on the evil side. Sets mixing
// alignments report evil if any member is evil; the server only ever asks
// about collapsed single-role sets.
func (s RoleSet) IsEvil() bool { return s&EvilRoles != 0 }

// Alignment returns the side a role fights for.
func (s RoleSet) Alignment() Alignment {
	if s.IsEvil() {
		return AlignmentEvil
	}
	return AlignmentGood
}

// Visibility returns the set of roles this role has knowledge of. Unknown
// or unassigned roles fall back to seeing nothing, so visibility queries on
// a player without an assigned role never fail.
func (s RoleSet) Visibility() RoleSet {
	return roleVisibility[s]
}

// CanSee reports whether a holder of this role learns the presence of other.
func (s RoleSet) CanSee(other RoleSet) bool {
	return s.Visibility().Contains(other)
}

// VisibleRoles filters set down to the roles this role can see.
func (s RoleSet) VisibleRoles(set RoleSet) RoleSet {
	return s.Visibility().Intersect(set)
}

// Name returns the display name of a single role, or "Unknown".
func (s RoleSet) Name() string {
	if n, ok := roleNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Roles returns the individual single-bit roles in the set.
func (s RoleSet) Roles() []RoleSet {
	var out []RoleSet
	for bit := RoleSet(1); bit != 0 && bit <= s; bit <<= 1 {
		if s&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

// dependentsOf returns the roles whose prerequisites include r. Used when a
// role is disabled to cascade-disable everything that depended on it.
func dependentsOf(r RoleSet) RoleSet {
	deps := RoleNone
	for role, prereq := range rolePrereqs {
		if prereq.Contains(r) {
			deps |= role
		}
	}
	return deps
}

// disableRole removes r from the set along with every role that transitively
// required it.
func disableRole(set, r RoleSet) RoleSet {
	set = set.Without(r)
	for _, dep := range dependentsOf(r).Roles() {
		if set.Contains(dep) {
			set = disableRole(set, dep)
		}
	}
	return set
}

// isValidRoleset reports whether the enabled role set can be dealt to a
// table of n players: the enabled evil roles must fit the evil headcount,
// the enabled good roles must fit the good headcount, and every enabled
// role's prerequisites must be enabled too.
func isValidRoleset(set RoleSet, n int) bool {
	evilSeats, ok := evilHeadcount[n]
	if !ok {
		return false
	}
	goodSeats := n - evilSeats

	if set.Intersect(EvilRoles).Count() > evilSeats {
		return false
	}
	if set.Without(EvilRoles).Count() > goodSeats {
		return false
	}
	for _, role := range set.Roles() {
		if prereq, ok := rolePrereqs[role]; ok && !set.Contains(prereq) {
			return false
		}
	}
	return true
}
