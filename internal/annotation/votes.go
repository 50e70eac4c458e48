package annotation

import "sort"

// Voters lists the users holding each direction on one suggestion.
type Voters struct {
	Up   []string `json:"up"`
	Down []string `json:"down"`
}

// VoteLedger records at most one direct vote per user per suggestion.
type VoteLedger struct {
	votes map[string]map[string]Direction
}

func NewVoteLedger() *VoteLedger {
	return &VoteLedger{votes: make(map[string]map[string]Direction)}
}

// Vote applies toggle semantics and returns the user's resulting vote:
// repeating the current direction clears it, the opposite direction switches
// it, and NoVote always clears.
func (l *VoteLedger) Vote(suggestionID, user string, dir Direction) Direction {
	current := l.votes[suggestionID][user]
	if dir == NoVote || current == dir {
		l.clear(suggestionID, user)
		return NoVote
	}
	l.set(suggestionID, user, dir)
	return dir
}

func (l *VoteLedger) set(suggestionID, user string, dir Direction) {
	byUser := l.votes[suggestionID]
	if byUser == nil {
		byUser = make(map[string]Direction)
		l.votes[suggestionID] = byUser
	}
	byUser[user] = dir
}

func (l *VoteLedger) clear(suggestionID, user string) {
	byUser, ok := l.votes[suggestionID]
	if !ok {
		return
	}
	delete(byUser, user)
	if len(byUser) == 0 {
		delete(l.votes, suggestionID)
	}
}

func (l *VoteLedger) DirectVote(suggestionID, user string) Direction {
	return l.votes[suggestionID][user]
}

func (l *VoteLedger) Voters(suggestionID string) Voters {
	out := Voters{Up: []string{}, Down: []string{}}
	for user, dir := range l.votes[suggestionID] {
		if dir == Up {
			out.Up = append(out.Up, user)
		} else {
			out.Down = append(out.Down, user)
		}
	}
	sort.Strings(out.Up)
	sort.Strings(out.Down)
	return out
}

func (l *VoteLedger) Count(suggestionID string) (up, down int) {
	for _, dir := range l.votes[suggestionID] {
		if dir == Up {
			up++
		} else {
			down++
		}
	}
	return up, down
}

// Forget drops every vote on a suggestion.
func (l *VoteLedger) Forget(suggestionID string) {
	delete(l.votes, suggestionID)
}

// Users returns the distinct users with at least one vote, sorted.
func (l *VoteLedger) Users() []string {
	seen := make(map[string]struct{})
	for _, byUser := range l.votes {
		for user := range byUser {
			seen[user] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for user := range seen {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (l *VoteLedger) suggestions() []string {
	out := make([]string, 0, len(l.votes))
	for id := range l.votes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
