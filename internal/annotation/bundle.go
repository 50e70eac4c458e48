package annotation

type VoteSource string

const (
	SourceDirect    VoteSource = "direct"
	SourceDelegated VoteSource = "delegated"
	SourceNone      VoteSource = "none"
)

// BundleVoteInfo explains how a user's vote counts for a bundle.
// DelegatedUp and DelegatedDown count the user's votes on the non-root
// members.
type BundleVoteInfo struct {
	Vote          Direction  `json:"vote"`
	Source        VoteSource `json:"source"`
	DelegatedUp   int        `json:"delegatedUp"`
	DelegatedDown int        `json:"delegatedDown"`
}

// BundleTally is the per-user aggregate of one bundle.
type BundleTally struct {
	Root    string
	Label   string
	Members []string
	Up      int
	Down    int
}

func (t BundleTally) Net() int {
	return t.Up - t.Down
}

func memberCounts(ledger *VoteLedger, members []string, user string) (up, down int) {
	for _, id := range members {
		switch ledger.DirectVote(id, user) {
		case Up:
			up++
		case Down:
			down++
		}
	}
	return up, down
}

// effectiveVote is how one user counts for a bundle: the direct vote on the
// root if present, else the majority over the members with ties counted as up.
func effectiveVote(ledger *VoteLedger, root string, members []string, user string) Direction {
	if dir := ledger.DirectVote(root, user); dir != NoVote {
		return dir
	}
	up, down := memberCounts(ledger, members, user)
	switch {
	case up == 0 && down == 0:
		return NoVote
	case up >= down:
		return Up
	default:
		return Down
	}
}

// TallyBundle counts each user at most once across root and members.
func TallyBundle(ledger *VoteLedger, root, label string, members []string) BundleTally {
	tally := BundleTally{Root: root, Label: label, Members: members}
	users := make(map[string]struct{})
	for _, id := range append([]string{root}, members...) {
		for user := range ledger.votes[id] {
			users[user] = struct{}{}
		}
	}
	for user := range users {
		switch effectiveVote(ledger, root, members, user) {
		case Up:
			tally.Up++
		case Down:
			tally.Down++
		}
	}
	return tally
}

// BundleVote reports a user's bundle-level vote. Unlike the tally, a tie
// between delegated directions reports no vote so the caller can show the
// conflict.
func BundleVote(ledger *VoteLedger, root string, members []string, user string) BundleVoteInfo {
	up, down := memberCounts(ledger, members, user)
	info := BundleVoteInfo{Source: SourceNone, DelegatedUp: up, DelegatedDown: down}
	if dir := ledger.DirectVote(root, user); dir != NoVote {
		info.Vote = dir
		info.Source = SourceDirect
		return info
	}
	switch {
	case up > down:
		info.Vote = Up
		info.Source = SourceDelegated
	case down > up:
		info.Vote = Down
		info.Source = SourceDelegated
	}
	return info
}
