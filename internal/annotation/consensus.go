package annotation

type Status string

const (
	StatusPending   Status = "pending"
	StatusDisputed  Status = "disputed"
	StatusConsensus Status = "consensus"
)

// Settings tune consensus classification. Zero values inherit the engine
// defaults.
type Settings struct {
	MinVoters          int     `json:"minVoters,omitempty" validate:"gte=0"`
	ConsensusThreshold float64 `json:"consensusThreshold,omitempty" validate:"gte=0,lte=1"`
	DisputeThreshold   float64 `json:"disputeThreshold,omitempty" validate:"gte=0,lte=1"`
}

func DefaultSettings() Settings {
	return Settings{MinVoters: 1, ConsensusThreshold: 0.66, DisputeThreshold: 0}
}

func (s Settings) withDefaults(def Settings) Settings {
	if s.MinVoters <= 0 {
		s.MinVoters = def.MinVoters
	}
	if s.ConsensusThreshold <= 0 {
		s.ConsensusThreshold = def.ConsensusThreshold
	}
	if s.DisputeThreshold <= 0 {
		s.DisputeThreshold = def.DisputeThreshold
	}
	return s
}

type ConsensusResult struct {
	Status       Status  `json:"status"`
	Label        string  `json:"label"`
	SuggestionID string  `json:"suggestionId,omitempty"`
	Confidence   float64 `json:"confidence"`
	Voters       int     `json:"voters"`
	Up           int     `json:"up"`
	Down         int     `json:"down"`
}

// BucketConsensus pairs a bucket with its classification.
type BucketConsensus struct {
	Bucket BucketKey       `json:"bucket"`
	Result ConsensusResult `json:"result"`
}

// Classify picks the leading bundle and derives the bucket status. Tallies
// must be in root insertion order; the highest net score wins, then the most
// up votes, then the earliest root. voters is the number of distinct users
// with any vote in the bucket.
func Classify(tallies []BundleTally, voters int, s Settings) ConsensusResult {
	result := ConsensusResult{Status: StatusPending, Voters: voters}
	if len(tallies) == 0 {
		return result
	}
	best := tallies[0]
	for _, t := range tallies[1:] {
		if t.Net() > best.Net() || (t.Net() == best.Net() && t.Up > best.Up) {
			best = t
		}
	}
	result.Label = best.Label
	result.SuggestionID = best.Root
	result.Up = best.Up
	result.Down = best.Down
	if voters > 0 {
		result.Confidence = float64(best.Up) / float64(voters)
	}
	switch {
	case voters < s.MinVoters:
		result.Status = StatusPending
	case result.Confidence >= s.ConsensusThreshold:
		result.Status = StatusConsensus
	case result.Confidence < s.DisputeThreshold:
		result.Status = StatusPending
	default:
		result.Status = StatusDisputed
	}
	return result
}
