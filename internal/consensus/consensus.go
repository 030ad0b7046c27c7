// Package consensus aggregates agent votes into a swarm-level decision.
// Coordinators are stateless; callers persist the outcome as a session log
// entry.
package consensus

import (
	"errors"
	"fmt"
)

// Strategy names accepted by Decide.
const (
	Quorum    = "quorum"
	Unanimous = "unanimous"
	Weighted  = "weighted"
	Leader    = "leader"
)

// DefaultThreshold is the 2/3 majority used when no threshold is given.
const DefaultThreshold = 2.0 / 3.0

var (
	ErrUnknownStrategy = errors.New("unknown consensus strategy")
	ErrNoLeader        = errors.New("no designated leader among votes")
)

type Vote struct {
	AgentID string  `json:"agent_id"`
	Approve bool    `json:"approve"`
	Weight  float64 `json:"weight,omitempty"` // non-positive counts as 1
	Leader  bool    `json:"leader,omitempty"`
}

type Decision struct {
	Agreement  bool    `json:"agreement"`
	Confidence float64 `json:"confidence"` // 0..1
}

// Decide aggregates votes under the given strategy. A non-positive
// threshold falls back to DefaultThreshold.
func Decide(votes []Vote, strategy string, threshold float64) (Decision, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	switch strategy {
	case Quorum:
		frac := approvalFraction(votes)
		return Decision{Agreement: len(votes) > 0 && frac >= threshold, Confidence: frac}, nil

	case Unanimous:
		frac := approvalFraction(votes)
		return Decision{Agreement: len(votes) > 0 && frac == 1, Confidence: frac}, nil

	case Weighted:
		var forWeight, total float64
		for _, v := range votes {
			w := v.Weight
			if w <= 0 {
				w = 1
			}
			total += w
			if v.Approve {
				forWeight += w
			}
		}
		if total == 0 {
			return Decision{}, nil
		}
		frac := forWeight / total
		return Decision{Agreement: frac >= threshold, Confidence: frac}, nil

	case Leader:
		for _, v := range votes {
			if v.Leader {
				return Decision{Agreement: v.Approve, Confidence: 1.0}, nil
			}
		}
		return Decision{}, ErrNoLeader

	default:
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

func approvalFraction(votes []Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	approvals := 0
	for _, v := range votes {
		if v.Approve {
			approvals++
		}
	}
	return float64(approvals) / float64(len(votes))
}
