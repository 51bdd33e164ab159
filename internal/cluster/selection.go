package cluster

import (
	"fmt"

	"github.com/gateway-fm/faultinjector/internal/failure"
)

// Scenario is the voting-power fraction of validators a fault targets.
type Scenario string

const (
	LessThanOneThird Scenario = "less-than-one-third"
	ExactlyOneThird  Scenario = "exactly-one-third"
	MoreThanOneThird Scenario = "more-than-one-third"
)

// Scenarios lists every scenario in run order.
var Scenarios = []Scenario{LessThanOneThird, ExactlyOneThird, MoreThanOneThird}

// ParseScenario parses a scenario name.
func ParseScenario(s string) (Scenario, error) {
	switch sc := Scenario(s); sc {
	case LessThanOneThird, ExactlyOneThird, MoreThanOneThird:
		return sc, nil
	default:
		return "", failure.Configf("unknown scenario %q", s)
	}
}

var (
	// ErrNoActiveValidators is returned when there is nothing to select from.
	ErrNoActiveValidators = fmt.Errorf("%w: no active validators", failure.ErrConfiguration)

	// ErrSelectionUnachievable is returned when no subset satisfies the scenario.
	ErrSelectionUnachievable = fmt.Errorf("%w: voting power target unachievable", failure.ErrConfiguration)
)

// Selection is the validator subset chosen for a scenario. It is a snapshot
// of voting power at selection time.
type Selection struct {
	Scenario      Scenario `json:"scenario"`
	TotalPower    uint64   `json:"totalPower"`
	Target        uint64   `json:"target"`
	Indices       []int    `json:"indices"`
	AchievedPower uint64   `json:"achievedPower"`
}

// ExpectProgression reports whether the remaining validators hold more
// than two thirds of the voting power, i.e. the chain should keep going.
func (s Selection) ExpectProgression() bool {
	return 3*s.AchievedPower < s.TotalPower
}

// SelectValidatorsByVotingPower picks active validators in ascending index
// order. The target is floor(total/3).
//
//   - less-than-one-third adds a validator while the sum stays below target.
//   - exactly-one-third adds a validator while the sum stays at or below
//     target, which yields the nearest achievable sum not above it.
//   - more-than-one-third adds validators until the sum exceeds total/3.
//
// Validators that do not fit are skipped and later ones still considered.
// Zero-power validators fit any budget.
func (r *Registry) SelectValidatorsByVotingPower(scenario Scenario) (*Selection, error) {
	if _, err := ParseScenario(string(scenario)); err != nil {
		return nil, err
	}

	var validators []*Node
	for _, n := range r.ActiveNodes() {
		if n.Type == Validator {
			validators = append(validators, n)
		}
	}
	if len(validators) == 0 {
		return nil, ErrNoActiveValidators
	}

	powers := make([]uint64, len(validators))
	var total uint64
	for i, v := range validators {
		powers[i] = v.VotingPower()
		total += powers[i]
	}

	sel := &Selection{
		Scenario:   scenario,
		TotalPower: total,
		Target:     total / 3,
		Indices:    []int{},
	}

	for i, v := range validators {
		vp := powers[i]
		add := false
		switch scenario {
		case LessThanOneThird:
			add = sel.AchievedPower+vp < sel.Target
		case ExactlyOneThird:
			add = sel.AchievedPower+vp <= sel.Target
		case MoreThanOneThird:
			add = 3*sel.AchievedPower <= total
		}
		if add {
			sel.Indices = append(sel.Indices, v.Index)
			sel.AchievedPower += vp
		}
		if scenario == ExactlyOneThird && sel.Target > 0 && sel.AchievedPower == sel.Target {
			break
		}
	}

	achieved := len(sel.Indices) > 0
	if scenario == MoreThanOneThird {
		achieved = 3*sel.AchievedPower > total
	}
	if !achieved {
		return nil, fmt.Errorf("%s over total power %d: %w", scenario, total, ErrSelectionUnachievable)
	}

	r.logger.Info("validators selected",
		"scenario", scenario,
		"total_power", sel.TotalPower,
		"target", sel.Target,
		"achieved_power", sel.AchievedPower,
		"indices", sel.Indices,
	)
	return sel, nil
}
