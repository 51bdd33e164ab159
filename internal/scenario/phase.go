package scenario

import (
	"fmt"
	"slices"

	"github.com/gateway-fm/faultinjector/internal/failure"
)

// Phase is the position of an orchestrator in its scenario.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInit
	PhaseValidatorsSelected
	PhaseStopped
	PhasePostStopVerified
	PhaseUnreachabilityConfirmed
	PhaseFaultWindow
	PhaseRestarted
	PhasePostRestartVerified
	PhaseAnalyzed
	PhaseCleanedUp
)

var phaseNames = map[Phase]string{
	PhaseNew:                     "new",
	PhaseInit:                    "init",
	PhaseValidatorsSelected:      "validators_selected",
	PhaseStopped:                 "stopped",
	PhasePostStopVerified:        "post_stop_verified",
	PhaseUnreachabilityConfirmed: "unreachability_confirmed",
	PhaseFaultWindow:             "fault_window",
	PhaseRestarted:               "restarted",
	PhasePostRestartVerified:     "post_restart_verified",
	PhaseAnalyzed:                "analyzed",
	PhaseCleanedUp:               "cleaned_up",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrIllegalTransition is returned when a step is called out of order.
var ErrIllegalTransition = fmt.Errorf("%w: illegal step order", failure.ErrConfiguration)

// predecessors lists the phases each phase may be entered from.
// Cleanup is legal from anywhere and is not listed.
var predecessors = map[Phase][]Phase{
	PhaseInit:                    {PhaseNew},
	PhaseValidatorsSelected:      {PhaseInit},
	PhaseStopped:                 {PhaseValidatorsSelected},
	PhasePostStopVerified:        {PhaseStopped},
	PhaseUnreachabilityConfirmed: {PhasePostStopVerified},
	PhaseFaultWindow:             {PhaseUnreachabilityConfirmed},
	PhaseRestarted:               {PhaseUnreachabilityConfirmed, PhaseFaultWindow},
	PhasePostRestartVerified:     {PhaseRestarted},
	PhaseAnalyzed:                {PhasePostRestartVerified},
}

func checkTransition(from, to Phase) error {
	if slices.Contains(predecessors[to], from) {
		return nil
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrIllegalTransition, to, from)
}
