// Package types contains public API types for the fault-injection harness.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"encoding/json"
	"time"
)

// Scenario names a fault scenario by the share of voting power it stops.
type Scenario string

const (
	ScenarioLessThanOneThird Scenario = "less-than-one-third"
	ScenarioExactlyOneThird  Scenario = "exactly-one-third"
	ScenarioMoreThanOneThird Scenario = "more-than-one-third"
)

// RunStatus represents the current state of a scenario run.
type RunStatus string

const (
	StatusIdle    RunStatus = "idle"
	StatusRunning RunStatus = "running"
	StatusPassed  RunStatus = "passed"
	StatusFailed  RunStatus = "failed" // The cluster violated an invariant
	StatusError   RunStatus = "error"  // The harness could not complete the run
)

// StepName identifies one step of a scenario.
type StepName string

const (
	StepInitialize               StepName = "initialize"
	StepSelectValidators         StepName = "select_validators"
	StepStopValidators           StepName = "stop_validators"
	StepCheckNetworkAfterStop    StepName = "check_network_after_stop"
	StepVerifyStoppedUnreachable StepName = "verify_stopped_unreachable"
	StepFaultWindow              StepName = "fault_window"
	StepRestartValidators        StepName = "restart_validators"
	StepCheckNetworkAfterRestart StepName = "check_network_after_restart"
	StepCleanup                  StepName = "cleanup"
)

// StepRecord is one entry of a run's append-only step log.
type StepRecord struct {
	Step       StepName        `json:"step"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
	DurationMs int64           `json:"durationMs"`
}

// SelectionSummary describes the validators chosen for a scenario.
type SelectionSummary struct {
	TotalPower        uint64 `json:"totalPower"`
	TargetPower       uint64 `json:"targetPower"`
	AchievedPower     uint64 `json:"achievedPower"`
	Indices           []int  `json:"indices"`
	ExpectProgression bool   `json:"expectProgression"`
}

// Report is the complete outcome of one scenario run.
type Report struct {
	ID         string                    `json:"id"`
	Scenario   Scenario                  `json:"scenario"`
	Status     RunStatus                 `json:"status"`
	Passed     bool                      `json:"passed"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt *time.Time                `json:"finishedAt,omitempty"`
	Selection  *SelectionSummary         `json:"selection,omitempty"`
	Steps      []StepRecord              `json:"steps"`
	StepPassed map[StepName]bool         `json:"stepPassed"`
	Heights    map[string]map[int]uint64 `json:"heights,omitempty"` // sample label -> node -> height
	Error      string                    `json:"error,omitempty"`
	ErrorKind  string                    `json:"errorKind,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary is the list view of a stored run.
type RunSummary struct {
	ID         string     `json:"id"`
	Scenario   Scenario   `json:"scenario"`
	Status     RunStatus  `json:"status"`
	Passed     bool       `json:"passed"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs"`
	StepCount  int        `json:"stepCount"`
	ErrorKind  string     `json:"errorKind,omitempty"`
}

// PaginatedRuns is a page of run summaries.
type PaginatedRuns struct {
	Runs   []RunSummary `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// StartScenarioRequest is the body of POST /v1/scenarios.
type StartScenarioRequest struct {
	Scenario Scenario `json:"scenario"`

	// Optional overrides in seconds. Zero keeps the server default.
	PostStopWaitSec    int `json:"postStopWaitSec,omitempty"`
	RestartSettleSec   int `json:"restartSettleSec,omitempty"`
	PostRestartWaitSec int `json:"postRestartWaitSec,omitempty"`
	FaultWindowSec     int `json:"faultWindowSec,omitempty"`

	WarmUpTxCount     int   `json:"warmUpTxCount,omitempty"`
	ExpectProgression *bool `json:"expectProgression,omitempty"`
}

// StartScenarioResponse is returned when a run is accepted.
type StartScenarioResponse struct {
	ID       string    `json:"id"`
	Scenario Scenario  `json:"scenario"`
	Status   RunStatus `json:"status"`
}

// CurrentRun is the state of the in-flight or most recent run.
type CurrentRun struct {
	Status RunStatus `json:"status"`
	Report *Report   `json:"report,omitempty"`
}

// StepEvent is pushed to WebSocket subscribers after every step.
type StepEvent struct {
	RunID    string     `json:"runId"`
	Scenario Scenario   `json:"scenario"`
	Step     StepRecord `json:"step"`
}

// RunEvent is pushed to WebSocket subscribers when a run starts or ends.
type RunEvent struct {
	RunID    string    `json:"runId"`
	Scenario Scenario  `json:"scenario"`
	Status   RunStatus `json:"status"`
	Passed   bool      `json:"passed"`
}

// ErrorResponse is the body of a failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
