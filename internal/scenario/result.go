package scenario

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/gateway-fm/faultinjector/pkg/types"
)

// Result is the append-only step log of one run plus every height sample.
type Result struct {
	mu      sync.Mutex
	steps   []types.StepRecord
	heights map[string]map[int]uint64
}

func newResult() *Result {
	return &Result{heights: make(map[string]map[int]uint64)}
}

func (r *Result) append(rec types.StepRecord) {
	r.mu.Lock()
	r.steps = append(r.steps, rec)
	r.mu.Unlock()
}

func (r *Result) recordHeights(label string, heights map[int]uint64) {
	r.mu.Lock()
	r.heights[label] = heights
	r.mu.Unlock()
}

// Steps returns a copy of the step log.
func (r *Result) Steps() []types.StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StepRecord(nil), r.steps...)
}

// Heights returns a copy of the sampled heights keyed by sample label.
func (r *Result) Heights() map[string]map[int]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[int]uint64, len(r.heights))
	for label, h := range r.heights {
		out[label] = maps.Clone(h)
	}
	return out
}

// Analysis is the reduction of a step log.
type Analysis struct {
	Steps  map[types.StepName]bool `json:"steps"`
	Passed bool                    `json:"passed"`
}

// Analyze reduces the log to a per-step verdict and an overall AND.
// A step recorded more than once passes only if every record passed.
// An empty log does not pass.
func (r *Result) Analyze() Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := Analysis{Steps: make(map[types.StepName]bool), Passed: len(r.steps) > 0}
	for _, s := range r.steps {
		prev, seen := a.Steps[s.Step]
		a.Steps[s.Step] = s.Success && (!seen || prev)
		a.Passed = a.Passed && s.Success
	}
	return a
}

func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func stepRecord(step types.StepName, ok bool, payload any, err error, started time.Time) types.StepRecord {
	rec := types.StepRecord{
		Step:       step,
		Success:    ok,
		Payload:    marshalPayload(payload),
		At:         started,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
