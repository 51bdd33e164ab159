package scenario

import (
	"fmt"
	"slices"

	"github.com/gateway-fm/faultinjector/internal/cluster"
)

// HeightCheck compares two height samples of the same nodes.
type HeightCheck struct {
	ExpectProgression bool           `json:"expectProgression"`
	Genesis           bool           `json:"genesis"`
	Before            map[int]uint64 `json:"before"`
	After             map[int]uint64 `json:"after"`
	Advanced          []int          `json:"advanced,omitempty"`
	Unchanged         []int          `json:"unchanged,omitempty"`
	Regressed         []int          `json:"regressed,omitempty"`
	Unresponsive      []int          `json:"unresponsive,omitempty"`
	OK                bool           `json:"ok"`
	Reason            string         `json:"reason,omitempty"`
}

func heightMap(samples []cluster.HeightSample) (ok map[int]uint64, failed []int) {
	ok = make(map[int]uint64, len(samples))
	for _, s := range samples {
		if s.Err != nil {
			failed = append(failed, s.Index)
			continue
		}
		ok[s.Index] = s.Height
	}
	return ok, failed
}

// compareHeights applies the progression or halt predicate.
//
// Progression requires every sampled node to answer both times with a
// strictly higher second height. When every answer in both samples is zero
// the chain is at genesis and the height delta is not judged; the caller must
// then require a successful probe transaction instead.
//
// Halt requires every node that answered both times to report the same
// height. Nodes that stop answering are tolerated under halt.
func compareHeights(before, after []cluster.HeightSample, expectProgression bool) HeightCheck {
	b, failedBefore := heightMap(before)
	a, failedAfter := heightMap(after)

	c := HeightCheck{ExpectProgression: expectProgression, Before: b, After: a}

	unresponsive := append(failedBefore, failedAfter...)
	for idx := range b {
		if _, ok := a[idx]; !ok {
			unresponsive = append(unresponsive, idx)
		}
	}
	for idx := range a {
		if _, ok := b[idx]; !ok {
			unresponsive = append(unresponsive, idx)
		}
	}
	slices.Sort(unresponsive)
	c.Unresponsive = slices.Compact(unresponsive)

	compared := 0
	allZero := true
	for idx, h0 := range b {
		h1, ok := a[idx]
		if !ok {
			continue
		}
		compared++
		if h0 != 0 || h1 != 0 {
			allZero = false
		}
		switch {
		case h1 > h0:
			c.Advanced = append(c.Advanced, idx)
		case h1 == h0:
			c.Unchanged = append(c.Unchanged, idx)
		default:
			c.Regressed = append(c.Regressed, idx)
		}
	}
	slices.Sort(c.Advanced)
	slices.Sort(c.Unchanged)
	slices.Sort(c.Regressed)
	c.Genesis = compared > 0 && allZero

	switch {
	case compared == 0:
		c.Reason = "no node answered both height samples"
	case len(c.Regressed) > 0:
		c.Reason = fmt.Sprintf("height decreased on nodes %v", c.Regressed)
	case expectProgression && len(c.Unresponsive) > 0:
		c.Reason = fmt.Sprintf("nodes %v did not answer height sampling", c.Unresponsive)
	case expectProgression && c.Genesis:
		c.OK = true
	case expectProgression && len(c.Unchanged) > 0:
		c.Reason = fmt.Sprintf("height did not advance on nodes %v", c.Unchanged)
	case !expectProgression && len(c.Advanced) > 0:
		c.Reason = fmt.Sprintf("height advanced on nodes %v while a halt was expected", c.Advanced)
	default:
		c.OK = true
	}
	return c
}
