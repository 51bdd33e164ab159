// Package scenario drives fault scenarios against a cluster: it stops a
// voting-power-selected set of validators, asserts that the chain halts or
// keeps going as BFT thresholds predict, proves the stop took effect,
// restarts the validators and asserts recovery.
//
// Steps must run in order. Run drives the whole pipeline; the step methods
// are exported for callers that need to interleave their own checks.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/chainlayer"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/consistency"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/probe"
	"github.com/gateway-fm/faultinjector/internal/rpc"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

// Defaults.
const (
	DefaultPostStopWait    = 30 * time.Second
	DefaultRestartSettle   = 20 * time.Second
	DefaultPostRestartWait = 30 * time.Second
	DefaultWarmUpTxCount   = 3
	DefaultWarmUpSettle    = 10 * time.Second
	DefaultCleanupTimeout  = 2 * time.Minute
	DefaultHeightTolerance = 10
)

// ErrNoResponsiveNodes is returned when no active node answers before the
// scenario touches anything.
var ErrNoResponsiveNodes = fmt.Errorf("%w: no active node answered height sampling", failure.ErrTransient)

// Cluster is the registry surface the orchestrator drives.
type Cluster interface {
	Node(index int) (*cluster.Node, error)
	ActiveNotBootNodes() []*cluster.Node
	SelectValidatorsByVotingPower(scenario cluster.Scenario) (*cluster.Selection, error)
	SetNodeActive(index int, active bool) error
	SampleHeights(ctx context.Context, indices []int) ([]cluster.HeightSample, error)
	ProbeNodeDirect(ctx context.Context, index int) (cluster.Connectivity, error)
}

var _ Cluster = (*cluster.Registry)(nil)

// Prober sends probe and warm-up transactions.
type Prober interface {
	Send(ctx context.Context, client probe.Client) (*probe.Result, error)
	WarmUp(ctx context.Context, client probe.Client, count int) (int, error)
}

var _ Prober = (*probe.Prober)(nil)

// Recorder receives step and run metrics.
type Recorder interface {
	RecordStep(step string, ok bool, d time.Duration)
	RecordScenario(scenario string, passed bool)
	RecordSelection(total, target, achieved uint64)
	SetNodeHeight(node int, height uint64)
	SetNodeUp(node int, layer string, up bool)
}

// ConsistencyChecker asserts that nodes agree on a request.
type ConsistencyChecker interface {
	AssertConsistentResponses(ctx context.Context, req rpc.Request, tolerance uint64, indices []int) (*consistency.Assertion, error)
}

var _ ConsistencyChecker = (*consistency.Checker)(nil)

// Store persists finished reports.
type Store interface {
	SaveRun(ctx context.Context, report *types.Report) error
}

// Options tune a run. Zero durations select the defaults, negative
// durations disable the wait.
type Options struct {
	PostStopWait    time.Duration
	RestartSettle   time.Duration
	PostRestartWait time.Duration

	// FaultWindow keeps the validators down for an extra period after
	// unreachability is confirmed. Zero skips the window.
	FaultWindow time.Duration

	WarmUpTxCount int
	WarmUpSettle  time.Duration

	// ExpectProgression overrides the expectation derived from the selection.
	ExpectProgression *bool

	CleanupTimeout time.Duration

	// HeightTolerance is how many blocks apart nodes may be when their
	// heights are compared for consistency. Zero selects the default.
	HeightTolerance uint64
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

func (o Options) withDefaults() Options {
	o.PostStopWait = orDefault(o.PostStopWait, DefaultPostStopWait)
	o.RestartSettle = orDefault(o.RestartSettle, DefaultRestartSettle)
	o.PostRestartWait = orDefault(o.PostRestartWait, DefaultPostRestartWait)
	o.WarmUpSettle = orDefault(o.WarmUpSettle, DefaultWarmUpSettle)
	o.CleanupTimeout = orDefault(o.CleanupTimeout, DefaultCleanupTimeout)
	if o.FaultWindow < 0 {
		o.FaultWindow = 0
	}
	if o.WarmUpTxCount <= 0 {
		o.WarmUpTxCount = DefaultWarmUpTxCount
	}
	if o.HeightTolerance == 0 {
		o.HeightTolerance = DefaultHeightTolerance
	}
	return o
}

// Config for creating an Orchestrator.
type Config struct {
	ID       string // generated when empty
	Scenario cluster.Scenario
	Cluster  Cluster
	Backend  backend.Backend
	Prober   Prober
	Options  Options
	Metrics  Recorder
	Store    Store
	OnStep   func(types.StepEvent)
	Logger   *slog.Logger

	// Consistency, when set, cross-checks responsive nodes whenever the
	// chain is expected to progress.
	Consistency ConsistencyChecker
}

// Orchestrator runs one scenario. It is not reusable.
type Orchestrator struct {
	id       string
	scenario cluster.Scenario
	cluster  Cluster
	backend  backend.Backend
	prober   Prober
	opts     Options
	metrics  Recorder
	store    Store
	onStep   func(types.StepEvent)
	logger   *slog.Logger
	result   *Result
	checker  ConsistencyChecker

	mu        sync.Mutex
	phase     Phase
	selection *cluster.Selection
	stopped   []int // validators stopped and not yet restarted
	startedAt time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if _, err := cluster.ParseScenario(string(cfg.Scenario)); err != nil {
		return nil, err
	}
	if cfg.Cluster == nil {
		return nil, failure.Configf("scenario requires a node registry")
	}
	if cfg.Backend == nil {
		return nil, failure.Configf("scenario requires an execution backend")
	}
	if cfg.Prober == nil {
		return nil, failure.Configf("scenario requires a probe transaction sender")
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		id:        id,
		scenario:  cfg.Scenario,
		cluster:   cfg.Cluster,
		backend:   cfg.Backend,
		prober:    cfg.Prober,
		opts:      cfg.Options.withDefaults(),
		metrics:   cfg.Metrics,
		store:     cfg.Store,
		onStep:    cfg.OnStep,
		logger:    logger.With("run", id, "scenario", cfg.Scenario),
		result:    newResult(),
		checker:   cfg.Consistency,
		startedAt: time.Now(),
	}, nil
}

// ID returns the run identifier.
func (o *Orchestrator) ID() string { return o.id }

// Scenario returns the scenario being run.
func (o *Orchestrator) Scenario() cluster.Scenario { return o.scenario }

// Result returns the step log.
func (o *Orchestrator) Result() *Result { return o.result }

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Selection returns the validator selection, or nil before it is made.
func (o *Orchestrator) Selection() *cluster.Selection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selection
}

// Stopped returns the validators that are stopped and not yet restarted.
func (o *Orchestrator) Stopped() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.stopped)
}

func (o *Orchestrator) require(to Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return checkTransition(o.phase, to)
}

func (o *Orchestrator) advance(to Phase) {
	o.mu.Lock()
	o.phase = to
	o.mu.Unlock()
}

func (o *Orchestrator) markStopped(indices []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, idx := range indices {
		if !slices.Contains(o.stopped, idx) {
			o.stopped = append(o.stopped, idx)
		}
	}
}

func (o *Orchestrator) clearStopped(indices []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = slices.DeleteFunc(o.stopped, func(idx int) bool {
		return slices.Contains(indices, idx)
	})
}

// ExpectProgression reports whether the chain should keep producing blocks
// with the selected validators stopped.
func (o *Orchestrator) ExpectProgression() bool {
	if o.opts.ExpectProgression != nil {
		return *o.opts.ExpectProgression
	}
	sel := o.Selection()
	return sel != nil && sel.ExpectProgression()
}

func (o *Orchestrator) record(step types.StepName, ok bool, payload any, err error, started time.Time) {
	rec := stepRecord(step, ok, payload, err, started)
	o.result.append(rec)

	if o.metrics != nil {
		o.metrics.RecordStep(string(step), ok, time.Since(started))
	}
	if ok {
		o.logger.Info("step completed", "step", step, "duration", time.Since(started))
	} else {
		o.logger.Warn("step failed", "step", step, "error", rec.Error)
	}
	if o.onStep != nil {
		o.onStep(types.StepEvent{RunID: o.id, Scenario: types.Scenario(o.scenario), Step: rec})
	}
}

func (o *Orchestrator) publishHeights(label string, samples []cluster.HeightSample) map[int]uint64 {
	heights, _ := heightMap(samples)
	o.result.recordHeights(label, heights)
	if o.metrics != nil {
		for idx, h := range heights {
			o.metrics.SetNodeHeight(idx, h)
		}
	}
	return heights
}

func (o *Orchestrator) activeIndices() []int {
	return cluster.Indices(o.cluster.ActiveNotBootNodes())
}

func (o *Orchestrator) probeClient() (probe.Client, error) {
	for _, n := range o.cluster.ActiveNotBootNodes() {
		if c := n.ExecuteClient(); c != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no active node has an execute client: %w", cluster.ErrNoClient)
}

// fanOut runs op on every node concurrently. Every attempt runs to
// completion; failures are collected per node.
func (o *Orchestrator) fanOut(ctx context.Context, indices []int, op func(context.Context, *cluster.Node) error) map[int]error {
	errs := make([]error, len(indices))
	var g errgroup.Group
	for i, idx := range indices {
		g.Go(func() error {
			n, err := o.cluster.Node(idx)
			if err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = op(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[int]error)
	for i, err := range errs {
		if err != nil {
			failed[indices[i]] = err
		}
	}
	return failed
}

func errorStrings(errs map[int]error) map[int]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[int]string, len(errs))
	for idx, err := range errs {
		out[idx] = err.Error()
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type initPayload struct {
	Heights     map[int]uint64 `json:"heights"`
	Genesis     bool           `json:"genesis"`
	WarmUpSent  int            `json:"warmUpSent,omitempty"`
	WarmUpError string         `json:"warmUpError,omitempty"`
	AfterWarmUp map[int]uint64 `json:"afterWarmUp,omitempty"`
}

// Initialize samples the active nodes. A chain still at genesis cannot tell
// progression from halt, so warm-up transactions are sent to move it off
// height zero.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.require(PhaseInit); err != nil {
		return err
	}
	started := time.Now()

	indices := o.activeIndices()
	samples, err := o.cluster.SampleHeights(ctx, indices)
	if err != nil {
		o.record(types.StepInitialize, false, nil, err, started)
		return err
	}
	heights := o.publishHeights("initial", samples)
	if len(heights) == 0 {
		err := fmt.Errorf("%w: sampled nodes %v", ErrNoResponsiveNodes, indices)
		o.record(types.StepInitialize, false, nil, err, started)
		return err
	}

	payload := initPayload{Heights: heights}
	payload.Genesis = !slices.ContainsFunc(samples, func(s cluster.HeightSample) bool {
		return s.Err == nil && s.Height > 0
	})

	if payload.Genesis {
		o.logger.Info("chain at genesis, sending warm-up transactions", "count", o.opts.WarmUpTxCount)
		client, err := o.probeClient()
		if err != nil {
			o.record(types.StepInitialize, false, payload, err, started)
			return err
		}
		payload.WarmUpSent, err = o.prober.WarmUp(ctx, client, o.opts.WarmUpTxCount)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			payload.WarmUpError = err.Error()
			o.logger.Warn("warm-up failed", "error", err)
		}
		if err := sleep(ctx, o.opts.WarmUpSettle); err != nil {
			return err
		}
		after, err := o.cluster.SampleHeights(ctx, indices)
		if err == nil {
			payload.AfterWarmUp = o.publishHeights("after_warmup", after)
		}
	}

	o.record(types.StepInitialize, true, payload, nil, started)
	o.advance(PhaseInit)
	return nil
}

// SelectValidators picks the validators to stop and snapshots their power.
func (o *Orchestrator) SelectValidators() (*cluster.Selection, error) {
	if err := o.require(PhaseValidatorsSelected); err != nil {
		return nil, err
	}
	started := time.Now()

	sel, err := o.cluster.SelectValidatorsByVotingPower(o.scenario)
	if err != nil {
		o.record(types.StepSelectValidators, false, nil, err, started)
		return nil, err
	}

	o.mu.Lock()
	o.selection = sel
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordSelection(sel.TotalPower, sel.Target, sel.AchievedPower)
	}
	o.logger.Info("validators selected",
		"indices", sel.Indices,
		"total", sel.TotalPower,
		"target", sel.Target,
		"achieved", sel.AchievedPower,
		"expectProgression", o.ExpectProgression(),
	)
	o.record(types.StepSelectValidators, true, o.selectionSummary(), nil, started)
	o.advance(PhaseValidatorsSelected)
	return sel, nil
}

func (o *Orchestrator) selectionSummary() *types.SelectionSummary {
	sel := o.Selection()
	if sel == nil {
		return nil
	}
	return &types.SelectionSummary{
		TotalPower:        sel.TotalPower,
		TargetPower:       sel.Target,
		AchievedPower:     sel.AchievedPower,
		Indices:           slices.Clone(sel.Indices),
		ExpectProgression: o.ExpectProgression(),
	}
}

type nodeOpPayload struct {
	Indices  []int          `json:"indices"`
	Failures map[int]string `json:"failures,omitempty"`
}

// StopValidators stops every selected validator concurrently and marks them
// inactive. A failed stop is recorded; the scenario carries on and the later
// checks decide whether the cluster behaved.
func (o *Orchestrator) StopValidators(ctx context.Context) error {
	if err := o.require(PhaseStopped); err != nil {
		return err
	}
	started := time.Now()
	indices := o.Selection().Indices

	o.markStopped(indices)
	failed := o.fanOut(ctx, indices, o.backend.StopNode)
	for _, idx := range indices {
		if err := o.cluster.SetNodeActive(idx, false); err != nil {
			failed[idx] = errors.Join(failed[idx], err)
		}
	}

	o.record(types.StepStopValidators, len(failed) == 0,
		nodeOpPayload{Indices: indices, Failures: errorStrings(failed)}, nil, started)
	if err := ctx.Err(); err != nil {
		return err
	}
	o.advance(PhaseStopped)
	return nil
}

type networkPayload struct {
	Heights     HeightCheck              `json:"heights"`
	Probe       *probe.Result            `json:"probe,omitempty"`
	ProbeError  string                   `json:"probeError,omitempty"`
	Consistency []*consistency.Assertion `json:"consistency,omitempty"`
}

// assertConsistency checks that responsive nodes agree on the chain ID and
// are within the height tolerance of each other.
func (o *Orchestrator) assertConsistency(ctx context.Context, indices []int, payload *networkPayload) error {
	checks := []struct {
		req       rpc.Request
		tolerance uint64
	}{
		{rpc.Request{Method: "eth_chainId"}, 0},
		{rpc.Request{Method: "eth_blockNumber"}, o.opts.HeightTolerance},
	}
	for _, c := range checks {
		a, err := o.checker.AssertConsistentResponses(ctx, c.req, c.tolerance, indices)
		if a != nil {
			payload.Consistency = append(payload.Consistency, a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkNetwork samples heights, waits, samples again and sends a probe
// transaction. A failed probe is tolerated only when a halt is expected.
func (o *Orchestrator) checkNetwork(ctx context.Context, step types.StepName, label string, wait time.Duration, expect bool) error {
	started := time.Now()
	indices := o.activeIndices()

	before, err := o.cluster.SampleHeights(ctx, indices)
	if err != nil {
		o.record(step, false, nil, err, started)
		return err
	}
	o.publishHeights(label+"_before", before)

	if err := sleep(ctx, wait); err != nil {
		return err
	}

	after, err := o.cluster.SampleHeights(ctx, indices)
	if err != nil {
		o.record(step, false, nil, err, started)
		return err
	}
	o.publishHeights(label+"_after", after)

	payload := networkPayload{Heights: compareHeights(before, after, expect)}

	client, err := o.probeClient()
	if err != nil {
		o.record(step, false, payload, err, started)
		return err
	}
	res, probeErr := o.prober.Send(ctx, client)
	payload.Probe = res
	if probeErr != nil {
		payload.ProbeError = probeErr.Error()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var verr error
	switch {
	case !payload.Heights.OK:
		verr = failure.Invariantf("%s: %s", step, payload.Heights.Reason)
	case expect && probeErr != nil:
		verr = failure.Invariantf("%s: probe transaction failed while progression was expected: %v", step, probeErr)
	case !expect && probeErr == nil:
		o.logger.Warn("probe transaction included while a halt was expected", "hash", res.Hash)
	}
	if verr == nil && expect && o.checker != nil {
		if err := o.assertConsistency(ctx, indices, &payload); err != nil {
			verr = fmt.Errorf("%s: %w", step, err)
		}
	}
	if payload.Heights.Genesis && expect {
		o.logger.Info("chain at genesis, progression judged by probe transaction", "step", step)
	}

	o.record(step, verr == nil, payload, verr, started)
	return verr
}

// CheckNetworkStatusAfterStop asserts the chain halts or progresses as the
// selection predicts.
func (o *Orchestrator) CheckNetworkStatusAfterStop(ctx context.Context) error {
	if err := o.require(PhasePostStopVerified); err != nil {
		return err
	}
	if err := o.checkNetwork(ctx, types.StepCheckNetworkAfterStop, "after_stop", o.opts.PostStopWait, o.ExpectProgression()); err != nil {
		return err
	}
	o.advance(PhasePostStopVerified)
	return nil
}

type unreachablePayload struct {
	Nodes          []cluster.Connectivity `json:"nodes"`
	StillReachable []int                  `json:"stillReachable,omitempty"`
}

// VerifyStoppedValidatorsNotAccessible probes each stopped validator's
// endpoints directly and asserts neither layer answers.
func (o *Orchestrator) VerifyStoppedValidatorsNotAccessible(ctx context.Context) error {
	if err := o.require(PhaseUnreachabilityConfirmed); err != nil {
		return err
	}
	started := time.Now()
	stopped := o.Stopped()

	results := make([]cluster.Connectivity, len(stopped))
	errs := make([]error, len(stopped))
	var g errgroup.Group
	for i, idx := range stopped {
		g.Go(func() error {
			results[i], errs[i] = o.cluster.ProbeNodeDirect(ctx, idx)
			return nil
		})
	}
	_ = g.Wait()

	payload := unreachablePayload{Nodes: results}
	if err := errors.Join(errs...); err != nil {
		o.record(types.StepVerifyStoppedUnreachable, false, payload, err, started)
		return err
	}

	for _, c := range results {
		if o.metrics != nil {
			o.metrics.SetNodeUp(c.Index, string(chainlayer.Execute), c.Execute.Connected)
			o.metrics.SetNodeUp(c.Index, string(chainlayer.Consensus), c.Consensus.Connected)
		}
		if c.Reachable() {
			payload.StillReachable = append(payload.StillReachable, c.Index)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var verr error
	if len(payload.StillReachable) > 0 {
		verr = failure.Invariantf("stopped validators %v still reachable", payload.StillReachable)
	}
	o.record(types.StepVerifyStoppedUnreachable, verr == nil, payload, verr, started)
	if verr != nil {
		return verr
	}
	o.advance(PhaseUnreachabilityConfirmed)
	return nil
}

type faultWindowPayload struct {
	DurationMs int64          `json:"durationMs"`
	Heights    map[int]uint64 `json:"heights,omitempty"`
}

// FaultWindow keeps the stopped validators down for Options.FaultWindow.
func (o *Orchestrator) FaultWindow(ctx context.Context) error {
	if err := o.require(PhaseFaultWindow); err != nil {
		return err
	}
	started := time.Now()
	o.logger.Info("holding fault window", "duration", o.opts.FaultWindow)

	if err := sleep(ctx, o.opts.FaultWindow); err != nil {
		return err
	}
	payload := faultWindowPayload{DurationMs: o.opts.FaultWindow.Milliseconds()}
	if samples, err := o.cluster.SampleHeights(ctx, o.activeIndices()); err == nil {
		payload.Heights = o.publishHeights("fault_window", samples)
	}

	o.record(types.StepFaultWindow, true, payload, nil, started)
	o.advance(PhaseFaultWindow)
	return nil
}

// startStopped starts every recorded stopped validator and marks it active.
func (o *Orchestrator) startStopped(ctx context.Context) ([]int, map[int]error) {
	stopped := o.Stopped()
	failed := o.fanOut(ctx, stopped, o.backend.StartNode)
	for _, idx := range stopped {
		if err := o.cluster.SetNodeActive(idx, true); err != nil {
			failed[idx] = errors.Join(failed[idx], err)
		}
	}
	if ctx.Err() == nil {
		o.clearStopped(stopped)
	}
	return stopped, failed
}

// RestartValidators starts the stopped validators, marks them active and
// waits for them to settle.
func (o *Orchestrator) RestartValidators(ctx context.Context) error {
	if err := o.require(PhaseRestarted); err != nil {
		return err
	}
	started := time.Now()

	restarted, failed := o.startStopped(ctx)
	err := ctx.Err()
	if err == nil {
		err = sleep(ctx, o.opts.RestartSettle)
	}

	o.record(types.StepRestartValidators, len(failed) == 0 && err == nil,
		nodeOpPayload{Indices: restarted, Failures: errorStrings(failed)}, err, started)
	if err != nil {
		return err
	}
	o.advance(PhaseRestarted)
	return nil
}

// CheckNetworkStatusAfterRestart asserts the chain progresses again and
// includes a probe transaction.
func (o *Orchestrator) CheckNetworkStatusAfterRestart(ctx context.Context) error {
	if err := o.require(PhasePostRestartVerified); err != nil {
		return err
	}
	if err := o.checkNetwork(ctx, types.StepCheckNetworkAfterRestart, "after_restart", o.opts.PostRestartWait, true); err != nil {
		return err
	}
	o.advance(PhasePostRestartVerified)
	return nil
}

// Analyze reduces the step log to per-step verdicts.
func (o *Orchestrator) Analyze() (Analysis, error) {
	if err := o.require(PhaseAnalyzed); err != nil {
		return Analysis{}, err
	}
	a := o.result.Analyze()
	o.advance(PhaseAnalyzed)
	return a, nil
}

// Cleanup restarts every validator still recorded as stopped. It is legal
// from any phase and runs even when ctx is already cancelled.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	defer o.advance(PhaseCleanedUp)
	if len(o.Stopped()) == 0 {
		return
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CleanupTimeout)
	defer cancel()

	o.logger.Info("cleanup restarting stopped validators", "indices", o.Stopped())
	restarted, failed := o.startStopped(ctx)
	o.record(types.StepCleanup, len(failed) == 0,
		nodeOpPayload{Indices: restarted, Failures: errorStrings(failed)}, nil, started)
}

// Run executes the whole scenario. Cleanup always runs, and a report is
// returned even when a step aborts the run.
func (o *Orchestrator) Run(ctx context.Context) (report *types.Report, err error) {
	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()
	o.logger.Info("scenario started")

	defer func() {
		o.Cleanup(ctx)
		report = o.report(err, true)
		if o.metrics != nil {
			o.metrics.RecordScenario(string(o.scenario), report.Passed)
		}
		if o.store != nil {
			if serr := o.store.SaveRun(context.WithoutCancel(ctx), report); serr != nil {
				o.logger.Warn("failed to save scenario report", "error", serr)
			}
		}
		o.logger.Info("scenario finished",
			"status", report.Status,
			"passed", report.Passed,
			"duration", report.Duration(),
		)
	}()

	steps := []func(context.Context) error{
		o.Initialize,
		func(context.Context) error {
			_, err := o.SelectValidators()
			return err
		},
		o.StopValidators,
		o.CheckNetworkStatusAfterStop,
		o.VerifyStoppedValidatorsNotAccessible,
	}
	if o.opts.FaultWindow > 0 {
		steps = append(steps, o.FaultWindow)
	}
	steps = append(steps, o.RestartValidators, o.CheckNetworkStatusAfterRestart)

	for _, step := range steps {
		if err = step(ctx); err != nil {
			return nil, err
		}
	}
	_, err = o.Analyze()
	return nil, err
}

// Progress returns a report of the run so far.
func (o *Orchestrator) Progress() *types.Report {
	return o.report(nil, false)
}

func (o *Orchestrator) report(runErr error, finished bool) *types.Report {
	a := o.result.Analyze()

	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	r := &types.Report{
		ID:         o.id,
		Scenario:   types.Scenario(o.scenario),
		Status:     types.StatusRunning,
		StartedAt:  startedAt,
		Selection:  o.selectionSummary(),
		Steps:      o.result.Steps(),
		StepPassed: a.Steps,
		Heights:    o.result.Heights(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
		r.ErrorKind = failure.Kind(runErr)
	}
	if !finished {
		return r
	}

	now := time.Now()
	r.FinishedAt = &now
	r.Passed = runErr == nil && a.Passed
	switch {
	case r.Passed:
		r.Status = types.StatusPassed
	case runErr == nil || errors.Is(runErr, failure.ErrInvariant):
		r.Status = types.StatusFailed
	default:
		r.Status = types.StatusError
	}
	return r
}
