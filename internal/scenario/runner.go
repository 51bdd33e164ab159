package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/faultinjector/internal/backend"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/pkg/types"
)

// ErrRunInProgress is returned when a scenario is started while another is running.
var ErrRunInProgress = errors.New("a scenario is already running")

// StatusRecorder is implemented by metrics sinks that track the runner status.
type StatusRecorder interface {
	SetScenarioStatus(status string)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Cluster  Cluster
	Backend  backend.Backend
	Prober   Prober
	Defaults Options
	Metrics  Recorder
	Store    Store
	OnStep   func(types.StepEvent)
	OnRun    func(types.RunEvent)
	Logger   *slog.Logger

	Consistency ConsistencyChecker
}

// Runner executes scenarios one at a time against a shared cluster and
// remembers the last run.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	status  types.RunStatus
	current *Orchestrator
	last    *types.Report
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Cluster == nil || cfg.Backend == nil || cfg.Prober == nil {
		return nil, failure.Configf("runner requires a cluster, a backend and a prober")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		status: types.StatusIdle,
	}
	r.setStatus(types.StatusIdle)
	return r, nil
}

// Defaults returns the options applied when a request leaves them unset.
func (r *Runner) Defaults() Options { return r.cfg.Defaults }

// OptionsFor overlays the overrides carried by a start request on the
// runner defaults.
func (r *Runner) OptionsFor(req types.StartScenarioRequest) Options {
	opts := r.cfg.Defaults
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	if req.PostStopWaitSec > 0 {
		opts.PostStopWait = sec(req.PostStopWaitSec)
	}
	if req.RestartSettleSec > 0 {
		opts.RestartSettle = sec(req.RestartSettleSec)
	}
	if req.PostRestartWaitSec > 0 {
		opts.PostRestartWait = sec(req.PostRestartWaitSec)
	}
	if req.FaultWindowSec > 0 {
		opts.FaultWindow = sec(req.FaultWindowSec)
	}
	if req.WarmUpTxCount > 0 {
		opts.WarmUpTxCount = req.WarmUpTxCount
	}
	if req.ExpectProgression != nil {
		v := *req.ExpectProgression
		opts.ExpectProgression = &v
	}
	return opts
}

func (r *Runner) setStatus(s types.RunStatus) {
	r.status = s
	if sr, ok := r.cfg.Metrics.(StatusRecorder); ok {
		sr.SetScenarioStatus(string(s))
	}
}

// claim reserves the runner for a new orchestrator.
func (r *Runner) claim(sc cluster.Scenario, opts Options) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == types.StatusRunning {
		return nil, ErrRunInProgress
	}
	o, err := New(Config{
		Scenario: sc,
		Cluster:  r.cfg.Cluster,
		Backend:  r.cfg.Backend,
		Prober:   r.cfg.Prober,
		Options:  opts,
		Metrics:  r.cfg.Metrics,
		Store:    r.cfg.Store,
		OnStep:   r.cfg.OnStep,
		Logger:   r.logger,

		Consistency: r.cfg.Consistency,
	})
	if err != nil {
		return nil, err
	}
	r.current = o
	r.setStatus(types.StatusRunning)
	return o, nil
}

func (r *Runner) finish(o *Orchestrator, report *types.Report) {
	r.mu.Lock()
	if r.current == o {
		r.current = nil
	}
	r.last = report
	r.setStatus(report.Status)
	r.mu.Unlock()

	r.emit(types.RunEvent{RunID: report.ID, Scenario: report.Scenario, Status: report.Status, Passed: report.Passed})
}

func (r *Runner) emit(ev types.RunEvent) {
	if r.cfg.OnRun != nil {
		r.cfg.OnRun(ev)
	}
}

// Run executes a scenario synchronously.
func (r *Runner) Run(ctx context.Context, sc cluster.Scenario, opts Options) (*types.Report, error) {
	o, err := r.claim(sc, opts)
	if err != nil {
		return nil, err
	}
	r.emit(types.RunEvent{RunID: o.ID(), Scenario: types.Scenario(sc), Status: types.StatusRunning})

	report, err := o.Run(ctx)
	r.finish(o, report)
	return report, err
}

// Start executes a scenario in the background and returns immediately.
func (r *Runner) Start(sc cluster.Scenario, opts Options) (*types.StartScenarioResponse, error) {
	o, err := r.claim(sc, opts)
	if err != nil {
		return nil, err
	}
	r.emit(types.RunEvent{RunID: o.ID(), Scenario: types.Scenario(sc), Status: types.StatusRunning})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var report *types.Report
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("scenario panic", "run", o.ID(), "panic", p)
				o.Cleanup(r.ctx)
				report = o.report(fmt.Errorf("scenario panic: %v", p), true)
			}
			r.finish(o, report)
		}()
		report, _ = o.Run(r.ctx)
	}()

	return &types.StartScenarioResponse{
		ID:       o.ID(),
		Scenario: types.Scenario(sc),
		Status:   types.StatusRunning,
	}, nil
}

// Current returns the in-flight run, or the last finished one.
func (r *Runner) Current() types.CurrentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return types.CurrentRun{Status: r.status, Report: r.current.Progress()}
	}
	return types.CurrentRun{Status: r.status, Report: r.last}
}

// Busy reports whether a scenario is running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == types.StatusRunning
}

// Shutdown cancels a background run and waits for its cleanup to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
