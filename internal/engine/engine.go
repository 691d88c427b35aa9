// Package engine is the cycle orchestrator of the trading bot.
//
// One engine instance runs a single sequential cycle loop: refresh contract
// specs, scan markets, snapshot the portfolio, pre-gate, and follow exactly
// one downstream path (full AI run, rule-based management, or skip). The
// engine owns all mutable counters and the anti-churn table; components are
// injected so tests can swap any stage for a fake.
//
// Lifecycle: New() → Start() → [cycles until Stop() or circuit breaker]
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"perp-trader/internal/analyst"
	"perp-trader/internal/config"
	"perp-trader/internal/risk"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

// circuitBreakerLimit is the consecutive-failure count that stops the
// engine.
const circuitBreakerLimit = 10

// State is the engine lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "IDLE"
	}
}

// SpecRefresher keeps contract specs fresh.
type SpecRefresher interface {
	RefreshIfStale(ctx context.Context) error
	Ready() bool
}

// MarketScanner builds the cycle's market snapshots.
type MarketScanner interface {
	Fetch(ctx context.Context, universe []types.Symbol) map[types.Symbol]types.MarketSnapshot
}

// PortfolioSource builds the cycle's account view.
type PortfolioSource interface {
	Build(ctx context.Context) (*types.PortfolioView, error)
}

// OpinionPanel fans out the analyst calls.
type OpinionPanel interface {
	Consult(ctx context.Context, in analyst.Input) ([]types.AnalystOpinion, []analyst.Failure)
}

// DecisionJudge collapses opinions into one decision.
type DecisionJudge interface {
	Decide(opinions []types.AnalystOpinion, markets map[types.Symbol]types.MarketSnapshot, pf *types.PortfolioView) types.FinalDecision
}

// ChurnGuard vetoes rapid re-entry.
type ChurnGuard interface {
	Allow(symbol types.Symbol, side types.Side, action types.Action) (bool, string)
}

// DecisionGovernor validates and sizes a decision.
type DecisionGovernor interface {
	Approve(d types.FinalDecision, snap types.MarketSnapshot, pf *types.PortfolioView) risk.Result
}

// TradeExecutor carries out an approved decision.
type TradeExecutor interface {
	Execute(ctx context.Context, res risk.Result, snap types.MarketSnapshot, pf *types.PortfolioView) (bool, error)
}

// CycleReconciler syncs engine state with the exchange at cycle end.
type CycleReconciler interface {
	Run(ctx context.Context) error
}

// PerfWriter records one account-state row per cycle. Optional.
type PerfWriter interface {
	SavePerformanceSnapshot(snap *store.PerformanceSnapshot) error
}

// Deps bundles the engine's injected components.
type Deps struct {
	Specs      SpecRefresher
	Markets    MarketScanner
	Portfolio  PortfolioSource
	Panel      OpinionPanel
	Judge      DecisionJudge
	Churn      ChurnGuard
	Governor   DecisionGovernor
	Executor   TradeExecutor
	Reconciler CycleReconciler
	Perf       PerfWriter
}

// Status is a consistent snapshot of engine state for the dashboard.
type Status struct {
	State               string       `json:"state"`
	IsRunning           bool         `json:"isRunning"`
	CycleCount          int64        `json:"cycleCount"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	ConsecutiveHolds    int          `json:"consecutiveHolds"`
	TotalAnalysesRun    int64        `json:"totalAnalysesRun"`
	TotalTokensSaved    int64        `json:"totalTokensSaved"`
	DryRun              bool         `json:"dryRun"`
	LastCycle           *types.Cycle `json:"lastCycle,omitempty"`
}

// Engine owns the cycle loop, its counters, and the pre-gate.
type Engine struct {
	cfg      config.Config
	riskCfg  config.RiskConfig
	universe []types.Symbol

	specs      SpecRefresher
	markets    MarketScanner
	portfolio  PortfolioSource
	pregate    *PreGate
	panel      OpinionPanel
	judge      DecisionJudge
	churn      ChurnGuard
	governor   DecisionGovernor
	executor   TradeExecutor
	reconciler CycleReconciler
	perf       PerfWriter

	emitter *Emitter
	logger  *slog.Logger

	// lifecycle, guarded by mu
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// detector findings from the last full run, fed into the next panel
	// prompt. Touched only by the cycle goroutine.
	lastWarnings []string

	// counters, guarded by statsMu
	statsMu             sync.Mutex
	cycleCount          int64
	consecutiveFailures int
	consecutiveHolds    int
	totalAnalysesRun    int64
	totalTokensSaved    int64
	lastCycle           *types.Cycle
}

// New creates an engine. Caches and counters start empty; nothing is shared
// between instances.
func New(cfg config.Config, deps Deps, emitter *Emitter, logger *slog.Logger) *Engine {
	universe := make([]types.Symbol, len(cfg.Universe))
	for i, s := range cfg.Universe {
		universe[i] = types.Symbol(s)
	}
	return &Engine{
		cfg:        cfg,
		riskCfg:    cfg.Risk,
		universe:   universe,
		specs:      deps.Specs,
		markets:    deps.Markets,
		portfolio:  deps.Portfolio,
		pregate:    NewPreGate(cfg.Engine, logger),
		panel:      deps.Panel,
		judge:      deps.Judge,
		churn:      deps.Churn,
		governor:   deps.Governor,
		executor:   deps.Executor,
		reconciler: deps.Reconciler,
		perf:       deps.Perf,
		emitter:    emitter,
		logger:     logger.With("component", "engine"),
	}
}

// Start transitions IDLE → STARTING → RUNNING and launches the cycle loop.
// Concurrent calls are serialized; once one caller has observed "running",
// later calls are no-ops. A startup failure (no contract specs available)
// leaves the engine in IDLE.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil
	}
	e.state = StateStarting

	if err := e.specs.RefreshIfStale(ctx); err != nil && !e.specs.Ready() {
		e.state = StateIdle
		return fmt.Errorf("engine start: no contract specs: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = StateRunning

	e.emitter.Emit(Event{Type: EventStarted})
	e.logger.Info("engine started",
		"universe", len(e.universe),
		"cycle_interval", e.cfg.Engine.CycleInterval,
		"dry_run", e.cfg.DryRun,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runForever(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to wind down.
// Idempotent: repeat calls observe the terminal state and return.
func (e *Engine) Stop() {
	e.mu.Lock()
	switch e.state {
	case StateIdle, StateStarting:
		e.mu.Unlock()
		return
	case StateRunning:
		e.state = StateStopping
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	alreadyIdle := e.state == StateIdle
	e.state = StateIdle
	e.mu.Unlock()

	if !alreadyIdle {
		e.emitter.Emit(Event{Type: EventStopped})
		e.logger.Info("engine stopped")
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status takes a consistent snapshot of counters and the last cycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	var last *types.Cycle
	if e.lastCycle != nil {
		c := *e.lastCycle
		last = &c
	}
	return Status{
		State:               state.String(),
		IsRunning:           state == StateRunning,
		CycleCount:          e.cycleCount,
		ConsecutiveFailures: e.consecutiveFailures,
		ConsecutiveHolds:    e.consecutiveHolds,
		TotalAnalysesRun:    e.totalAnalysesRun,
		TotalTokensSaved:    e.totalTokensSaved,
		DryRun:              e.cfg.DryRun,
		LastCycle:           last,
	}
}

// Events exposes the engine's event emitter for subscribers.
func (e *Engine) Events() *Emitter { return e.emitter }

// runForever executes cycles sequentially until cancellation or the
// circuit breaker.
func (e *Engine) runForever(ctx context.Context) {
	base := e.cfg.Engine.CycleInterval

	for ctx.Err() == nil {
		e.statsMu.Lock()
		e.cycleCount++
		n := e.cycleCount
		e.statsMu.Unlock()

		cycle := &types.Cycle{Number: n, StartMs: time.Now().UnixMilli()}
		e.emitter.Emit(Event{Type: EventCycleStart, CycleNumber: n})
		e.logger.Info("cycle start", "cycle", n)

		outcome := e.runCycle(ctx, cycle)
		failures, holds := e.completeCycle(cycle, outcome)

		if failures >= circuitBreakerLimit {
			e.logger.Error("circuit breaker tripped, stopping engine", "failures", failures)
			e.mu.Lock()
			if e.state == StateRunning {
				e.state = StateStopping
				e.cancel()
			}
			e.mu.Unlock()
			return
		}

		sleep := computeSleep(base, cycle.Elapsed(), failures, holds)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// completeCycle freezes the cycle record, updates counters, and publishes
// the completion event. Any successfully-ended cycle resets the failure
// streak, including holds and rejections; only executed actions reset the
// hold streak.
func (e *Engine) completeCycle(cycle *types.Cycle, outcome cycleOutcome) (failures, holds int) {
	cycle.EndMs = time.Now().UnixMilli()
	cycle.Reason = outcome.reason
	if outcome.err != nil {
		cycle.Errors = append(cycle.Errors, outcome.err.Error())
	}

	e.statsMu.Lock()
	switch {
	case outcome.cancelled:
		// counters untouched on graceful stop
	case outcome.err != nil:
		e.consecutiveFailures++
	default:
		e.consecutiveFailures = 0
		if outcome.executed {
			e.consecutiveHolds = 0
		} else {
			e.consecutiveHolds++
		}
	}
	e.totalAnalysesRun += int64(cycle.AnalysesRun)
	e.totalTokensSaved += cycle.TokensSaved
	e.lastCycle = cycle
	failures, holds = e.consecutiveFailures, e.consecutiveHolds
	e.statsMu.Unlock()

	e.emitter.Emit(Event{Type: EventCycleComplete, CycleNumber: cycle.Number, Cycle: cycle})
	if outcome.err != nil {
		e.emitter.Emit(Event{Type: EventSnapshotFailure, FailureCount: failures})
		e.logger.Warn("cycle failed", "cycle", cycle.Number, "reason", outcome.reason, "error", outcome.err)
	} else {
		e.logger.Info("cycle complete",
			"cycle", cycle.Number,
			"reason", outcome.reason,
			"trades", cycle.TradesExecuted,
			"analyses", cycle.AnalysesRun,
			"elapsed", cycle.Elapsed().Round(time.Millisecond),
		)
	}
	return failures, holds
}

// computeSleep derives the inter-cycle sleep. Failures back off
// exponentially (capped at 4x the base interval); a streak of holds backs
// off gradually (capped at 2x) so a quiet market costs fewer cycles.
func computeSleep(base, elapsed time.Duration, failures, holds int) time.Duration {
	sleep := base - elapsed
	if sleep < 0 {
		sleep = 0
	}
	switch {
	case failures >= 1:
		backed := time.Duration(float64(sleep) * math.Pow(1.5, float64(failures)))
		if limit := 4 * base; backed > limit {
			backed = limit
		}
		sleep = backed
	case holds >= 3:
		backed := time.Duration(float64(sleep) * (1 + 0.25*float64(holds-2)))
		if limit := 2 * base; backed > limit {
			backed = limit
		}
		sleep = backed
	}
	return sleep
}
