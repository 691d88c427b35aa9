package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perp-trader/internal/analyst"
	"perp-trader/internal/config"
	"perp-trader/internal/risk"
	"perp-trader/pkg/types"
)

type fakeSpecs struct {
	err   error
	ready bool
}

func (f *fakeSpecs) RefreshIfStale(ctx context.Context) error { return f.err }
func (f *fakeSpecs) Ready() bool                              { return f.ready }

type fakeMarkets struct {
	mu    sync.Mutex
	snaps map[types.Symbol]types.MarketSnapshot
	fail  bool
	calls int
}

func (f *fakeMarkets) Fetch(ctx context.Context, universe []types.Symbol) map[types.Symbol]types.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil
	}
	return f.snaps
}

type fakePortfolio struct {
	pf *types.PortfolioView
}

func (f *fakePortfolio) Build(ctx context.Context) (*types.PortfolioView, error) {
	cp := *f.pf
	return &cp, nil
}

type fakePanel struct {
	mu       sync.Mutex
	opinions []types.AnalystOpinion
	inputs   []analyst.Input
}

func (f *fakePanel) Consult(ctx context.Context, in analyst.Input) ([]types.AnalystOpinion, []analyst.Failure) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.opinions, nil
}

func (f *fakePanel) input(i int) (analyst.Input, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.inputs) {
		return analyst.Input{}, false
	}
	return f.inputs[i], true
}

type fakeJudge struct {
	mu        sync.Mutex
	decisions []types.FinalDecision
	i         int
}

// Decide replays the scripted decisions, then repeats the last one.
func (f *fakeJudge) Decide(opinions []types.AnalystOpinion, markets map[types.Symbol]types.MarketSnapshot, pf *types.PortfolioView) types.FinalDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.i
	if i >= len(f.decisions) {
		i = len(f.decisions) - 1
	}
	f.i++
	return f.decisions[i]
}

type allowAllChurn struct{}

func (allowAllChurn) Allow(types.Symbol, types.Side, types.Action) (bool, string) { return true, "" }

type passGovernor struct{}

func (passGovernor) Approve(d types.FinalDecision, snap types.MarketSnapshot, pf *types.PortfolioView) risk.Result {
	return risk.Result{Decision: d, Size: 0.01}
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []types.Action
}

func (f *fakeExecutor) Execute(ctx context.Context, res risk.Result, snap types.MarketSnapshot, pf *types.PortfolioView) (bool, error) {
	if res.Decision.Action == types.ActionHold {
		return false, nil
	}
	f.mu.Lock()
	f.executed = append(f.executed, res.Decision.Action)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type noopReconciler struct{}

func (noopReconciler) Run(ctx context.Context) error { return nil }

func testConfig() config.Config {
	return config.Config{
		Universe: []string{"BTCUSDT"},
		Engine: config.EngineConfig{
			CycleInterval:             5 * time.Millisecond,
			MinBalance:                50,
			MaxDailyTrades:            100,
			MaxWeeklyDrawdownPct:      15,
			MaxConcurrentPositions:    3,
			MaxSameDirectionPositions: 2,
		},
		Risk: config.RiskConfig{
			MinConfidence:   60,
			TargetProfitPct: 5,
			StopLossPct:     5,
			MaxHoldHours:    24,
			PartialTpPct:    3,
		},
	}
}

func btcSnaps() map[types.Symbol]types.MarketSnapshot {
	return map[types.Symbol]types.MarketSnapshot{
		"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 64000, Volume24h: 1e9},
	}
}

func twoOpinions() []types.AnalystOpinion {
	return []types.AnalystOpinion{
		{AnalystID: "a", Action: types.ActionBuy, Symbol: "BTCUSDT", Confidence: 80},
		{AnalystID: "b", Action: types.ActionBuy, Symbol: "BTCUSDT", Confidence: 75},
	}
}

func newTestEngine(deps Deps) *Engine {
	return New(testConfig(), deps, NewEmitter(), testLogger())
}

func healthyDeps(judge DecisionJudge, exec TradeExecutor) Deps {
	return Deps{
		Specs:      &fakeSpecs{ready: true},
		Markets:    &fakeMarkets{snaps: btcSnaps()},
		Portfolio:  &fakePortfolio{pf: &types.PortfolioView{AvailableBalance: 1000, Equity: 1000}},
		Panel:      &fakePanel{opinions: twoOpinions()},
		Judge:      judge,
		Churn:      allowAllChurn{},
		Governor:   passGovernor{},
		Executor:   exec,
		Reconciler: noopReconciler{},
	}
}

func TestComputeSleep(t *testing.T) {
	t.Parallel()
	base := 60 * time.Second

	tests := []struct {
		name     string
		elapsed  time.Duration
		failures int
		holds    int
		want     time.Duration
	}{
		{"normal", 0, 0, 0, 60 * time.Second},
		{"elapsed subtracted", 10 * time.Second, 0, 0, 50 * time.Second},
		{"overrun floors at zero", 90 * time.Second, 0, 0, 0},
		{"holds below threshold", 0, 0, 2, 60 * time.Second},
		{"three holds", 0, 0, 3, 75 * time.Second},
		{"four holds", 0, 0, 4, 90 * time.Second},
		{"holds capped", 0, 0, 20, 120 * time.Second},
		{"one failure", 0, 1, 0, 90 * time.Second},
		{"failures capped", 0, 8, 0, 240 * time.Second},
		{"failure outranks holds", 0, 1, 5, 90 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := computeSleep(base, tt.elapsed, tt.failures, tt.holds)
			if got != tt.want {
				t.Errorf("computeSleep = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineStartIsSerializedAndIdempotent(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{decisions: []types.FinalDecision{types.Hold("quiet")}}
	e := newTestEngine(healthyDeps(judge, &fakeExecutor{}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Start(context.Background())
		}()
	}
	wg.Wait()

	if e.State() != StateRunning {
		t.Fatalf("state = %s, want RUNNING", e.State())
	}
	e.Stop()
	if e.State() != StateIdle {
		t.Errorf("state after stop = %s, want IDLE", e.State())
	}
}

func TestEngineStartupFailureLeavesIdle(t *testing.T) {
	t.Parallel()

	deps := healthyDeps(&fakeJudge{decisions: []types.FinalDecision{types.Hold("x")}}, &fakeExecutor{})
	deps.Specs = &fakeSpecs{err: errors.New("exchange down"), ready: false}
	e := newTestEngine(deps)

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected startup error without specs")
	}
	if e.State() != StateIdle {
		t.Errorf("state = %s, want IDLE after failed start", e.State())
	}
	// The engine can start again once specs become available.
	deps2 := healthyDeps(&fakeJudge{decisions: []types.FinalDecision{types.Hold("x")}}, &fakeExecutor{})
	e2 := newTestEngine(deps2)
	if err := e2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e2.Stop()
}

func TestEngineStopIsIdempotent(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{decisions: []types.FinalDecision{types.Hold("quiet")}}
	e := newTestEngine(healthyDeps(judge, &fakeExecutor{}))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.Stop()
	e.Stop() // second call must observe the terminal state and return
	if e.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", e.State())
	}
}

func TestEngineCircuitBreaker(t *testing.T) {
	t.Parallel()

	deps := healthyDeps(&fakeJudge{decisions: []types.FinalDecision{types.Hold("x")}}, &fakeExecutor{})
	deps.Markets = &fakeMarkets{fail: true}
	e := newTestEngine(deps)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for e.State() == StateRunning {
		select {
		case <-deadline:
			t.Fatal("circuit breaker did not trip")
		case <-time.After(10 * time.Millisecond):
		}
	}

	st := e.Status()
	if st.IsRunning {
		t.Error("status should report not running after the breaker trips")
	}
	if st.ConsecutiveFailures < circuitBreakerLimit {
		t.Errorf("failures = %d, want >= %d", st.ConsecutiveFailures, circuitBreakerLimit)
	}
	e.Stop()
}

func TestEngineCycleRecordsAreMonotoneAndNonOverlapping(t *testing.T) {
	t.Parallel()

	judge := &fakeJudge{decisions: []types.FinalDecision{types.Hold("quiet")}}
	e := newTestEngine(healthyDeps(judge, &fakeExecutor{}))
	events := e.Events().Subscribe(64)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var cycles []*types.Cycle
	timeout := time.After(5 * time.Second)
	for len(cycles) < 5 {
		select {
		case evt := <-events:
			if evt.Type == EventCycleComplete {
				cycles = append(cycles, evt.Cycle)
			}
		case <-timeout:
			t.Fatal("did not observe 5 cycles")
		}
	}
	e.Stop()

	for i := 1; i < len(cycles); i++ {
		if cycles[i].Number <= cycles[i-1].Number {
			t.Errorf("cycle numbers not strictly increasing: %d then %d", cycles[i-1].Number, cycles[i].Number)
		}
		if cycles[i-1].EndMs > cycles[i].StartMs {
			t.Errorf("cycles overlap: end %d > next start %d", cycles[i-1].EndMs, cycles[i].StartMs)
		}
	}
}

func TestEngineHoldStreakAndReset(t *testing.T) {
	t.Parallel()

	// Three holds, then one executable BUY.
	judge := &fakeJudge{decisions: []types.FinalDecision{
		types.Hold("quiet"),
		types.Hold("quiet"),
		types.Hold("quiet"),
		{Winner: "a", Action: types.ActionBuy, Symbol: "BTCUSDT", Confidence: 80, Leverage: 5, AllocationUsd: 100},
	}}
	exec := &fakeExecutor{}
	e := newTestEngine(healthyDeps(judge, exec))
	events := e.Events().Subscribe(64)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var seen int
	timeout := time.After(5 * time.Second)
	for seen < 4 {
		select {
		case evt := <-events:
			if evt.Type == EventCycleComplete {
				seen++
				if seen == 3 {
					if st := e.Status(); st.ConsecutiveHolds != 3 {
						t.Errorf("holds after 3 quiet cycles = %d, want 3", st.ConsecutiveHolds)
					}
				}
			}
		case <-timeout:
			t.Fatal("did not observe 4 cycles")
		}
	}
	e.Stop()

	st := e.Status()
	if exec.count() == 0 {
		t.Fatal("BUY was never executed")
	}
	if st.ConsecutiveHolds != 0 {
		t.Errorf("holds after executed trade = %d, want 0", st.ConsecutiveHolds)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 (holds are successes)", st.ConsecutiveFailures)
	}
}

func TestEngineTokensSavedMonotone(t *testing.T) {
	t.Parallel()

	// Low balance: every cycle is a pre-gate SKIP that saves tokens.
	deps := healthyDeps(&fakeJudge{decisions: []types.FinalDecision{types.Hold("x")}}, &fakeExecutor{})
	deps.Portfolio = &fakePortfolio{pf: &types.PortfolioView{AvailableBalance: 1}}
	e := newTestEngine(deps)
	events := e.Events().Subscribe(64)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var prev int64 = -1
	seen := 0
	timeout := time.After(5 * time.Second)
	for seen < 4 {
		select {
		case evt := <-events:
			if evt.Type != EventCycleComplete {
				continue
			}
			seen++
			total := e.Status().TotalTokensSaved
			if total < prev {
				t.Fatalf("totalTokensSaved decreased: %d then %d", prev, total)
			}
			prev = total
		case <-timeout:
			t.Fatal("did not observe 4 cycles")
		}
	}
	e.Stop()

	if prev <= 0 {
		t.Error("skipped cycles should accumulate tokens saved")
	}
}

func TestEngineFeedsDetectorWarningsToNextPanel(t *testing.T) {
	t.Parallel()

	hold := types.Hold("quiet")
	hold.Warnings = []string{"echo chamber: 2 of 2 entries agree"}
	judge := &fakeJudge{decisions: []types.FinalDecision{hold}}

	panel := &fakePanel{opinions: twoOpinions()}
	deps := healthyDeps(judge, &fakeExecutor{})
	deps.Panel = panel
	e := newTestEngine(deps)
	events := e.Events().Subscribe(16)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := 0
	timeout := time.After(5 * time.Second)
	for seen < 2 {
		select {
		case evt := <-events:
			if evt.Type == EventCycleComplete {
				seen++
			}
		case <-timeout:
			t.Fatal("did not observe 2 cycles")
		}
	}
	e.Stop()

	first, ok := panel.input(0)
	if !ok {
		t.Fatal("panel was never consulted")
	}
	if len(first.Warnings) != 0 {
		t.Errorf("first cycle warnings = %v, want none", first.Warnings)
	}
	second, ok := panel.input(1)
	if !ok {
		t.Fatal("panel not consulted a second time")
	}
	if len(second.Warnings) != 1 || second.Warnings[0] != hold.Warnings[0] {
		t.Errorf("second cycle warnings = %v, want %v", second.Warnings, hold.Warnings)
	}
}

func TestEngineDirectManageExecutesRuleLadder(t *testing.T) {
	t.Parallel()

	// Full book with one position at +6% pnl: the pre-gate routes to direct
	// management and the rule ladder closes it in full (target is 5%).
	pf := &types.PortfolioView{
		AvailableBalance: 1000,
		Equity:           1000,
		Positions: []types.Position{
			{Symbol: "BTCUSDT", Side: types.Long, Size: 0.01, EntryPrice: 64000, Leverage: 5, MarginUsed: 100, UnrealizedPnl: 6},
			{Symbol: "ETHUSDT", Side: types.Long, Size: 1, EntryPrice: 3200, Leverage: 5, MarginUsed: 100, UnrealizedPnl: 0.1},
			{Symbol: "SOLUSDT", Side: types.Short, Size: 10, EntryPrice: 150, Leverage: 5, MarginUsed: 100, UnrealizedPnl: 0.1},
		},
		HoldHours: map[types.Symbol]float64{"BTCUSDT": 2},
	}
	exec := &fakeExecutor{}
	deps := healthyDeps(&fakeJudge{decisions: []types.FinalDecision{types.Hold("x")}}, exec)
	deps.Portfolio = &fakePortfolio{pf: pf}
	e := newTestEngine(deps)
	events := e.Events().Subscribe(16)

	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	var cycle *types.Cycle
	for cycle == nil {
		select {
		case evt := <-events:
			if evt.Type == EventCycleComplete {
				cycle = evt.Cycle
			}
		case <-timeout:
			t.Fatal("no cycle completed")
		}
	}
	e.Stop()

	if cycle.TradesExecuted != 1 {
		t.Errorf("tradesExecuted = %d, want 1", cycle.TradesExecuted)
	}
	if cycle.AnalysesRun != 0 {
		t.Errorf("analysesRun = %d, want 0 on the manage path", cycle.AnalysesRun)
	}
	if len(exec.executed) == 0 || exec.executed[0] != types.ActionClose {
		t.Errorf("executed = %v, want CLOSE_FULL as CLOSE", exec.executed)
	}
}
