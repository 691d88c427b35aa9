package engine

import (
	"context"
	"fmt"

	"perp-trader/internal/analyst"
	"perp-trader/internal/risk"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

// ruleWinner marks decisions produced by the rule-based manager rather
// than an analyst.
const ruleWinner = "rule-manager"

// cycleOutcome is how one cycle ended. err set means a transient failure
// that feeds backoff; cancelled means graceful stop mid-cycle.
type cycleOutcome struct {
	reason    string
	executed  bool
	cancelled bool
	err       error
}

// runCycle executes one full cycle: refresh specs, scan markets, snapshot
// the portfolio, gate, and follow exactly one of the four downstream paths.
// Cancellation is checked between stages; every error is returned to the
// scheduler rather than unwinding it.
func (e *Engine) runCycle(ctx context.Context, cycle *types.Cycle) cycleOutcome {
	if err := e.specs.RefreshIfStale(ctx); err != nil && !e.specs.Ready() {
		return cycleOutcome{reason: "spec refresh failed", err: err}
	}
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	snaps := e.markets.Fetch(ctx, e.universe)
	if len(snaps) == 0 {
		return cycleOutcome{reason: "market scan failed", err: fmt.Errorf("no usable market data for %d symbols", len(e.universe))}
	}
	for symbol := range snaps {
		cycle.SymbolsAnalyzed = append(cycle.SymbolsAnalyzed, symbol)
	}
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	pf, err := e.portfolio.Build(ctx)
	if err != nil {
		return cycleOutcome{reason: "portfolio snapshot failed", err: err}
	}
	if e.perf != nil {
		snap := &store.PerformanceSnapshot{
			Balance:    pf.AvailableBalance,
			Equity:     pf.Equity,
			DayPnlPct:  pf.DayPnlPct,
			WeekPnlPct: pf.WeekPnlPct,
		}
		if err := e.perf.SavePerformanceSnapshot(snap); err != nil {
			e.logger.Warn("performance snapshot not recorded", "error", err)
		}
	}

	gate := e.pregate.Evaluate(pf)
	cycle.TokensSaved = gate.TokensSaved
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	var outcome cycleOutcome
	switch gate.Verdict {
	case types.VerdictSkip:
		outcome = cycleOutcome{reason: "skipped: " + gate.Reason}
	case types.VerdictDirectManage, types.VerdictRuleManage:
		outcome = e.managePosition(ctx, cycle, gate, snaps, pf)
	default:
		outcome = e.runFull(ctx, cycle, snaps, pf)
	}

	if !outcome.cancelled {
		if err := e.reconciler.Run(ctx); err != nil {
			e.logger.Warn("reconciliation failed", "error", err)
			cycle.Errors = append(cycle.Errors, err.Error())
		}
	}
	return outcome
}

// managePosition applies the deterministic rule ladder to the gate's focus
// position. No AI call is made on this path.
func (e *Engine) managePosition(ctx context.Context, cycle *types.Cycle, gate GateResult, snaps map[types.Symbol]types.MarketSnapshot, pf *types.PortfolioView) cycleOutcome {
	label := "rule-managed"
	if gate.Verdict == types.VerdictDirectManage {
		label = "direct-managed"
	}

	verdict := risk.EvaluateRules(gate.FocusPos, pf.HoldHours[gate.Focus], e.riskCfg)
	if verdict.Action == risk.RuleNone {
		return cycleOutcome{reason: fmt.Sprintf("%s %s: no action", label, gate.Focus)}
	}

	action := types.ActionClose
	if verdict.Action == risk.RuleTakePartial {
		action = types.ActionReduce
	}
	res := risk.Result{Decision: types.FinalDecision{
		Winner:    ruleWinner,
		Action:    action,
		Symbol:    gate.Focus,
		Leverage:  1,
		Rationale: verdict.Reason,
	}}

	executed, err := e.executor.Execute(ctx, res, snaps[gate.Focus], pf)
	if err != nil {
		return cycleOutcome{reason: fmt.Sprintf("%s %s failed", label, gate.Focus), err: err}
	}
	if executed {
		cycle.TradesExecuted++
	}
	return cycleOutcome{
		reason:   fmt.Sprintf("%s %s: %s", label, gate.Focus, verdict.Reason),
		executed: executed,
	}
}

// runFull is the complete AI path: panel, judge, anti-churn, governor,
// executor.
func (e *Engine) runFull(ctx context.Context, cycle *types.Cycle, snaps map[types.Symbol]types.MarketSnapshot, pf *types.PortfolioView) cycleOutcome {
	opinions, failures := e.panel.Consult(ctx, analyst.Input{
		Markets:   snaps,
		Portfolio: pf,
		Warnings:  e.lastWarnings,
	})
	cycle.AnalysesRun = len(opinions) + len(failures)
	for _, f := range failures {
		cycle.Errors = append(cycle.Errors, fmt.Sprintf("analyst %s: %v", f.AnalystID, f.Err))
	}
	if len(opinions) < 2 {
		return cycleOutcome{reason: "analysis failed", err: fmt.Errorf("only %d of %d analysts succeeded", len(opinions), cycle.AnalysesRun)}
	}
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	decision := e.judge.Decide(opinions, snaps, pf)
	e.lastWarnings = decision.Warnings

	if decision.Action.IsEntry() {
		if ok, reason := e.churn.Allow(decision.Symbol, decision.Action.PositionSide(), decision.Action); !ok {
			e.logger.Info("entry suppressed by anti-churn", "symbol", decision.Symbol, "reason", reason)
			warnings := decision.Warnings
			decision = types.Hold("anti-churn: " + reason)
			decision.Warnings = warnings
		}
	}
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	res := e.governor.Approve(decision, snaps[decision.Symbol], pf)
	if res.Rejected {
		return cycleOutcome{reason: "validation_rejected: " + res.Reason}
	}
	if res.Decision.Action == types.ActionHold {
		return cycleOutcome{reason: "hold: " + res.Decision.Rationale}
	}
	if ctx.Err() != nil {
		return cycleOutcome{reason: "cancelled", cancelled: true}
	}

	executed, err := e.executor.Execute(ctx, res, snaps[res.Decision.Symbol], pf)
	if err != nil {
		return cycleOutcome{reason: "execution failed", err: err}
	}
	if executed {
		cycle.TradesExecuted++
	}
	return cycleOutcome{
		reason:   fmt.Sprintf("executed %s %s by %s", res.Decision.Action, res.Decision.Symbol, res.Decision.Winner),
		executed: executed,
	}
}
