// Package risk validates final decisions before execution.
//
// The Governor is an ordered pipeline over a FinalDecision: each step
// adjusts the decision or rejects it, and no step panics or throws. A
// rejection is expressed as a Result with Rejected set; the cycle still
// ends successfully. The package also carries the anti-churn table, the
// deterministic rule-based position manager, and the Monte-Carlo advisory.
package risk

import (
	"fmt"
	"log/slog"
	"math"

	"perp-trader/internal/config"
	"perp-trader/pkg/types"
)

// maxEngineLeverage is the hard ceiling regardless of what the exchange
// allows.
const maxEngineLeverage = 20

// SpecSource is the slice of the spec cache the governor needs.
type SpecSource interface {
	Spec(symbol types.Symbol) (types.ContractSpec, bool)
	RoundToStep(size float64, symbol types.Symbol) (float64, error)
}

// Result is the governor's verdict on one decision.
type Result struct {
	Decision    types.FinalDecision
	Size        float64 // contracts, step-rounded; zero unless an entry was approved
	Rejected    bool
	Reason      string
	Adjustments []string
}

// Governor applies the risk pipeline. It is a pure function over its inputs
// plus read-only spec lookups; it never places orders.
type Governor struct {
	cfg    config.RiskConfig
	specs  SpecSource
	mc     *MonteCarlo
	logger *slog.Logger
}

// NewGovernor creates a governor.
func NewGovernor(cfg config.RiskConfig, specs SpecSource, mc *MonteCarlo, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		specs:  specs,
		mc:     mc,
		logger: logger.With("component", "governor"),
	}
}

// Approve runs the pipeline. HOLD passes through untouched; CLOSE and
// REDUCE bypass the confidence floor so exits are never blocked; BUY and
// SELL go through the full leverage, price-plan, and sizing validation.
func (g *Governor) Approve(d types.FinalDecision, snap types.MarketSnapshot, pf *types.PortfolioView) Result {
	if d.Action == types.ActionHold {
		return Result{Decision: d}
	}
	if d.Action.IsExit() {
		return Result{Decision: d}
	}

	res := Result{Decision: d}

	if d.Confidence < g.cfg.MinConfidence {
		return g.reject(res, fmt.Sprintf("confidence %.0f below floor %.0f", d.Confidence, g.cfg.MinConfidence))
	}

	g.clampAutoApprove(&res)
	g.clampExposure(&res, pf)
	if !g.clampToSpec(&res) {
		return res
	}
	g.checkPlanDirections(&res, snap.CurrentPrice)
	g.tightenStopLoss(&res, snap.CurrentPrice)
	if !g.sizeDecision(&res, snap.CurrentPrice, pf) {
		return res
	}
	g.advise(&res, snap.CurrentPrice)

	for _, adj := range res.Adjustments {
		g.logger.Info("decision adjusted", "symbol", d.Symbol, "adjustment", adj)
	}
	return res
}

func (g *Governor) reject(res Result, reason string) Result {
	g.logger.Warn("decision rejected", "symbol", res.Decision.Symbol, "reason", reason)
	warnings := append(res.Decision.Warnings, reason)
	res.Decision = types.Hold(reason)
	res.Decision.Warnings = warnings
	res.Rejected = true
	res.Reason = reason
	res.Size = 0
	return res
}

// clampAutoApprove caps leverage above the auto-approval threshold unless
// the decision carries high conviction.
func (g *Governor) clampAutoApprove(res *Result) {
	d := &res.Decision
	if d.Leverage > g.cfg.AutoApproveLeverage && d.Confidence < 70 {
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("leverage %d above auto-approve threshold %d at confidence %.0f, clamped",
				d.Leverage, g.cfg.AutoApproveLeverage, d.Confidence))
		d.Leverage = g.cfg.AutoApproveLeverage
	}
}

// maxLeverageForExposure maps current notional exposure (percent of equity)
// to the leverage ceiling for new entries.
func maxLeverageForExposure(pct float64) int {
	switch {
	case pct >= 75:
		return 2
	case pct >= 50:
		return 5
	case pct >= 30:
		return 10
	default:
		return maxEngineLeverage
	}
}

func (g *Governor) clampExposure(res *Result, pf *types.PortfolioView) {
	if pf == nil || pf.Equity <= 0 {
		return
	}
	pct := pf.NotionalExposure() / pf.Equity * 100
	ceiling := maxLeverageForExposure(pct)
	if res.Decision.Leverage > ceiling {
		msg := fmt.Sprintf("leverage reduced by exposure cap: %.0f%% exposure allows max %dx", pct, ceiling)
		res.Decision.Warnings = append(res.Decision.Warnings, msg)
		res.Adjustments = append(res.Adjustments, msg)
		res.Decision.Leverage = ceiling
	}
}

// clampToSpec clamps leverage into the exchange's bounds and the engine
// ceiling. Corrupted specs abort this trade only.
func (g *Governor) clampToSpec(res *Result) bool {
	d := &res.Decision
	spec, ok := g.specs.Spec(d.Symbol)
	if !ok {
		*res = g.reject(*res, fmt.Sprintf("no contract spec for %s", d.Symbol))
		return false
	}

	upper := spec.MaxLeverage
	if upper > maxEngineLeverage {
		upper = maxEngineLeverage
	}
	if spec.MinLeverage > upper {
		*res = g.reject(*res, fmt.Sprintf("corrupted spec for %s: minLeverage %d exceeds usable max %d",
			d.Symbol, spec.MinLeverage, upper))
		return false
	}

	if d.Leverage < spec.MinLeverage {
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("leverage raised to exchange minimum %dx", spec.MinLeverage))
		d.Leverage = spec.MinLeverage
	}
	if d.Leverage > upper {
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("leverage capped at %dx", upper))
		d.Leverage = upper
	}
	return true
}

// checkPlanDirections nulls out TP/SL prices on the wrong side of the
// current price.
func (g *Governor) checkPlanDirections(res *Result, price float64) {
	d := &res.Decision
	side := d.Action.PositionSide()

	if d.TpPrice != nil {
		wrong := (side == types.Long && *d.TpPrice <= price) ||
			(side == types.Short && *d.TpPrice >= price)
		if wrong || !types.IsFinite(*d.TpPrice) {
			d.Warnings = append(d.Warnings,
				fmt.Sprintf("take-profit %.4f on wrong side of price %.4f, dropped", *d.TpPrice, price))
			d.TpPrice = nil
		}
	}
	if d.SlPrice != nil {
		wrong := (side == types.Long && *d.SlPrice >= price) ||
			(side == types.Short && *d.SlPrice <= price)
		if wrong || !types.IsFinite(*d.SlPrice) {
			d.Warnings = append(d.Warnings,
				fmt.Sprintf("stop-loss %.4f on wrong side of price %.4f, dropped", *d.SlPrice, price))
			d.SlPrice = nil
		}
	}
}

// requiredMaxSlPct is the widest stop allowed at a given leverage,
// independent of liquidation distance.
func requiredMaxSlPct(leverage int) float64 {
	switch {
	case leverage <= 3:
		return 15
	case leverage <= 5:
		return 10
	case leverage <= 10:
		return 7
	default:
		return 5
	}
}

// tightenStopLoss enforces the stop-loss width bound: the stop must sit
// inside both the leverage table bound and 80% of the liquidation distance.
func (g *Governor) tightenStopLoss(res *Result, price float64) {
	d := &res.Decision
	if d.SlPrice == nil || price <= 0 {
		return
	}

	liqDistancePct := 100 / float64(d.Leverage)
	maxPct := math.Min(requiredMaxSlPct(d.Leverage), 0.8*liqDistancePct)

	distPct := math.Abs(price-*d.SlPrice) / price * 100
	if distPct <= maxPct {
		return
	}

	var tightened float64
	if d.Action.PositionSide() == types.Long {
		tightened = price * (1 - maxPct/100)
	} else {
		tightened = price * (1 + maxPct/100)
	}
	if !types.IsFinite(tightened) || tightened <= 0 {
		g.logger.Warn("stop-loss recompute produced unusable price, keeping original",
			"symbol", d.Symbol, "original", *d.SlPrice)
		d.Warnings = append(d.Warnings, "stop-loss recompute failed, original kept")
		return
	}

	res.Adjustments = append(res.Adjustments,
		fmt.Sprintf("stop-loss tightened from %.2f%% to %.2f%% of price", distPct, maxPct))
	d.SlPrice = &tightened
}

// sizeDecision caps the allocation to the configured share of equity and
// converts it to a step-rounded contract size.
func (g *Governor) sizeDecision(res *Result, price float64, pf *types.PortfolioView) bool {
	d := &res.Decision
	if price <= 0 {
		*res = g.reject(*res, "no usable price for sizing")
		return false
	}

	maxAlloc := math.MaxFloat64
	if pf != nil && pf.Equity > 0 && g.cfg.MaxAccountAllocationPct > 0 {
		maxAlloc = pf.Equity * g.cfg.MaxAccountAllocationPct / 100
	}
	if d.AllocationUsd > maxAlloc {
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("allocation capped at %.0f%% of equity", g.cfg.MaxAccountAllocationPct))
		d.AllocationUsd = maxAlloc
	}
	if d.AllocationUsd <= 0 {
		*res = g.reject(*res, "no allocation to size")
		return false
	}

	size, err := g.specs.RoundToStep(d.AllocationUsd/price, d.Symbol)
	if err != nil {
		*res = g.reject(*res, fmt.Sprintf("sizing failed: %v", err))
		return false
	}
	res.Size = size
	return true
}

// advise runs the Monte-Carlo estimate and annotates warnings. Never blocks
// the trade.
func (g *Governor) advise(res *Result, price float64) {
	if g.mc == nil || res.Decision.SlPrice == nil || price <= 0 {
		return
	}
	d := &res.Decision

	slPct := math.Abs(price-*d.SlPrice) / price * 100
	tpPct := 0.0
	if d.TpPrice != nil {
		tpPct = math.Abs(*d.TpPrice-price) / price * 100
	}
	for _, w := range g.mc.Assess(slPct, tpPct) {
		d.Warnings = append(d.Warnings, w)
	}
}
