package engine

import (
	"fmt"
	"log/slog"

	"perp-trader/internal/config"
	"perp-trader/pkg/types"
)

// Approximate token cost of the paths a cycle can take. Used only for the
// tokens-saved reporting field.
const (
	fullRunTokens    = 12000
	managePathTokens = 0 // rule-managed paths make no AI calls
)

// GateResult is the pre-gate's verdict for one cycle.
type GateResult struct {
	Verdict     types.Verdict
	Reason      string
	Focus       types.Symbol  // position to manage, for the manage verdicts
	FocusPos    types.Position
	Urgency     types.Urgency
	TokensSaved int64
}

// PreGate runs the cheap pre-AI checks that can short-circuit a cycle.
type PreGate struct {
	cfg    config.EngineConfig
	logger *slog.Logger
}

// NewPreGate creates a pre-gate.
func NewPreGate(cfg config.EngineConfig, logger *slog.Logger) *PreGate {
	return &PreGate{cfg: cfg, logger: logger.With("component", "pregate")}
}

// Evaluate produces exactly one verdict. The four checks run in order:
// balance, weekly drawdown, daily trade budget, position limits. Only a
// saturated position book triggers the urgency inspection.
func (pg *PreGate) Evaluate(pf *types.PortfolioView) GateResult {
	if pf.AvailableBalance < pg.cfg.MinBalance {
		return pg.skip(fmt.Sprintf("balance %.2f below minimum %.2f",
			pf.AvailableBalance, pg.cfg.MinBalance))
	}
	if pf.WeekPnlPct < -pg.cfg.MaxWeeklyDrawdownPct {
		return pg.skip(fmt.Sprintf("week pnl %.2f%% past drawdown limit -%.2f%%",
			pf.WeekPnlPct, pg.cfg.MaxWeeklyDrawdownPct))
	}
	if pf.DailyTradeCount >= pg.cfg.MaxDailyTrades {
		return pg.skip(fmt.Sprintf("daily trades %d at limit %d",
			pf.DailyTradeCount, pg.cfg.MaxDailyTrades))
	}
	if !pg.bookFull(pf) {
		return GateResult{Verdict: types.VerdictRunFull, Reason: "capacity available"}
	}
	return pg.inspectUrgency(pf)
}

// bookFull reports whether new entries are impossible: the total position
// limit is reached, or both directions are individually saturated.
func (pg *PreGate) bookFull(pf *types.PortfolioView) bool {
	if len(pf.Positions) >= pg.cfg.MaxConcurrentPositions {
		return true
	}
	var longs, shorts int
	for _, p := range pf.Positions {
		if p.Side == types.Long {
			longs++
		} else {
			shorts++
		}
	}
	return longs >= pg.cfg.MaxSameDirectionPositions && shorts >= pg.cfg.MaxSameDirectionPositions
}

// inspectUrgency classifies every open position and routes the cycle to
// the cheapest path that still covers the most urgent one.
func (pg *PreGate) inspectUrgency(pf *types.PortfolioView) GateResult {
	var (
		worst        types.Position
		worstUrgency = types.UrgencyLow
		worstScore   float64
	)
	for _, pos := range pf.Positions {
		pnl := pos.PnlPct()
		hold := pf.HoldHours[pos.Symbol]
		u := types.ClassifyUrgency(pnl, hold)
		score := abs(pnl) + hold
		if u > worstUrgency || (u == worstUrgency && score > worstScore) {
			worst, worstUrgency, worstScore = pos, u, score
		}
	}

	switch worstUrgency {
	case types.UrgencyVeryUrgent:
		pg.logger.Info("book full, very urgent position",
			"symbol", worst.Symbol, "pnl_pct", worst.PnlPct())
		return GateResult{
			Verdict:     types.VerdictDirectManage,
			Reason:      fmt.Sprintf("position book full, %s needs immediate management", worst.Symbol),
			Focus:       worst.Symbol,
			FocusPos:    worst,
			Urgency:     worstUrgency,
			TokensSaved: fullRunTokens - managePathTokens,
		}
	case types.UrgencyModerate:
		return GateResult{
			Verdict:     types.VerdictRuleManage,
			Reason:      fmt.Sprintf("position book full, %s moderately urgent", worst.Symbol),
			Focus:       worst.Symbol,
			FocusPos:    worst,
			Urgency:     worstUrgency,
			TokensSaved: fullRunTokens - managePathTokens,
		}
	default:
		return pg.skip("position book full, all positions quiet")
	}
}

func (pg *PreGate) skip(reason string) GateResult {
	pg.logger.Info("cycle skipped", "reason", reason)
	return GateResult{
		Verdict:     types.VerdictSkip,
		Reason:      reason,
		TokensSaved: fullRunTokens,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
