package risk

import (
	"fmt"

	"perp-trader/internal/config"
	"perp-trader/pkg/types"
)

// RuleAction is the rule-based manager's verdict on one position.
type RuleAction string

const (
	RuleNone        RuleAction = "NONE"
	RuleCloseFull   RuleAction = "CLOSE_FULL"
	RuleTakePartial RuleAction = "TAKE_PARTIAL"
)

// ParseRuleAction validates an action name. "CLOSE_PARTIAL" is a rejected
// legacy alias, not silently mapped.
func ParseRuleAction(s string) (RuleAction, error) {
	switch RuleAction(s) {
	case RuleNone, RuleCloseFull, RuleTakePartial:
		return RuleAction(s), nil
	case "CLOSE_PARTIAL":
		return "", fmt.Errorf("rejected alias %q, use %q", s, RuleTakePartial)
	default:
		return "", fmt.Errorf("unknown rule action %q", s)
	}
}

// RuleVerdict is the ladder's output for one position.
type RuleVerdict struct {
	Action   RuleAction
	Fraction float64 // of position size, for TAKE_PARTIAL
	Reason   string
}

// EvaluateRules applies the deterministic management ladder to one position.
// No AI call, no TP/SL adjustment on this path.
func EvaluateRules(pos types.Position, holdHours float64, cfg config.RiskConfig) RuleVerdict {
	pnl := pos.PnlPct()
	switch {
	case pnl >= cfg.TargetProfitPct:
		return RuleVerdict{
			Action: RuleCloseFull,
			Reason: fmt.Sprintf("pnl %.1f%% at target %.1f%%", pnl, cfg.TargetProfitPct),
		}
	case pnl <= -cfg.StopLossPct:
		return RuleVerdict{
			Action: RuleCloseFull,
			Reason: fmt.Sprintf("pnl %.1f%% past stop %.1f%%", pnl, -cfg.StopLossPct),
		}
	case holdHours >= cfg.MaxHoldHours:
		return RuleVerdict{
			Action: RuleCloseFull,
			Reason: fmt.Sprintf("held %.1fh past limit %.1fh", holdHours, cfg.MaxHoldHours),
		}
	case pnl >= cfg.PartialTpPct:
		return RuleVerdict{
			Action:   RuleTakePartial,
			Fraction: 0.5,
			Reason:   fmt.Sprintf("pnl %.1f%% past partial target %.1f%%", pnl, cfg.PartialTpPct),
		}
	default:
		return RuleVerdict{Action: RuleNone}
	}
}
