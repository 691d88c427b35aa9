// Package types defines the shared semantic types of the trading engine:
// market snapshots, positions, analyst opinions, final decisions, and the
// per-iteration Cycle record. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"math"
	"time"
)

// Symbol identifies one perpetual-futures instrument, e.g. "BTCUSDT".
// Symbols are drawn from the configured approved universe.
type Symbol string

// Side is the direction of an open position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Action is a tagged decision variant. BUY opens/extends a long, SELL a
// short; CLOSE and REDUCE act on an existing position; HOLD does nothing.
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionHold   Action = "HOLD"
	ActionClose  Action = "CLOSE"
	ActionReduce Action = "REDUCE"
)

// IsEntry reports whether the action opens new exposure.
func (a Action) IsEntry() bool { return a == ActionBuy || a == ActionSell }

// IsExit reports whether the action reduces or removes exposure.
// Exits bypass the confidence floor and anti-churn suppression.
func (a Action) IsExit() bool { return a == ActionClose || a == ActionReduce }

// PositionSide maps an entry action to the position side it creates.
func (a Action) PositionSide() Side {
	if a == ActionSell {
		return Short
	}
	return Long
}

// ContractSpec holds per-symbol exchange trading rules.
// Invariant: MinLeverage <= MaxLeverage (enforced at ingestion).
type ContractSpec struct {
	Symbol      Symbol
	TickSize    float64 // price grid, e.g. 0.1
	StepSize    float64 // size grid, e.g. 0.001
	MinLeverage int
	MaxLeverage int
}

// Valid reports whether the spec passes ingestion checks.
func (cs ContractSpec) Valid() bool {
	return cs.TickSize > 0 && cs.StepSize > 0 &&
		cs.MinLeverage >= 1 && cs.MinLeverage <= cs.MaxLeverage
}

// MarketSnapshot is one symbol's market state, immutable within a cycle.
// FundingRate is nil when the exchange did not report one — explicitly
// absent, never substituted with zero.
type MarketSnapshot struct {
	Symbol       Symbol
	CurrentPrice float64
	High24h      float64
	Low24h       float64
	Volume24h    float64
	Change24h    float64
	FundingRate  *float64
	MarkPrice    float64
	IndexPrice   float64
	BestBid      float64
	BestAsk      float64
	FetchedAtMs  int64
}

// Usable reports whether the snapshot is fit for decision-making.
// Symbols failing this are dropped from the scan, not errored.
func (m MarketSnapshot) Usable() bool {
	return m.CurrentPrice > 0 && IsFinite(m.CurrentPrice) &&
		m.Volume24h >= 0 && IsFinite(m.Volume24h)
}

// IsFinite reports whether f is a usable numeric value.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Position is one open perp position as seen by the engine.
// At most one position exists per (symbol, side).
type Position struct {
	Symbol           Symbol
	Side             Side
	Size             float64 // contracts, > 0
	EntryPrice       float64
	Leverage         int
	UnrealizedPnl    float64
	LiquidationPrice float64 // 0 when the exchange omits it
	MarginUsed       float64
}

// PnlPct returns the unrealized PnL as a percent of position margin.
func (p Position) PnlPct() float64 {
	if p.MarginUsed > 0 {
		return p.UnrealizedPnl / p.MarginUsed * 100
	}
	notional := p.Size * p.EntryPrice
	if notional <= 0 {
		return 0
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.UnrealizedPnl / notional * 100 * float64(lev)
}

// Notional returns the position's USD notional at its entry price.
func (p Position) Notional() float64 { return p.Size * p.EntryPrice }

// PortfolioView aggregates account state for one cycle.
type PortfolioView struct {
	AvailableBalance float64
	Equity           float64
	Positions        []Position
	DayPnlPct        float64
	WeekPnlPct       float64
	DailyTradeCount  int
	HoldHours        map[Symbol]float64 // per symbol, from last entry trade
}

// PositionFor returns the open position for (symbol, side), if any.
func (pv PortfolioView) PositionFor(symbol Symbol, side Side) (Position, bool) {
	for _, p := range pv.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return Position{}, false
}

// NotionalExposure sums open notional across all positions.
func (pv PortfolioView) NotionalExposure() float64 {
	var total float64
	for _, p := range pv.Positions {
		total += p.Notional()
	}
	return total
}

// AnalystOpinion is one analyst's proposal for the current cycle.
type AnalystOpinion struct {
	AnalystID           string
	Action              Action
	Symbol              Symbol
	Confidence          float64 // 0-100
	Rationale           string
	Thesis              string
	RecommendedLeverage int
	RecommendedSizeUsd  float64
	TpPrice             *float64
	SlPrice             *float64
	ExitPlan            string
}

// WinnerNone marks a FinalDecision with no selected analyst.
// Invariant: Action == HOLD iff Winner == WinnerNone.
const WinnerNone = "NONE"

// FinalDecision is the single actionable outcome of a cycle.
type FinalDecision struct {
	Winner        string
	Action        Action
	Symbol        Symbol
	Confidence    float64
	Leverage      int // 1-20
	AllocationUsd float64
	TpPrice       *float64
	SlPrice       *float64
	Rationale     string
	ExitPlan      string
	Warnings      []string
}

// Hold returns a terminal HOLD decision carrying the given reason.
func Hold(reason string) FinalDecision {
	return FinalDecision{
		Winner:    WinnerNone,
		Action:    ActionHold,
		Rationale: reason,
		Leverage:  1,
	}
}

// Validate checks the decision's structural invariants.
func (d FinalDecision) Validate() error {
	if (d.Action == ActionHold) != (d.Winner == WinnerNone) {
		return fmt.Errorf("decision: action %s inconsistent with winner %q", d.Action, d.Winner)
	}
	if d.Leverage < 1 || d.Leverage > 20 {
		return fmt.Errorf("decision: leverage %d outside [1,20]", d.Leverage)
	}
	if d.AllocationUsd < 0 {
		return fmt.Errorf("decision: negative allocation %.2f", d.AllocationUsd)
	}
	return nil
}

// Cycle records one scheduler iteration. It is created at cycle start,
// frozen by the engine's completeCycle, and never mutated afterwards.
type Cycle struct {
	Number          int64
	StartMs         int64
	EndMs           int64
	Reason          string
	SymbolsAnalyzed []Symbol
	TradesExecuted  int
	AnalysesRun     int
	TokensSaved     int64
	Errors          []string
}

// Elapsed returns the cycle's wall time. Zero until the cycle completes.
func (c Cycle) Elapsed() time.Duration {
	if c.EndMs == 0 {
		return 0
	}
	return time.Duration(c.EndMs-c.StartMs) * time.Millisecond
}

// TrackedTrade is the in-memory record of an opened position, created by
// the executor on order acceptance and retired by the reconciler when the
// exchange reports the position closed.
type TrackedTrade struct {
	OrderID       string
	ClientOrderID string
	Symbol        Symbol
	Side          Side
	Size          float64
	EntryPrice    float64
	Leverage      int
	Winner        string
	Confidence    float64
	OpenedAt      time.Time
}

// Urgency classifies how badly an open position needs management when the
// position book is full. Deterministic over (pnlPct, holdHours).
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyModerate
	UrgencyVeryUrgent
)

func (u Urgency) String() string {
	switch u {
	case UrgencyVeryUrgent:
		return "VERY_URGENT"
	case UrgencyModerate:
		return "MODERATE"
	default:
		return "LOW"
	}
}

// ClassifyUrgency is the pre-gate urgency classifier.
func ClassifyUrgency(pnlPct, holdHours float64) Urgency {
	switch {
	case pnlPct >= 5 || pnlPct <= -5 || holdHours >= 12:
		return UrgencyVeryUrgent
	case pnlPct >= 2 || pnlPct <= -2.5 || holdHours >= 9:
		return UrgencyModerate
	default:
		return UrgencyLow
	}
}

// Verdict is the pre-gate's routing decision for one cycle.
type Verdict string

const (
	VerdictRunFull      Verdict = "RUN_FULL"
	VerdictDirectManage Verdict = "DIRECT_MANAGE"
	VerdictRuleManage   Verdict = "RULE_MANAGE"
	VerdictSkip         Verdict = "SKIP"
)
