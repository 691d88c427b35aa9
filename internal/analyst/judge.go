package analyst

import (
	"fmt"
	"log/slog"
	"sort"

	"perp-trader/pkg/types"
)

// directionMargin is the confidence lead the top entry opinion needs over
// the best opposing one before the split counts as decided.
const directionMargin = 10.0

// Judge collapses panel opinions into exactly one FinalDecision. It is
// deterministic: scoring is by confidence, ties broken by analyst ID.
type Judge struct {
	confidenceFloor float64
	logger          *slog.Logger
}

// NewJudge creates a judge with the configured confidence floor.
func NewJudge(confidenceFloor float64, logger *slog.Logger) *Judge {
	return &Judge{
		confidenceFloor: confidenceFloor,
		logger:          logger.With("component", "judge"),
	}
}

// Decide selects the winning opinion. It returns HOLD with winner NONE when
// no opinion clears the floor, when entries split on direction without a
// clear leader, or when the winner names a symbol outside the scanned set.
// Exit opinions (CLOSE/REDUCE on an actually open position) are exempt from
// the floor and outrank entries.
func (j *Judge) Decide(opinions []types.AnalystOpinion, markets map[types.Symbol]types.MarketSnapshot, pf *types.PortfolioView) types.FinalDecision {
	warnings := j.detectorWarnings(opinions)

	exits, entries := j.partition(opinions, pf)

	var winner *types.AnalystOpinion
	switch {
	case len(exits) > 0:
		winner = &exits[0]
	case len(entries) > 0:
		if reason, split := directionSplit(entries); split {
			d := types.Hold(reason)
			d.Warnings = warnings
			return d
		}
		winner = &entries[0]
	default:
		d := types.Hold(fmt.Sprintf("no opinion cleared the %.0f confidence floor", j.confidenceFloor))
		d.Warnings = warnings
		return d
	}

	if _, ok := markets[winner.Symbol]; !ok {
		j.logger.Warn("winner named unscanned symbol, holding",
			"analyst", winner.AnalystID, "symbol", winner.Symbol)
		d := types.Hold(fmt.Sprintf("symbol %s not in scanned universe", winner.Symbol))
		d.Warnings = append(warnings, fmt.Sprintf("analyst %s proposed unscanned symbol %s", winner.AnalystID, winner.Symbol))
		return d
	}

	decision := types.FinalDecision{
		Winner:        winner.AnalystID,
		Action:        winner.Action,
		Symbol:        winner.Symbol,
		Confidence:    winner.Confidence,
		Leverage:      clampLeverage(winner.RecommendedLeverage),
		AllocationUsd: winner.RecommendedSizeUsd,
		TpPrice:       winner.TpPrice,
		SlPrice:       winner.SlPrice,
		Rationale:     winner.Rationale,
		ExitPlan:      winner.ExitPlan,
		Warnings:      warnings,
	}

	j.logger.Info("decision selected",
		"winner", decision.Winner,
		"action", decision.Action,
		"symbol", decision.Symbol,
		"confidence", decision.Confidence,
	)
	return decision
}

// partition splits opinions into exit and entry candidates, each sorted by
// confidence descending (ties by analyst ID for determinism). Exits must
// reference an open position; entries must clear the confidence floor.
func (j *Judge) partition(opinions []types.AnalystOpinion, pf *types.PortfolioView) (exits, entries []types.AnalystOpinion) {
	for _, op := range opinions {
		switch {
		case op.Action.IsExit():
			if _, open := positionOnSymbol(pf, op.Symbol); open {
				exits = append(exits, op)
			} else {
				j.logger.Warn("exit opinion without open position, dropping",
					"analyst", op.AnalystID, "symbol", op.Symbol)
			}
		case op.Action.IsEntry():
			if op.Confidence >= j.confidenceFloor {
				entries = append(entries, op)
			}
		}
	}
	byScore(exits)
	byScore(entries)
	return exits, entries
}

func byScore(ops []types.AnalystOpinion) {
	sort.Slice(ops, func(a, b int) bool {
		if ops[a].Confidence != ops[b].Confidence {
			return ops[a].Confidence > ops[b].Confidence
		}
		return ops[a].AnalystID < ops[b].AnalystID
	})
}

// directionSplit reports a HOLD reason when the sorted entry candidates
// disagree on direction and the leader's margin over the best opposing
// opinion is too thin.
func directionSplit(sorted []types.AnalystOpinion) (string, bool) {
	top := sorted[0]
	for _, op := range sorted[1:] {
		if op.Action.PositionSide() == top.Action.PositionSide() {
			continue
		}
		if top.Confidence-op.Confidence < directionMargin {
			return fmt.Sprintf("direction split: %s %s (%.0f) vs %s %s (%.0f)",
				top.AnalystID, top.Action, top.Confidence,
				op.AnalystID, op.Action, op.Confidence), true
		}
		break
	}
	return "", false
}

func positionOnSymbol(pf *types.PortfolioView, symbol types.Symbol) (types.Position, bool) {
	if pf == nil {
		return types.Position{}, false
	}
	for _, p := range pf.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return types.Position{}, false
}

func (j *Judge) detectorWarnings(opinions []types.AnalystOpinion) []string {
	var warnings []string
	if reason, hit := DetectEchoChamber(opinions); hit {
		warnings = append(warnings, reason)
	}
	if reason, hit := DetectStopCluster(opinions); hit {
		warnings = append(warnings, reason)
	}
	return warnings
}

func clampLeverage(lev int) int {
	if lev < 1 {
		return 1
	}
	if lev > 20 {
		return 20
	}
	return lev
}
