package analyst

import (
	"strings"
	"testing"

	"perp-trader/pkg/types"
)

func fptr(f float64) *float64 { return &f }

func testMarkets() map[types.Symbol]types.MarketSnapshot {
	return map[types.Symbol]types.MarketSnapshot{
		"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 64000, Volume24h: 1e9},
		"ETHUSDT": {Symbol: "ETHUSDT", CurrentPrice: 3200, Volume24h: 1e8},
	}
}

func emptyPortfolio() *types.PortfolioView {
	return &types.PortfolioView{AvailableBalance: 1000, Equity: 1000}
}

func buyOpinion(id string, confidence float64) types.AnalystOpinion {
	return types.AnalystOpinion{
		AnalystID:           id,
		Action:              types.ActionBuy,
		Symbol:              "BTCUSDT",
		Confidence:          confidence,
		RecommendedLeverage: 5,
		RecommendedSizeUsd:  200,
		TpPrice:             fptr(67000),
		SlPrice:             fptr(62000),
		ExitPlan:            "tp or 12h",
	}
}

func TestJudgeHoldsBelowConfidenceFloor(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	d := j.Decide([]types.AnalystOpinion{
		buyOpinion("a", 55),
		buyOpinion("b", 40),
	}, testMarkets(), emptyPortfolio())

	if d.Action != types.ActionHold || d.Winner != types.WinnerNone {
		t.Errorf("decision = %+v, want HOLD/NONE", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestJudgeHoldsOnDirectionSplit(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	sell := buyOpinion("b", 72)
	sell.Action = types.ActionSell

	d := j.Decide([]types.AnalystOpinion{buyOpinion("a", 75), sell}, testMarkets(), emptyPortfolio())

	if d.Action != types.ActionHold {
		t.Errorf("action = %s, want HOLD on thin direction split", d.Action)
	}
	if !strings.Contains(d.Rationale, "direction split") {
		t.Errorf("rationale = %q", d.Rationale)
	}
}

func TestJudgeClearLeaderBeatsSplit(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	sell := buyOpinion("b", 62)
	sell.Action = types.ActionSell

	d := j.Decide([]types.AnalystOpinion{buyOpinion("a", 85), sell}, testMarkets(), emptyPortfolio())

	if d.Winner != "a" || d.Action != types.ActionBuy {
		t.Errorf("decision = %+v, want analyst a BUY", d)
	}
	// Winner fields preserved.
	if d.Leverage != 5 || d.AllocationUsd != 200 || *d.TpPrice != 67000 || *d.SlPrice != 62000 {
		t.Errorf("winner fields not preserved: %+v", d)
	}
	if d.ExitPlan != "tp or 12h" {
		t.Errorf("exit plan = %q", d.ExitPlan)
	}
}

func TestJudgeExitOutranksEntry(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	pf := &types.PortfolioView{
		Positions: []types.Position{
			{Symbol: "ETHUSDT", Side: types.Long, Size: 1, EntryPrice: 3300, Leverage: 5},
		},
	}
	exit := types.AnalystOpinion{
		AnalystID:  "risk",
		Action:     types.ActionClose,
		Symbol:     "ETHUSDT",
		Confidence: 50, // exits are exempt from the floor
		Rationale:  "stale loser",
	}

	d := j.Decide([]types.AnalystOpinion{buyOpinion("a", 90), exit}, testMarkets(), pf)

	if d.Winner != "risk" || d.Action != types.ActionClose || d.Symbol != "ETHUSDT" {
		t.Errorf("decision = %+v, want risk CLOSE ETHUSDT", d)
	}
}

func TestJudgeDropsExitWithoutPosition(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	exit := types.AnalystOpinion{
		AnalystID:  "risk",
		Action:     types.ActionClose,
		Symbol:     "ETHUSDT",
		Confidence: 80,
	}

	d := j.Decide([]types.AnalystOpinion{buyOpinion("a", 75), exit}, testMarkets(), emptyPortfolio())

	if d.Winner != "a" {
		t.Errorf("winner = %s, want a (phantom exit dropped)", d.Winner)
	}
}

func TestJudgeHoldsOnUnscannedSymbol(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	op := buyOpinion("a", 90)
	op.Symbol = "DOGEUSDT"

	d := j.Decide([]types.AnalystOpinion{op}, testMarkets(), emptyPortfolio())

	if d.Action != types.ActionHold || d.Winner != types.WinnerNone {
		t.Errorf("decision = %+v, want HOLD for unscanned symbol", d)
	}
}

func TestJudgeDeterministicTieBreak(t *testing.T) {
	t.Parallel()
	j := NewJudge(60, testLogger())

	for i := 0; i < 5; i++ {
		d := j.Decide([]types.AnalystOpinion{buyOpinion("beta", 80), buyOpinion("alpha", 80)}, testMarkets(), emptyPortfolio())
		if d.Winner != "alpha" {
			t.Fatalf("winner = %s, want alpha (lexicographic tie break)", d.Winner)
		}
	}
}
