package analyst

import (
	"fmt"
	"math"

	"perp-trader/pkg/types"
)

const (
	echoConsensusPct = 0.75 // directional consensus threshold
	stopClusterPct   = 5.0  // stops within this percent band
)

// DetectEchoChamber flags a panel whose entry opinions show at least 75%
// directional consensus. Pure function: safe to re-run over the same
// opinions with no side effects.
func DetectEchoChamber(opinions []types.AnalystOpinion) (string, bool) {
	var long, short int
	for _, op := range opinions {
		if !op.Action.IsEntry() {
			continue
		}
		if op.Action.PositionSide() == types.Long {
			long++
		} else {
			short++
		}
	}
	total := long + short
	if total < 2 {
		return "", false
	}

	dominant, side := long, types.Long
	if short > long {
		dominant, side = short, types.Short
	}
	if float64(dominant)/float64(total) >= echoConsensusPct {
		return fmt.Sprintf("echo chamber: %d of %d entry opinions lean %s", dominant, total, side), true
	}
	return "", false
}

// DetectStopCluster flags opinions whose stop-losses all sit within a 5%
// band of each other, a sign the panel would be stopped out together.
func DetectStopCluster(opinions []types.AnalystOpinion) (string, bool) {
	var stops []float64
	for _, op := range opinions {
		if op.SlPrice != nil && *op.SlPrice > 0 && types.IsFinite(*op.SlPrice) {
			stops = append(stops, *op.SlPrice)
		}
	}
	if len(stops) < 2 {
		return "", false
	}

	lo, hi := stops[0], stops[0]
	for _, s := range stops[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if lo <= 0 {
		return "", false
	}
	spreadPct := (hi - lo) / lo * 100
	if spreadPct <= stopClusterPct {
		return fmt.Sprintf("stop clustering: %d stops within %.1f%% of each other", len(stops), spreadPct), true
	}
	return "", false
}
