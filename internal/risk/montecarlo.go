package risk

import (
	"fmt"
	"math/rand"
)

const (
	mcPaths        = 500
	mcHorizonHours = 24
	defaultVolPct  = 1.2 // hourly volatility assumption, percent
)

// MonteCarlo estimates how likely a trade is to be stopped out before its
// target, simulating random walks at an assumed hourly volatility. Purely
// advisory: its output is warnings, never a rejection.
type MonteCarlo struct {
	volPct float64
	rng    *rand.Rand
}

// NewMonteCarlo creates the advisor with a fixed seed so assessments are
// reproducible across runs.
func NewMonteCarlo(seed int64) *MonteCarlo {
	return &MonteCarlo{
		volPct: defaultVolPct,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Assess simulates paths and returns warnings when survival odds are poor.
// slPct and tpPct are distances from the current price in percent; tpPct
// zero means no target (the path only loses by hitting the stop).
func (mc *MonteCarlo) Assess(slPct, tpPct float64) []string {
	if slPct <= 0 {
		return nil
	}

	stopped := 0
	for i := 0; i < mcPaths; i++ {
		if mc.pathHitsStop(slPct, tpPct) {
			stopped++
		}
	}
	pStop := float64(stopped) / mcPaths

	var warnings []string
	if pStop >= 0.6 {
		warnings = append(warnings,
			fmt.Sprintf("monte-carlo: %.0f%% of simulated paths hit the %.1f%% stop within %dh",
				pStop*100, slPct, mcHorizonHours))
	}
	if tpPct > 0 && tpPct < slPct {
		warnings = append(warnings,
			fmt.Sprintf("monte-carlo: target %.1f%% closer than stop %.1f%%, negative asymmetry", tpPct, slPct))
	}
	return warnings
}

// pathHitsStop walks one path hour by hour and reports whether the stop is
// hit before the target (or before the horizon when there is no target).
func (mc *MonteCarlo) pathHitsStop(slPct, tpPct float64) bool {
	cum := 0.0
	for h := 0; h < mcHorizonHours; h++ {
		cum += mc.rng.NormFloat64() * mc.volPct
		if cum <= -slPct {
			return true
		}
		if tpPct > 0 && cum >= tpPct {
			return false
		}
	}
	return false
}
