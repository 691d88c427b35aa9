package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"perp-trader/internal/ai"
	"perp-trader/pkg/types"
)

// systemPrompts maps analyst IDs to their persona. Unknown IDs fall back
// to the generalist prompt.
var systemPrompts = map[string]string{
	"momentum": "You are a momentum trader on perpetual futures. Favor entries in the direction of strong 24h moves with expanding volume. Respond with a single JSON object: {\"action\",\"symbol\",\"confidence\",\"rationale\",\"thesis\",\"recommendedLeverage\",\"recommendedSizeUsd\",\"tpPrice\",\"slPrice\",\"exitPlan\"}. Rationale 150-200 words. Use action HOLD when nothing qualifies.",
	"contrarian": "You are a mean-reversion trader on perpetual futures. Look for overextended 24h moves likely to retrace, and fade them with tight stops. Respond with a single JSON object: {\"action\",\"symbol\",\"confidence\",\"rationale\",\"thesis\",\"recommendedLeverage\",\"recommendedSizeUsd\",\"tpPrice\",\"slPrice\",\"exitPlan\"}. Rationale 150-200 words. Use action HOLD when nothing qualifies.",
	"risk": "You are a risk-first portfolio manager on perpetual futures. Prioritize protecting open positions: propose CLOSE or REDUCE when positions are stale or losing, and only propose entries with asymmetric reward. Respond with a single JSON object: {\"action\",\"symbol\",\"confidence\",\"rationale\",\"thesis\",\"recommendedLeverage\",\"recommendedSizeUsd\",\"tpPrice\",\"slPrice\",\"exitPlan\"}. Rationale 150-200 words. Use action HOLD when nothing qualifies.",
}

const genericPrompt = "You are a systematic trader on perpetual futures. Weigh trend, funding, and open-position risk. Respond with a single JSON object: {\"action\",\"symbol\",\"confidence\",\"rationale\",\"thesis\",\"recommendedLeverage\",\"recommendedSizeUsd\",\"tpPrice\",\"slPrice\",\"exitPlan\"}. Rationale 150-200 words. Use action HOLD when nothing qualifies."

// Failure records one analyst that produced no usable opinion.
type Failure struct {
	AnalystID string
	Err       error
}

// Panel fans out one model call per analyst.
type Panel struct {
	analystIDs []string
	completer  ai.Completer
	logger     *slog.Logger
}

// NewPanel creates the panel. IDs come from config; each gets its persona
// prompt or the generalist fallback.
func NewPanel(analystIDs []string, completer ai.Completer, logger *slog.Logger) *Panel {
	return &Panel{
		analystIDs: analystIDs,
		completer:  completer,
		logger:     logger.With("component", "panel"),
	}
}

// Size returns the number of configured analysts.
func (p *Panel) Size() int { return len(p.analystIDs) }

// Consult runs every analyst concurrently under the caller's deadline.
// Individual failures are isolated: peers are never cancelled, and the
// result is whatever subset succeeded plus the failure list. The caller
// decides whether the surviving subset is large enough to judge.
func (p *Panel) Consult(ctx context.Context, in Input) ([]types.AnalystOpinion, []Failure) {
	prompt, err := userPrompt(in)
	if err != nil {
		failures := make([]Failure, len(p.analystIDs))
		for i, id := range p.analystIDs {
			failures[i] = Failure{AnalystID: id, Err: err}
		}
		return nil, failures
	}

	var (
		mu       sync.Mutex
		opinions []types.AnalystOpinion
		failures []Failure
	)

	g := new(errgroup.Group)
	for _, id := range p.analystIDs {
		id := id
		g.Go(func() error {
			opinion, err := p.consultOne(ctx, id, prompt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("analyst failed", "analyst", id, "error", err)
				failures = append(failures, Failure{AnalystID: id, Err: err})
				return nil
			}
			opinions = append(opinions, opinion)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("panel consulted",
		"analysts", len(p.analystIDs),
		"opinions", len(opinions),
		"failures", len(failures),
	)
	return opinions, failures
}

// opinionPayload is the JSON shape analysts respond with.
type opinionPayload struct {
	Action              string   `json:"action"`
	Symbol              string   `json:"symbol"`
	Confidence          float64  `json:"confidence"`
	Rationale           string   `json:"rationale"`
	Thesis              string   `json:"thesis"`
	RecommendedLeverage int      `json:"recommendedLeverage"`
	RecommendedSizeUsd  float64  `json:"recommendedSizeUsd"`
	TpPrice             *float64 `json:"tpPrice"`
	SlPrice             *float64 `json:"slPrice"`
	ExitPlan            string   `json:"exitPlan"`
}

func (p *Panel) consultOne(ctx context.Context, id, prompt string) (types.AnalystOpinion, error) {
	system, ok := systemPrompts[id]
	if !ok {
		system = genericPrompt
	}

	raw, err := p.completer.Complete(ctx, system, prompt)
	if err != nil {
		return types.AnalystOpinion{}, err
	}

	var payload opinionPayload
	if err := json.Unmarshal([]byte(ai.StripFences(raw)), &payload); err != nil {
		return types.AnalystOpinion{}, fmt.Errorf("parse opinion: %w", err)
	}

	opinion := types.AnalystOpinion{
		AnalystID:           id,
		Action:              types.Action(payload.Action),
		Symbol:              types.Symbol(payload.Symbol),
		Confidence:          clamp(payload.Confidence, 0, 100),
		Rationale:           payload.Rationale,
		Thesis:              payload.Thesis,
		RecommendedLeverage: payload.RecommendedLeverage,
		RecommendedSizeUsd:  payload.RecommendedSizeUsd,
		TpPrice:             payload.TpPrice,
		SlPrice:             payload.SlPrice,
		ExitPlan:            payload.ExitPlan,
	}

	switch opinion.Action {
	case types.ActionBuy, types.ActionSell, types.ActionHold, types.ActionClose, types.ActionReduce:
	default:
		return types.AnalystOpinion{}, fmt.Errorf("unknown action %q", payload.Action)
	}
	if opinion.Action != types.ActionHold && opinion.Symbol == "" {
		return types.AnalystOpinion{}, fmt.Errorf("action %s without symbol", opinion.Action)
	}
	return opinion, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
