// Package analyst runs the parallel analyst panel and the judge that
// collapses its opinions into one final decision.
package analyst

import (
	"encoding/json"
	"fmt"

	"perp-trader/pkg/types"
)

// Input is the read-only context shared by every analyst in one cycle.
type Input struct {
	Markets   map[types.Symbol]types.MarketSnapshot
	Portfolio *types.PortfolioView

	// Warnings are detector findings from the previous full run, injected
	// into each prompt so analysts see the panel's own failure modes.
	Warnings []string
}

// promptMarket is the compact per-symbol block serialized into the prompt.
type promptMarket struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	High24h   float64  `json:"high24h"`
	Low24h    float64  `json:"low24h"`
	Change24h float64  `json:"change24h"`
	Volume24h float64  `json:"volume24h"`
	Funding   *float64 `json:"fundingRate,omitempty"`
}

type promptPosition struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Size      float64 `json:"size"`
	Entry     float64 `json:"entryPrice"`
	Leverage  int     `json:"leverage"`
	PnlPct    float64 `json:"pnlPct"`
	HoldHours float64 `json:"holdHours"`
}

type promptPayload struct {
	Markets    []promptMarket   `json:"markets"`
	Balance    float64          `json:"availableBalance"`
	Equity     float64          `json:"equity"`
	DayPnlPct  float64          `json:"dayPnlPct"`
	WeekPnlPct float64          `json:"weekPnlPct"`
	Positions  []promptPosition `json:"positions"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// userPrompt serializes the input for the model.
func userPrompt(in Input) (string, error) {
	payload := promptPayload{
		Balance:    in.Portfolio.AvailableBalance,
		Equity:     in.Portfolio.Equity,
		DayPnlPct:  in.Portfolio.DayPnlPct,
		WeekPnlPct: in.Portfolio.WeekPnlPct,
		Warnings:   in.Warnings,
	}

	for symbol, snap := range in.Markets {
		payload.Markets = append(payload.Markets, promptMarket{
			Symbol:    string(symbol),
			Price:     snap.CurrentPrice,
			High24h:   snap.High24h,
			Low24h:    snap.Low24h,
			Change24h: snap.Change24h,
			Volume24h: snap.Volume24h,
			Funding:   snap.FundingRate,
		})
	}

	for _, pos := range in.Portfolio.Positions {
		payload.Positions = append(payload.Positions, promptPosition{
			Symbol:    string(pos.Symbol),
			Side:      string(pos.Side),
			Size:      pos.Size,
			Entry:     pos.EntryPrice,
			Leverage:  pos.Leverage,
			PnlPct:    pos.PnlPct(),
			HoldHours: in.Portfolio.HoldHours[pos.Symbol],
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal prompt payload: %w", err)
	}
	return string(raw), nil
}
