package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"perp-trader/internal/exchange"
	"perp-trader/internal/risk"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

// OrderAPI is the slice of the exchange client the executor needs.
type OrderAPI interface {
	ChangeLeverage(ctx context.Context, symbol types.Symbol, leverage int) error
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
	PlaceTpSlOrder(ctx context.Context, req exchange.TpSlRequest) error
	CloseAllPositions(ctx context.Context, symbol types.Symbol) error
	ClosePartialPosition(ctx context.Context, symbol types.Symbol, side types.Side, size float64) error
}

// Rounder snaps prices and sizes to the symbol's exchange grids.
type Rounder interface {
	RoundToTick(price float64, symbol types.Symbol) (float64, error)
	RoundToStep(size float64, symbol types.Symbol) (float64, error)
}

// TradeWriter persists trade records.
type TradeWriter interface {
	SaveTrade(t *store.Trade) error
}

// ChurnRecorder marks a (symbol, side) as just traded.
type ChurnRecorder interface {
	Record(symbol types.Symbol, side types.Side)
}

// Executor turns an approved decision into exchange orders.
type Executor struct {
	orders  OrderAPI
	rounder Rounder
	trades  TradeWriter
	tracker *Tracker
	churn   ChurnRecorder
	dryRun  bool
	logger  *slog.Logger
}

// NewExecutor creates an executor. In dry-run mode orders are still routed
// through the client (which logs instead of calling), but nothing is
// persisted and the anti-churn table does not tick, so engine state stays
// consistent with "nothing happened".
func NewExecutor(orders OrderAPI, rounder Rounder, trades TradeWriter, tracker *Tracker, churn ChurnRecorder, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		orders:  orders,
		rounder: rounder,
		trades:  trades,
		tracker: tracker,
		churn:   churn,
		dryRun:  dryRun,
		logger:  logger.With("component", "executor"),
	}
}

// Execute carries out one approved decision. Returns whether a trade was
// actually executed (HOLD returns false with no error).
func (e *Executor) Execute(ctx context.Context, res risk.Result, snap types.MarketSnapshot, pf *types.PortfolioView) (bool, error) {
	d := res.Decision
	switch d.Action {
	case types.ActionHold:
		return false, nil
	case types.ActionBuy, types.ActionSell:
		return true, e.enter(ctx, res, snap)
	case types.ActionClose:
		return true, e.closeFull(ctx, d.Symbol)
	case types.ActionReduce:
		return true, e.reduce(ctx, d.Symbol, pf)
	default:
		return false, fmt.Errorf("unexecutable action %s", d.Action)
	}
}

func (e *Executor) enter(ctx context.Context, res risk.Result, snap types.MarketSnapshot) error {
	d := res.Decision
	side := d.Action.PositionSide()

	if err := e.orders.ChangeLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	clientOid := uuid.NewString()
	orderType := "open_long"
	if side == types.Short {
		orderType = "open_short"
	}
	result, err := e.orders.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        string(d.Symbol),
		ClientOrderID: clientOid,
		Size:          formatFloat(res.Size),
		Type:          orderType,
		OrderType:     "market",
		MatchPrice:    "1",
	})
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	e.logger.Info("entry executed",
		"symbol", d.Symbol,
		"side", side,
		"size", res.Size,
		"leverage", d.Leverage,
		"winner", d.Winner,
		"order_id", result.OrderID,
	)

	e.attachPlan(ctx, d.Symbol, side, res.Size, d.TpPrice, "profit_plan")
	e.attachPlan(ctx, d.Symbol, side, res.Size, d.SlPrice, "loss_plan")

	if e.dryRun {
		return nil
	}

	trade := &store.Trade{
		OrderID:       result.OrderID,
		ClientOrderID: clientOid,
		Symbol:        string(d.Symbol),
		Side:          string(side),
		Action:        string(d.Action),
		Price:         snap.CurrentPrice,
		Size:          res.Size,
		Leverage:      d.Leverage,
		Winner:        d.Winner,
		Confidence:    d.Confidence,
		ExitPlan:      d.ExitPlan,
		Rationale:     d.Rationale,
	}
	if err := e.trades.SaveTrade(trade); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}

	e.tracker.Register(types.TrackedTrade{
		OrderID:       result.OrderID,
		ClientOrderID: clientOid,
		Symbol:        d.Symbol,
		Side:          side,
		Size:          res.Size,
		EntryPrice:    snap.CurrentPrice,
		Leverage:      d.Leverage,
		Winner:        d.Winner,
		Confidence:    d.Confidence,
		OpenedAt:      time.Now(),
	})
	e.churn.Record(d.Symbol, side)
	return nil
}

// attachPlan places one TP or SL plan. A plan failure is logged, not fatal:
// the position is already open and the rule-based manager still covers it.
func (e *Executor) attachPlan(ctx context.Context, symbol types.Symbol, side types.Side, size float64, price *float64, planType string) {
	if price == nil {
		return
	}
	trigger, err := e.rounder.RoundToTick(*price, symbol)
	if err != nil {
		e.logger.Warn("plan price rounding failed", "symbol", symbol, "plan", planType, "error", err)
		return
	}

	holdSide := "long"
	if side == types.Short {
		holdSide = "short"
	}
	err = e.orders.PlaceTpSlOrder(ctx, exchange.TpSlRequest{
		Symbol:       string(symbol),
		PlanType:     planType,
		TriggerPrice: formatFloat(trigger),
		Size:         formatFloat(size),
		PositionSide: holdSide,
	})
	if err != nil {
		e.logger.Warn("plan placement failed", "symbol", symbol, "plan", planType, "error", err)
	}
}

func (e *Executor) closeFull(ctx context.Context, symbol types.Symbol) error {
	if err := e.orders.CloseAllPositions(ctx, symbol); err != nil {
		return fmt.Errorf("close all: %w", err)
	}
	e.logger.Info("position closed", "symbol", symbol)
	return nil
}

// reduce closes half the open position, step-rounded.
func (e *Executor) reduce(ctx context.Context, symbol types.Symbol, pf *types.PortfolioView) error {
	pos, ok := findPosition(pf, symbol)
	if !ok {
		return fmt.Errorf("reduce %s: no open position", symbol)
	}

	half, err := e.rounder.RoundToStep(pos.Size*0.5, symbol)
	if err != nil {
		return fmt.Errorf("reduce %s: %w", symbol, err)
	}
	if err := e.orders.ClosePartialPosition(ctx, symbol, pos.Side, half); err != nil {
		return fmt.Errorf("close partial: %w", err)
	}
	e.logger.Info("position reduced", "symbol", symbol, "side", pos.Side, "closed_size", half)
	return nil
}

func findPosition(pf *types.PortfolioView, symbol types.Symbol) (types.Position, bool) {
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

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
