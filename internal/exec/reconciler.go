package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"perp-trader/internal/exchange"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

const historyScanLimit = 50

// PositionHistorySource is the slice of the exchange client the reconciler
// needs.
type PositionHistorySource interface {
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetHistoryOrders(ctx context.Context, symbol types.Symbol, limit int) ([]exchange.HistoryOrder, error)
}

// ReconStore is the slice of the trade store the reconciler needs.
type ReconStore interface {
	SaveTrade(t *store.Trade) error
	RecordedOrderIDs(symbol types.Symbol) (map[string]bool, error)
	OpenEntries() ([]store.Trade, error)
	AddAttribution(analystID string, pnl float64) error
}

// Reconciler runs at cycle end. It retires tracked trades whose positions
// the exchange no longer shows, and back-fills realized PnL for entry
// trades from the exchange's closed-order history.
type Reconciler struct {
	source  PositionHistorySource
	store   ReconStore
	tracker *Tracker
	logger  *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(source PositionHistorySource, st ReconStore, tracker *Tracker, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		source:  source,
		store:   st,
		tracker: tracker,
		logger:  logger.With("component", "reconciler"),
	}
}

// Run performs both reconciliation duties. Errors from either half are
// joined; a failure in one does not skip the other.
func (r *Reconciler) Run(ctx context.Context) error {
	return errors.Join(r.syncPositions(ctx), r.backfillClosures(ctx))
}

// syncPositions retires tracked trades with no matching exchange position.
func (r *Reconciler) syncPositions(ctx context.Context) error {
	tracked := r.tracker.All()
	if len(tracked) == 0 {
		return nil
	}

	positions, err := r.source.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[string(p.Symbol)+"/"+string(p.Side)] = true
	}

	for _, trade := range tracked {
		if open[string(trade.Symbol)+"/"+string(trade.Side)] {
			continue
		}
		r.tracker.Retire(trade.OrderID)
		r.logger.Info("tracked trade closed on exchange",
			"symbol", trade.Symbol,
			"side", trade.Side,
			"order_id", trade.OrderID,
			"winner", trade.Winner,
		)
	}
	return nil
}

// backfillClosures scans exchange order history for closures matching entry
// trades that have no realized PnL recorded yet. Each closure is persisted
// exactly once: the recorded-order-ID set dedupes within and across passes.
func (r *Reconciler) backfillClosures(ctx context.Context) error {
	entries, err := r.store.OpenEntries()
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	bySymbol := make(map[types.Symbol][]store.Trade)
	for _, e := range entries {
		bySymbol[types.Symbol(e.Symbol)] = append(bySymbol[types.Symbol(e.Symbol)], e)
	}

	var errs []error
	for symbol, symbolEntries := range bySymbol {
		if err := r.backfillSymbol(ctx, symbol, symbolEntries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) backfillSymbol(ctx context.Context, symbol types.Symbol, entries []store.Trade) error {
	recorded, err := r.store.RecordedOrderIDs(symbol)
	if err != nil {
		return err
	}
	history, err := r.source.GetHistoryOrders(ctx, symbol, historyScanLimit)
	if err != nil {
		return fmt.Errorf("history %s: %w", symbol, err)
	}

	for _, entry := range entries {
		closure, ok := matchClosure(history, types.Side(entry.Side), entry.Size, recorded)
		if !ok {
			continue
		}
		recorded[closure.OrderID] = true

		pnl := closure.RealizedPnl
		row := &store.Trade{
			OrderID:     closure.OrderID,
			Symbol:      string(symbol),
			Side:        entry.Side,
			Action:      string(types.ActionClose),
			Price:       closure.AvgPrice,
			Size:        closure.FilledSize,
			Winner:      entry.Winner,
			RealizedPnl: &pnl,
			RefOrderID:  entry.OrderID,
		}
		if err := r.store.SaveTrade(row); err != nil {
			if errors.Is(err, store.ErrDuplicateOrder) {
				continue
			}
			return fmt.Errorf("persist closure %s: %w", closure.OrderID, err)
		}

		if err := r.store.AddAttribution(entry.Winner, pnl); err != nil {
			r.logger.Warn("attribution update failed", "winner", entry.Winner, "error", err)
		}
		r.logger.Info("closure back-filled",
			"symbol", symbol,
			"entry_order", entry.OrderID,
			"close_order", closure.OrderID,
			"realized_pnl", pnl,
			"winner", entry.Winner,
		)
	}
	return nil
}

// matchClosure picks the unrecorded close order on the entry's side whose
// filled size is closest to the entry size.
func matchClosure(history []exchange.HistoryOrder, side types.Side, size float64, recorded map[string]bool) (exchange.HistoryOrder, bool) {
	var (
		best     exchange.HistoryOrder
		bestDiff = math.MaxFloat64
		found    bool
	)
	for _, order := range history {
		if !order.IsClose() || order.ClosedSide() != side || recorded[order.OrderID] {
			continue
		}
		diff := math.Abs(order.FilledSize - size)
		if diff < bestDiff {
			best, bestDiff, found = order, diff, true
		}
	}
	return best, found
}
