// Package store persists trades, performance snapshots, and analyst
// attribution in a SQLite database via gorm.
//
// Trade rows are written once per order: entries when the executor confirms
// acceptance, closures when the reconciler back-fills realized PnL from
// exchange history. A unique constraint on the exchange order ID makes
// duplicate inserts impossible, so a reconciliation pass can be re-run
// safely. Closure rows reference the opening trade's order ID and always
// carry a realized PnL value (possibly zero, never missing).
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perp-trader/pkg/types"
)

// PortfolioID names one logical portfolio. The engine trades a single
// portfolio; the type exists so the ID is never a stray magic string.
type PortfolioID string

// DefaultPortfolio is the engine's own portfolio.
const DefaultPortfolio PortfolioID = "autonomous"

// ErrDuplicateOrder is returned when a trade with the same exchange order
// ID was already recorded.
var ErrDuplicateOrder = errors.New("store: duplicate order id")

// Trade is one persisted trade row. Entries have RealizedPnl nil and
// RefOrderID empty; closures set both.
type Trade struct {
	ID            uint   `gorm:"primaryKey"`
	PortfolioID   string `gorm:"index"`
	OrderID       string `gorm:"uniqueIndex"`
	ClientOrderID string
	Symbol        string `gorm:"index"`
	Side          string // LONG or SHORT
	Action        string // BUY, SELL, CLOSE, REDUCE
	Price         float64
	Size          float64
	Leverage      int
	Winner        string
	Confidence    float64
	ExitPlan      string
	Rationale     string
	RealizedPnl   *float64 // nil for entries, set on closures
	RefOrderID    string   `gorm:"index"` // closure → opening trade's order id
	CreatedAt     time.Time
}

// PerformanceSnapshot is a periodic record of account state.
type PerformanceSnapshot struct {
	ID          uint   `gorm:"primaryKey"`
	PortfolioID string `gorm:"index"`
	Balance     float64
	Equity      float64
	DayPnlPct   float64
	WeekPnlPct  float64
	CreatedAt   time.Time
}

// ChampionStat accumulates realized PnL per analyst.
type ChampionStat struct {
	ID          uint   `gorm:"primaryKey"`
	AnalystID   string `gorm:"uniqueIndex"`
	RealizedPnl float64
	Wins        int
	Losses      int
	UpdatedAt   time.Time
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the SQLite database and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(&Trade{}, &PerformanceSnapshot{}, &ChampionStat{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTrade inserts one trade row. Returns ErrDuplicateOrder when the
// exchange order ID was already recorded.
func (s *Store) SaveTrade(t *Trade) error {
	if t.PortfolioID == "" {
		t.PortfolioID = string(DefaultPortfolio)
	}
	if err := s.db.Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, t.OrderID)
		}
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RecordedOrderIDs returns the set of exchange order IDs already persisted
// for a symbol. The reconciler uses it to skip closures seen in a prior pass.
func (s *Store) RecordedOrderIDs(symbol types.Symbol) (map[string]bool, error) {
	var ids []string
	err := s.db.Model(&Trade{}).
		Where("symbol = ?", string(symbol)).
		Pluck("order_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("recorded order ids: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// OpenEntries returns entry trades that no closure row references yet.
func (s *Store) OpenEntries() ([]Trade, error) {
	var entries []Trade
	err := s.db.
		Where("realized_pnl IS NULL AND action IN ?", []string{string(types.ActionBuy), string(types.ActionSell)}).
		Where("order_id NOT IN (?)", s.db.Model(&Trade{}).Select("ref_order_id").Where("ref_order_id <> ''")).
		Order("created_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("open entries: %w", err)
	}
	return entries, nil
}

// DailyTradeCount counts entry trades recorded since the start of the
// current UTC day.
func (s *Store) DailyTradeCount(portfolio PortfolioID) (int, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int64
	err := s.db.Model(&Trade{}).
		Where("portfolio_id = ? AND action IN ? AND created_at >= ?",
			string(portfolio), []string{string(types.ActionBuy), string(types.ActionSell)}, dayStart).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("daily trade count: %w", err)
	}
	return int(count), nil
}

// LastEntryTime returns the timestamp of the most recent entry trade on
// (symbol, side).
func (s *Store) LastEntryTime(symbol types.Symbol, side types.Side) (time.Time, bool, error) {
	var trade Trade
	err := s.db.
		Where("symbol = ? AND side = ? AND action IN ?",
			string(symbol), string(side), []string{string(types.ActionBuy), string(types.ActionSell)}).
		Order("created_at desc").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last entry time: %w", err)
	}
	return trade.CreatedAt, true, nil
}

// RealizedPnlSince sums realized PnL across closures recorded after since.
func (s *Store) RealizedPnlSince(portfolio PortfolioID, since time.Time) (float64, error) {
	var total *float64
	err := s.db.Model(&Trade{}).
		Where("portfolio_id = ? AND realized_pnl IS NOT NULL AND created_at >= ?", string(portfolio), since).
		Select("SUM(realized_pnl)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("realized pnl since: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// SavePerformanceSnapshot records one account-state snapshot.
func (s *Store) SavePerformanceSnapshot(snap *PerformanceSnapshot) error {
	if snap.PortfolioID == "" {
		snap.PortfolioID = string(DefaultPortfolio)
	}
	if err := s.db.Create(snap).Error; err != nil {
		return fmt.Errorf("save performance snapshot: %w", err)
	}
	return nil
}

// AddAttribution credits realized PnL to the analyst who opened the trade.
func (s *Store) AddAttribution(analystID string, pnl float64) error {
	if analystID == "" || analystID == types.WinnerNone {
		return nil
	}

	var stat ChampionStat
	err := s.db.Where("analyst_id = ?", analystID).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stat = ChampionStat{AnalystID: analystID}
	} else if err != nil {
		return fmt.Errorf("load champion stat: %w", err)
	}

	stat.RealizedPnl += pnl
	if pnl >= 0 {
		stat.Wins++
	} else {
		stat.Losses++
	}
	stat.UpdatedAt = time.Now()

	if err := s.db.Save(&stat).Error; err != nil {
		return fmt.Errorf("save champion stat: %w", err)
	}
	return nil
}

// ChampionStats returns attribution totals for all analysts.
func (s *Store) ChampionStats() ([]ChampionStat, error) {
	var stats []ChampionStat
	if err := s.db.Order("realized_pnl desc").Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("champion stats: %w", err)
	}
	return stats, nil
}
