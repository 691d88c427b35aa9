package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"perp-trader/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entryTrade(orderID string) *Trade {
	return &Trade{
		OrderID:       orderID,
		ClientOrderID: "c-" + orderID,
		Symbol:        "BTCUSDT",
		Side:          string(types.Long),
		Action:        string(types.ActionBuy),
		Price:         64000,
		Size:          0.01,
		Leverage:      5,
		Winner:        "alpha",
		Confidence:    78,
	}
}

func TestSaveTradeRejectsDuplicateOrderID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveTrade(entryTrade("ord-1")); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	err := s.SaveTrade(entryTrade("ord-1"))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("second save = %v, want ErrDuplicateOrder", err)
	}
}

func TestOpenEntriesExcludesClosed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveTrade(entryTrade("ord-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTrade(entryTrade("ord-2")); err != nil {
		t.Fatal(err)
	}

	pnl := 12.5
	closure := &Trade{
		OrderID:     "ord-close-1",
		Symbol:      "BTCUSDT",
		Side:        string(types.Long),
		Action:      string(types.ActionClose),
		Price:       65250,
		Size:        0.01,
		Winner:      "alpha",
		RealizedPnl: &pnl,
		RefOrderID:  "ord-1",
	}
	if err := s.SaveTrade(closure); err != nil {
		t.Fatal(err)
	}

	open, err := s.OpenEntries()
	if err != nil {
		t.Fatalf("OpenEntries: %v", err)
	}
	if len(open) != 1 || open[0].OrderID != "ord-2" {
		t.Errorf("open entries = %+v, want only ord-2", open)
	}
}

func TestRecordedOrderIDs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveTrade(entryTrade("ord-1")); err != nil {
		t.Fatal(err)
	}
	other := entryTrade("ord-eth")
	other.Symbol = "ETHUSDT"
	if err := s.SaveTrade(other); err != nil {
		t.Fatal(err)
	}

	ids, err := s.RecordedOrderIDs("BTCUSDT")
	if err != nil {
		t.Fatalf("RecordedOrderIDs: %v", err)
	}
	if !ids["ord-1"] || ids["ord-eth"] {
		t.Errorf("ids = %v, want BTCUSDT orders only", ids)
	}
}

func TestDailyTradeCountEntriesOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveTrade(entryTrade("ord-1")); err != nil {
		t.Fatal(err)
	}
	pnl := -3.0
	if err := s.SaveTrade(&Trade{
		OrderID:     "ord-close",
		Symbol:      "BTCUSDT",
		Side:        string(types.Long),
		Action:      string(types.ActionClose),
		RealizedPnl: &pnl,
		RefOrderID:  "ord-1",
	}); err != nil {
		t.Fatal(err)
	}

	count, err := s.DailyTradeCount(DefaultPortfolio)
	if err != nil {
		t.Fatalf("DailyTradeCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (closures excluded)", count)
	}
}

func TestLastEntryTimePerSymbolSide(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveTrade(entryTrade("ord-1")); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.LastEntryTime("BTCUSDT", types.Long); err != nil || !ok {
		t.Errorf("LastEntryTime long = ok=%v err=%v, want found", ok, err)
	}
	if _, ok, err := s.LastEntryTime("BTCUSDT", types.Short); err != nil || ok {
		t.Errorf("LastEntryTime short = ok=%v err=%v, want not found", ok, err)
	}
}

func TestRealizedPnlSince(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i, pnl := range []float64{10, -4} {
		p := pnl
		if err := s.SaveTrade(&Trade{
			OrderID:     "ord-close-" + string(rune('a'+i)),
			Symbol:      "BTCUSDT",
			Side:        string(types.Long),
			Action:      string(types.ActionClose),
			RealizedPnl: &p,
			RefOrderID:  "ord-x",
		}); err != nil {
			t.Fatal(err)
		}
	}

	total, err := s.RealizedPnlSince(DefaultPortfolio, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("RealizedPnlSince: %v", err)
	}
	if total != 6 {
		t.Errorf("total = %v, want 6", total)
	}

	// Empty window sums to zero, not an error.
	total, err = s.RealizedPnlSince(DefaultPortfolio, time.Now().Add(time.Hour))
	if err != nil || total != 0 {
		t.Errorf("future window = %v, %v, want 0, nil", total, err)
	}
}

func TestAttributionAccumulates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.AddAttribution("alpha", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAttribution("alpha", -4); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAttribution(types.WinnerNone, 99); err != nil {
		t.Fatal(err)
	}

	stats, err := s.ChampionStats()
	if err != nil {
		t.Fatalf("ChampionStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %+v, want one analyst (NONE ignored)", stats)
	}
	got := stats[0]
	if got.AnalystID != "alpha" || got.RealizedPnl != 6 || got.Wins != 1 || got.Losses != 1 {
		t.Errorf("stat = %+v, want alpha pnl=6 wins=1 losses=1", got)
	}
}
