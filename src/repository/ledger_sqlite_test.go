package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signalrelay/src/model"
)

// newSQLiteDB runs the ledger against an in-memory database so the query
// semantics (merge lookups, close recording) are exercised end to end.
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database round-trip tests in short mode")
	}

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.RawSignal{},
		&model.StrategyOpenTrade{},
		&model.StrategyTrade{},
	))

	t.Cleanup(func() {
		db.Exec("DELETE FROM strategy_trades")
		db.Exec("DELETE FROM strategy_open_trades")
		db.Exec("DELETE FROM raw_signals")
	})
	return db
}

func seedOpenTrade(t *testing.T, db *gorm.DB, publicID, side, status string, createdAt time.Time) *model.StrategyOpenTrade {
	t.Helper()

	trade := &model.StrategyOpenTrade{
		PublicID:      publicID,
		Symbol:        "BTCUSDT",
		Exchange:      "binance_futures_testnet",
		Side:          side,
		EntryPrice:    50000,
		Size:          0.002,
		Leverage:      10,
		FundManagerID: "fm-1",
		Status:        status,
		CreatedAt:     createdAt,
	}
	require.NoError(t, db.Create(trade).Error)
	return trade
}

func TestLedgerMergeCandidateLookup(t *testing.T) {
	db := newSQLiteDB(t)
	repo := (&OpenTradeRepository{}).WithDB(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	seedOpenTrade(t, db, "older", model.SideLong, model.OpenTradeStatusOpen, base)
	newest := seedOpenTrade(t, db, "newest", model.SideLong, model.OpenTradeStatusPending, base.Add(time.Minute))
	seedOpenTrade(t, db, "closed", model.SideLong, model.OpenTradeStatusClosed, base.Add(2*time.Minute))
	seedOpenTrade(t, db, "short-side", model.SideShort, model.OpenTradeStatusOpen, base.Add(3*time.Minute))

	found, err := repo.FindMergeCandidate(ctx, "BTCUSDT", "binance_futures_testnet", model.SideLong, "fm-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, newest.PublicID, found.PublicID, "newest non-terminal same-side trade wins")

	none, err := repo.FindMergeCandidate(ctx, "ETHUSDT", "binance_futures_testnet", model.SideLong, "fm-1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestLedgerOppositeOpenLookup(t *testing.T) {
	db := newSQLiteDB(t)
	repo := (&OpenTradeRepository{}).WithDB(db)
	ctx := context.Background()

	seedOpenTrade(t, db, "held-long", model.SideLong, model.OpenTradeStatusOpen, time.Now().Add(-time.Minute))

	opposite, err := repo.FindOppositeOpen(ctx, "BTCUSDT", "binance_futures_testnet", model.SideShort, "fm-1")
	require.NoError(t, err)
	require.NotNil(t, opposite)
	require.Equal(t, "held-long", opposite.PublicID)

	same, err := repo.FindOppositeOpen(ctx, "BTCUSDT", "binance_futures_testnet", model.SideLong, "fm-1")
	require.NoError(t, err)
	require.Nil(t, same, "no short trade exists to oppose a long signal")
}

func TestLedgerCloseAndRecordIsAtomicAndUnique(t *testing.T) {
	db := newSQLiteDB(t)
	openRepo := (&OpenTradeRepository{}).WithDB(db)
	closedRepo := (&StrategyTradeRepository{}).WithDB(db)
	ctx := context.Background()

	trade := seedOpenTrade(t, db, "to-close", model.SideLong, model.OpenTradeStatusOpen, time.Now().Add(-time.Hour))

	exists, err := closedRepo.ExistsForOpenTrade(ctx, trade.PublicID)
	require.NoError(t, err)
	require.False(t, exists)

	closed := &model.StrategyTrade{
		OpenTradePublicID: trade.PublicID,
		Symbol:            trade.Symbol,
		Exchange:          trade.Exchange,
		Side:              trade.Side,
		EntryPrice:        trade.EntryPrice,
		ExitPrice:         51000,
		Size:              trade.Size,
		Leverage:          trade.Leverage,
		RealizedPnl:       2,
		FundManagerID:     trade.FundManagerID,
		OpenedAt:          trade.CreatedAt,
		ClosedAt:          time.Now().UTC(),
	}
	require.NoError(t, closedRepo.CloseAndRecord(ctx, trade, closed))

	exists, err = closedRepo.ExistsForOpenTrade(ctx, trade.PublicID)
	require.NoError(t, err)
	require.True(t, exists)

	reloaded, err := openRepo.FindByPublicID(ctx, trade.PublicID)
	require.NoError(t, err)
	require.Equal(t, model.OpenTradeStatusClosed, reloaded.Status)

	// The unique index is the last line of defense against double recording.
	dup := *closed
	dup.ID = 0
	require.Error(t, db.Create(&dup).Error)
}

func TestLedgerPendingVerificationWindow(t *testing.T) {
	db := newSQLiteDB(t)
	repo := (&OpenTradeRepository{}).WithDB(db)
	ctx := context.Background()

	stale := seedOpenTrade(t, db, "stale", model.SideLong, model.OpenTradeStatusPending, time.Now().Add(-time.Hour))
	staleChecked := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(stale).Update("last_checked_at", staleChecked).Error)

	fresh := seedOpenTrade(t, db, "fresh", model.SideLong, model.OpenTradeStatusPending, time.Now())
	freshChecked := time.Now()
	require.NoError(t, db.Model(fresh).Update("last_checked_at", freshChecked).Error)

	seedOpenTrade(t, db, "never-checked", model.SideShort, model.OpenTradeStatusPending, time.Now().Add(-time.Minute))

	trades, err := repo.FindPendingForVerification(ctx, "binance_futures_testnet", 5*time.Second)
	require.NoError(t, err)

	ids := make([]string, 0, len(trades))
	for _, trade := range trades {
		ids = append(ids, trade.PublicID)
	}
	require.ElementsMatch(t, []string{"stale", "never-checked"}, ids)
}
