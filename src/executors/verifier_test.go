package executors

import (
	"context"
	"strconv"
	"testing"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/model"
)

const testExchange = "binance_futures_testnet"

type fakeConnector struct {
	name      string
	positions map[string]connectors.Position
	income    *connectors.IncomeSummary
	incomeErr error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		name:      testExchange,
		positions: make(map[string]connectors.Position),
	}
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Endpoints() map[string]string {
	return map[string]string{
		connectors.EndpointTime:             "/time",
		connectors.EndpointPositionRisk:     "/positions",
		connectors.EndpointPositionSideDual: "/mode",
	}
}

func (f *fakeConnector) ServerTime() (int64, error) { return time.Now().UnixMilli(), nil }

func (f *fakeConnector) SymbolMeta(symbol string) (*connectors.SymbolMeta, error) {
	return &connectors.SymbolMeta{Symbol: symbol, StepSize: 0.001, TickSize: 0.1, MinQty: 0.001}, nil
}

func (f *fakeConnector) AdjustQuantity(symbol string, qty float64) (string, error) {
	return strconv.FormatFloat(qty, 'f', -1, 64), nil
}

func (f *fakeConnector) QuantizePrice(symbol string, px float64) (string, error) {
	return strconv.FormatFloat(px, 'f', -1, 64), nil
}

func (f *fakeConnector) SetLeverage(symbol string, leverage int) error { return nil }

func (f *fakeConnector) GetPositionMode() (bool, error) { return true, nil }

func (f *fakeConnector) SetPositionMode(oneWay bool) error { return nil }

func (f *fakeConnector) PlaceOrder(req connectors.OrderRequest) (*connectors.OrderResult, error) {
	return &connectors.OrderResult{OrderID: "1", Status: "NEW"}, nil
}

func (f *fakeConnector) QueryOrderStatus(symbol, orderID, clientOrderID string) (*connectors.OrderStatus, error) {
	return &connectors.OrderStatus{OrderID: orderID, Status: "FILLED"}, nil
}

func (f *fakeConnector) GetOpenPosition(symbol, side string) (*connectors.Position, error) {
	pos, ok := f.positions[symbol]
	if !ok {
		return &connectors.Position{Symbol: symbol, Side: connectors.PositionSideFlat}, nil
	}
	return &pos, nil
}

func (f *fakeConnector) GetOpenPositions() ([]connectors.Position, error) {
	out := make([]connectors.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (f *fakeConnector) GetBalance() ([]connectors.Balance, error) {
	return []connectors.Balance{{Asset: "USDT", Available: 1000, Total: 1000}}, nil
}

func (f *fakeConnector) GetUnrealized(symbol string) (float64, error) {
	return f.positions[symbol].UnrealizedPnl, nil
}

func (f *fakeConnector) IncomeSummary(symbol string, since time.Time) (*connectors.IncomeSummary, error) {
	if f.incomeErr != nil {
		return nil, f.incomeErr
	}
	if f.income != nil {
		return f.income, nil
	}
	return &connectors.IncomeSummary{Symbol: symbol, Since: since}, nil
}

type fakeVerifierTradeRepo struct {
	pending []model.StrategyOpenTrade
	open    []model.StrategyOpenTrade
	updates map[string][]map[string]interface{}
}

func newFakeVerifierTradeRepo() *fakeVerifierTradeRepo {
	return &fakeVerifierTradeRepo{updates: make(map[string][]map[string]interface{})}
}

func (f *fakeVerifierTradeRepo) FindPendingForVerification(ctx context.Context, exchange string, cooldown time.Duration) ([]model.StrategyOpenTrade, error) {
	return f.pending, nil
}

func (f *fakeVerifierTradeRepo) FindOpenByExchange(ctx context.Context, exchange string) ([]model.StrategyOpenTrade, error) {
	return f.open, nil
}

func (f *fakeVerifierTradeRepo) UpdateFields(ctx context.Context, publicID string, fields map[string]interface{}) error {
	f.updates[publicID] = append(f.updates[publicID], fields)
	return nil
}

type fakeVerifierClosedRepo struct {
	exists   bool
	recorded []*model.StrategyTrade
}

func (f *fakeVerifierClosedRepo) ExistsForOpenTrade(ctx context.Context, openTradePublicID string) (bool, error) {
	return f.exists, nil
}

func (f *fakeVerifierClosedRepo) CloseAndRecord(ctx context.Context, openTrade *model.StrategyOpenTrade, trade *model.StrategyTrade) error {
	f.recorded = append(f.recorded, trade)
	openTrade.Status = model.OpenTradeStatusClosed
	return nil
}

type verifierFixture struct {
	verifier   *Verifier
	conn       *fakeConnector
	tradeRepo  *fakeVerifierTradeRepo
	closedRepo *fakeVerifierClosedRepo
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	conn := newFakeConnector()
	registry := connectors.NewRegistry(testExchange)
	registry.Register(testExchange, conn)

	tradeRepo := newFakeVerifierTradeRepo()
	closedRepo := &fakeVerifierClosedRepo{}

	v := &Verifier{
		registry: registry,
		config: Config{
			VerifyInterval:          time.Second,
			PendingCooldown:         time.Second,
			MaxVerificationAttempts: 3,
			EntryPriceTolerance:     0.5,
			OneWayMode:              true,
		},
		tradeRepo:  tradeRepo,
		closedRepo: closedRepo,
	}

	return &verifierFixture{verifier: v, conn: conn, tradeRepo: tradeRepo, closedRepo: closedRepo}
}

func pendingTrade(publicID string) model.StrategyOpenTrade {
	return model.StrategyOpenTrade{
		PublicID:      publicID,
		Symbol:        "BTCUSDT",
		Exchange:      testExchange,
		Side:          model.SideLong,
		EntryPrice:    50000,
		Size:          0.002,
		Status:        model.OpenTradeStatusPending,
		FundManagerID: "fm-1",
	}
}

func TestVerifyPendingConfirmsMatchingPosition(t *testing.T) {
	fx := newVerifierFixture(t)
	fx.tradeRepo.pending = []model.StrategyOpenTrade{pendingTrade("p-1")}
	fx.conn.positions["BTCUSDT"] = connectors.Position{
		Symbol:     "BTCUSDT",
		Side:       connectors.PositionSideLong,
		Amt:        0.002,
		EntryPrice: 50000.3, // within tolerance
	}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	updates := fx.tradeRepo.updates["p-1"]
	if len(updates) == 0 {
		t.Fatalf("expected a confirmation update")
	}
	fields := updates[0]
	if fields["status"] != model.OpenTradeStatusOpen || fields["exchange_verified"] != true {
		t.Fatalf("unexpected confirmation fields: %+v", fields)
	}
	if fields["confirmed_at"] == nil {
		t.Fatalf("confirmation must stamp confirmed_at")
	}
}

func TestVerifyPendingIncrementsAttemptsOnMismatch(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("p-2")
	fx.tradeRepo.pending = []model.StrategyOpenTrade{trade}
	// No live position at all.

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	fields := fx.tradeRepo.updates["p-2"][0]
	if fields["verification_attempts"] != 1 {
		t.Fatalf("expected attempts=1, got %v", fields["verification_attempts"])
	}
	if _, hasStatus := fields["status"]; hasStatus {
		t.Fatalf("first mismatch must not change status")
	}
}

func TestVerifyPendingMarksFailedAtMaxAttempts(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("p-3")
	trade.VerificationAttempts = 2
	fx.tradeRepo.pending = []model.StrategyOpenTrade{trade}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	fields := fx.tradeRepo.updates["p-3"][0]
	if fields["status"] != model.OpenTradeStatusFailed {
		t.Fatalf("expected failed status at max attempts, got %+v", fields)
	}
	if fields["verification_attempts"] != 3 {
		t.Fatalf("expected attempts=3, got %v", fields["verification_attempts"])
	}
}

func TestVerifyPendingToleratesSubStepSizeDrift(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("p-5")
	trade.Size = 0.001 + 0.0005 + 0.0005 // merged legs, float sum
	fx.tradeRepo.pending = []model.StrategyOpenTrade{trade}
	fx.conn.positions["BTCUSDT"] = connectors.Position{
		Symbol:     "BTCUSDT",
		Side:       connectors.PositionSideLong,
		Amt:        0.002,
		EntryPrice: 50000,
	}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	fields := fx.tradeRepo.updates["p-5"][0]
	if fields["status"] != model.OpenTradeStatusOpen {
		t.Fatalf("size drift below the quantity step must still confirm: %+v", fields)
	}
}

func TestVerifyPendingRejectsFullStepSizeMismatch(t *testing.T) {
	fx := newVerifierFixture(t)
	fx.tradeRepo.pending = []model.StrategyOpenTrade{pendingTrade("p-6")}
	fx.conn.positions["BTCUSDT"] = connectors.Position{
		Symbol:     "BTCUSDT",
		Side:       connectors.PositionSideLong,
		Amt:        0.003, // a whole step above the ledger size
		EntryPrice: 50000,
	}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	fields := fx.tradeRepo.updates["p-6"][0]
	if fields["verification_attempts"] != 1 {
		t.Fatalf("a full-step size gap must count as mismatch: %+v", fields)
	}
}

func TestVerifyPendingEntryPriceOutsideTolerance(t *testing.T) {
	fx := newVerifierFixture(t)
	fx.tradeRepo.pending = []model.StrategyOpenTrade{pendingTrade("p-4")}
	fx.conn.positions["BTCUSDT"] = connectors.Position{
		Symbol:     "BTCUSDT",
		Side:       connectors.PositionSideLong,
		Amt:        0.002,
		EntryPrice: 50002, // off by 2, tolerance 0.5
	}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	fields := fx.tradeRepo.updates["p-4"][0]
	if fields["verification_attempts"] != 1 {
		t.Fatalf("entry drift beyond tolerance must count as mismatch: %+v", fields)
	}
}

func TestVerifyClosedRecordsExternalClose(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("c-1")
	trade.Status = model.OpenTradeStatusOpen
	confirmed := time.Now().Add(-time.Hour)
	trade.ConfirmedAt = &confirmed
	fx.tradeRepo.open = []model.StrategyOpenTrade{trade}
	// Flat on the exchange, income shows the realized result.
	fx.conn.income = &connectors.IncomeSummary{Symbol: "BTCUSDT", RealizedPnl: 2, Entries: 1}

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(fx.closedRepo.recorded) != 1 {
		t.Fatalf("expected the external close to be recorded")
	}
	closed := fx.closedRepo.recorded[0]
	if closed.RealizedPnl != 2 {
		t.Fatalf("expected realized pnl from income history, got %v", closed.RealizedPnl)
	}
	// Long: exit = entry + pnl/size = 50000 + 2/0.002.
	if closed.ExitPrice != 51000 {
		t.Fatalf("expected derived exit 51000, got %v", closed.ExitPrice)
	}
}

func TestVerifyClosedFixesStatusWhenAlreadyRecorded(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("c-2")
	trade.Status = model.OpenTradeStatusOpen
	fx.tradeRepo.open = []model.StrategyOpenTrade{trade}
	fx.closedRepo.exists = true

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(fx.closedRepo.recorded) != 0 {
		t.Fatalf("a recorded close must not be duplicated")
	}
	fields := fx.tradeRepo.updates["c-2"][0]
	if fields["status"] != model.OpenTradeStatusClosed {
		t.Fatalf("expected status fix to closed, got %+v", fields)
	}
}

func TestVerifyClosedBooksAtEntryWithoutIncome(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("c-3")
	trade.Status = model.OpenTradeStatusOpen
	fx.tradeRepo.open = []model.StrategyOpenTrade{trade}
	// Income summary returns zero entries.

	if err := fx.verifier.RunOnce(context.Background(), testExchange, "test"); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	closed := fx.closedRepo.recorded[0]
	if closed.RealizedPnl != 0 || closed.ExitPrice != trade.EntryPrice {
		t.Fatalf("without income the close books at entry with zero pnl: %+v", closed)
	}
}

func TestSyncUnrealizedUpdatesOpenTrades(t *testing.T) {
	fx := newVerifierFixture(t)
	trade := pendingTrade("u-1")
	trade.Status = model.OpenTradeStatusOpen
	fx.tradeRepo.open = []model.StrategyOpenTrade{trade}
	fx.conn.positions["BTCUSDT"] = connectors.Position{
		Symbol:        "BTCUSDT",
		Side:          connectors.PositionSideLong,
		Amt:           0.002,
		EntryPrice:    50000,
		UnrealizedPnl: 1.25,
	}

	log := logger.WithField("test", t.Name())
	if err := fx.verifier.syncUnrealized(context.Background(), fx.conn, log); err != nil {
		t.Fatalf("syncUnrealized failed: %v", err)
	}

	fields := fx.tradeRepo.updates["u-1"][0]
	if fields["unrealized_pnl"] != 1.25 {
		t.Fatalf("expected unrealized pnl sync, got %+v", fields)
	}
}
