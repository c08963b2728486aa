package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/externalmodel"
	"signalrelay/src/model"
	"signalrelay/src/repository"
	"signalrelay/src/safety"
)

type rawSignalRepository interface {
	Create(ctx context.Context, signal *model.RawSignal) error
}

type openTradeRepository interface {
	Create(ctx context.Context, trade *model.StrategyOpenTrade) error
	Save(ctx context.Context, trade *model.StrategyOpenTrade) error
	UpdateFields(ctx context.Context, publicID string, fields map[string]interface{}) error
	FindByPublicID(ctx context.Context, publicID string) (*model.StrategyOpenTrade, error)
	FindMergeCandidate(ctx context.Context, symbol, exchange, side, fundManagerID string) (*model.StrategyOpenTrade, error)
	FindOppositeOpen(ctx context.Context, symbol, exchange, side, fundManagerID string) (*model.StrategyOpenTrade, error)
	FindLatestOpenForClose(ctx context.Context, symbol, exchange, side string) (*model.StrategyOpenTrade, error)
}

type strategyTradeRepository interface {
	ExistsForOpenTrade(ctx context.Context, openTradePublicID string) (bool, error)
	CloseAndRecord(ctx context.Context, openTrade *model.StrategyOpenTrade, trade *model.StrategyTrade) error
}

var (
	newRawSignalRepo = func() rawSignalRepository {
		return repository.NewRawSignalRepository()
	}
	newOpenTradeRepo = func() openTradeRepository {
		return repository.NewOpenTradeRepository()
	}
	newStrategyTradeRepo = func() strategyTradeRepository {
		return repository.NewStrategyTradeRepository()
	}
)

// SignalResult is what the webhook handler returns to the strategy.
type SignalResult struct {
	Success      bool                   `json:"success"`
	Message      string                 `json:"message"`
	PublicID     string                 `json:"public_id,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
}

func failure(msg string) *SignalResult {
	return &SignalResult{Success: false, Message: msg}
}

// SignalController drives the open/close state machine for webhook signals.
type SignalController struct {
	registry *connectors.Registry
	config   Config

	rawRepo    rawSignalRepository
	tradeRepo  openTradeRepository
	closedRepo strategyTradeRepository

	sleep func(time.Duration)
}

func NewSignalController(registry *connectors.Registry) *SignalController {
	return &SignalController{
		registry:   registry,
		config:     GetConfig(),
		rawRepo:    newRawSignalRepo(),
		tradeRepo:  newOpenTradeRepo(),
		closedRepo: newStrategyTradeRepo(),
		sleep:      time.Sleep,
	}
}

// HandleSignal persists the raw signal, then executes the open or close flow.
// The returned result is always non-nil; transport-level callers decide the
// HTTP status from it and from err.
func (c *SignalController) HandleSignal(ctx context.Context, sig *externalmodel.WebhookSignal) (*SignalResult, error) {
	payload, err := json.Marshal(sig)
	if err != nil {
		return failure("failed to serialize signal"), err
	}

	// The audit row is committed before anything else happens. Whatever the
	// order flow does afterwards, the input is on record.
	raw := &model.RawSignal{
		Payload:       string(payload),
		FundManagerID: sig.FundManagerID,
		ReceivedAt:    time.Now().UTC(),
	}
	if err := c.rawRepo.Create(ctx, raw); err != nil {
		return failure("failed to persist raw signal"), err
	}

	if sig.OrderType != "market" {
		logger.WithFields(map[string]interface{}{
			"raw_signal_id": raw.ID,
			"order_type":    sig.OrderType,
		}).Warn("rejecting non-market order type")
		return failure(fmt.Sprintf("unsupported order_type %q, only market is executable", sig.OrderType)), nil
	}

	entry, err := c.registry.Get(sig.Exchange)
	if err != nil {
		return failure(err.Error()), nil
	}

	switch sig.Mode {
	case externalmodel.SignalModeOpen:
		return c.handleOpen(ctx, entry, raw, sig)
	case externalmodel.SignalModeClose:
		return c.handleClose(ctx, entry, raw, sig)
	default:
		return failure(fmt.Sprintf("unknown mode %q", sig.Mode)), nil
	}
}

// placeOrderGuarded runs the safety-gate sequence around order placement:
// blocked check, one-shot mode verification, blocked re-check, then the order.
func (c *SignalController) placeOrderGuarded(entry *connectors.Entry, req connectors.OrderRequest) (*connectors.OrderResult, error) {
	if blocked, reason, until := entry.Gate.IsBlocked(); blocked {
		return nil, &safety.HoldError{Exchange: entry.Connector.Name(), Reason: reason, Until: until}
	}
	if err := entry.Gate.EnsurePositionModeOnce(entry.Connector, c.config.OneWayMode); err != nil {
		return nil, err
	}
	if blocked, reason, until := entry.Gate.IsBlocked(); blocked {
		return nil, &safety.HoldError{Exchange: entry.Connector.Name(), Reason: reason, Until: until}
	}
	return entry.Connector.PlaceOrder(req)
}

// positionSideFor returns the hedge-mode leg for order requests, empty in
// one-way mode.
func (c *SignalController) positionSideFor(side string) string {
	if c.config.OneWayMode {
		return ""
	}
	return side
}

// pollPositionChange re-reads the position until it differs from the snapshot
// taken before the order went out.
func (c *SignalController) pollPositionChange(conn connectors.Connector, symbol, side string, before *connectors.Position) (*connectors.Position, bool) {
	for attempt := 0; attempt < c.config.PollAttempts; attempt++ {
		c.sleep(c.config.PollDelay)

		pos, err := conn.GetOpenPosition(symbol, side)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"symbol":  symbol,
				"attempt": attempt + 1,
			}).WithError(err).Warn("position poll failed")
			continue
		}
		if pos.Amt != before.Amt || pos.Side != before.Side {
			return pos, true
		}
	}
	return before, false
}

func (c *SignalController) handleOpen(ctx context.Context, entry *connectors.Entry, raw *model.RawSignal, sig *externalmodel.WebhookSignal) (*SignalResult, error) {
	conn := entry.Connector

	side, err := CanonicalSide(sig.Side)
	if err != nil {
		return failure(err.Error()), nil
	}

	log := logger.WithFields(map[string]interface{}{
		"raw_signal_id": raw.ID,
		"exchange":      sig.Exchange,
		"symbol":        sig.Symbol,
		"side":          side,
	})

	// Leverage preflight is best effort: a rejection here must not stop the
	// order, the exchange will fall back to the account's current setting.
	if err := conn.SetLeverage(sig.Symbol, *sig.Leverage); err != nil {
		log.WithError(err).Warn("leverage preflight failed, continuing")
	}

	qty, err := conn.AdjustQuantity(sig.Symbol, sig.PositionSize)
	if err != nil {
		return failure(fmt.Sprintf("failed to quantize quantity: %v", err)), nil
	}

	// One-way accounts cannot hold both directions: an open signal against an
	// existing opposite trade is executed as a reduction of that trade.
	if c.config.OneWayMode {
		opposite, err := c.tradeRepo.FindOppositeOpen(ctx, sig.Symbol, sig.Exchange, side, sig.FundManagerID)
		if err != nil {
			return failure("failed to check for opposite position"), err
		}
		if opposite != nil {
			return c.handleImplicitReduce(ctx, entry, raw, sig, opposite)
		}
	}

	positionSide := c.positionSideFor(side)
	snapshotSide := positionSide

	before, err := conn.GetOpenPosition(sig.Symbol, snapshotSide)
	if err != nil {
		return failure(fmt.Sprintf("failed to snapshot position: %v", err)), nil
	}

	clientOrderID := fmt.Sprintf("sig_open_%d", raw.ID)
	order, err := c.placeOrderGuarded(entry, connectors.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          entryOrderSide(side),
		Quantity:      qty,
		ClientOrderID: clientOrderID,
		PositionSide:  positionSide,
	})
	if err != nil {
		var holdErr *safety.HoldError
		if errors.As(err, &holdErr) {
			return failure(holdErr.Error()), err
		}
		return failure(fmt.Sprintf("order placement failed: %v", err)), err
	}

	log = log.WithField("order_id", order.OrderID)

	// Ledger row: merge into the same-direction candidate when one exists,
	// otherwise insert a fresh pending trade.
	candidate, err := c.tradeRepo.FindMergeCandidate(ctx, sig.Symbol, sig.Exchange, side, sig.FundManagerID)
	if err != nil {
		return failure("failed to look up merge candidate"), err
	}

	sizeF := parseQty(qty)
	var trade *model.StrategyOpenTrade
	if candidate != nil {
		candidate.EntryPrice = WeightedEntryPrice(candidate.EntryPrice, candidate.Size, *sig.EntryPrice, sizeF)
		candidate.Size += sizeF
		candidate.Status = model.OpenTradeStatusPending
		candidate.ExchangeVerified = false
		if err := c.tradeRepo.Save(ctx, candidate); err != nil {
			return failure("failed to merge into existing trade"), err
		}
		trade = candidate
		log.WithField("public_id", trade.PublicID).Info("merged open into existing trade")
	} else {
		trade = &model.StrategyOpenTrade{
			PublicID:      uuid.NewString(),
			RawSignalID:   raw.ID,
			Symbol:        sig.Symbol,
			Exchange:      sig.Exchange,
			Side:          side,
			EntryPrice:    *sig.EntryPrice,
			Size:          sizeF,
			Leverage:      *sig.Leverage,
			FundManagerID: sig.FundManagerID,
			Status:        model.OpenTradeStatusPending,
		}
		if err := c.tradeRepo.Create(ctx, trade); err != nil {
			return failure("failed to create open trade"), err
		}
	}

	pos, changed := c.pollPositionChange(conn, sig.Symbol, snapshotSide, before)
	if !changed {
		log.Info("position unchanged after polling, leaving trade pending for verifier")
		return &SignalResult{
			Success:      true,
			Message:      "order accepted, pending exchange verification",
			PublicID:     trade.PublicID,
			ResponseData: order.Raw,
		}, nil
	}

	// Confirmed: sync the ledger to what the exchange actually holds.
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":            model.OpenTradeStatusOpen,
		"exchange_verified": true,
		"confirmed_at":      now,
		"last_checked_at":   now,
	}
	if pos.Amt > 0 {
		fields["size"] = pos.Amt
	}
	if pos.EntryPrice > 0 {
		fields["entry_price"] = pos.EntryPrice
	}
	if err := c.tradeRepo.UpdateFields(ctx, trade.PublicID, fields); err != nil {
		return failure("failed to confirm open trade"), err
	}

	log.WithField("public_id", trade.PublicID).Info("open trade confirmed against live position")
	return &SignalResult{
		Success:      true,
		Message:      "position opened",
		PublicID:     trade.PublicID,
		ResponseData: order.Raw,
	}, nil
}

// handleImplicitReduce turns an open signal that opposes the held direction
// into a reduction of the existing trade.
func (c *SignalController) handleImplicitReduce(
	ctx context.Context,
	entry *connectors.Entry,
	raw *model.RawSignal,
	sig *externalmodel.WebhookSignal,
	existing *model.StrategyOpenTrade,
) (*SignalResult, error) {

	conn := entry.Connector

	log := logger.WithFields(map[string]interface{}{
		"raw_signal_id": raw.ID,
		"public_id":     existing.PublicID,
		"symbol":        sig.Symbol,
	})
	log.Info("opposite open signal in one-way mode, reducing existing trade")

	before, err := conn.GetOpenPosition(sig.Symbol, "")
	if err != nil {
		return failure(fmt.Sprintf("failed to snapshot position: %v", err)), nil
	}

	// The reduction is bounded by what the exchange actually holds; the ledger
	// size can have drifted and is only the fallback.
	liveAmt := before.Amt
	if liveAmt <= 0 {
		liveAmt = existing.Size
	}
	reduceQty := minFloat(liveAmt, sig.PositionSize)
	qty, err := conn.AdjustQuantity(sig.Symbol, reduceQty)
	if err != nil {
		return failure(fmt.Sprintf("failed to quantize reduce quantity: %v", err)), nil
	}

	// The reducing leg exits at the exchange's entry price; the signal price
	// only applies when the exchange reports none.
	exitPrice := before.EntryPrice
	if exitPrice == 0 {
		exitPrice = *sig.EntryPrice
	}
	order, err := c.placeOrderGuarded(entry, connectors.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          closeOrderSide(existing.Side),
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: fmt.Sprintf("sig_reduce_%d", raw.ID),
	})
	if err != nil {
		var holdErr *safety.HoldError
		if errors.As(err, &holdErr) {
			return failure(holdErr.Error()), err
		}
		return failure(fmt.Sprintf("reduce order failed: %v", err)), err
	}

	pos, _ := c.pollPositionChange(conn, sig.Symbol, "", before)

	if pos.Side == connectors.PositionSideFlat || pos.Amt == 0 {
		if err := c.recordClose(ctx, existing, exitPrice, existing.Size); err != nil {
			return failure("failed to record closed trade"), err
		}
		log.Info("existing trade fully closed by implicit reduce")
		return &SignalResult{
			Success:      true,
			Message:      "opposite signal closed existing position",
			PublicID:     existing.PublicID,
			ResponseData: order.Raw,
		}, nil
	}

	// Partial reduce: sync the ledger to the live remainder.
	fields := map[string]interface{}{"size": pos.Amt}
	if pos.EntryPrice > 0 {
		fields["entry_price"] = pos.EntryPrice
	}
	if err := c.tradeRepo.UpdateFields(ctx, existing.PublicID, fields); err != nil {
		return failure("failed to sync reduced trade size"), err
	}

	log.WithField("remaining", pos.Amt).Info("existing trade partially reduced")
	return &SignalResult{
		Success:      true,
		Message:      "opposite signal reduced existing position",
		PublicID:     existing.PublicID,
		ResponseData: order.Raw,
	}, nil
}

func (c *SignalController) handleClose(ctx context.Context, entry *connectors.Entry, raw *model.RawSignal, sig *externalmodel.WebhookSignal) (*SignalResult, error) {
	conn := entry.Connector

	var trade *model.StrategyOpenTrade
	var err error

	if sig.PublicID != nil && *sig.PublicID != "" {
		trade, err = c.tradeRepo.FindByPublicID(ctx, *sig.PublicID)
	} else {
		sideFilter := ""
		if !c.config.OneWayMode {
			if sideFilter, err = CanonicalSide(sig.Side); err != nil {
				return failure(err.Error()), nil
			}
		}
		trade, err = c.tradeRepo.FindLatestOpenForClose(ctx, sig.Symbol, sig.Exchange, sideFilter)
	}
	if err != nil {
		return failure("failed to resolve trade for close"), err
	}
	if trade == nil || trade.IsTerminal() {
		// No exchange call on an unmatched close: there is nothing safe to do.
		logger.WithFields(map[string]interface{}{
			"raw_signal_id": raw.ID,
			"symbol":        sig.Symbol,
			"exchange":      sig.Exchange,
		}).Warn("close signal matched no open trade")
		return failure("no open trade found for close signal"), nil
	}

	log := logger.WithFields(map[string]interface{}{
		"raw_signal_id": raw.ID,
		"public_id":     trade.PublicID,
		"symbol":        trade.Symbol,
	})

	qty, err := conn.AdjustQuantity(trade.Symbol, trade.Size)
	if err != nil {
		return failure(fmt.Sprintf("failed to quantize close quantity: %v", err)), nil
	}

	positionSide := c.positionSideFor(trade.Side)
	before, err := conn.GetOpenPosition(trade.Symbol, positionSide)
	if err != nil {
		return failure(fmt.Sprintf("failed to snapshot position: %v", err)), nil
	}

	order, err := c.placeOrderGuarded(entry, connectors.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          closeOrderSide(trade.Side),
		Quantity:      qty,
		ReduceOnly:    c.config.OneWayMode,
		ClientOrderID: fmt.Sprintf("sig_close_%d", raw.ID),
		PositionSide:  positionSide,
	})
	if err != nil {
		var holdErr *safety.HoldError
		if errors.As(err, &holdErr) {
			return failure(holdErr.Error()), err
		}
		return failure(fmt.Sprintf("close order failed: %v", err)), err
	}

	pos, _ := c.pollPositionChange(conn, trade.Symbol, positionSide, before)

	if pos.Side == connectors.PositionSideFlat || pos.Amt == 0 {
		if err := c.recordClose(ctx, trade, *sig.ExitPrice, trade.Size); err != nil {
			return failure("failed to record closed trade"), err
		}
		log.Info("trade closed and recorded")
		return &SignalResult{
			Success:      true,
			Message:      "position closed",
			PublicID:     trade.PublicID,
			ResponseData: order.Raw,
		}, nil
	}

	// Residual position: sync the size, then keep re-reading for a bounded
	// window in case the fill just lagged the poll.
	if err := c.tradeRepo.UpdateFields(ctx, trade.PublicID, map[string]interface{}{
		"size": pos.Amt,
	}); err != nil {
		return failure("failed to sync trade size"), err
	}

	for attempt := 0; attempt < c.config.CloseReverifyAttempts; attempt++ {
		c.sleep(c.config.CloseReverifyDelay)

		recheck, err := conn.GetOpenPosition(trade.Symbol, positionSide)
		if err != nil {
			continue
		}
		if recheck.Side == connectors.PositionSideFlat || recheck.Amt == 0 {
			if err := c.recordClose(ctx, trade, *sig.ExitPrice, trade.Size); err != nil {
				return failure("failed to record closed trade"), err
			}
			log.WithField("attempt", attempt+1).Info("trade closed on reverify")
			return &SignalResult{
				Success:      true,
				Message:      "position closed",
				PublicID:     trade.PublicID,
				ResponseData: order.Raw,
			}, nil
		}
	}

	log.WithField("remaining", pos.Amt).Warn("position still open after close, verifier will reconcile")
	return &SignalResult{
		Success:      true,
		Message:      "close accepted, pending confirmation",
		PublicID:     trade.PublicID,
		ResponseData: order.Raw,
	}, nil
}

// recordClose writes the closed-trade ledger row (idempotently) and marks the
// open trade closed.
func (c *SignalController) recordClose(ctx context.Context, trade *model.StrategyOpenTrade, exitPrice, size float64) error {
	exists, err := c.closedRepo.ExistsForOpenTrade(ctx, trade.PublicID)
	if err != nil {
		return err
	}
	if exists {
		// The close was already recorded (e.g. by the verifier); just make
		// sure the open trade status agrees.
		return c.tradeRepo.UpdateFields(ctx, trade.PublicID, map[string]interface{}{
			"status": model.OpenTradeStatusClosed,
		})
	}

	closed := &model.StrategyTrade{
		OpenTradePublicID: trade.PublicID,
		Symbol:            trade.Symbol,
		Exchange:          trade.Exchange,
		Side:              trade.Side,
		EntryPrice:        trade.EntryPrice,
		ExitPrice:         exitPrice,
		Size:              size,
		Leverage:          trade.Leverage,
		RealizedPnl:       CalcRealizedPnl(trade.Side, trade.EntryPrice, exitPrice, size),
		FundManagerID:     trade.FundManagerID,
		OpenedAt:          trade.CreatedAt,
		ClosedAt:          time.Now().UTC(),
	}
	return c.closedRepo.CloseAndRecord(ctx, trade, closed)
}
