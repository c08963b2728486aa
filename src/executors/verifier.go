package executors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/model"
	"signalrelay/src/repository"
)

type verifierTradeRepo interface {
	FindPendingForVerification(ctx context.Context, exchange string, cooldown time.Duration) ([]model.StrategyOpenTrade, error)
	FindOpenByExchange(ctx context.Context, exchange string) ([]model.StrategyOpenTrade, error)
	UpdateFields(ctx context.Context, publicID string, fields map[string]interface{}) error
}

type verifierClosedRepo interface {
	ExistsForOpenTrade(ctx context.Context, openTradePublicID string) (bool, error)
	CloseAndRecord(ctx context.Context, openTrade *model.StrategyOpenTrade, trade *model.StrategyTrade) error
}

var (
	newVerifierTradeRepo = func() verifierTradeRepo {
		return repository.NewOpenTradeRepository()
	}
	newVerifierClosedRepo = func() verifierClosedRepo {
		return repository.NewStrategyTradeRepository()
	}
)

// Verifier reconciles the trade ledger against live exchange positions:
// it confirms pending opens, detects externally closed positions, and keeps
// unrealized PnL current.
type Verifier struct {
	registry *connectors.Registry
	config   Config

	tradeRepo  verifierTradeRepo
	closedRepo verifierClosedRepo
}

func NewVerifier(registry *connectors.Registry) *Verifier {
	return &Verifier{
		registry:   registry,
		config:     GetConfig(),
		tradeRepo:  newVerifierTradeRepo(),
		closedRepo: newVerifierClosedRepo(),
	}
}

// StartLoop runs the verifier until ctx is cancelled.
func StartLoop(ctx context.Context, registry *connectors.Registry) error {
	v := NewVerifier(registry)

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(v.config.StartupDelay):
	}

	ticker := time.NewTicker(v.config.VerifyInterval)
	defer ticker.Stop()

	logger.WithFields(map[string]interface{}{
		"interval":  v.config.VerifyInterval.String(),
		"exchanges": registry.ActiveNames(),
	}).Info("verifier loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("verifier loop stopped")
			return nil

		case <-ticker.C:
			runID := uuid.NewString()[:8]
			for _, name := range registry.ActiveNames() {
				if err := v.RunOnce(ctx, name, runID); err != nil {
					logger.WithFields(map[string]interface{}{
						"exchange": name,
						"run_id":   runID,
					}).WithError(err).Error("verifier iteration failed")
				}
			}
		}
	}
}

// RunOnce executes the three verification passes for one exchange.
func (v *Verifier) RunOnce(ctx context.Context, exchange, runID string) error {
	entry, err := v.registry.Get(exchange)
	if err != nil {
		return err
	}
	conn := entry.Connector

	log := logger.WithFields(map[string]interface{}{
		"exchange": exchange,
		"run_id":   runID,
	})

	if err := v.verifyPending(ctx, conn, log); err != nil {
		return fmt.Errorf("pending pass failed: %w", err)
	}
	if err := v.verifyClosed(ctx, conn, log); err != nil {
		return fmt.Errorf("closed pass failed: %w", err)
	}
	if err := v.syncUnrealized(ctx, conn, log); err != nil {
		return fmt.Errorf("unrealized pass failed: %w", err)
	}
	return nil
}

// legSide returns the position leg to read for a trade: the trade's own side
// in hedge mode, any leg in one-way mode.
func (v *Verifier) legSide(trade *model.StrategyOpenTrade) string {
	if v.config.OneWayMode {
		return ""
	}
	return trade.Side
}

// positionMatches compares a live position against the ledger row: side must
// match, size within a fraction of the quantity step, entry price within
// tolerance. Merged trades sum floats and can sit a rounding error away from
// the exchange-parsed amount.
func (v *Verifier) positionMatches(conn connectors.Connector, pos *connectors.Position, trade *model.StrategyOpenTrade) bool {
	if pos.Side != trade.Side {
		return false
	}
	if math.Abs(pos.Amt-trade.Size) > v.sizeTolerance(conn, trade.Symbol) {
		return false
	}
	return math.Abs(pos.EntryPrice-trade.EntryPrice) <= v.config.EntryPriceTolerance
}

func (v *Verifier) sizeTolerance(conn connectors.Connector, symbol string) float64 {
	meta, err := conn.SymbolMeta(symbol)
	if err != nil || meta.StepSize <= 0 {
		return 1e-9
	}
	return meta.StepSize / 2
}

func (v *Verifier) verifyPending(ctx context.Context, conn connectors.Connector, log *logger.Entry) error {
	trades, err := v.tradeRepo.FindPendingForVerification(ctx, conn.Name(), v.config.PendingCooldown)
	if err != nil {
		return err
	}

	for i := range trades {
		trade := &trades[i]
		now := time.Now().UTC()

		pos, err := conn.GetOpenPosition(trade.Symbol, v.legSide(trade))
		if err != nil {
			log.WithFields(map[string]interface{}{
				"public_id": trade.PublicID,
				"symbol":    trade.Symbol,
			}).WithError(err).Warn("position read failed during pending verification")
			continue
		}

		if v.positionMatches(conn, pos, trade) {
			err := v.tradeRepo.UpdateFields(ctx, trade.PublicID, map[string]interface{}{
				"status":            model.OpenTradeStatusOpen,
				"exchange_verified": true,
				"confirmed_at":      now,
				"last_checked_at":   now,
			})
			if err != nil {
				return err
			}
			log.WithField("public_id", trade.PublicID).Info("pending trade verified against live position")
			continue
		}

		attempts := trade.VerificationAttempts + 1
		fields := map[string]interface{}{
			"verification_attempts": attempts,
			"last_checked_at":       now,
		}
		if attempts >= v.config.MaxVerificationAttempts {
			fields["status"] = model.OpenTradeStatusFailed
			log.WithFields(map[string]interface{}{
				"public_id": trade.PublicID,
				"attempts":  attempts,
			}).Warn("pending trade failed verification, marking failed")
		}
		if err := v.tradeRepo.UpdateFields(ctx, trade.PublicID, fields); err != nil {
			return err
		}
	}
	return nil
}

// verifyClosed detects open trades whose exchange position has disappeared
// and records the close, unless a closed-trade row already exists.
func (v *Verifier) verifyClosed(ctx context.Context, conn connectors.Connector, log *logger.Entry) error {
	trades, err := v.tradeRepo.FindOpenByExchange(ctx, conn.Name())
	if err != nil {
		return err
	}

	for i := range trades {
		trade := &trades[i]

		pos, err := conn.GetOpenPosition(trade.Symbol, v.legSide(trade))
		if err != nil {
			log.WithFields(map[string]interface{}{
				"public_id": trade.PublicID,
				"symbol":    trade.Symbol,
			}).WithError(err).Warn("position read failed during closed verification")
			continue
		}
		if pos.Amt != 0 && pos.Side != connectors.PositionSideFlat {
			continue
		}

		exists, err := v.closedRepo.ExistsForOpenTrade(ctx, trade.PublicID)
		if err != nil {
			return err
		}
		if exists {
			// The close is already on record; only the status was stale.
			if err := v.tradeRepo.UpdateFields(ctx, trade.PublicID, map[string]interface{}{
				"status": model.OpenTradeStatusClosed,
			}); err != nil {
				return err
			}
			log.WithField("public_id", trade.PublicID).Info("stale open status fixed for recorded close")
			continue
		}

		realized, exitPrice := v.resolveCloseEconomics(conn, trade)
		closed := &model.StrategyTrade{
			OpenTradePublicID: trade.PublicID,
			Symbol:            trade.Symbol,
			Exchange:          trade.Exchange,
			Side:              trade.Side,
			EntryPrice:        trade.EntryPrice,
			ExitPrice:         exitPrice,
			Size:              trade.Size,
			Leverage:          trade.Leverage,
			RealizedPnl:       realized,
			FundManagerID:     trade.FundManagerID,
			OpenedAt:          trade.CreatedAt,
			ClosedAt:          time.Now().UTC(),
		}
		if err := v.closedRepo.CloseAndRecord(ctx, trade, closed); err != nil {
			return err
		}
		log.WithFields(map[string]interface{}{
			"public_id":    trade.PublicID,
			"realized_pnl": realized,
		}).Info("externally closed position recorded")
	}
	return nil
}

// resolveCloseEconomics derives realized PnL for a close the system did not
// execute itself. The exchange income history since confirmation is the
// source of truth; when it is unavailable the exit is booked at entry with
// zero PnL and the income pass can be re-run manually.
func (v *Verifier) resolveCloseEconomics(conn connectors.Connector, trade *model.StrategyOpenTrade) (float64, float64) {
	since := trade.CreatedAt
	if trade.ConfirmedAt != nil {
		since = *trade.ConfirmedAt
	}

	summary, err := conn.IncomeSummary(trade.Symbol, since)
	if err != nil || summary.Entries == 0 {
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"public_id": trade.PublicID,
				"symbol":    trade.Symbol,
			}).WithError(err).Warn("income summary unavailable, booking close at entry price")
		}
		return 0, trade.EntryPrice
	}

	realized := summary.RealizedPnl
	exitPrice := trade.EntryPrice
	if trade.Size > 0 {
		perUnit := realized / trade.Size
		if trade.Side == model.SideShort {
			exitPrice = trade.EntryPrice - perUnit
		} else {
			exitPrice = trade.EntryPrice + perUnit
		}
	}
	return realized, exitPrice
}

// syncUnrealized refreshes unrealized PnL on confirmed-open trades.
func (v *Verifier) syncUnrealized(ctx context.Context, conn connectors.Connector, log *logger.Entry) error {
	trades, err := v.tradeRepo.FindOpenByExchange(ctx, conn.Name())
	if err != nil {
		return err
	}

	for i := range trades {
		trade := &trades[i]

		pos, err := conn.GetOpenPosition(trade.Symbol, v.legSide(trade))
		if err != nil {
			continue
		}
		if pos.Amt == 0 {
			continue
		}

		if err := v.tradeRepo.UpdateFields(ctx, trade.PublicID, map[string]interface{}{
			"unrealized_pnl":  pos.UnrealizedPnl,
			"last_checked_at": time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}
