package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// OpenTradeRepository handles the strategy_open_trades ledger.
type OpenTradeRepository struct {
	db *gorm.DB
}

func NewOpenTradeRepository() *OpenTradeRepository {
	return &OpenTradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions/transactions.
func (r *OpenTradeRepository) WithDB(db *gorm.DB) *OpenTradeRepository {
	return &OpenTradeRepository{db: db}
}

func (r *OpenTradeRepository) Create(ctx context.Context, trade *model.StrategyOpenTrade) error {
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OpenTradeRepository",
			"op":        "Create",
			"public_id": trade.PublicID,
			"symbol":    trade.Symbol,
			"exchange":  trade.Exchange,
		}).WithError(err).Error("Failed to create open trade")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "OpenTradeRepository",
		"op":        "Create",
		"public_id": trade.PublicID,
		"status":    trade.Status,
	}).Info("Open trade created")
	return nil
}

func (r *OpenTradeRepository) Save(ctx context.Context, trade *model.StrategyOpenTrade) error {
	if err := r.db.WithContext(ctx).Save(trade).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OpenTradeRepository",
			"op":        "Save",
			"public_id": trade.PublicID,
		}).WithError(err).Error("Failed to save open trade")
		return err
	}
	return nil
}

// UpdateFields applies a partial update to a trade by public ID.
func (r *OpenTradeRepository) UpdateFields(ctx context.Context, publicID string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).
		Model(&model.StrategyOpenTrade{}).
		Where("public_id = ?", publicID).
		Updates(fields).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OpenTradeRepository",
			"op":        "UpdateFields",
			"public_id": publicID,
		}).WithError(err).Error("Failed to update open trade")
		return err
	}
	return nil
}

// FindByPublicID fetches a trade by public ID. Returns (nil, nil) if not found.
func (r *OpenTradeRepository) FindByPublicID(ctx context.Context, publicID string) (*model.StrategyOpenTrade, error) {
	var trade model.StrategyOpenTrade

	err := r.db.WithContext(ctx).
		Where("public_id = ?", publicID).
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // not found is not an error
		}
		return nil, err
	}
	return &trade, nil
}

// FindMergeCandidate looks for an existing pending or open trade with the same
// symbol, exchange, side and fund manager that a new open signal can merge into.
func (r *OpenTradeRepository) FindMergeCandidate(
	ctx context.Context,
	symbol, exchange, side, fundManagerID string,
) (*model.StrategyOpenTrade, error) {

	var trade model.StrategyOpenTrade

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND exchange = ? AND side = ? AND fund_manager_id = ?",
			symbol, exchange, side, fundManagerID).
		Where("status IN ?", []string{model.OpenTradeStatusPending, model.OpenTradeStatusOpen}).
		Order("created_at DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// FindOppositeOpen returns the latest pending or open trade on the other side
// of the book for the same symbol, exchange and fund manager.
func (r *OpenTradeRepository) FindOppositeOpen(
	ctx context.Context,
	symbol, exchange, side, fundManagerID string,
) (*model.StrategyOpenTrade, error) {

	opposite := model.SideShort
	if side == model.SideShort {
		opposite = model.SideLong
	}
	return r.FindMergeCandidate(ctx, symbol, exchange, opposite, fundManagerID)
}

// FindLatestOpenForClose resolves the trade a close signal targets when no
// public ID is given. Side narrows the match in hedge mode; pass "" otherwise.
func (r *OpenTradeRepository) FindLatestOpenForClose(
	ctx context.Context,
	symbol, exchange, side string,
) (*model.StrategyOpenTrade, error) {

	q := r.db.WithContext(ctx).
		Where("symbol = ? AND exchange = ?", symbol, exchange).
		Where("status IN ?", []string{model.OpenTradeStatusPending, model.OpenTradeStatusOpen})
	if side != "" {
		q = q.Where("side = ?", side)
	}

	var trade model.StrategyOpenTrade
	err := q.Order("created_at DESC").First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// FindPendingForVerification returns pending trades on an exchange whose last
// check is older than the cooldown (or that were never checked).
func (r *OpenTradeRepository) FindPendingForVerification(
	ctx context.Context,
	exchange string,
	cooldown time.Duration,
) ([]model.StrategyOpenTrade, error) {

	cutoff := time.Now().Add(-cooldown)

	var trades []model.StrategyOpenTrade
	err := r.db.WithContext(ctx).
		Where("exchange = ? AND status = ?", exchange, model.OpenTradeStatusPending).
		Where("last_checked_at IS NULL OR last_checked_at < ?", cutoff).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OpenTradeRepository",
			"op":       "FindPendingForVerification",
			"exchange": exchange,
		}).WithError(err).Error("Failed to list pending trades")
		return nil, err
	}
	return trades, nil
}

// FindOpenByExchange returns all confirmed-open trades on an exchange.
func (r *OpenTradeRepository) FindOpenByExchange(ctx context.Context, exchange string) ([]model.StrategyOpenTrade, error) {
	var trades []model.StrategyOpenTrade

	err := r.db.WithContext(ctx).
		Where("exchange = ? AND status = ?", exchange, model.OpenTradeStatusOpen).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OpenTradeRepository",
			"op":       "FindOpenByExchange",
			"exchange": exchange,
		}).WithError(err).Error("Failed to list open trades")
		return nil, err
	}
	return trades, nil
}
