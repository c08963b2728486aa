package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// StrategyTradeRepository handles the closed-trade ledger.
type StrategyTradeRepository struct {
	db *gorm.DB
}

func NewStrategyTradeRepository() *StrategyTradeRepository {
	return &StrategyTradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions/transactions.
func (r *StrategyTradeRepository) WithDB(db *gorm.DB) *StrategyTradeRepository {
	return &StrategyTradeRepository{db: db}
}

// ExistsForOpenTrade reports whether a closed-trade row already references the
// open trade. The caller must check this before inserting; the unique index
// on open_trade_public_id is the last line of defense.
func (r *StrategyTradeRepository) ExistsForOpenTrade(ctx context.Context, openTradePublicID string) (bool, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&model.StrategyTrade{}).
		Where("open_trade_public_id = ?", openTradePublicID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CloseAndRecord atomically inserts the closed-trade row and marks the open
// trade as closed.
func (r *StrategyTradeRepository) CloseAndRecord(
	ctx context.Context,
	openTrade *model.StrategyOpenTrade,
	trade *model.StrategyTrade,
) error {

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}

		return tx.Model(&model.StrategyOpenTrade{}).
			Where("public_id = ?", openTrade.PublicID).
			Updates(map[string]interface{}{
				"status":     model.OpenTradeStatusClosed,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "StrategyTradeRepository",
			"op":        "CloseAndRecord",
			"public_id": openTrade.PublicID,
		}).WithError(err).Error("Failed to record closed trade")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":         "StrategyTradeRepository",
		"op":           "CloseAndRecord",
		"public_id":    openTrade.PublicID,
		"realized_pnl": trade.RealizedPnl,
	}).Info("Closed trade recorded")
	return nil
}
