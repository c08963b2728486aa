package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// RawSignalRepository persists the immutable inbound signal audit trail.
type RawSignalRepository struct {
	db *gorm.DB
}

func NewRawSignalRepository() *RawSignalRepository {
	return &RawSignalRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions/transactions.
func (r *RawSignalRepository) WithDB(db *gorm.DB) *RawSignalRepository {
	return &RawSignalRepository{db: db}
}

// Create inserts and commits the raw signal. This runs on its own connection
// so the audit row survives whatever happens to the order afterwards.
func (r *RawSignalRepository) Create(ctx context.Context, signal *model.RawSignal) error {
	if err := r.db.WithContext(ctx).Create(signal).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "RawSignalRepository",
			"op":              "Create",
			"fund_manager_id": signal.FundManagerID,
		}).WithError(err).Error("Failed to persist raw signal")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":            "RawSignalRepository",
		"op":              "Create",
		"raw_signal_id":   signal.ID,
		"fund_manager_id": signal.FundManagerID,
	}).Debug("Raw signal persisted")
	return nil
}

// FindByID fetches a raw signal by primary key. Returns (nil, nil) if not found.
func (r *RawSignalRepository) FindByID(ctx context.Context, id uint) (*model.RawSignal, error) {
	var signal model.RawSignal

	err := r.db.WithContext(ctx).Where("id = ?", id).First(&signal).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil // not found is not an error
		}
		return nil, err
	}
	return &signal, nil
}
