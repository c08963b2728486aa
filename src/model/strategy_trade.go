package model

import "time"

// StrategyTrade is the closed-trade ledger row. At most one exists per
// StrategyOpenTrade public ID; callers must check before inserting.
type StrategyTrade struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	OpenTradePublicID string    `gorm:"size:36;uniqueIndex;not null" json:"open_trade_public_id"`
	Symbol            string    `gorm:"size:30;index;not null" json:"symbol"`
	Exchange          string    `gorm:"size:40;index;not null" json:"exchange"`
	Side              string    `gorm:"size:10;not null" json:"side"`
	EntryPrice        float64   `gorm:"type:numeric(18,8);not null" json:"entry_price"`
	ExitPrice         float64   `gorm:"type:numeric(18,8);not null" json:"exit_price"`
	Size              float64   `gorm:"type:numeric(18,8);not null" json:"size"`
	Leverage          int       `gorm:"not null" json:"leverage"`
	RealizedPnl       float64   `gorm:"type:numeric(18,8)" json:"realized_pnl"`
	FundManagerID     string    `gorm:"size:100;index;not null" json:"fund_manager_id"`
	OpenedAt          time.Time `json:"opened_at"`
	ClosedAt          time.Time `json:"closed_at"`
	CreatedAt         time.Time `json:"created_at"`
}

func (StrategyTrade) TableName() string {
	return "strategy_trades"
}
