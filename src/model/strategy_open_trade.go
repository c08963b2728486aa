package model

import "time"

const (
	OpenTradeStatusPending = "pending"
	OpenTradeStatusOpen    = "open"
	OpenTradeStatusFailed  = "failed"
	OpenTradeStatusClosed  = "closed"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// StrategyOpenTrade is the live ledger row for a position the system believes
// it holds (or is in the process of opening) on an exchange.
type StrategyOpenTrade struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	PublicID      string  `gorm:"size:36;uniqueIndex;not null" json:"public_id"`
	RawSignalID   uint    `gorm:"index" json:"raw_signal_id"`
	Symbol        string  `gorm:"size:30;index;not null" json:"symbol"`
	Exchange      string  `gorm:"size:40;index;not null" json:"exchange"`
	Side          string  `gorm:"size:10;not null" json:"side"` // long, short
	EntryPrice    float64 `gorm:"type:numeric(18,8);not null" json:"entry_price"`
	Size          float64 `gorm:"type:numeric(18,8);not null" json:"size"`
	Leverage      int     `gorm:"not null" json:"leverage"`
	FundManagerID string  `gorm:"size:100;index;not null" json:"fund_manager_id"`

	Status               string     `gorm:"size:20;not null;default:pending" json:"status"`
	ExchangeVerified     bool       `gorm:"not null;default:false" json:"exchange_verified"`
	VerificationAttempts int        `gorm:"not null;default:0" json:"verification_attempts"`
	LastCheckedAt        *time.Time `json:"last_checked_at,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	UnrealizedPnl        float64    `gorm:"type:numeric(18,8);default:0" json:"unrealized_pnl"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StrategyOpenTrade) TableName() string {
	return "strategy_open_trades"
}

// IsTerminal reports whether the trade can no longer change on its own.
func (t *StrategyOpenTrade) IsTerminal() bool {
	return t.Status == OpenTradeStatusFailed || t.Status == OpenTradeStatusClosed
}
