package model

import "time"

// RawSignal is the immutable audit record of every webhook payload received.
// It is inserted and committed before any exchange interaction so a failed
// order can always be traced back to the exact input.
type RawSignal struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Payload       string    `gorm:"type:text;not null" json:"payload"`
	FundManagerID string    `gorm:"size:100;index;not null" json:"fund_manager_id"`
	ReceivedAt    time.Time `gorm:"not null" json:"received_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (RawSignal) TableName() string {
	return "raw_signals"
}
