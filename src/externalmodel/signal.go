package externalmodel

import (
	"errors"
	"fmt"
	"time"
)

const (
	SignalModeOpen  = "open"
	SignalModeClose = "close"
)

// WebhookSignal is the inbound payload posted by a strategy to /webhook.
type WebhookSignal struct {
	Mode          string    `json:"mode"` // open, close
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	PositionSize  float64   `json:"position_size"`
	OrderType     string    `json:"order_type"`
	Exchange      string    `json:"exchange"`
	Timestamp     time.Time `json:"timestamp"`
	FundManagerID string    `json:"fund_manager_id"`
	ReduceOnly    bool      `json:"reduce_only"`

	// Open-only fields.
	EntryPrice *float64 `json:"entry_price,omitempty"`
	Leverage   *int     `json:"leverage,omitempty"`
	OrderID    *string  `json:"order_id,omitempty"`

	// Close-only fields.
	ExitPrice *float64 `json:"exit_price,omitempty"`
	PublicID  *string  `json:"public_id,omitempty"`
}

// Validate checks mode-dependent required fields. It does not touch the
// database or any exchange.
func (s *WebhookSignal) Validate() error {
	switch s.Mode {
	case SignalModeOpen:
		if s.EntryPrice == nil || *s.EntryPrice <= 0 {
			return errors.New("entry_price is required for open signals")
		}
		if s.Leverage == nil || *s.Leverage <= 0 {
			return errors.New("leverage is required for open signals")
		}
	case SignalModeClose:
		if s.ExitPrice == nil || *s.ExitPrice <= 0 {
			return errors.New("exit_price is required for close signals")
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}

	if s.Symbol == "" {
		return errors.New("symbol is required")
	}
	if s.Side == "" {
		return errors.New("side is required")
	}
	if s.PositionSize <= 0 {
		return errors.New("position_size must be positive")
	}
	if s.Exchange == "" {
		return errors.New("exchange is required")
	}
	if s.FundManagerID == "" {
		return errors.New("fund_manager_id is required")
	}
	return nil
}
