package safety

import (
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

const (
	defaultHoldDuration  = 300 * time.Second
	defaultModeReadTries = 3
	defaultModeReadDelay = 1 * time.Second
)

// ModeClient is the slice of a connector the gate needs.
type ModeClient interface {
	Name() string
	GetPositionMode() (bool, error)
	SetPositionMode(oneWay bool) error
}

// HoldError is returned when order placement is attempted while the gate is
// holding after a failed position-mode check.
type HoldError struct {
	Exchange string
	Reason   string
	Until    time.Time
}

func (e *HoldError) Error() string {
	return fmt.Sprintf("safety hold on %s until %s: %s",
		e.Exchange, e.Until.Format(time.RFC3339), e.Reason)
}

// Gate enforces the one-shot position-mode check per connector instance.
// Once a check succeeds it never runs again for the process lifetime; a
// failed check blocks order placement for the hold duration.
type Gate struct {
	mu            sync.Mutex
	exchange      string
	checked       bool
	holdUntil     time.Time
	holdReason    string
	holdDuration  time.Duration
	modeReadTries int
	modeReadDelay time.Duration
	now           func() time.Time
	sleep         func(time.Duration)
}

func NewGate(exchange string) *Gate {
	return &Gate{
		exchange:      exchange,
		holdDuration:  defaultHoldDuration,
		modeReadTries: defaultModeReadTries,
		modeReadDelay: defaultModeReadDelay,
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// IsBlocked reports whether the gate is currently holding, with the reason
// and expiry when it is.
func (g *Gate) IsBlocked() (bool, string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.now().Before(g.holdUntil) {
		return true, g.holdReason, g.holdUntil
	}
	return false, "", time.Time{}
}

// StartHold blocks order placement for the configured hold duration.
func (g *Gate) StartHold(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.holdReason = reason
	g.holdUntil = g.now().Add(g.holdDuration)

	logger.WithFields(map[string]interface{}{
		"exchange":   g.exchange,
		"reason":     reason,
		"hold_until": g.holdUntil.Format(time.RFC3339),
	}).Warn("safety hold started")
}

// Reset clears the checked flag and any active hold.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checked = false
	g.holdUntil = time.Time{}
	g.holdReason = ""
}

// EnsurePositionModeOnce verifies (and if needed switches) the account
// position mode. The read is retried a few times before giving up; a final
// mismatch or failure starts a hold.
func (g *Gate) EnsurePositionModeOnce(client ModeClient, wantOneWay bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.checked {
		return nil
	}
	if g.now().Before(g.holdUntil) {
		return &HoldError{Exchange: g.exchange, Reason: g.holdReason, Until: g.holdUntil}
	}

	oneWay, err := g.readModeWithRetry(client)
	if err != nil {
		g.startHoldLocked(fmt.Sprintf("position mode read failed: %v", err))
		return &HoldError{Exchange: g.exchange, Reason: g.holdReason, Until: g.holdUntil}
	}

	if oneWay != wantOneWay {
		logger.WithFields(map[string]interface{}{
			"exchange": g.exchange,
			"have":     modeLabel(oneWay),
			"want":     modeLabel(wantOneWay),
		}).Warn("position mode mismatch, attempting switch")

		if err := client.SetPositionMode(wantOneWay); err != nil {
			g.startHoldLocked(fmt.Sprintf("position mode switch failed: %v", err))
			return &HoldError{Exchange: g.exchange, Reason: g.holdReason, Until: g.holdUntil}
		}
	}

	g.checked = true
	logger.WithFields(map[string]interface{}{
		"exchange": g.exchange,
		"mode":     modeLabel(wantOneWay),
	}).Info("position mode verified")
	return nil
}

func (g *Gate) readModeWithRetry(client ModeClient) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= g.modeReadTries; attempt++ {
		oneWay, err := client.GetPositionMode()
		if err == nil {
			return oneWay, nil
		}
		lastErr = err

		logger.WithFields(map[string]interface{}{
			"exchange": g.exchange,
			"attempt":  attempt,
		}).WithError(err).Warn("position mode read failed")

		if attempt < g.modeReadTries {
			g.sleep(g.modeReadDelay)
		}
	}
	return false, lastErr
}

// startHoldLocked must be called with g.mu held.
func (g *Gate) startHoldLocked(reason string) {
	g.holdReason = reason
	g.holdUntil = g.now().Add(g.holdDuration)

	logger.WithFields(map[string]interface{}{
		"exchange":   g.exchange,
		"reason":     reason,
		"hold_until": g.holdUntil.Format(time.RFC3339),
	}).Warn("safety hold started")
}

func modeLabel(oneWay bool) string {
	if oneWay {
		return "one-way"
	}
	return "hedge"
}
