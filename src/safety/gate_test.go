package safety

import (
	"errors"
	"testing"
	"time"
)

type fakeModeClient struct {
	name        string
	oneWay      bool
	readErr     error
	switchErr   error
	readCalls   int
	switchCalls int
}

func (f *fakeModeClient) Name() string { return f.name }

func (f *fakeModeClient) GetPositionMode() (bool, error) {
	f.readCalls++
	if f.readErr != nil {
		return false, f.readErr
	}
	return f.oneWay, nil
}

func (f *fakeModeClient) SetPositionMode(oneWay bool) error {
	f.switchCalls++
	if f.switchErr != nil {
		return f.switchErr
	}
	f.oneWay = oneWay
	return nil
}

func newTestGate() *Gate {
	g := NewGate("binance_futures_testnet")
	g.sleep = func(time.Duration) {}
	return g
}

func TestEnsurePositionModeOnceRunsOnce(t *testing.T) {
	g := newTestGate()
	client := &fakeModeClient{name: "binance_futures_testnet", oneWay: true}

	for i := 0; i < 3; i++ {
		if err := g.EnsurePositionModeOnce(client, true); err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
	}
	if client.readCalls != 1 {
		t.Fatalf("expected a single mode read across calls, got %d", client.readCalls)
	}
	if client.switchCalls != 0 {
		t.Fatalf("matching mode should not trigger a switch")
	}
}

func TestEnsurePositionModeOnceSwitchesOnMismatch(t *testing.T) {
	g := newTestGate()
	client := &fakeModeClient{name: "binance_futures_testnet", oneWay: false}

	if err := g.EnsurePositionModeOnce(client, true); err != nil {
		t.Fatalf("expected successful auto-switch, got %v", err)
	}
	if client.switchCalls != 1 {
		t.Fatalf("expected one switch attempt, got %d", client.switchCalls)
	}
	if !client.oneWay {
		t.Fatalf("client mode was not switched")
	}
}

func TestEnsurePositionModeOnceHoldsOnSwitchFailure(t *testing.T) {
	g := newTestGate()
	client := &fakeModeClient{
		name:      "binance_futures_testnet",
		oneWay:    false,
		switchErr: errors.New("switch rejected"),
	}

	err := g.EnsurePositionModeOnce(client, true)
	var holdErr *HoldError
	if !errors.As(err, &holdErr) {
		t.Fatalf("expected HoldError, got %v", err)
	}

	blocked, reason, until := g.IsBlocked()
	if !blocked {
		t.Fatalf("gate should be holding after switch failure")
	}
	if reason == "" || until.IsZero() {
		t.Fatalf("hold should carry reason and expiry")
	}
}

func TestEnsurePositionModeOnceRetriesRead(t *testing.T) {
	g := newTestGate()
	client := &fakeModeClient{
		name:    "binance_futures_testnet",
		readErr: errors.New("timeout"),
	}

	err := g.EnsurePositionModeOnce(client, true)
	var holdErr *HoldError
	if !errors.As(err, &holdErr) {
		t.Fatalf("expected HoldError, got %v", err)
	}
	if client.readCalls != 3 {
		t.Fatalf("expected 3 read attempts, got %d", client.readCalls)
	}

	// The hold also short-circuits subsequent checks without touching the client.
	if err := g.EnsurePositionModeOnce(client, true); err == nil {
		t.Fatalf("expected hold to block the next check")
	}
	if client.readCalls != 3 {
		t.Fatalf("blocked check must not read the mode again, got %d reads", client.readCalls)
	}
}

func TestHoldExpires(t *testing.T) {
	g := newTestGate()
	current := time.Now()
	g.now = func() time.Time { return current }

	g.StartHold("manual")
	if blocked, _, _ := g.IsBlocked(); !blocked {
		t.Fatalf("expected active hold")
	}

	current = current.Add(g.holdDuration + time.Second)
	if blocked, _, _ := g.IsBlocked(); blocked {
		t.Fatalf("hold should expire after its duration")
	}
}

func TestResetClearsCheckAndHold(t *testing.T) {
	g := newTestGate()
	client := &fakeModeClient{name: "binance_futures_testnet", oneWay: true}

	if err := g.EnsurePositionModeOnce(client, true); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	g.StartHold("manual")
	g.Reset()

	if blocked, _, _ := g.IsBlocked(); blocked {
		t.Fatalf("reset should clear the hold")
	}
	if err := g.EnsurePositionModeOnce(client, true); err != nil {
		t.Fatalf("check after reset failed: %v", err)
	}
	if client.readCalls != 2 {
		t.Fatalf("reset should force a fresh mode read, got %d reads", client.readCalls)
	}
}
