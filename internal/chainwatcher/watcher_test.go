package chainwatcher

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func newTestWatcher() *Watcher {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWatcher("ws://localhost/fills", logger)
}

func TestWatchOrderTracksSubscription(t *testing.T) {
	t.Parallel()
	w := newTestWatcher()

	// Not connected yet: the subscribe write fails, but the hash is kept for
	// the resubscribe step on connect.
	_ = w.WatchOrder(context.Background(), "0xabc")

	w.subscribedMu.RLock()
	defer w.subscribedMu.RUnlock()
	if !w.subscribed["0xabc"] {
		t.Error("expected 0xabc to be tracked as subscribed")
	}
}

func TestUnwatchOrderRemovesSubscription(t *testing.T) {
	t.Parallel()
	w := newTestWatcher()

	w.subscribedMu.Lock()
	w.subscribed["0xabc"] = true
	w.subscribedMu.Unlock()

	w.UnwatchOrder("0xabc")

	w.subscribedMu.RLock()
	defer w.subscribedMu.RUnlock()
	if w.subscribed["0xabc"] {
		t.Error("expected 0xabc to be removed after UnwatchOrder")
	}
}

func TestIsConnectedDefaultsFalse(t *testing.T) {
	t.Parallel()
	w := newTestWatcher()

	if w.IsConnected() {
		t.Error("expected IsConnected() to be false before Run")
	}
}

func TestSetConnectedToggles(t *testing.T) {
	t.Parallel()
	w := newTestWatcher()

	w.setConnected(true)
	if !w.IsConnected() {
		t.Error("expected IsConnected() to be true after setConnected(true)")
	}
	w.setConnected(false)
	if w.IsConnected() {
		t.Error("expected IsConnected() to be false after setConnected(false)")
	}
}
