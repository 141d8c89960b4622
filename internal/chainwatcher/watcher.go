// Package chainwatcher watches venue P's on-chain fill events over a
// WebSocket feed and delivers every decoded event as received, so a
// reconnect or replayed block can deliver the same fill again; deduplication
// by (txHash, logIndex) is done by the consumer,
// types.TaskContext.ApplyChainEvent. It is one of the two
// independent fill sources the executor's reconciliation merges (see
// internal/executor/reconcile.go) — the REST poll in internal/venuep is the
// other.
package chainwatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbexec/pkg/types"
)

const (
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// Watcher maintains a single WebSocket connection to venue P's fill-event
// feed, tracking which order hashes are subscribed and routing decoded
// ChainFillEvent values to a per-watcher channel. Structured after the
// teacher's market-data WS feed: auto-reconnect with exponential backoff,
// a read deadline to detect silent failures, and a re-subscribe step on
// reconnect.
type Watcher struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // order hashes

	connectedMu sync.RWMutex
	connected   bool

	eventCh chan types.ChainFillEvent
	logger  *slog.Logger
}

// NewWatcher creates a chain watcher pointed at the given WS feed URL.
func NewWatcher(wsURL string, logger *slog.Logger) *Watcher {
	return &Watcher{
		url:        wsURL,
		subscribed: make(map[string]bool),
		eventCh:    make(chan types.ChainFillEvent, eventBufferSize),
		logger:     logger.With("component", "chainwatcher"),
	}
}

// Events returns the read-only channel of decoded fill events.
func (w *Watcher) Events() <-chan types.ChainFillEvent { return w.eventCh }

// IsConnected reports whether the underlying WebSocket is currently up.
func (w *Watcher) IsConnected() bool {
	w.connectedMu.RLock()
	defer w.connectedMu.RUnlock()
	return w.connected
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.setConnected(false)
		w.logger.Warn("chain watcher disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// WatchOrder adds an order hash to the subscription set so its fills are
// delivered on Events(). If the connection is up, it subscribes immediately;
// if not, the subscribe write fails and its error is returned, but the hash
// stays in the set and is subscribed when Run (re)connects.
func (w *Watcher) WatchOrder(ctx context.Context, orderHash string) error {
	w.subscribedMu.Lock()
	w.subscribed[orderHash] = true
	w.subscribedMu.Unlock()

	return w.writeJSON(map[string]any{
		"operation": "subscribe",
		"orderHash": orderHash,
	})
}

// UnwatchOrder removes an order hash from the subscription set, e.g. once
// a task reaches a terminal status.
func (w *Watcher) UnwatchOrder(orderHash string) {
	w.subscribedMu.Lock()
	delete(w.subscribed, orderHash)
	w.subscribedMu.Unlock()
}

// Close gracefully closes the connection.
func (w *Watcher) Close() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *Watcher) setConnected(v bool) {
	w.connectedMu.Lock()
	w.connected = v
	w.connectedMu.Unlock()
}

func (w *Watcher) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	w.setConnected(true)

	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	w.logger.Info("chain watcher connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		var evt types.ChainFillEvent
		if err := conn.ReadJSON(&evt); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		select {
		case w.eventCh <- evt:
		default:
			w.logger.Warn("chain event channel full, dropping event", "tx_hash", evt.TxHash)
		}
	}
}

func (w *Watcher) resubscribeAll() error {
	w.subscribedMu.RLock()
	hashes := make([]string, 0, len(w.subscribed))
	for h := range w.subscribed {
		hashes = append(hashes, h)
	}
	w.subscribedMu.RUnlock()

	for _, h := range hashes {
		if err := w.writeJSON(map[string]any{"operation": "subscribe", "orderHash": h}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) writeJSON(v any) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("chain watcher not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(v)
}
