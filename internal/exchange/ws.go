// ws.go implements the WebSocket ticker feed for real-time mark prices.
//
// The feed subscribes to the public ticker channel for every symbol in the
// approved universe. REST remains the source of truth for cycle snapshots;
// the feed only lowers latency — the market fetcher prefers a fresh tick
// over a REST round-trip when one arrived within the freshness window.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-trader/pkg/types"
)

const (
	pingInterval     = 25 * time.Second // how often we send ping to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// TickEvent is one live ticker update.
type TickEvent struct {
	Symbol     types.Symbol
	LastPrice  float64
	MarkPrice  float64
	ReceivedAt time.Time
}

// wsSubscribeMsg is the subscription request for the ticker channel.
type wsSubscribeMsg struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsTickerMsg is the inbound ticker payload.
type wsTickerMsg struct {
	Arg  wsArg `json:"arg"`
	Data []struct {
		Last      string `json:"last"`
		MarkPrice string `json:"markPrice"`
	} `json:"data"`
}

// TickerFeed manages the public ticker WebSocket connection. It keeps the
// most recent tick per symbol; readers use Latest to pick it up without
// blocking on a channel.
type TickerFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[types.Symbol]bool

	latestMu sync.RWMutex
	latest   map[types.Symbol]TickEvent

	logger *slog.Logger
}

// NewTickerFeed creates a ticker feed for the public market channel.
func NewTickerFeed(wsURL string, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		url:        wsURL,
		subscribed: make(map[types.Symbol]bool),
		latest:     make(map[types.Symbol]TickEvent),
		logger:     logger.With("component", "ws_ticker"),
	}
}

// Subscribe adds symbols to the ticker subscription.
func (f *TickerFeed) Subscribe(symbols []types.Symbol) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	args := make([]wsArg, len(symbols))
	for i, s := range symbols {
		args[i] = wsArg{Channel: "ticker", InstID: string(s)}
	}
	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Args: args})
}

// Latest returns the most recent tick for a symbol and whether it arrived
// within maxAge.
func (f *TickerFeed) Latest(symbol types.Symbol, maxAge time.Duration) (TickEvent, bool) {
	f.latestMu.RLock()
	tick, ok := f.latest[symbol]
	f.latestMu.RUnlock()
	if !ok || time.Since(tick.ReceivedAt) > maxAge {
		return TickEvent{}, false
	}
	return tick, true
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *TickerFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickerFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *TickerFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	args := make([]wsArg, 0, len(f.subscribed))
	for s := range f.subscribed {
		args = append(args, wsArg{Channel: "ticker", InstID: string(s)})
	}
	f.subscribedMu.RUnlock()

	if len(args) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Op: "subscribe", Args: args})
}

func (f *TickerFeed) dispatchMessage(data []byte) {
	if string(data) == "pong" {
		return
	}

	var msg wsTickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if msg.Arg.Channel != "ticker" || len(msg.Data) == 0 {
		return
	}

	last, err := strconv.ParseFloat(msg.Data[0].Last, 64)
	if err != nil || last <= 0 {
		return
	}
	mark, _ := strconv.ParseFloat(msg.Data[0].MarkPrice, 64)

	tick := TickEvent{
		Symbol:     types.Symbol(msg.Arg.InstID),
		LastPrice:  last,
		MarkPrice:  mark,
		ReceivedAt: time.Now(),
	}

	f.latestMu.Lock()
	f.latest[tick.Symbol] = tick
	f.latestMu.Unlock()
}

func (f *TickerFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickerFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickerFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
