package price

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

const binanceWSURL = "wss://stream.binance.com:9443/ws"

// BinanceStream maintains a miniTicker websocket subscription and
// delivers price ticks on a channel. The feed is eventually consistent
// and may miss ticks; consumers must tolerate gaps.
type BinanceStream struct {
	conn           *websocket.Conn
	url            string
	mu             sync.Mutex
	symbols        map[string]bool
	tickChan       chan models.PriceTick
	reconnectDelay time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	nextID         int
}

// binanceMiniTicker is the 24hrMiniTicker stream payload
type binanceMiniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// NewBinanceStream creates new Binance price stream
func NewBinanceStream() *BinanceStream {
	ctx, cancel := context.WithCancel(context.Background())

	return &BinanceStream{
		url:            binanceWSURL,
		symbols:        make(map[string]bool),
		tickChan:       make(chan models.PriceTick, 1000),
		reconnectDelay: 5 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		nextID:         1,
	}
}

// Connect establishes the websocket connection and starts the reader
func (bs *BinanceStream) Connect() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(bs.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Binance WebSocket: %w", err)
	}

	bs.conn = conn

	if err := bs.resubscribeLocked(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go bs.readMessages()

	logger.Info("Binance price stream connected",
		zap.String("url", bs.url),
		zap.Int("symbols", len(bs.symbols)),
	)

	return nil
}

// Subscribe adds symbols to the miniTicker subscription
func (bs *BinanceStream) Subscribe(symbols []string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	var fresh []string
	for _, s := range symbols {
		key := streamSymbol(s)
		if !bs.symbols[key] {
			bs.symbols[key] = true
			fresh = append(fresh, key+"@miniTicker")
		}
	}

	if len(fresh) == 0 || bs.conn == nil {
		return nil
	}

	return bs.sendLocked(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": fresh,
		"id":     bs.id(),
	})
}

// Ticks returns the tick delivery channel
func (bs *BinanceStream) Ticks() <-chan models.PriceTick {
	return bs.tickChan
}

// Close stops the stream
func (bs *BinanceStream) Close() error {
	bs.cancel()

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.conn != nil {
		return bs.conn.Close()
	}
	return nil
}

func (bs *BinanceStream) resubscribeLocked() error {
	if len(bs.symbols) == 0 {
		return nil
	}

	params := make([]string, 0, len(bs.symbols))
	for s := range bs.symbols {
		params = append(params, s+"@miniTicker")
	}

	return bs.sendLocked(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     bs.id(),
	})
}

func (bs *BinanceStream) sendLocked(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return bs.conn.WriteMessage(websocket.TextMessage, data)
}

func (bs *BinanceStream) id() int {
	id := bs.nextID
	bs.nextID++
	return id
}

func (bs *BinanceStream) readMessages() {
	for {
		select {
		case <-bs.ctx.Done():
			return
		default:
		}

		bs.mu.Lock()
		conn := bs.conn
		bs.mu.Unlock()
		if conn == nil {
			bs.reconnect()
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("Binance stream read error, reconnecting",
				zap.Error(err),
			)
			bs.reconnect()
			continue
		}

		var ticker binanceMiniTicker
		if err := json.Unmarshal(data, &ticker); err != nil || ticker.EventType != "24hrMiniTicker" {
			continue // subscription acks and unknown events
		}

		p, err := decimal.NewFromString(ticker.Close)
		if err != nil {
			continue
		}

		tick := models.PriceTick{
			Symbol:    ticker.Symbol,
			Price:     p,
			Timestamp: time.UnixMilli(ticker.EventTime),
		}

		select {
		case bs.tickChan <- tick:
		default:
			// Consumer is behind; dropping is fine, the next tick supersedes.
		}
	}
}

func (bs *BinanceStream) reconnect() {
	select {
	case <-bs.ctx.Done():
		return
	case <-time.After(bs.reconnectDelay):
	}

	bs.mu.Lock()
	if bs.conn != nil {
		bs.conn.Close()
		bs.conn = nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(bs.url, nil)
	if err != nil {
		bs.mu.Unlock()
		logger.Error("Binance stream reconnect failed", zap.Error(err))
		return
	}

	bs.conn = conn
	if err := bs.resubscribeLocked(); err != nil {
		logger.Error("Binance stream resubscribe failed", zap.Error(err))
	}
	bs.mu.Unlock()

	logger.Info("Binance price stream reconnected")
}

// streamSymbol converts BTC/USDT to btcusdt
func streamSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}
