package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

// outboundFrame is one subscribe/unsubscribe control message, matching
// the exchange's published authenticated-streaming protocol: type,
// product_ids, channel, and — for private channels — a JWT.
type outboundFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// inboundFrame is the common envelope every inbound message carries.
type inboundFrame struct {
	Channel     string          `json:"channel"`
	Timestamp   time.Time       `json:"timestamp"`
	SequenceNum int64           `json:"sequence_num"`
	Events      json.RawMessage `json:"events"`
}

type tickerEvent struct {
	Type    string `json:"type"`
	Tickers []struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Volume24h string `json:"volume_24_h"`
		High      string `json:"high_24_h"`
		Low       string `json:"low_24_h"`
	} `json:"tickers"`
}

type userEvent struct {
	Type   string `json:"type"`
	Orders []struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
		Status        string `json:"status"`
		ProductID     string `json:"product_id"`
		CumFillQty    string `json:"cumulative_quantity"`
		AvgFillPrice  string `json:"average_filled_price"`
		Side          string `json:"order_side"`
	} `json:"orders"`
}

// stream is one reconnecting WebSocket connection. Grounded on
// market_maker/pkg/websocket/client.go's reconnect-with-heartbeat loop,
// generalized with a watchdog that forces a reconnect on message silence
// rather than relying on ping/pong alone: if the market channel goes
// silent for the configured watchdog window, the client forces a full
// reconnect.
type stream struct {
	name    string
	url     string
	private bool
	channel string

	logger core.ILogger
	jwt    *JWTMinter

	watchdogTimeout time.Duration
	maxAttempts     int
	maxBackoff      time.Duration

	mu              sync.Mutex
	conn            *websocket.Conn
	lastMessage     time.Time
	lastHeartbeat   time.Time
	channelActivity map[string]time.Time
	forceReconnect  chan struct{}

	tracer     trace.Tracer
	msgCounter metric.Int64Counter
}

func (c *Client) newStream(name, url, channel string, private bool, tracer trace.Tracer, msgCounter metric.Int64Counter) *stream {
	return &stream{
		name:            name,
		url:             url,
		channel:         channel,
		private:         private,
		logger:          c.logger,
		jwt:             c.jwt,
		watchdogTimeout: c.cfg.WatchdogTimeout,
		maxAttempts:     c.cfg.ReconnectMaxAttempts,
		maxBackoff:      c.cfg.ReconnectMaxBackoff,
		channelActivity: make(map[string]time.Time),
		forceReconnect:  make(chan struct{}, 1),
		tracer:          tracer,
		msgCounter:      msgCounter,
	}
}

// run drives the connect/read/watchdog loop until ctx is cancelled,
// invoking onMessage for every inbound frame. Reconnects use capped
// exponential backoff (up to 10 attempts, 60s cap).
func (s *stream) run(ctx context.Context, productIDs []string, onMessage func([]byte)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.connectAndSubscribe(ctx, productIDs); err != nil {
			attempt++
			if s.maxAttempts > 0 && attempt > s.maxAttempts {
				return fmt.Errorf("exchange: %s stream: exceeded %d reconnect attempts: %w", s.name, s.maxAttempts, err)
			}
			backoff := s.backoffFor(attempt)
			if s.logger != nil {
				s.logger.Warn("exchange: stream connect failed, backing off",
					core.F("stream", s.name), core.F("attempt", attempt), core.F("backoff", backoff.String()), core.F("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0

		err := s.readUntilSilentOrClosed(ctx, onMessage)
		s.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.logger != nil {
			s.logger.Warn("exchange: stream disconnected, reconnecting", core.F("stream", s.name), core.F("reason", err))
		}
	}
}

func (s *stream) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := time.Second << uint(attempt-1)
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (s *stream) connectAndSubscribe(ctx context.Context, productIDs []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	frame := outboundFrame{Type: "subscribe", ProductIDs: productIDs, Channel: s.channel}
	if s.private {
		token, err := s.jwt.ForWebSocket()
		if err != nil {
			conn.Close()
			return fmt.Errorf("mint jwt: %w", err)
		}
		frame.JWT = token
	}
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastMessage = time.Now()
	s.channelActivity = make(map[string]time.Time)
	s.mu.Unlock()
	return nil
}

// recordChannelActivity stamps the per-channel activity map that the
// inbound dispatch switch maintains alongside the connection-wide watchdog.
func (s *stream) recordChannelActivity(channel string) {
	s.mu.Lock()
	s.channelActivity[channel] = time.Now()
	s.mu.Unlock()
}

// triggerReconnect forces the read loop to give up the current connection,
// used when the exchange sends an "error" channel frame.
func (s *stream) triggerReconnect() {
	select {
	case s.forceReconnect <- struct{}{}:
	default:
	}
}

// readUntilSilentOrClosed reads frames until the connection errors, ctx is
// cancelled, or the watchdog detects message silence beyond
// watchdogTimeout.
func (s *stream) readUntilSilentOrClosed(ctx context.Context, onMessage func([]byte)) error {
	msgCh := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				errCh <- fmt.Errorf("connection closed")
				return
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-s.forceReconnect:
			return fmt.Errorf("error channel: exchange signalled an error frame")
		case msg := <-msgCh:
			s.mu.Lock()
			s.lastMessage = time.Now()
			s.mu.Unlock()
			if s.msgCounter != nil {
				s.msgCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", s.name)))
			}
			onMessage(msg)
		case <-watchdog.C:
			s.mu.Lock()
			silence := time.Since(s.lastMessage)
			s.mu.Unlock()
			if s.watchdogTimeout > 0 && silence > s.watchdogTimeout {
				return fmt.Errorf("watchdog: no messages for %s", silence)
			}
		}
	}
}

func (s *stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// SubscribeMarketData opens the public ticker stream and invokes onBar for
// every decoded bar-relevant tick.
func (c *Client) SubscribeMarketData(ctx context.Context, productIDs []string, onBar func(core.Bar)) error {
	tracer := telemetry.GetTracer("exchange-ws-market")
	meter := telemetry.GetMeter("exchange-ws-market")
	msgCounter, _ := meter.Int64Counter("exchange_ws_messages_total")

	s := c.newStream("market", c.cfg.WebsocketURL, "ticker_batch", false, tracer, msgCounter)
	return s.run(ctx, productIDs, func(raw []byte) {
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		s.recordChannelActivity(frame.Channel)

		switch frame.Channel {
		case "ticker_batch":
			var events []tickerEvent
			if err := json.Unmarshal(frame.Events, &events); err != nil {
				return
			}
			for _, ev := range events {
				for _, t := range ev.Tickers {
					bar := core.Bar{
						Symbol:    t.ProductID,
						Timestamp: frame.Timestamp,
						Close:     mustDecimal(t.Price),
						High:      mustDecimal(t.High),
						Low:       mustDecimal(t.Low),
						Volume:    mustDecimal(t.Volume24h),
					}
					bar.Open = bar.Close
					onBar(bar)
				}
			}
		case "heartbeats":
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
		case "subscriptions":
			if s.logger != nil {
				s.logger.Info("exchange: stream subscription confirmed", core.F("stream", s.name))
			}
		case "error":
			if s.logger != nil {
				s.logger.Warn("exchange: stream received error frame, forcing reconnect", core.F("stream", s.name))
			}
			s.triggerReconnect()
		}
	})
}

// SubscribeUserEvents opens the authenticated order-update stream.
func (c *Client) SubscribeUserEvents(ctx context.Context, onFill func(core.TradeRecord), onOrderUpdate func(core.OrderAck)) error {
	tracer := telemetry.GetTracer("exchange-ws-user")
	meter := telemetry.GetMeter("exchange-ws-user")
	msgCounter, _ := meter.Int64Counter("exchange_ws_messages_total")

	s := c.newStream("user", c.cfg.UserWebsocketURL, "user", true, tracer, msgCounter)
	return s.run(ctx, nil, func(raw []byte) {
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		s.recordChannelActivity(frame.Channel)

		switch frame.Channel {
		case "user":
			var events []userEvent
			if err := json.Unmarshal(frame.Events, &events); err != nil {
				return
			}
			for _, ev := range events {
				for _, o := range ev.Orders {
					ack := core.OrderAck{ExchangeOrderID: o.OrderID, ClientOrderID: o.ClientOrderID, Status: o.Status, Accepted: true}
					onOrderUpdate(ack)
					if o.Status == "FILLED" {
						onFill(core.TradeRecord{
							OrderID:   o.OrderID,
							Symbol:    o.ProductID,
							Side:      core.OrderSide(o.Side),
							OrderTime: frame.Timestamp,
							Price:     mustDecimal(o.AvgFillPrice),
							Size:      mustDecimal(o.CumFillQty),
							Status:    core.TradeStatusFilled,
						})
					}
				}
			}
		case "heartbeats":
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
		case "subscriptions":
			if s.logger != nil {
				s.logger.Info("exchange: stream subscription confirmed", core.F("stream", s.name))
			}
		case "error":
			if s.logger != nil {
				s.logger.Warn("exchange: stream received error frame, forcing reconnect", core.F("stream", s.name))
			}
			s.triggerReconnect()
		}
	})
}
