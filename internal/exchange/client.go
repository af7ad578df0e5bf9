// Package exchange implements REST calls for orders/accounts/product
// metadata (there is no REST fills call; fills arrive only on the user
// stream), and the dual
// market/user WebSocket streams, all behind JWT authentication that
// refreshes whenever remaining lifetime drops below 60s.
//
// Grounded on market_maker/pkg/http/client.go (failsafe-go retry +
// circuit-breaker pipeline, OTel span/counter/histogram wiring) and
// market_maker/pkg/websocket/client.go (gorilla/websocket reconnect loop
// with heartbeat) — both generalized from a per-exchange-adapter shape to
// a single client bound to one exchange's published streaming spec.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrDenfish/BotTrader-sub001/internal/apperrors"
	"github.com/MrDenfish/BotTrader-sub001/internal/core"
	"github.com/MrDenfish/BotTrader-sub001/internal/telemetry"
)

// Config configures the REST and WebSocket transports.
type Config struct {
	APIKeyName        string // exchange-issued key id, used as the JWT kid/sub
	APISecretPEM      string // EC private key, PEM-encoded
	RESTBaseURL       string
	WebsocketURL      string
	UserWebsocketURL  string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	WatchdogTimeout   time.Duration // §5: reconnect if no message within this window
	ReconnectMaxAttempts int
	ReconnectMaxBackoff  time.Duration
}

// Client implements core.IExchangeClient.
type Client struct {
	cfg    Config
	http   *http.Client
	jwt    *JWTMinter
	limiter *rate.Limiter
	logger core.ILogger

	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// New builds a Client. The REST resilience pipeline and rate limiter are
// shared across every REST call; each WebSocket stream gets its own
// reconnect loop (see ws.go).
func New(cfg Config, logger core.ILogger) (*Client, error) {
	minter, err := NewJWTMinter(cfg.APIKeyName, cfg.APISecretPEM)
	if err != nil {
		return nil, err
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("exchange-client")
	meter := telemetry.GetMeter("exchange-client")
	reqCounter, _ := meter.Int64Counter("exchange_http_requests_total")
	errCounter, _ := meter.Int64Counter("exchange_http_errors_total")
	latencyHist, _ := meter.Float64Histogram("exchange_http_request_duration_seconds")

	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		jwt:         minter,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:      logger,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}, nil
}

var _ core.IExchangeClient = (*Client)(nil)

type apiOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	OrderType     string `json:"order_configuration"`
	Price         string `json:"limit_price,omitempty"`
	BaseSize      string `json:"base_size,omitempty"`
	QuoteSize     string `json:"quote_size,omitempty"`
}

type apiOrderResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	FailureReason string `json:"failure_reason"`
}

// PlaceOrder submits o and returns the exchange's synchronous ack.
func (c *Client) PlaceOrder(ctx context.Context, o *core.OrderData) (core.OrderAck, error) {
	req := apiOrderRequest{
		ClientOrderID: o.ClientOrderID,
		ProductID:     o.ProductID,
		Side:          string(o.Side),
	}
	switch o.Type {
	case core.OrderTypeLimit:
		req.Price = o.AdjustedPrice.String()
		req.BaseSize = o.AdjustedSize.String()
	case core.OrderTypeMarket:
		if o.Side == core.OrderSideBuy {
			req.QuoteSize = o.RequestedFiat.String()
		} else {
			req.BaseSize = o.RequestedBase.String()
		}
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/brokerage/orders", req)
	if err != nil {
		return core.OrderAck{}, err
	}
	var resp apiOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderAck{}, fmt.Errorf("exchange: decode place order response: %w", err)
	}
	if !resp.Success {
		return core.OrderAck{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, resp.FailureReason)
	}
	return core.OrderAck{
		ExchangeOrderID: resp.OrderID,
		ClientOrderID:   resp.ClientOrderID,
		Status:          "open",
		Accepted:        true,
	}, nil
}

// CancelOrder cancels one order by exchange-assigned id.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel",
		map[string]any{"order_ids": []string{exchangeOrderID}})
	return err
}

type apiOpenOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}

type apiOpenOrdersResponse struct {
	Orders []apiOpenOrder `json:"orders"`
}

// GetOpenOrders lists open orders, optionally filtered by product.
func (c *Client) GetOpenOrders(ctx context.Context, productID string) ([]core.OrderAck, error) {
	path := "/api/v3/brokerage/orders/historical/batch?order_status=OPEN"
	if productID != "" {
		path += "&product_id=" + productID
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp apiOpenOrdersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode open orders: %w", err)
	}
	out := make([]core.OrderAck, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, core.OrderAck{
			ExchangeOrderID: o.OrderID,
			ClientOrderID:   o.ClientOrderID,
			Status:          o.Status,
			Accepted:        true,
		})
	}
	return out, nil
}

type apiAccount struct {
	Currency  string `json:"currency"`
	Available string `json:"available_balance"`
	Hold      string `json:"hold"`
}

type apiAccountsResponse struct {
	Accounts []apiAccount `json:"accounts"`
}

// GetAccountBalances returns every currency balance on the account.
func (c *Client) GetAccountBalances(ctx context.Context) ([]core.AccountBalance, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/brokerage/accounts", nil)
	if err != nil {
		return nil, err
	}
	var resp apiAccountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode accounts: %w", err)
	}
	out := make([]core.AccountBalance, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, core.AccountBalance{
			Currency:  a.Currency,
			Available: mustDecimal(a.Available),
			Hold:      mustDecimal(a.Hold),
		})
	}
	return out, nil
}

type apiProduct struct {
	ProductID      string `json:"product_id"`
	BaseCurrency   string `json:"base_currency_id"`
	QuoteCurrency  string `json:"quote_currency_id"`
	PriceIncrement string `json:"quote_increment"`
	SizeIncrement  string `json:"base_increment"`
	MinMarketFunds string `json:"quote_min_size"`
}

// GetProductInfo fetches exchange precision/minimum rules for one product.
func (c *Client) GetProductInfo(ctx context.Context, productID string) (core.ProductInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/brokerage/products/"+productID, nil)
	if err != nil {
		return core.ProductInfo{}, err
	}
	var p apiProduct
	if err := json.Unmarshal(body, &p); err != nil {
		return core.ProductInfo{}, fmt.Errorf("exchange: decode product: %w", err)
	}
	return core.ProductInfo{
		ProductID:      p.ProductID,
		BaseCurrency:   p.BaseCurrency,
		QuoteCurrency:  p.QuoteCurrency,
		PriceIncrement: mustDecimal(p.PriceIncrement),
		SizeIncrement:  mustDecimal(p.SizeIncrement),
		MinMarketFunds: mustDecimal(p.MinMarketFunds),
	}, nil
}

// Close releases idle REST connections; the WebSocket streams are closed
// independently via their own context cancellation.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("exchange: rate limiter: %w", err)
	}

	var bodyReader io.Reader
	var rawBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("exchange: marshal request body: %w", err)
		}
		rawBody = b
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTBaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	if rawBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	token, err := c.jwt.ForREST(method, req.URL.Host, req.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("exchange: mint jwt: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.path", path)))
	defer span.End()
	req = req.WithContext(ctx)

	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.http.Do(req)
	})
	duration := time.Since(start).Seconds()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	c.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", path)))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path), attribute.String("kind", "transport")))
		return nil, fmt.Errorf("exchange: request failed: %w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path), attribute.Int("status", resp.StatusCode)))
		classified := apperrors.Classify(resp.StatusCode, respBody)
		return nil, fmt.Errorf("exchange: %s %s: %w", method, path, classified)
	}

	return respBody, nil
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
