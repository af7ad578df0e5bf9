// Package webhook implements the inbound webhook surface supplemented from
// original_source/webhook/webhook_manager.py and webhook_utils.py: an
// external trigger (e.g. a TradingView alert) posts a trade intent, which
// is validated against a shared secret and turned into the same OrderData
// pipeline every other source feeds, stamped with its own `source: webhook`
// value. It does not reimplement reporting/backtesting paths — those
// stay out of scope here.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

const secretHeader = "X-Webhook-Secret"

// Request is the normalized payload accepted on the webhook endpoint,
// following parse_webhook_request's field set (pair, action, and the
// optional trigger and uuid).
type Request struct {
	Pair    string `json:"pair"`
	Action  string `json:"action"`
	Trigger string `json:"trigger"`
	UUID    string `json:"uuid"`
}

// Handler validates the shared secret and turns a webhook request into a
// placed order through the same core.IOrderManager path the ingestion
// orchestrator uses.
type Handler struct {
	secret    string
	exchange  core.IExchangeClient
	orders    core.IOrderManager
	snapshots core.IStrategySnapshotService
	logger    core.ILogger
}

// New builds a Handler. secret must be non-empty; requests missing or
// mismatching the X-Webhook-Secret header are rejected with 401.
func New(secret string, exchange core.IExchangeClient, orders core.IOrderManager, snapshots core.IStrategySnapshotService, logger core.ILogger) *Handler {
	return &Handler{
		secret: secret, exchange: exchange, orders: orders, snapshots: snapshots,
		logger: logger.WithField("component", "webhook"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ack, err := h.place(r.Context(), req)
	if err != nil {
		h.logger.Warn("webhook: order placement failed", core.F("pair", req.Pair), core.F("error", err.Error()))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":           true,
		"client_order_id":   ack.ClientOrderID,
		"exchange_order_id": ack.ExchangeOrderID,
		"status":            ack.Status,
	})
}

// authorized does a constant-time comparison of the request's secret
// header against the configured value, matching the crypto/subtle idiom
// the exchange adapters in this pack use for request signing.
func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get(secretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

// place normalizes the request's symbol/action into a signal-shaped
// intent and drives it through the same BuildOrderData/AdjustPriceAndSize/
// PlaceOrder path the ingestion orchestrator uses, stamped
// source=webhook instead of source=websocket.
func (h *Handler) place(ctx context.Context, req Request) (core.OrderAck, error) {
	symbol := strings.ReplaceAll(req.Pair, "/", "-")
	if symbol == "" {
		return core.OrderAck{}, fmt.Errorf("webhook: missing pair")
	}

	action := normalizeAction(req.Action)
	if action != core.ActionBuy && action != core.ActionSell {
		return core.OrderAck{}, fmt.Errorf("webhook: unrecognized action %q", req.Action)
	}

	balances, err := h.exchange.GetAccountBalances(ctx)
	if err != nil {
		return core.OrderAck{}, fmt.Errorf("webhook: get account balances: %w", err)
	}
	product, err := h.exchange.GetProductInfo(ctx, symbol)
	if err != nil {
		return core.OrderAck{}, fmt.Errorf("webhook: get product info: %w", err)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "webhook"
	}
	signal := core.SignalResult{Symbol: symbol, Action: action, Trigger: trigger}

	order, err := h.orders.BuildOrderData(signal, h.snapshots.Current(), balances, product)
	if err != nil {
		return core.OrderAck{}, fmt.Errorf("webhook: build order: %w", err)
	}
	order.Source = core.SourceWebhook

	if _, _, err := h.orders.AdjustPriceAndSize(order, product); err != nil {
		return core.OrderAck{}, fmt.Errorf("webhook: adjust price/size: %w", err)
	}

	return h.orders.PlaceOrder(ctx, order)
}

// normalizeAction mirrors parse_webhook_request's side detection: "open" or
// an explicit "buy" action means buy, everything else defaults to sell.
func normalizeAction(action string) core.Action {
	a := strings.ToLower(action)
	if strings.Contains(a, "open") || a == "buy" {
		return core.ActionBuy
	}
	return core.ActionSell
}
