package order

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// PlacementWorkflows holds the durable workflow bound to a Manager. Split
// out from Manager itself so the workflow function — which DBOS requires
// to have the exact (dbos.DBOSContext, any) (any, error) shape — stays a
// thin adapter over Manager's own exchange/store calls.
type PlacementWorkflows struct {
	mgr *Manager
}

// NewPlacementWorkflows builds the workflow wrapper for mgr.
func NewPlacementWorkflows(mgr *Manager) *PlacementWorkflows {
	return &PlacementWorkflows{mgr: mgr}
}

// Place is the durable two-step order-placement workflow: step one submits
// to the exchange, step two records the open order in shared state. DBOS
// persists each step's result keyed by workflow ID, so a crash between the
// two steps resumes at step two on replay rather than re-submitting to the
// exchange.
func (w *PlacementWorkflows) Place(ctx dbos.DBOSContext, input any) (any, error) {
	o, ok := input.(*core.OrderData)
	if !ok {
		return nil, fmt.Errorf("order: durable placement got unexpected input type %T", input)
	}

	ackRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.mgr.exchange.PlaceOrder(stepCtx, o)
	})
	if err != nil {
		return nil, fmt.Errorf("order: durable place step: %w", err)
	}
	ack := ackRaw.(core.OrderAck)

	_, err = ctx.RunAsStep(ctx, func(context.Context) (any, error) {
		o.ExchangeOrderID = ack.ExchangeOrderID
		o.MarkPlaced()
		w.mgr.store.PutOpenOrder(*o)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("order: durable record step: %w", err)
	}

	return ack, nil
}
