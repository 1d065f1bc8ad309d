// Package processor runs the order execution pipeline: one claimed job is
// walked through the routing, building, submitted and terminal states, with
// every transition written through the order service.
package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dexroute/swapd/internal/orderqueue"
	"github.com/dexroute/swapd/internal/orderservice"
	"github.com/dexroute/swapd/pkg/models"
)

// Orders is the slice of the order service the pipeline writes through.
type Orders interface {
	AcquireLease(ctx context.Context, orderID string) (string, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, update orderservice.Update) error
	FinishOrder(ctx context.Context, orderID, leaseToken string)
}

// Router quotes and executes against the venues.
type Router interface {
	GetBestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (models.Quote, error)
	ExecuteOrder(ctx context.Context, venue, tokenIn, tokenOut string, amount, expectedPrice float64) (models.Execution, error)
}

// Processor executes one job attempt end to end.
type Processor struct {
	orders Orders
	router Router
	logger *zap.Logger
}

func New(orders Orders, router Router, logger *zap.Logger) *Processor {
	return &Processor{
		orders: orders,
		router: router,
		logger: logger.Named("processor"),
	}
}

// Process runs the pipeline for the job's order. A returned error means the
// attempt failed and the queue should apply its retry policy; the order is
// marked failed on every fault path, so a later retry re-runs the whole
// pipeline from routing.
func (p *Processor) Process(ctx context.Context, job orderqueue.Job) error {
	order := job.Order
	log := p.logger.With(
		zap.String("order_id", order.OrderID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt+1))

	token, err := p.orders.AcquireLease(ctx, order.OrderID)
	if err != nil {
		return fmt.Errorf("acquiring lease for %s: %w", order.OrderID, err)
	}
	defer p.orders.FinishOrder(ctx, order.OrderID, token)

	write := func(status models.OrderStatus, update orderservice.Update) error {
		update.LeaseToken = token
		return p.orders.UpdateOrderStatus(ctx, order.OrderID, status, update)
	}

	if err := write(models.StatusRouting, orderservice.Update{}); err != nil {
		return p.abort(ctx, log, order.OrderID, token, err)
	}

	quote, err := p.router.GetBestQuote(ctx, order.TokenIn, order.TokenOut, order.Amount)
	if err != nil {
		return p.fail(ctx, log, order.OrderID, token,
			fmt.Errorf("fetching quotes for %s/%s: %w", order.TokenIn, order.TokenOut, err))
	}
	log.Info("best quote selected",
		zap.String("venue", quote.Venue),
		zap.Float64("price", quote.Price))

	expectedMinPrice := quote.Price * (1 - order.Slippage/100)
	if quote.Price < expectedMinPrice {
		return p.fail(ctx, log, order.OrderID, token,
			fmt.Errorf("quote price %.6f below slippage floor %.6f", quote.Price, expectedMinPrice))
	}

	if err := write(models.StatusBuilding, orderservice.Update{SelectedVenue: quote.Venue}); err != nil {
		return p.abort(ctx, log, order.OrderID, token, err)
	}

	if err := write(models.StatusSubmitted, orderservice.Update{}); err != nil {
		return p.abort(ctx, log, order.OrderID, token, err)
	}

	exec, err := p.router.ExecuteOrder(ctx, quote.Venue, order.TokenIn, order.TokenOut, order.Amount, quote.Price)
	if err != nil {
		return p.fail(ctx, log, order.OrderID, token,
			fmt.Errorf("executing on %s: %w", quote.Venue, err))
	}

	err = write(models.StatusConfirmed, orderservice.Update{
		TxHash:        exec.TxHash,
		ExecutedPrice: &exec.ExecutedPrice,
	})
	if err != nil {
		return p.abort(ctx, log, order.OrderID, token, err)
	}

	log.Info("order confirmed",
		zap.String("venue", quote.Venue),
		zap.String("tx_hash", exec.TxHash),
		zap.Float64("executed_price", exec.ExecutedPrice))
	return nil
}

// fail marks the order failed before surfacing the attempt error. The failed
// record is visible between attempts; a retry moves it back through routing.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, orderID, token string, cause error) error {
	log.Warn("pipeline attempt failed", zap.Error(cause))

	err := p.orders.UpdateOrderStatus(ctx, orderID, models.StatusFailed, orderservice.Update{
		Error:      cause.Error(),
		LeaseToken: token,
	})
	if err != nil {
		log.Error("recording order failure failed", zap.Error(err))
	}
	return cause
}

// abort handles a failed state write. A lost lease means a newer attempt owns
// the order now, so this one walks away without touching the record further.
func (p *Processor) abort(ctx context.Context, log *zap.Logger, orderID, token string, cause error) error {
	if errors.Is(cause, orderservice.ErrLeaseLost) {
		log.Warn("abandoning attempt, lease displaced", zap.Error(cause))
		return cause
	}
	return p.fail(ctx, log, orderID, token, cause)
}
