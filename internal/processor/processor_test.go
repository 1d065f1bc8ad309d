package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/internal/orderqueue"
	"github.com/dexroute/swapd/internal/orderservice"
	"github.com/dexroute/swapd/pkg/models"
)

type statusWrite struct {
	status models.OrderStatus
	update orderservice.Update
}

type fakeOrders struct {
	token      string
	acquireErr error
	// failWriteAt makes the write for that status return failWriteErr
	failWriteAt  models.OrderStatus
	failWriteErr error

	writes   []statusWrite
	finished []string
}

func (f *fakeOrders) AcquireLease(ctx context.Context, orderID string) (string, error) {
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	if f.token == "" {
		f.token = "tok_test"
	}
	return f.token, nil
}

func (f *fakeOrders) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, update orderservice.Update) error {
	if status == f.failWriteAt && f.failWriteErr != nil {
		return f.failWriteErr
	}
	f.writes = append(f.writes, statusWrite{status: status, update: update})
	return nil
}

func (f *fakeOrders) FinishOrder(ctx context.Context, orderID, leaseToken string) {
	f.finished = append(f.finished, leaseToken)
}

func (f *fakeOrders) statuses() []models.OrderStatus {
	out := make([]models.OrderStatus, 0, len(f.writes))
	for _, w := range f.writes {
		out = append(out, w.status)
	}
	return out
}

type fakeRouter struct {
	quote    models.Quote
	quoteErr error
	exec     models.Execution
	execErr  error

	executedVenue string
}

func (f *fakeRouter) GetBestQuote(ctx context.Context, tokenIn, tokenOut string, amount float64) (models.Quote, error) {
	if f.quoteErr != nil {
		return models.Quote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeRouter) ExecuteOrder(ctx context.Context, venue, tokenIn, tokenOut string, amount, expectedPrice float64) (models.Execution, error) {
	f.executedVenue = venue
	if f.execErr != nil {
		return models.Execution{}, f.execErr
	}
	return f.exec, nil
}

func pipelineJob() orderqueue.Job {
	return orderqueue.NewJob(models.Order{
		OrderID:  "ord_pipe",
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   2,
		Slippage: 0.5,
		Status:   models.StatusPending,
	}, 3, 0)
}

func TestProcessHappyPath(t *testing.T) {
	orders := &fakeOrders{token: "tok_1"}
	router := &fakeRouter{
		quote: models.Quote{Venue: "raydium", Price: 101.2},
		exec:  models.Execution{TxHash: "0xabc", ExecutedPrice: 101.1},
	}
	p := New(orders, router, zap.NewNop())

	require.NoError(t, p.Process(context.Background(), pipelineJob()))

	assert.Equal(t, []models.OrderStatus{
		models.StatusRouting,
		models.StatusBuilding,
		models.StatusSubmitted,
		models.StatusConfirmed,
	}, orders.statuses())

	building := orders.writes[1]
	assert.Equal(t, "raydium", building.update.SelectedVenue)

	confirmed := orders.writes[3]
	assert.Equal(t, "0xabc", confirmed.update.TxHash)
	require.NotNil(t, confirmed.update.ExecutedPrice)
	assert.Equal(t, 101.1, *confirmed.update.ExecutedPrice)

	// every write carries the attempt's lease
	for _, w := range orders.writes {
		assert.Equal(t, "tok_1", w.update.LeaseToken)
	}
	assert.Equal(t, []string{"tok_1"}, orders.finished)
	assert.Equal(t, "raydium", router.executedVenue)
}

func TestProcessQuoteFailureMarksOrderFailed(t *testing.T) {
	orders := &fakeOrders{}
	router := &fakeRouter{quoteErr: errors.New("all venues unavailable")}
	p := New(orders, router, zap.NewNop())

	err := p.Process(context.Background(), pipelineJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all venues unavailable")

	assert.Equal(t, []models.OrderStatus{
		models.StatusRouting,
		models.StatusFailed,
	}, orders.statuses())

	failed := orders.writes[len(orders.writes)-1]
	assert.Contains(t, failed.update.Error, "all venues unavailable")
	assert.Len(t, orders.finished, 1, "lease released after a failed attempt")
}

func TestProcessExecutionFailureMarksOrderFailed(t *testing.T) {
	orders := &fakeOrders{}
	router := &fakeRouter{
		quote:   models.Quote{Venue: "meteora", Price: 2500},
		execErr: errors.New("venue rejected transaction"),
	}
	p := New(orders, router, zap.NewNop())

	err := p.Process(context.Background(), pipelineJob())
	require.Error(t, err)

	assert.Equal(t, []models.OrderStatus{
		models.StatusRouting,
		models.StatusBuilding,
		models.StatusSubmitted,
		models.StatusFailed,
	}, orders.statuses())
	assert.Contains(t, orders.writes[3].update.Error, "venue rejected transaction")
}

func TestProcessLeaseAcquireFailureWritesNothing(t *testing.T) {
	orders := &fakeOrders{acquireErr: errors.New("lease backend down")}
	p := New(orders, &fakeRouter{}, zap.NewNop())

	err := p.Process(context.Background(), pipelineJob())
	require.Error(t, err)
	assert.Empty(t, orders.writes)
	assert.Empty(t, orders.finished)
}

func TestProcessLostLeaseAbandonsWithoutFailedWrite(t *testing.T) {
	orders := &fakeOrders{
		failWriteAt:  models.StatusBuilding,
		failWriteErr: orderservice.ErrLeaseLost,
	}
	router := &fakeRouter{quote: models.Quote{Venue: "raydium", Price: 100}}
	p := New(orders, router, zap.NewNop())

	err := p.Process(context.Background(), pipelineJob())
	require.ErrorIs(t, err, orderservice.ErrLeaseLost)

	// the displaced attempt must not clobber the new owner's record
	assert.Equal(t, []models.OrderStatus{models.StatusRouting}, orders.statuses())
	assert.Len(t, orders.finished, 1)
}

func TestProcessTightSlippageStillExecutes(t *testing.T) {
	orders := &fakeOrders{}
	router := &fakeRouter{
		quote: models.Quote{Venue: "raydium", Price: 99.7},
		exec:  models.Execution{TxHash: "0xdef", ExecutedPrice: 99.65},
	}
	p := New(orders, router, zap.NewNop())

	job := pipelineJob()
	job.Order.Slippage = 0.01
	require.NoError(t, p.Process(context.Background(), job))
	assert.Equal(t, models.StatusConfirmed, orders.writes[len(orders.writes)-1].status)
}
