// Package orderservice owns the order state machine and keeps the durable
// store, the active-order cache and the change notifier consistent. Every
// mutation goes durable-write first, then cache, then event publish, so a
// subscriber never observes a status that has not been committed.
//
// The service does not police transition ordering: it persists whatever
// status the caller hands it. Correct stage ordering is the worker
// pipeline's responsibility.
package orderservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dexroute/swapd/internal/notifier"
	"github.com/dexroute/swapd/internal/ordercache"
	"github.com/dexroute/swapd/internal/orderstore"
	"github.com/dexroute/swapd/pkg/metrics"
	"github.com/dexroute/swapd/pkg/models"
)

// ErrNotFound is returned when an operation references an unknown order.
var ErrNotFound = orderstore.ErrNotFound

// ErrLeaseLost is returned when a write carries a lease token that a newer
// attempt has displaced.
var ErrLeaseLost = errors.New("order lease lost to a newer attempt")

// Update carries the optional field changes merged into an order alongside a
// status transition. Zero values leave the corresponding field untouched.
type Update struct {
	SelectedVenue string
	ExecutedPrice *float64
	TxHash        string
	Error         string
	// LeaseToken, when set, is validated against the current lease before
	// any write happens.
	LeaseToken string
}

// Service mediates all reads and writes of order records.
type Service struct {
	store    *orderstore.Store
	cache    ordercache.Cache
	leases   ordercache.LeaseStore
	notifier *notifier.Notifier
	logger   *zap.Logger
}

// New creates the order service with its injected collaborators.
func New(store *orderstore.Store, cache ordercache.Cache, leases ordercache.LeaseStore, n *notifier.Notifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		leases:   leases,
		notifier: n,
		logger:   logger.Named("orderservice"),
	}
}

// CreateOrder persists a new pending order, mirrors it into the cache and
// announces it to subscribers.
func (s *Service) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	now := time.Now().UTC()
	order := &models.Order{
		OrderID:   models.NewOrderID(),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Slippage:  req.Slippage,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Save(ctx, order); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, order); err != nil {
		s.logger.Warn("cache write failed on create", zap.String("order_id", order.OrderID), zap.Error(err))
	}

	s.publish(ctx, order, "Order received and pending processing")
	metrics.OrdersCreated.Inc()

	s.logger.Info("order created", zap.String("order_id", order.OrderID))
	return order, nil
}

// UpdateOrderStatus loads the durable record, merges the update and new
// status onto it, and writes it back through store, cache and notifier in
// that order. Unknown orders fail with ErrNotFound before any write.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus, update Update) error {
	if update.LeaseToken != "" {
		ok, err := s.leases.Validate(ctx, orderID, update.LeaseToken)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("updating %s to %s: %w", orderID, status, ErrLeaseLost)
		}
	}

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}

	order.Status = status
	if update.SelectedVenue != "" {
		order.SelectedVenue = update.SelectedVenue
	}
	if update.ExecutedPrice != nil {
		order.ExecutedPrice = update.ExecutedPrice
	}
	if update.TxHash != "" {
		order.TxHash = update.TxHash
	}
	if update.Error != "" {
		order.Error = update.Error
	}
	// a retried order may have failed before; terminal records carry either
	// the execution fields or the error, never both
	switch status {
	case models.StatusConfirmed:
		order.Error = ""
	case models.StatusFailed:
		order.TxHash = ""
		order.ExecutedPrice = nil
	}
	order.UpdatedAt = time.Now().UTC()

	if err := s.store.Save(ctx, order); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, order); err != nil {
		s.logger.Warn("cache write failed on update", zap.String("order_id", orderID), zap.Error(err))
	}

	s.publish(ctx, order, statusMessage(status, order))
	if status.Terminal() {
		metrics.OrdersTerminal.WithLabelValues(string(status)).Inc()
	}

	s.logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("status", string(status)))
	return nil
}

// GetOrder reads cache-first and falls back to the durable store on a miss.
// The read path never repopulates the cache; only the write paths do.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	cached, err := s.cache.Get(ctx, orderID)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("order_id", orderID), zap.Error(err))
	}
	if cached != nil {
		return cached, nil
	}
	return s.store.Get(ctx, orderID)
}

// ListOrders exposes the store's operational queries.
func (s *Service) ListOrders(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	if status != "" {
		return s.store.ListByStatus(ctx, status, limit)
	}
	return s.store.ListRecent(ctx, limit)
}

// AcquireLease takes the per-order attempt lease, displacing any holder.
func (s *Service) AcquireLease(ctx context.Context, orderID string) (string, error) {
	return s.leases.Acquire(ctx, orderID)
}

// FinishOrder drops the order from the active cache and releases the lease.
// Called by the pipeline once a terminal state has been written.
func (s *Service) FinishOrder(ctx context.Context, orderID, leaseToken string) {
	if err := s.cache.Delete(ctx, orderID); err != nil {
		s.logger.Warn("cache evict failed", zap.String("order_id", orderID), zap.Error(err))
	}
	if leaseToken != "" {
		if err := s.leases.Release(ctx, orderID, leaseToken); err != nil {
			s.logger.Warn("lease release failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

func (s *Service) publish(ctx context.Context, order *models.Order, message string) {
	update := models.OrderUpdate{
		OrderID:   order.OrderID,
		Status:    order.Status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data: models.UpdateData{
			SelectedVenue: order.SelectedVenue,
			ExecutedPrice: order.ExecutedPrice,
			TxHash:        order.TxHash,
			Error:         order.Error,
		},
	}
	if err := s.notifier.PublishUpdate(ctx, update); err != nil {
		// best-effort contract: a lost notification never fails the write
		s.logger.Warn("publish failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

// statusMessage derives the human-readable message for a transition. The
// switch is exhaustive over the status enum so a new status is a
// compile-visible change here.
func statusMessage(status models.OrderStatus, order *models.Order) string {
	switch status {
	case models.StatusPending:
		return "Order received and pending processing"
	case models.StatusRouting:
		return "Finding best venue route"
	case models.StatusBuilding:
		return "Building transaction"
	case models.StatusSubmitted:
		return "Transaction submitted to venue"
	case models.StatusConfirmed:
		price := 0.0
		if order.ExecutedPrice != nil {
			price = *order.ExecutedPrice
		}
		return fmt.Sprintf("Order executed successfully at %.2f via %s", price, order.SelectedVenue)
	case models.StatusFailed:
		reason := order.Error
		if reason == "" {
			reason = "Unknown error"
		}
		return fmt.Sprintf("Order failed: %s", reason)
	default:
		return fmt.Sprintf("Order status changed to %s", status)
	}
}
