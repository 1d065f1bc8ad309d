// Package orderstore is the authoritative persistent record of every order.
// Writes are idempotent upserts keyed by order ID; records are never deleted
// so the table doubles as the audit trail.
package orderstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dexroute/swapd/pkg/models"
)

// ErrNotFound is returned when no order exists for the given identifier.
var ErrNotFound = errors.New("order not found")

// Store persists orders through gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Store on the given database handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("orderstore")}
}

// Save upserts the order. On conflict only the mutable lifecycle fields are
// updated; the request fields and created_at stay as first written.
func (s *Store) Save(ctx context.Context, order *models.Order) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "selected_venue", "executed_price", "tx_hash", "error", "updated_at",
		}),
	}).Create(order).Error
	if err != nil {
		return fmt.Errorf("saving order %s: %w", order.OrderID, err)
	}
	return nil
}

// Get returns the order for the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	return &order, nil
}

// ListByStatus returns up to limit orders in the given status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("listing orders by status %s: %w", status, err)
	}
	return orders, nil
}

// ListRecent returns up to limit orders ordered by creation time descending.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("listing recent orders: %w", err)
	}
	return orders, nil
}
