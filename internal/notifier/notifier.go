package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/models"
)

// orderChannel returns the per-order pub/sub channel name.
func orderChannel(orderID string) string {
	return "order:" + orderID
}

// Notifier publishes lifecycle events on order-scoped channels and hands out
// per-order subscriptions.
type Notifier struct {
	backend PubSubBackend
	logger  *zap.Logger
}

// New creates a Notifier on the given backend.
func New(backend PubSubBackend, logger *zap.Logger) *Notifier {
	return &Notifier{backend: backend, logger: logger.Named("notifier")}
}

// PublishUpdate emits one lifecycle event for the order's transition.
func (n *Notifier) PublishUpdate(ctx context.Context, update models.OrderUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshaling update for %s: %w", update.OrderID, err)
	}
	if err := n.backend.Publish(ctx, orderChannel(update.OrderID), payload); err != nil {
		return err
	}
	n.logger.Debug("published order update",
		zap.String("order_id", update.OrderID),
		zap.String("status", string(update.Status)))
	return nil
}

// SubscribeOrder subscribes to the order's lifecycle events. The returned
// cancel function must be called to release the subscription. Malformed
// payloads are dropped.
func (n *Notifier) SubscribeOrder(ctx context.Context, orderID string) (<-chan models.OrderUpdate, func(), error) {
	raw, cancel, err := n.backend.Subscribe(ctx, orderChannel(orderID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan models.OrderUpdate, 64)
	go func() {
		defer close(out)
		for payload := range raw {
			var update models.OrderUpdate
			if err := json.Unmarshal(payload, &update); err != nil {
				n.logger.Warn("dropping malformed order update",
					zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			select {
			case out <- update:
			default:
			}
		}
	}()
	return out, cancel, nil
}
