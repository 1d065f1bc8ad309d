package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexroute/swapd/pkg/models"
)

func collectUpdates(t *testing.T, ch <-chan models.OrderUpdate, n int) []models.OrderUpdate {
	t.Helper()
	var out []models.OrderUpdate
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case u := <-ch:
			out = append(out, u)
		case <-deadline:
			t.Fatalf("timed out waiting for %d updates, got %d", n, len(out))
		}
	}
	return out
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	n := New(NewMemoryPubSub(), zap.NewNop())
	ctx := context.Background()

	ch1, cancel1, err := n.SubscribeOrder(ctx, "ord_1")
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := n.SubscribeOrder(ctx, "ord_1")
	require.NoError(t, err)
	defer cancel2()

	update := models.OrderUpdate{
		OrderID:   "ord_1",
		Status:    models.StatusRouting,
		Message:   "Finding best venue route",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, n.PublishUpdate(ctx, update))

	for _, ch := range []<-chan models.OrderUpdate{ch1, ch2} {
		got := collectUpdates(t, ch, 1)[0]
		assert.Equal(t, "ord_1", got.OrderID)
		assert.Equal(t, models.StatusRouting, got.Status)
	}
}

func TestSubscriptionsAreOrderScoped(t *testing.T) {
	n := New(NewMemoryPubSub(), zap.NewNop())
	ctx := context.Background()

	ch, cancel, err := n.SubscribeOrder(ctx, "ord_a")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.PublishUpdate(ctx, models.OrderUpdate{OrderID: "ord_b", Status: models.StatusConfirmed}))
	require.NoError(t, n.PublishUpdate(ctx, models.OrderUpdate{OrderID: "ord_a", Status: models.StatusPending}))

	got := collectUpdates(t, ch, 1)[0]
	assert.Equal(t, "ord_a", got.OrderID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected cross-order update: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	n := New(NewMemoryPubSub(), zap.NewNop())
	ctx := context.Background()

	ch, cancel, err := n.SubscribeOrder(ctx, "ord_c")
	require.NoError(t, err)
	cancel()

	require.NoError(t, n.PublishUpdate(ctx, models.OrderUpdate{OrderID: "ord_c", Status: models.StatusPending}))

	// channel closes once the backend subscription is gone
	_, open := <-ch
	assert.False(t, open)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	n := New(NewMemoryPubSub(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, n.PublishUpdate(ctx, models.OrderUpdate{OrderID: "ord_d", Status: models.StatusRouting}))

	ch, cancel, err := n.SubscribeOrder(ctx, "ord_d")
	require.NoError(t, err)
	defer cancel()

	select {
	case u := <-ch:
		t.Fatalf("late subscriber must not replay, got %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}
