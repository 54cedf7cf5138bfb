package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/internal/testutil"
	"tierwise.app/cloud/models"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeNotifier) Notify(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNotifier) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func newTrigger(t *testing.T, now func() time.Time) (*relay.Bus, *fakeNotifier) {
	t.Helper()
	store := testutil.TestStorage()
	testutil.MustSetup(t, store)

	bus := relay.New(relay.Options{})
	t.Cleanup(bus.Close)

	notifier := &fakeNotifier{}
	trigger := NewTrigger(store, notifier, TriggerOptions{Now: now})
	require.NoError(t, trigger.Start(bus))
	t.Cleanup(trigger.Stop)
	return bus, notifier
}

func TestTrigger_TierChange(t *testing.T) {
	bus, notifier := newTrigger(t, nil)

	require.NoError(t, bus.Publish(context.Background(), relay.TopicTierUpdated, relay.TierUpdated{
		AccountID: "acct_lite", PreviousTier: models.TierLite, NewTier: models.TierFull,
	}))

	require.Eventually(t, func() bool { return len(notifier.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := notifier.messages()[0]
	assert.Equal(t, "lite@example.com", msg.To)
	assert.Equal(t, "Your plan is now full", msg.Subject)
}

func TestTrigger_SkipsUnchangedTierAndUnknownAccount(t *testing.T) {
	bus, notifier := newTrigger(t, nil)

	require.NoError(t, bus.Publish(context.Background(), relay.TopicTierUpdated, relay.TierUpdated{
		AccountID: "acct_lite", PreviousTier: models.TierLite, NewTier: models.TierLite,
	}))
	require.NoError(t, bus.Publish(context.Background(), relay.TopicBalanceLow, relay.BalanceLow{
		AccountID: "acct_ghost", Remaining: 10, Threshold: 1000, Limit: 10000,
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, notifier.messages())
}

func TestTrigger_LowBalanceCooldown(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	bus, notifier := newTrigger(t, clock)

	low := relay.BalanceLow{AccountID: "acct_free", Remaining: 500, Threshold: 1000, Limit: 10000}
	require.NoError(t, bus.Publish(context.Background(), relay.TopicBalanceLow, low))
	require.NoError(t, bus.Publish(context.Background(), relay.TopicBalanceLow, low))

	require.Eventually(t, func() bool { return len(notifier.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, notifier.messages(), 1)
	assert.Equal(t, "free@example.com", notifier.messages()[0].To)

	mu.Lock()
	now = now.Add(25 * time.Hour)
	mu.Unlock()
	require.NoError(t, bus.Publish(context.Background(), relay.TopicBalanceLow, low))
	require.Eventually(t, func() bool { return len(notifier.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestTrigger_StopUnsubscribes(t *testing.T) {
	store := testutil.TestStorage()
	bus := relay.New(relay.Options{})
	defer bus.Close()

	trigger := NewTrigger(store, &fakeNotifier{}, TriggerOptions{})
	require.NoError(t, trigger.Start(bus))
	assert.Equal(t, 1, bus.SubscriberCount(relay.TopicBalanceLow))
	assert.Equal(t, 1, bus.SubscriberCount(relay.TopicTierUpdated))

	trigger.Stop()
	trigger.Stop()
	assert.Equal(t, 0, bus.SubscriberCount(relay.TopicBalanceLow))
	assert.Equal(t, 0, bus.SubscriberCount(relay.TopicTierUpdated))
}
