package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/models"
	"tierwise.app/cloud/storage"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type capturePublisher struct {
	mu       sync.Mutex
	payloads []relay.Payload
}

func (c *capturePublisher) Publish(_ context.Context, topic relay.Topic, payload relay.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capturePublisher) published() []relay.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Payload(nil), c.payloads...)
}

// failingStore errors on every ledger call, or blocks until the context
// expires when hang is set.
type failingStore struct {
	storage.Storage
	hang bool
}

func (f failingStore) fail(ctx context.Context) error {
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return storage.ErrStoreUnavailable
}

func (f failingStore) EnsureEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	return nil, f.fail(ctx)
}

func (f failingStore) ReadEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	return nil, f.fail(ctx)
}

func (f failingStore) AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error) {
	return nil, f.fail(ctx)
}

func setTier(t *testing.T, store storage.Storage, accountID string, tier models.Tier) {
	t.Helper()
	ent := &models.Entitlement{AccountID: accountID, Tier: tier, Status: models.StatusActive, UpdatedAt: fixedNow}
	require.NoError(t, store.WriteEntitlement(context.Background(), ent, nil))
}

func newGate(store storage.Storage, publisher relay.Publisher) *Gate {
	return NewGate(store, Options{
		Publisher: publisher,
		Now:       func() time.Time { return fixedNow },
	})
}

func TestCheckAndReserve_Admits(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierLite)
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 100, "completion-large")

	assert.True(t, decision.Admitted)
	assert.Empty(t, decision.Reason)
	assert.Equal(t, int64(300), decision.Reserved)
	assert.Equal(t, int64(100_000), decision.Limit)
	assert.Equal(t, int64(99_700), decision.Remaining)
	assert.Equal(t, models.TierLite, decision.Tier)
}

func TestCheckAndReserve_DeniesPastLimit(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierLite)
	store.SeedUsage("acct_1", "2025-03", 99_999)
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 2, DefaultMeter)

	assert.False(t, decision.Admitted)
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, int64(1), decision.Remaining)

	counter, err := store.ReadUsage(context.Background(), "acct_1", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(99_999), counter.TokensUsed)
}

func TestCheckAndReserve_DeniesUnitsThatOverflowCost(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	for _, tc := range []struct {
		units int64
		meter string
	}{
		{math.MaxInt64, DefaultMeter},
		{1 << 62, "completion-large"},
		{math.MaxInt64 - 1024, "embedding"},
	} {
		decision := gate.CheckAndReserve(context.Background(), "acct_1", tc.units, tc.meter)
		assert.False(t, decision.Admitted, "%d units on %s", tc.units, tc.meter)
		assert.Equal(t, ReasonLimitExceeded, decision.Reason)
		assert.Equal(t, int64(10_000), decision.Remaining)
	}

	counter, err := store.ReadUsage(context.Background(), "acct_1", "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.TokensUsed)
}

func TestCheckAndReserve_ExactlyOneOfConcurrentFullReservations(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierFull)
	gate := newGate(store, nil)

	var decisions [2]Decision
	var g errgroup.Group
	for i := range decisions {
		i := i
		g.Go(func() error {
			decisions[i] = gate.CheckAndReserve(context.Background(), "acct_1", 1_000_000, DefaultMeter)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	admitted := 0
	for _, d := range decisions {
		if d.Admitted {
			admitted++
		} else {
			assert.Equal(t, ReasonLimitExceeded, d.Reason)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestCheckAndReserve_NeverOvercommitsUnderContention(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	var mu sync.Mutex
	admitted := 0
	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			if gate.CheckAndReserve(context.Background(), "acct_free", 100, DefaultMeter).Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 100, admitted, "free tier allows 10,000 units")
	balance, err := gate.GetBalance(context.Background(), "acct_free")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), balance.Used)
	assert.Equal(t, int64(0), balance.Remaining)
}

func TestCheckAndReserve_UsesTierAtCallTime(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierFull)
	store.SeedUsage("acct_1", "2025-03", 50_000)
	gate := newGate(store, nil)

	assert.True(t, gate.CheckAndReserve(context.Background(), "acct_1", 10, DefaultMeter).Admitted)

	cancelled := &models.Entitlement{AccountID: "acct_1", Tier: models.TierFree, Status: models.StatusCancelled}
	require.NoError(t, store.WriteEntitlement(context.Background(), cancelled, nil))

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 10, DefaultMeter)
	assert.False(t, decision.Admitted)
	assert.Equal(t, ReasonLimitExceeded, decision.Reason)
	assert.Equal(t, int64(10_000), decision.Limit)
	assert.Equal(t, models.TierFree, decision.Tier)
}

func TestCheckAndReserve_EnsuresDefaultEntitlement(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_new", 1, DefaultMeter)
	assert.True(t, decision.Admitted)
	assert.Equal(t, models.TierFree, decision.Tier)

	ent, err := store.ReadEntitlement(context.Background(), "acct_new")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, models.StatusInactive, ent.Status)
}

func TestCheckAndReserve_InvalidRequest(t *testing.T) {
	gate := newGate(storage.NewMemoryStorage(), nil)

	assert.Equal(t, ReasonInvalidRequest, gate.CheckAndReserve(context.Background(), "", 1, DefaultMeter).Reason)
	assert.Equal(t, ReasonInvalidRequest, gate.CheckAndReserve(context.Background(), "acct_1", 0, DefaultMeter).Reason)
	assert.Equal(t, ReasonInvalidRequest, gate.CheckAndReserve(context.Background(), "acct_1", -5, DefaultMeter).Reason)
}

func TestCheckAndReserve_FailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		store failingStore
	}{
		{name: "store error", store: failingStore{Storage: storage.NewMemoryStorage()}},
		{name: "store timeout", store: failingStore{Storage: storage.NewMemoryStorage(), hang: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(tt.store, Options{StoreTimeout: 20 * time.Millisecond, Now: func() time.Time { return fixedNow }})

			decision := gate.CheckAndReserve(context.Background(), "acct_1", 1, DefaultMeter)
			assert.False(t, decision.Admitted)
			assert.Equal(t, ReasonStoreUnavailable, decision.Reason)

			_, err := gate.GetBalance(context.Background(), "acct_1")
			assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
		})
	}
}

func TestRecordActual_ChargesUnderestimate(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierLite)
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 100, DefaultMeter)
	require.True(t, decision.Admitted)

	record := gate.RecordActual(context.Background(), "acct_1", decision.Reserved, 250, DefaultMeter)
	assert.True(t, record.Recorded)
	assert.Equal(t, int64(150), record.Delta)
	assert.Equal(t, int64(100_000-250), record.Remaining)
}

func TestRecordActual_OverestimateIsNotRefunded(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 500, DefaultMeter)
	require.True(t, decision.Admitted)

	record := gate.RecordActual(context.Background(), "acct_1", decision.Reserved, 200, DefaultMeter)
	assert.True(t, record.Recorded)
	assert.Equal(t, int64(-300), record.Delta)

	balance, err := gate.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Used)
}

func TestRecordActual_HugeActualIsNotARefund(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	decision := gate.CheckAndReserve(context.Background(), "acct_1", 10, DefaultMeter)
	require.True(t, decision.Admitted)

	record := gate.RecordActual(context.Background(), "acct_1", decision.Reserved, math.MaxInt64, DefaultMeter)
	assert.False(t, record.Recorded)
	assert.Equal(t, ReasonReconciliationMismatch, record.Reason)
	assert.Positive(t, record.Delta)

	balance, err := gate.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Used)
}

func TestRecordActual_Failures(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.SeedUsage("acct_1", "2025-03", 9_990)
	gate := newGate(store, nil)

	record := gate.RecordActual(context.Background(), "acct_1", 0, 50, DefaultMeter)
	assert.False(t, record.Recorded)
	assert.Equal(t, ReasonReconciliationMismatch, record.Reason)

	record = gate.RecordActual(context.Background(), "acct_1", -1, 50, DefaultMeter)
	assert.Equal(t, ReasonInvalidRequest, record.Reason)

	failing := NewGate(failingStore{Storage: store}, Options{Now: func() time.Time { return fixedNow }})
	record = failing.RecordActual(context.Background(), "acct_1", 0, 1, DefaultMeter)
	assert.False(t, record.Recorded)
	assert.Equal(t, ReasonStoreUnavailable, record.Reason)
}

func TestRecordActual_PublishesLowBalance(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierLite)
	store.SeedUsage("acct_1", "2025-03", 94_000)
	publisher := &capturePublisher{}
	gate := newGate(store, publisher)

	record := gate.RecordActual(context.Background(), "acct_1", 0, 500, DefaultMeter)
	require.True(t, record.Recorded)
	assert.Empty(t, publisher.published(), "5,500 remaining is above the 5,000 threshold")

	record = gate.RecordActual(context.Background(), "acct_1", 0, 600, DefaultMeter)
	require.True(t, record.Recorded)

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, relay.BalanceLow{AccountID: "acct_1", Remaining: 4_900, Threshold: 5_000, Limit: 100_000}, published[0])
}

func TestGetBalance(t *testing.T) {
	store := storage.NewMemoryStorage()
	setTier(t, store, "acct_1", models.TierFull)
	store.SeedUsage("acct_1", "2025-03", 1_234)
	store.SeedUsage("acct_1", "2025-02", 999_999)
	gate := newGate(store, nil)

	balance, err := gate.GetBalance(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, &Balance{
		AccountID: "acct_1",
		Used:      1_234,
		Remaining: 1_000_000 - 1_234,
		Total:     1_000_000,
		Tier:      models.TierFull,
		PeriodKey: "2025-03",
		ResetAt:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}, balance)

	_, err = gate.GetBalance(context.Background(), "")
	assert.ErrorIs(t, err, ErrAccountRequired)
}

func TestGetBalance_DoesNotCreateEntitlement(t *testing.T) {
	store := storage.NewMemoryStorage()
	gate := newGate(store, nil)

	balance, err := gate.GetBalance(context.Background(), "acct_ghost")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, balance.Tier)

	ent, err := store.ReadEntitlement(context.Background(), "acct_ghost")
	require.NoError(t, err)
	assert.Nil(t, ent)
}

func TestIsLowBalance(t *testing.T) {
	tests := []struct {
		name      string
		tier      models.Tier
		used      int64
		warn      bool
		remaining int64
		threshold int64
	}{
		{name: "free uses floor", tier: models.TierFree, used: 8_999, warn: false, remaining: 1_001, threshold: 1_000},
		{name: "free at floor", tier: models.TierFree, used: 9_000, warn: true, remaining: 1_000, threshold: 1_000},
		{name: "one left", tier: models.TierFree, used: 9_999, warn: true, remaining: 1, threshold: 1_000},
		{name: "exhausted is a denial not a warning", tier: models.TierFree, used: 10_000, warn: false, remaining: 0, threshold: 1_000},
		{name: "full uses five percent", tier: models.TierFull, used: 950_000, warn: true, remaining: 50_000, threshold: 50_000},
		{name: "full above threshold", tier: models.TierFull, used: 949_999, warn: false, remaining: 50_001, threshold: 50_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStorage()
			setTier(t, store, "acct_1", tt.tier)
			store.SeedUsage("acct_1", "2025-03", tt.used)
			gate := newGate(store, nil)

			low, err := gate.IsLowBalance(context.Background(), "acct_1")
			require.NoError(t, err)
			assert.Equal(t, &LowBalance{Warn: tt.warn, Remaining: tt.remaining, Threshold: tt.threshold}, low)
		})
	}
}
