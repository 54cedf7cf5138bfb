// Package quota admits or denies metered operations against the monthly
// allowance of the account's tier.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/metrics"
	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/internal/tiers"
	"tierwise.app/cloud/models"
	"tierwise.app/cloud/storage"
)

const (
	DefaultLowBalanceFloor = 1000
	DefaultStoreTimeout    = 2 * time.Second
)

var ErrAccountRequired = errors.New("account id is required")

type Reason string

const (
	ReasonLimitExceeded          Reason = "limit_exceeded"
	ReasonStoreUnavailable       Reason = "store_unavailable"
	ReasonInvalidRequest         Reason = "invalid_request"
	ReasonReconciliationMismatch Reason = "reconciliation_mismatch"
)

// Decision is the answer to CheckAndReserve. A denied decision must stop the
// metered operation.
type Decision struct {
	Admitted  bool        `json:"admitted"`
	Reason    Reason      `json:"reason,omitempty"`
	Remaining int64       `json:"remaining"`
	Limit     int64       `json:"limit"`
	Tier      models.Tier `json:"tier,omitempty"`
	Reserved  int64       `json:"reserved"`
}

// Record is the outcome of a true-up. A failed record is a reconciliation
// issue; it never undoes the operation.
type Record struct {
	Recorded  bool   `json:"recorded"`
	Reason    Reason `json:"reason,omitempty"`
	Delta     int64  `json:"delta"`
	Remaining int64  `json:"remaining"`
}

type Balance struct {
	AccountID string      `json:"accountId"`
	Used      int64       `json:"used"`
	Remaining int64       `json:"remaining"`
	Total     int64       `json:"total"`
	Tier      models.Tier `json:"tier"`
	PeriodKey string      `json:"period"`
	ResetAt   time.Time   `json:"resetAt"`
}

type LowBalance struct {
	Warn      bool  `json:"warn"`
	Remaining int64 `json:"remaining"`
	Threshold int64 `json:"threshold"`
}

type Options struct {
	Costs           Costs
	LowBalanceFloor int64
	// StoreTimeout bounds every ledger round trip. Expiry denies.
	StoreTimeout time.Duration
	Publisher    relay.Publisher
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
	Now          func() time.Time
}

type Gate struct {
	store     storage.Storage
	costs     Costs
	floor     int64
	timeout   time.Duration
	publisher relay.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

func NewGate(store storage.Storage, opts Options) *Gate {
	if opts.Costs == nil {
		opts.Costs = DefaultCosts
	}
	if opts.LowBalanceFloor <= 0 {
		opts.LowBalanceFloor = DefaultLowBalanceFloor
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		store:     store,
		costs:     opts.Costs,
		floor:     opts.LowBalanceFloor,
		timeout:   opts.StoreTimeout,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
}

// Threshold is the low-balance warning level for limit.
func (g *Gate) Threshold(limit int64) int64 {
	if pct := limit / 20; pct > g.floor {
		return pct
	}
	return g.floor
}

// CheckAndReserve reserves the estimated cost of a metered operation before
// it runs. Concurrent calls for one account can never both be admitted past
// the limit; that serialization belongs to the ledger store.
func (g *Gate) CheckAndReserve(ctx context.Context, accountID string, estimatedUnits int64, meter string) Decision {
	if accountID == "" || estimatedUnits <= 0 {
		g.metrics.ObserveQuota("reserve", "denied", string(ReasonInvalidRequest))
		return Decision{Reason: ReasonInvalidRequest}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tier, err := g.currentTier(ctx, accountID)
	if err != nil {
		return g.unavailable(accountID, "", 0, err)
	}
	limit := tiers.MonthlyLimit(tier)
	cost := g.costs.Estimate(estimatedUnits, meter)
	period := PeriodKey(g.now())

	res, err := g.store.AtomicReserve(ctx, accountID, period, cost, limit)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return g.unavailable(accountID, tier, limit, err)
	}

	decision := Decision{
		Admitted:  res.Admitted,
		Remaining: res.Remaining,
		Limit:     limit,
		Tier:      tier,
	}
	if !res.Admitted {
		decision.Reason = ReasonLimitExceeded
		g.metrics.ObserveQuota("reserve", "denied", string(ReasonLimitExceeded))
		g.log.Info("Quota denied", map[string]interface{}{
			"account_id": accountID,
			"meter":      meter,
			"cost":       cost,
			"remaining":  res.Remaining,
			"limit":      limit,
			"period":     period,
		})
		return decision
	}

	decision.Reserved = cost
	g.metrics.ObserveQuota("reserve", "admitted", "")
	g.metrics.AddReservedUnits(string(tier), cost)
	g.log.Debug("Quota reserved", map[string]interface{}{
		"account_id": accountID,
		"meter":      meter,
		"cost":       cost,
		"remaining":  res.Remaining,
		"period":     period,
	})
	return decision
}

func (g *Gate) unavailable(accountID string, tier models.Tier, limit int64, err error) Decision {
	g.metrics.ObserveQuota("reserve", "denied", string(ReasonStoreUnavailable))
	g.log.Warn("Quota store unavailable, denying", map[string]interface{}{
		"account_id": accountID,
		"error":      err.Error(),
	})
	return Decision{Reason: ReasonStoreUnavailable, Limit: limit, Tier: tier}
}

// RecordActual trues up a reservation once the operation has run. reserved
// is Decision.Reserved. A positive difference is charged against the limit;
// overestimates are not refunded, so usage never decreases within a period.
func (g *Gate) RecordActual(ctx context.Context, accountID string, reserved, actualUnits int64, meter string) Record {
	if accountID == "" || reserved < 0 || actualUnits < 0 {
		g.metrics.ObserveQuota("record", "failed", string(ReasonInvalidRequest))
		return Record{Reason: ReasonInvalidRequest}
	}

	delta := g.costs.Estimate(actualUnits, meter) - reserved
	charge := delta
	if charge < 0 {
		charge = 0
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tier, err := g.currentTier(storeCtx, accountID)
	if err != nil {
		return g.recordFailed(accountID, delta, ReasonStoreUnavailable, err)
	}
	limit := tiers.MonthlyLimit(tier)

	res, err := g.store.AtomicReserve(storeCtx, accountID, PeriodKey(g.now()), charge, limit)
	if err == nil && storeCtx.Err() != nil {
		err = storeCtx.Err()
	}
	if err != nil {
		return g.recordFailed(accountID, delta, ReasonStoreUnavailable, err)
	}
	if !res.Admitted {
		g.notifyIfLow(ctx, accountID, res.Remaining, limit)
		return g.recordFailed(accountID, delta, ReasonReconciliationMismatch,
			fmt.Errorf("true-up of %d units exceeds remaining %d", charge, res.Remaining))
	}

	g.metrics.ObserveQuota("record", "recorded", "")
	g.metrics.AddReservedUnits(string(tier), charge)
	g.notifyIfLow(ctx, accountID, res.Remaining, limit)
	return Record{Recorded: true, Delta: delta, Remaining: res.Remaining}
}

func (g *Gate) recordFailed(accountID string, delta int64, reason Reason, err error) Record {
	g.metrics.ObserveQuota("record", "failed", string(reason))
	g.log.Warn("Usage reconciliation failed", map[string]interface{}{
		"account_id": accountID,
		"delta":      delta,
		"reason":     string(reason),
		"error":      err.Error(),
	})
	return Record{Reason: reason, Delta: delta}
}

func (g *Gate) notifyIfLow(ctx context.Context, accountID string, remaining, limit int64) {
	threshold := g.Threshold(limit)
	if !warn(remaining, threshold) || g.publisher == nil {
		return
	}
	payload := relay.BalanceLow{
		AccountID: accountID,
		Remaining: remaining,
		Threshold: threshold,
		Limit:     limit,
	}
	if err := g.publisher.Publish(ctx, relay.TopicBalanceLow, payload); err != nil {
		g.log.Warn("Failed to publish low balance", map[string]interface{}{
			"account_id": accountID,
			"error":      err.Error(),
		})
	}
}

// storeError marks timeouts and cancellations as unavailability so callers
// only need to check storage.ErrStoreUnavailable.
func storeError(err error) error {
	if errors.Is(err, storage.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
}

func warn(remaining, threshold int64) bool {
	return remaining > 0 && remaining <= threshold
}

// GetBalance reads the current period's counter. It never writes.
func (g *Gate) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	tier, err := g.readTier(ctx, accountID)
	if err != nil {
		return nil, storeError(err)
	}
	now := g.now()
	period := PeriodKey(now)
	counter, err := g.store.ReadUsage(ctx, accountID, period)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, storeError(err)
	}

	limit := tiers.MonthlyLimit(tier)
	remaining := limit - counter.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return &Balance{
		AccountID: accountID,
		Used:      counter.TokensUsed,
		Remaining: remaining,
		Total:     limit,
		Tier:      tier,
		PeriodKey: period,
		ResetAt:   PeriodReset(now),
	}, nil
}

func (g *Gate) IsLowBalance(ctx context.Context, accountID string) (*LowBalance, error) {
	balance, err := g.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	threshold := g.Threshold(balance.Total)
	return &LowBalance{
		Warn:      warn(balance.Remaining, threshold),
		Remaining: balance.Remaining,
		Threshold: threshold,
	}, nil
}

// currentTier reads the tier at call time, creating the free default for
// accounts seen for the first time.
func (g *Gate) currentTier(ctx context.Context, accountID string) (models.Tier, error) {
	ent, err := g.store.EnsureEntitlement(ctx, accountID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return ent.Tier, nil
}

// readTier is currentTier without the write. Accounts without an
// entitlement row are on the free tier.
func (g *Gate) readTier(ctx context.Context, accountID string) (models.Tier, error) {
	ent, err := g.store.ReadEntitlement(ctx, accountID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if ent == nil {
		return models.TierFree, nil
	}
	return ent.Tier, nil
}
