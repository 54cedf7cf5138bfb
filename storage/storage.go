package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tierwise.app/cloud/models"
)

var (
	// ErrStoreUnavailable marks infrastructure failures. Callers fail closed on it.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrInvalidUnits     = errors.New("units must not be negative")
	ErrInvalidTier      = errors.New("invalid tier")
)

// EntitlementStore holds accounts, their entitlement and the tier audit trail.
// Lookups return nil, nil when nothing matches.
type EntitlementStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	FindAccountByBillingCustomerRef(ctx context.Context, ref string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error

	// EnsureEntitlement returns the account's entitlement, creating the free
	// default on first use.
	EnsureEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error)
	ReadEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error)
	// WriteEntitlement stores ent and appends change in the same transaction.
	WriteEntitlement(ctx context.Context, ent *models.Entitlement, change *models.TierChangeRecord) error
	ListTierChanges(ctx context.Context, accountID string) ([]*models.TierChangeRecord, error)

	AppendWebhookEvent(ctx context.Context, event *models.WebhookEvent) error

	Ping(ctx context.Context) error
	Close() error
}

// UsageStore keeps per-period usage counters. Writes for one counter must be
// serialized by the implementation.
type UsageStore interface {
	// AtomicReserve adds units to the counter only if the result stays within
	// limit. A rejected reservation leaves the counter untouched.
	AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error)
	ReadUsage(ctx context.Context, accountID, periodKey string) (*models.UsageCounter, error)
}

type Storage interface {
	EntitlementStore
	UsageStore
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func validateEntitlement(ent *models.Entitlement) error {
	if ent == nil || ent.AccountID == "" {
		return errors.New("entitlement requires an account id")
	}
	if !ent.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, ent.Tier)
	}
	return nil
}

// reservation compares against the headroom instead of summing, so huge
// units cannot wrap past limit.
func reservation(used, units, limit int64) (admitted bool, next int64) {
	if used > limit || units > limit-used {
		return false, used
	}
	return true, used + units
}

func remaining(used, limit int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

type counterKey struct {
	accountID string
	periodKey string
}

type MemoryStorage struct {
	mu           sync.Mutex
	accounts     map[string]models.Account
	entitlements map[string]models.Entitlement
	changes      map[string][]models.TierChangeRecord
	counters     map[counterKey]models.UsageCounter
	events       []models.WebhookEvent
	now          func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts:     make(map[string]models.Account),
		entitlements: make(map[string]models.Entitlement),
		changes:      make(map[string][]models.TierChangeRecord),
		counters:     make(map[counterKey]models.UsageCounter),
		now:          time.Now,
	}
}

func (m *MemoryStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[id]
	if !exists {
		return nil, nil
	}
	return &account, nil
}

func (m *MemoryStorage) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	for _, account := range m.accounts {
		if strings.EqualFold(account.Email, email) {
			return &account, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindAccountByBillingCustomerRef(ctx context.Context, ref string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref == "" {
		return nil, nil
	}
	for _, ent := range m.entitlements {
		if ent.BillingCustomerRef != ref {
			continue
		}
		if account, ok := m.accounts[ent.AccountID]; ok {
			return &account, nil
		}
		return &models.Account{ID: ent.AccountID}, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.ID == "" {
		return errors.New("account requires an id")
	}
	for id, existing := range m.accounts {
		if id != account.ID && strings.EqualFold(existing.Email, account.Email) {
			return fmt.Errorf("email %s already belongs to account %s", account.Email, id)
		}
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.now()
	}
	m.accounts[account.ID] = *account
	return nil
}

func (m *MemoryStorage) EnsureEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.entitlements[accountID]
	if !exists {
		ent = *models.DefaultEntitlement(accountID, m.now())
		m.entitlements[accountID] = ent
	}
	return &ent, nil
}

func (m *MemoryStorage) ReadEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, exists := m.entitlements[accountID]
	if !exists {
		return nil, nil
	}
	return &ent, nil
}

func (m *MemoryStorage) WriteEntitlement(ctx context.Context, ent *models.Entitlement, change *models.TierChangeRecord) error {
	if err := validateEntitlement(ent); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *ent
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = m.now()
	}
	m.entitlements[ent.AccountID] = stored
	if change != nil {
		m.changes[ent.AccountID] = append(m.changes[ent.AccountID], *change)
	}
	return nil
}

func (m *MemoryStorage) ListTierChanges(ctx context.Context, accountID string) ([]*models.TierChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*models.TierChangeRecord
	for _, record := range m.changes[accountID] {
		recordCopy := record
		records = append(records, &recordCopy)
	}
	return records, nil
}

func (m *MemoryStorage) AppendWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, *event)
	return nil
}

// WebhookEvents returns a copy of the delivery audit trail.
func (m *MemoryStorage) WebhookEvents() []models.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.WebhookEvent(nil), m.events...)
}

func (m *MemoryStorage) AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error) {
	if units < 0 {
		return nil, ErrInvalidUnits
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{accountID: accountID, periodKey: periodKey}
	counter := m.counters[key]
	counter.AccountID, counter.PeriodKey, counter.MonthlyLimit = accountID, periodKey, limit

	admitted, used := reservation(counter.TokensUsed, units, limit)
	counter.TokensUsed = used
	m.counters[key] = counter

	return &models.Reservation{Admitted: admitted, Used: used, Remaining: remaining(used, limit)}, nil
}

func (m *MemoryStorage) ReadUsage(ctx context.Context, accountID, periodKey string) (*models.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counter, exists := m.counters[counterKey{accountID: accountID, periodKey: periodKey}]
	if !exists {
		return &models.UsageCounter{AccountID: accountID, PeriodKey: periodKey}, nil
	}
	return &counter, nil
}

// SeedUsage sets a counter directly. Used for fixtures and period imports.
func (m *MemoryStorage) SeedUsage(accountID, periodKey string, used int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{accountID: accountID, periodKey: periodKey}
	counter := m.counters[key]
	counter.AccountID, counter.PeriodKey, counter.TokensUsed = accountID, periodKey, used
	m.counters[key] = counter
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStorage) Close() error {
	return nil
}
