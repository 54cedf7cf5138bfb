package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tierwise.app/cloud/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStorage opens the ledger database and applies pending migrations.
// A single connection is used so that every write is serialized.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
		now:  time.Now,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
}

func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	// m.Close would also close s.db, so only the source is released.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) scanAccount(row *sql.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Email, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT id, email, created_at FROM accounts WHERE id = ?`

	account, err := s.scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, unavailable("get account", err)
	}
	return account, nil
}

func (s *SQLiteStorage) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	query := `SELECT id, email, created_at FROM accounts WHERE email = ?`

	account, err := s.scanAccount(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return nil, unavailable("find account by email", err)
	}
	return account, nil
}

func (s *SQLiteStorage) FindAccountByBillingCustomerRef(ctx context.Context, ref string) (*models.Account, error) {
	if ref == "" {
		return nil, nil
	}
	query := `
		SELECT e.account_id, a.email, a.created_at
		FROM entitlements e
		LEFT JOIN accounts a ON a.id = e.account_id
		WHERE e.billing_customer_ref = ?
		ORDER BY e.updated_at DESC
		LIMIT 1`

	var account models.Account
	var email sql.NullString
	var createdAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, ref).Scan(&account.ID, &email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find account by billing customer ref", err)
	}
	account.Email = email.String
	account.CreatedAt = createdAt.Time
	return &account, nil
}

func (s *SQLiteStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		return errors.New("account requires an id")
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	query := `
		INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email`

	if _, err := s.db.ExecContext(ctx, query, account.ID, account.Email, account.CreatedAt); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

const entitlementColumns = `account_id, tier, status, billing_customer_ref, updated_at`

func scanEntitlement(row interface{ Scan(...any) error }) (*models.Entitlement, error) {
	var ent models.Entitlement
	var ref sql.NullString
	err := row.Scan(&ent.AccountID, &ent.Tier, &ent.Status, &ref, &ent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ent.BillingCustomerRef = ref.String
	return &ent, nil
}

func (s *SQLiteStorage) EnsureEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	def := models.DefaultEntitlement(accountID, s.now())
	insert := `
		INSERT INTO entitlements (account_id, tier, status, billing_customer_ref, updated_at)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT(account_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, def.AccountID, def.Tier, def.Status, def.UpdatedAt); err != nil {
		return nil, unavailable("ensure entitlement", err)
	}

	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE account_id = ?`
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		return nil, unavailable("ensure entitlement", err)
	}
	return ent, nil
}

func (s *SQLiteStorage) ReadEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE account_id = ?`

	ent, err := scanEntitlement(s.db.QueryRowContext(ctx, query, accountID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read entitlement", err)
	}
	return ent, nil
}

func (s *SQLiteStorage) WriteEntitlement(ctx context.Context, ent *models.Entitlement, change *models.TierChangeRecord) error {
	if err := validateEntitlement(ent); err != nil {
		return err
	}
	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("write entitlement", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entitlements (account_id, tier, status, billing_customer_ref, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			billing_customer_ref = excluded.billing_customer_ref,
			updated_at = excluded.updated_at`,
		ent.AccountID, ent.Tier, ent.Status, nullString(ent.BillingCustomerRef), updatedAt)
	if err != nil {
		return unavailable("write entitlement", err)
	}

	if change != nil {
		if err := insertTierChange(ctx, tx, change); err != nil {
			return unavailable("append tier change", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit entitlement", err)
	}
	return nil
}

func insertTierChange(ctx context.Context, tx *sql.Tx, change *models.TierChangeRecord) error {
	if change.ID == "" {
		change.ID = uuid.Must(uuid.NewRandom()).String()
	}
	var previous sql.NullString
	if change.PreviousTier != nil {
		previous = sql.NullString{String: string(*change.PreviousTier), Valid: true}
	}
	metadata, err := json.Marshal(change.EventMetadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tier_changes (id, account_id, previous_tier, new_tier, source, event_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.AccountID, previous, change.NewTier, change.Source, string(metadata), change.CreatedAt)
	return err
}

func (s *SQLiteStorage) ListTierChanges(ctx context.Context, accountID string) ([]*models.TierChangeRecord, error) {
	query := `
		SELECT id, account_id, previous_tier, new_tier, source, event_metadata, created_at
		FROM tier_changes WHERE account_id = ? ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, unavailable("list tier changes", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var records []*models.TierChangeRecord
	for rows.Next() {
		var record models.TierChangeRecord
		var previous, metadata sql.NullString
		if err := rows.Scan(&record.ID, &record.AccountID, &previous, &record.NewTier, &record.Source, &metadata, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier change: %w", err)
		}
		if previous.Valid {
			tier := models.Tier(previous.String)
			record.PreviousTier = &tier
		}
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &record.EventMetadata); err != nil {
				return nil, fmt.Errorf("failed to decode tier change metadata: %w", err)
			}
		}
		records = append(records, &record)
	}

	if err = rows.Err(); err != nil {
		return nil, unavailable("iterate tier changes", err)
	}
	return records, nil
}

func (s *SQLiteStorage) AppendWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, type, outcome, reason, account_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Type, event.Outcome, nullString(event.Reason), nullString(event.AccountID), event.ReceivedAt)
	if err != nil {
		return unavailable("append webhook event", err)
	}
	return nil
}

func (s *SQLiteStorage) AtomicReserve(ctx context.Context, accountID, periodKey string, units, limit int64) (*models.Reservation, error) {
	if units < 0 {
		return nil, ErrInvalidUnits
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("reserve", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_counters (account_id, period_key, tokens_used, monthly_limit, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(account_id, period_key) DO NOTHING`,
		accountID, periodKey, limit, now)
	if err != nil {
		return nil, unavailable("reserve", err)
	}

	var used int64
	err = tx.QueryRowContext(ctx,
		`SELECT tokens_used FROM usage_counters WHERE account_id = ? AND period_key = ?`,
		accountID, periodKey).Scan(&used)
	if err != nil {
		return nil, unavailable("reserve", err)
	}

	admitted, next := reservation(used, units, limit)
	if admitted {
		_, err = tx.ExecContext(ctx, `
			UPDATE usage_counters SET tokens_used = ?, monthly_limit = ?, updated_at = ?
			WHERE account_id = ? AND period_key = ?`,
			next, limit, now, accountID, periodKey)
		if err != nil {
			return nil, unavailable("reserve", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit reserve", err)
	}

	return &models.Reservation{Admitted: admitted, Used: next, Remaining: remaining(next, limit)}, nil
}

func (s *SQLiteStorage) ReadUsage(ctx context.Context, accountID, periodKey string) (*models.UsageCounter, error) {
	counter := models.UsageCounter{AccountID: accountID, PeriodKey: periodKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_used, monthly_limit FROM usage_counters WHERE account_id = ? AND period_key = ?`,
		accountID, periodKey).Scan(&counter.TokensUsed, &counter.MonthlyLimit)
	if err == sql.ErrNoRows {
		return &counter, nil
	}
	if err != nil {
		return nil, unavailable("read usage", err)
	}
	return &counter, nil
}

// SeedUsage sets a counter directly. Used for fixtures and period imports.
func (s *SQLiteStorage) SeedUsage(ctx context.Context, accountID, periodKey string, used int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (account_id, period_key, tokens_used, monthly_limit, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(account_id, period_key) DO UPDATE SET tokens_used = excluded.tokens_used`,
		accountID, periodKey, used, s.now())
	return err
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
