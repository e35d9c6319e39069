/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the ledger and the achievement
  engine on one SQLite database. The same schema translates to PostgreSQL
  with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store:            Accounts and the transaction log
  achievement.Store:       Catalog and unlock records
  achievement.Counters:    Review counts, profiles, referrals, unlock counts
  achievement.RarityStore: Active-account and unlock counts

APPEND-ONLY ENFORCEMENT:
  - transactions and achievement_unlocks have no UPDATE or DELETE path here
  - BEFORE UPDATE / BEFORE DELETE triggers abort any attempt from outside
  - Achievements are never revoked

KEY TABLES:
  accounts:            Snapshot derived from the log (CHECK: balance invariants)
  transactions:        Immutable ledger, ordered by seq
  achievements:        Catalog definitions
  achievement_unlocks: One row per (account, achievement), insert-only
  review_counts:       Host-supplied review totals
  profiles:            Host-supplied social links and broadcaster type

INDEXES:
  - idx_transactions_account_seq: History reads (hot path)
  - idx_referral_payout: One referral payout per referred account
  - idx_achievements_trigger: Candidate lookup by trigger type
  - idx_unlocks_achievement: Rarity counts

CONCURRENCY:
  Commit is a compare-and-swap: the account UPDATE matches on version, and
  zero affected rows means another writer won. The pool is limited to one
  connection, which SQLite serializes anyway and which keeps ":memory:"
  databases shared across calls.

WAL MODE:
  Opened with WAL so readers never block the single writer.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC strings so that string
  comparison matches time order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Ledger persistence contract
  - achievement/store.go: Achievement persistence contracts
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ achievement.Store       = (*Store)(nil)
	_ achievement.Counters    = (*Store)(nil)
	_ achievement.RarityStore = (*Store)(nil)
)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts (snapshot of the transaction log)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		last_ad_earn_at TEXT,
		last_daily_bonus_at TEXT,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL,
		CHECK (balance >= 0),
		CHECK (total_earned >= 0 AND total_spent >= 0),
		CHECK (balance = total_earned - total_spent)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by
		ON accounts(referred_by) WHERE referred_by IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_accounts_last_seen
		ON accounts(last_seen_at);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('earn', 'spend')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_seq
		ON transactions(account_id, seq DESC);

	-- CRITICAL: one referral payout per referred account
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referral_payout
		ON transactions(reference_id) WHERE reason = 'referral';

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	-- Achievement catalog
	CREATE TABLE IF NOT EXISTS achievements (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		trigger_type TEXT NOT NULL,
		trigger_value INTEGER NOT NULL DEFAULT 0,
		trigger_string TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_achievements_trigger
		ON achievements(trigger_type, enabled);

	-- Unlocks (insert-only, never revoked)
	CREATE TABLE IF NOT EXISTS achievement_unlocks (
		account_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL REFERENCES achievements(id),
		unlocked_at TEXT NOT NULL,
		current_progress INTEGER NOT NULL,
		PRIMARY KEY (account_id, achievement_id)
	);

	CREATE INDEX IF NOT EXISTS idx_unlocks_achievement
		ON achievement_unlocks(achievement_id);

	CREATE TRIGGER IF NOT EXISTS unlocks_no_update
		BEFORE UPDATE ON achievement_unlocks
		BEGIN SELECT RAISE(ABORT, 'achievement unlocks are permanent'); END;
	CREATE TRIGGER IF NOT EXISTS unlocks_no_delete
		BEFORE DELETE ON achievement_unlocks
		BEGIN SELECT RAISE(ABORT, 'achievement unlocks are permanent'); END;

	-- Host-supplied progress inputs
	CREATE TABLE IF NOT EXISTS review_counts (
		account_id TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS profiles (
		account_id TEXT PRIMARY KEY,
		social_links_json TEXT NOT NULL DEFAULT '{}',
		broadcaster_type TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS (ledger.Store)
// =============================================================================

const accountColumns = `id, balance, total_earned, total_spent, last_ad_earn_at, last_daily_bonus_at,
	referral_code, referred_by, version, created_at, updated_at, last_seen_at`

func (s *Store) CreateAccount(ctx context.Context, acc ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		acc.ID, acc.Balance, acc.TotalEarned, acc.TotalSpent,
		nullTime(acc.LastAdEarnAt), nullTime(acc.LastDailyBonusAt),
		acc.ReferralCode, nullString(acc.ReferredBy), acc.Version,
		formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt), formatTime(acc.LastSeenAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrAccountExists, err)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, err
}

func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrReferralCodeNotFound
	}
	return acc, err
}

func (s *Store) TouchAccount(ctx context.Context, id ledger.AccountID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_seen_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch account: %w", err)
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

func (s *Store) SetReferredBy(ctx context.Context, id ledger.AccountID, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET referred_by = ? WHERE id = ? AND referred_by IS NULL`, code, id)
	if err != nil {
		return fmt.Errorf("failed to set referred_by: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetAccount(ctx, id); err != nil {
		return err
	}
	return ledger.ErrReferralAlreadySet
}

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var (
		acc                         ledger.Account
		lastAd, lastDaily, referred sql.NullString
		createdAt, updatedAt, seen  string
	)
	err := row.Scan(
		&acc.ID, &acc.Balance, &acc.TotalEarned, &acc.TotalSpent, &lastAd, &lastDaily,
		&acc.ReferralCode, &referred, &acc.Version, &createdAt, &updatedAt, &seen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acc, err
		}
		return acc, fmt.Errorf("failed to scan account: %w", err)
	}
	acc.ReferredBy = referred.String
	acc.LastAdEarnAt = parseNullTime(lastAd)
	acc.LastDailyBonusAt = parseNullTime(lastDaily)
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)
	acc.LastSeenAt = parseTime(seen)
	return acc, nil
}

// =============================================================================
// TRANSACTION LOG (ledger.Store)
// =============================================================================

// Commit swaps the account snapshot (matching on version) and appends tx in
// one database transaction.
func (s *Store) Commit(ctx context.Context, expectedVersion int64, next ledger.Account, tx ledger.Transaction) error {
	if tx.AccountID != next.ID {
		return fmt.Errorf("transaction %s belongs to %s, not %s", tx.ID, tx.AccountID, next.ID)
	}
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, total_earned = ?, total_spent = ?,
		    last_ad_earn_at = ?, last_daily_bonus_at = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		next.Balance, next.TotalEarned, next.TotalSpent,
		nullTime(next.LastAdEarnAt), nullTime(next.LastDailyBonusAt),
		next.Version, formatTime(next.UpdatedAt),
		next.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := sqlTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, next.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check account: %w", err)
		}
		if exists == 0 {
			return ledger.ErrAccountNotFound
		}
		return ledger.ErrConcurrentModification
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, account_id, kind, amount, reason, reference_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.AccountID, tx.Kind, tx.Amount, tx.Reason,
		nullString(tx.ReferenceID), string(metadataJSON), formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "reference_id") {
			return ledger.ErrDuplicateReferral
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return sqlTx.Commit()
}

func (s *Store) ListTransactions(ctx context.Context, id ledger.AccountID, filter ledger.Filter) ([]ledger.Transaction, error) {
	var (
		where = []string{"account_id = ?"}
		args  = []any{id}
	)
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if len(filter.Reasons) > 0 {
		where = append(where, "reason IN ("+placeholders(len(filter.Reasons))+")")
		for _, r := range filter.Reasons {
			args = append(args, r)
		}
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `
		SELECT id, account_id, kind, amount, reason, reference_id, metadata_json, created_at
		FROM transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (s *Store) HasReferralPayout(ctx context.Context, referred ledger.AccountID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE reason = 'referral' AND reference_id = ?`, referred,
	).Scan(&count)
	return count > 0, err
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		referenceID  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)
	err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Kind, &tx.Amount, &tx.Reason,
		&referenceID, &metadataJSON, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ReferenceID = referenceID.String
	tx.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// ACHIEVEMENT CATALOG (achievement.Store)
// =============================================================================

const definitionColumns = `id, name, description, enabled, trigger_type, trigger_value, trigger_string`

func (s *Store) UpsertDefinition(ctx context.Context, def achievement.Definition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO achievements (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			enabled = excluded.enabled,
			trigger_type = excluded.trigger_type,
			trigger_value = excluded.trigger_value,
			trigger_string = excluded.trigger_string
	`, def.ID, def.Name, def.Description, def.Enabled, def.TriggerType, def.TriggerValue, def.TriggerString)
	if err != nil {
		return fmt.Errorf("failed to upsert achievement: %w", err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id achievement.AchievementID) (achievement.Definition, error) {
	defs, err := s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM achievements WHERE id = ?`, id)
	if err != nil {
		return achievement.Definition{}, err
	}
	if len(defs) == 0 {
		return achievement.Definition{}, achievement.ErrAchievementNotFound
	}
	return defs[0], nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]achievement.Definition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM achievements ORDER BY id`)
}

func (s *Store) ListEnabledByTrigger(ctx context.Context, t achievement.TriggerType) ([]achievement.Definition, error) {
	return s.queryDefinitions(ctx,
		`SELECT `+definitionColumns+` FROM achievements WHERE trigger_type = ? AND enabled = 1 ORDER BY id`, t)
}

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...any) ([]achievement.Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()

	var defs []achievement.Definition
	for rows.Next() {
		var def achievement.Definition
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &def.Enabled,
			&def.TriggerType, &def.TriggerValue, &def.TriggerString); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// =============================================================================
// UNLOCKS (achievement.Store)
// =============================================================================

// InsertUnlockIfAbsent relies on the (account_id, achievement_id) primary
// key; a conflicting insert affects zero rows.
func (s *Store) InsertUnlockIfAbsent(ctx context.Context, rec achievement.UnlockRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO achievement_unlocks (account_id, achievement_id, unlocked_at, current_progress)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, achievement_id) DO NOTHING
	`, rec.AccountID, rec.AchievementID, formatTime(rec.UnlockedAt), rec.CurrentProgress)
	if err != nil {
		return false, fmt.Errorf("failed to insert unlock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) HasUnlock(ctx context.Context, account ledger.AccountID, id achievement.AchievementID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM achievement_unlocks WHERE account_id = ? AND achievement_id = ?`,
		account, id,
	).Scan(&count)
	return count > 0, err
}

// ListUnlocks returns the account's unlocks oldest first.
func (s *Store) ListUnlocks(ctx context.Context, account ledger.AccountID) ([]achievement.UnlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, achievement_id, unlocked_at, current_progress
		FROM achievement_unlocks
		WHERE account_id = ?
		ORDER BY unlocked_at ASC, achievement_id ASC
	`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	defer rows.Close()

	var records []achievement.UnlockRecord
	for rows.Next() {
		var (
			rec        achievement.UnlockRecord
			unlockedAt string
		)
		if err := rows.Scan(&rec.AccountID, &rec.AchievementID, &unlockedAt, &rec.CurrentProgress); err != nil {
			return nil, fmt.Errorf("failed to scan unlock: %w", err)
		}
		rec.UnlockedAt = parseTime(unlockedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) CountUnlocksOf(ctx context.Context, id achievement.AchievementID) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM achievement_unlocks WHERE achievement_id = ?`, id)
}

// =============================================================================
// COUNTERS (achievement.Counters, achievement.RarityStore)
// =============================================================================

// AddReview records a posted review and returns the account's new total.
func (s *Store) AddReview(ctx context.Context, account ledger.AccountID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_counts (account_id, total) VALUES (?, 1)
		ON CONFLICT(account_id) DO UPDATE SET total = total + 1
		RETURNING total
	`, account).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to add review: %w", err)
	}
	return total, nil
}

func (s *Store) SetProfile(ctx context.Context, account ledger.AccountID, p achievement.Profile) error {
	links := p.SocialLinks
	if links == nil {
		links = map[string]string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("failed to encode social links: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (account_id, social_links_json, broadcaster_type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			social_links_json = excluded.social_links_json,
			broadcaster_type = excluded.broadcaster_type,
			updated_at = excluded.updated_at
	`, account, string(linksJSON), p.BroadcasterType, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *Store) CountReviewsByAccount(ctx context.Context, account ledger.AccountID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT total FROM review_counts WHERE account_id = ?`, account).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// GetAccountProfile returns an empty profile for accounts without one.
func (s *Store) GetAccountProfile(ctx context.Context, account ledger.AccountID) (achievement.Profile, error) {
	var (
		p         achievement.Profile
		linksJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT social_links_json, broadcaster_type FROM profiles WHERE account_id = ?`, account,
	).Scan(&linksJSON, &p.BroadcasterType)
	if errors.Is(err, sql.ErrNoRows) {
		return achievement.Profile{}, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to load profile: %w", err)
	}
	if err := json.Unmarshal([]byte(linksJSON), &p.SocialLinks); err != nil {
		return p, fmt.Errorf("failed to decode social links: %w", err)
	}
	return p, nil
}

// CountReferralsTo counts accounts whose referred_by is this account's code.
func (s *Store) CountReferralsTo(ctx context.Context, account ledger.AccountID) (int64, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM accounts r
		JOIN accounts a ON r.referred_by = a.referral_code
		WHERE a.id = ?
	`, account)
}

func (s *Store) CountUnlockedAchievements(ctx context.Context, account ledger.AccountID) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM achievement_unlocks WHERE account_id = ?`, account)
}

func (s *Store) CountActiveAccounts(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM accounts WHERE last_seen_at >= ?`, formatTime(since))
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
