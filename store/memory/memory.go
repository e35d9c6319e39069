// Package memory provides an in-memory store for tests and local
// development. It implements ledger.Store, achievement.Store,
// achievement.Counters and achievement.RarityStore over one mutex.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu sync.RWMutex

	accounts     map[ledger.AccountID]ledger.Account
	byCode       map[string]ledger.AccountID
	transactions map[ledger.AccountID][]ledger.Transaction
	txIDs        map[ledger.TransactionID]bool
	payouts      map[string]bool // referred account -> referral paid

	definitions map[achievement.AchievementID]achievement.Definition
	unlocks     map[ledger.AccountID]map[achievement.AchievementID]achievement.UnlockRecord

	reviews  map[ledger.AccountID]int64
	profiles map[ledger.AccountID]achievement.Profile
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ achievement.Store       = (*Store)(nil)
	_ achievement.Counters    = (*Store)(nil)
	_ achievement.RarityStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		byCode:       make(map[string]ledger.AccountID),
		transactions: make(map[ledger.AccountID][]ledger.Transaction),
		txIDs:        make(map[ledger.TransactionID]bool),
		payouts:      make(map[string]bool),
		definitions:  make(map[achievement.AchievementID]achievement.Definition),
		unlocks:      make(map[ledger.AccountID]map[achievement.AchievementID]achievement.UnlockRecord),
		reviews:      make(map[ledger.AccountID]int64),
		profiles:     make(map[ledger.AccountID]achievement.Profile),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Store) CreateAccount(_ context.Context, acc ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acc.ID]; ok {
		return ledger.ErrAccountExists
	}
	if _, ok := m.byCode[acc.ReferralCode]; ok {
		return fmt.Errorf("%w: referral code taken", ledger.ErrAccountExists)
	}
	m.accounts[acc.ID] = acc
	m.byCode[acc.ReferralCode] = acc.ID
	return nil
}

func (m *Store) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (m *Store) GetAccountByReferralCode(_ context.Context, code string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return ledger.Account{}, ledger.ErrReferralCodeNotFound
	}
	return m.accounts[id], nil
}

func (m *Store) TouchAccount(_ context.Context, id ledger.AccountID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acc.LastSeenAt = at
	m.accounts[id] = acc
	return nil
}

func (m *Store) SetReferredBy(_ context.Context, id ledger.AccountID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if acc.ReferredBy != "" {
		return ledger.ErrReferralAlreadySet
	}
	acc.ReferredBy = code
	m.accounts[id] = acc
	return nil
}

// =============================================================================
// TRANSACTION LOG - Append-only
// =============================================================================

// Commit appends tx and swaps in the ledger fields of next, all under one
// lock. Login time and referral link are owned by their own writers.
func (m *Store) Commit(_ context.Context, expectedVersion int64, next ledger.Account, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[next.ID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	if tx.AccountID != next.ID {
		return fmt.Errorf("transaction %s belongs to %s, not %s", tx.ID, tx.AccountID, next.ID)
	}
	if !next.Consistent() {
		return fmt.Errorf("account %s: inconsistent snapshot", next.ID)
	}
	if m.txIDs[tx.ID] {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if tx.Reason == ledger.ReasonReferral && m.payouts[tx.ReferenceID] {
		return ledger.ErrDuplicateReferral
	}

	tx.Metadata = maps.Clone(tx.Metadata)
	m.transactions[next.ID] = append(m.transactions[next.ID], tx)
	m.txIDs[tx.ID] = true
	if tx.Reason == ledger.ReasonReferral {
		m.payouts[tx.ReferenceID] = true
	}

	cur.Balance = next.Balance
	cur.TotalEarned = next.TotalEarned
	cur.TotalSpent = next.TotalSpent
	cur.LastAdEarnAt = next.LastAdEarnAt
	cur.LastDailyBonusAt = next.LastDailyBonusAt
	cur.Version = next.Version
	cur.UpdatedAt = next.UpdatedAt
	m.accounts[next.ID] = cur
	return nil
}

func (m *Store) ListTransactions(_ context.Context, id ledger.AccountID, filter ledger.Filter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.transactions[id]
	result := make([]ledger.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if !filter.Match(txs[i]) {
			continue
		}
		tx := txs[i]
		tx.Metadata = maps.Clone(tx.Metadata)
		result = append(result, tx)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Store) HasReferralPayout(_ context.Context, referred ledger.AccountID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payouts[string(referred)], nil
}

// =============================================================================
// ACHIEVEMENT CATALOG
// =============================================================================

func (m *Store) UpsertDefinition(_ context.Context, def achievement.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = def
	return nil
}

func (m *Store) GetDefinition(_ context.Context, id achievement.AchievementID) (achievement.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.definitions[id]
	if !ok {
		return achievement.Definition{}, achievement.ErrAchievementNotFound
	}
	return def, nil
}

func (m *Store) ListDefinitions(_ context.Context) ([]achievement.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedDefinitions(slices.Collect(maps.Values(m.definitions))), nil
}

func (m *Store) ListEnabledByTrigger(_ context.Context, t achievement.TriggerType) ([]achievement.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []achievement.Definition
	for _, def := range m.definitions {
		if def.Enabled && def.TriggerType == t {
			result = append(result, def)
		}
	}
	return sortedDefinitions(result), nil
}

func sortedDefinitions(defs []achievement.Definition) []achievement.Definition {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// =============================================================================
// UNLOCKS - Insert-only
// =============================================================================

func (m *Store) InsertUnlockIfAbsent(_ context.Context, rec achievement.UnlockRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAccount, ok := m.unlocks[rec.AccountID]
	if !ok {
		byAccount = make(map[achievement.AchievementID]achievement.UnlockRecord)
		m.unlocks[rec.AccountID] = byAccount
	}
	if _, exists := byAccount[rec.AchievementID]; exists {
		return false, nil
	}
	byAccount[rec.AchievementID] = rec
	return true, nil
}

func (m *Store) HasUnlock(_ context.Context, account ledger.AccountID, id achievement.AchievementID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.unlocks[account][id]
	return ok, nil
}

// ListUnlocks returns the account's unlocks oldest first.
func (m *Store) ListUnlocks(_ context.Context, account ledger.AccountID) ([]achievement.UnlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := slices.Collect(maps.Values(m.unlocks[account]))
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UnlockedAt.Equal(result[j].UnlockedAt) {
			return result[i].UnlockedAt.Before(result[j].UnlockedAt)
		}
		return result[i].AchievementID < result[j].AchievementID
	})
	return result, nil
}

func (m *Store) CountUnlocksOf(_ context.Context, id achievement.AchievementID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, byAccount := range m.unlocks {
		if _, ok := byAccount[id]; ok {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// COUNTERS - Progress inputs
// =============================================================================

// AddReview records a posted review and returns the account's new total.
func (m *Store) AddReview(_ context.Context, account ledger.AccountID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[account]++
	return m.reviews[account], nil
}

func (m *Store) SetProfile(_ context.Context, account ledger.AccountID, p achievement.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.SocialLinks = maps.Clone(p.SocialLinks)
	m.profiles[account] = p
	return nil
}

func (m *Store) CountReviewsByAccount(_ context.Context, account ledger.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reviews[account], nil
}

// GetAccountProfile returns an empty profile for accounts without one.
func (m *Store) GetAccountProfile(_ context.Context, account ledger.AccountID) (achievement.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.profiles[account]
	p.SocialLinks = maps.Clone(p.SocialLinks)
	return p, nil
}

// CountReferralsTo counts accounts whose ReferredBy is this account's code.
func (m *Store) CountReferralsTo(_ context.Context, account ledger.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[account]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, other := range m.accounts {
		if other.ReferredBy != "" && other.ReferredBy == acc.ReferralCode {
			n++
		}
	}
	return n, nil
}

func (m *Store) CountUnlockedAchievements(_ context.Context, account ledger.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.unlocks[account])), nil
}

func (m *Store) CountActiveAccounts(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, acc := range m.accounts {
		if !acc.LastSeenAt.Before(since) {
			n++
		}
	}
	return n, nil
}
