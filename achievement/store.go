package achievement

import (
	"context"
	"time"

	"github.com/creatorhub/ledger-engine/ledger"
)

// Store persists the catalog and unlock records.
//
// Unlock records are insert-only: there is no update or delete path.
// InsertUnlockIfAbsent is the correctness boundary for concurrent unlocks of
// the same (account, achievement) pair.
type Store interface {
	ListEnabledByTrigger(ctx context.Context, t TriggerType) ([]Definition, error)
	ListDefinitions(ctx context.Context) ([]Definition, error)
	// GetDefinition returns ErrAchievementNotFound for unknown ids.
	GetDefinition(ctx context.Context, id AchievementID) (Definition, error)
	UpsertDefinition(ctx context.Context, def Definition) error

	ListUnlocks(ctx context.Context, account ledger.AccountID) ([]UnlockRecord, error)
	HasUnlock(ctx context.Context, account ledger.AccountID, id AchievementID) (bool, error)
	// InsertUnlockIfAbsent reports false when the pair was already unlocked.
	InsertUnlockIfAbsent(ctx context.Context, rec UnlockRecord) (bool, error)
	CountUnlocksOf(ctx context.Context, id AchievementID) (int64, error)
}

// Counters are the external reads the progress rules depend on. The host
// supplies them; each call runs under the engine's lookup timeout.
type Counters interface {
	CountReviewsByAccount(ctx context.Context, account ledger.AccountID) (int64, error)
	GetAccountProfile(ctx context.Context, account ledger.AccountID) (Profile, error)
	CountReferralsTo(ctx context.Context, account ledger.AccountID) (int64, error)
	CountUnlockedAchievements(ctx context.Context, account ledger.AccountID) (int64, error)
}

// RarityStore is the read side used by RarityCalculator.
type RarityStore interface {
	ListDefinitions(ctx context.Context) ([]Definition, error)
	GetDefinition(ctx context.Context, id AchievementID) (Definition, error)
	CountUnlocksOf(ctx context.Context, id AchievementID) (int64, error)
	// CountActiveAccounts counts accounts seen at or after since.
	CountActiveAccounts(ctx context.Context, since time.Time) (int64, error)
}
