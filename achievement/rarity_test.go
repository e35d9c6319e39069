package achievement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
	"github.com/creatorhub/ledger-engine/store/memory"
)

func newTestRarity(t *testing.T) (*achievement.RarityCalculator, *memory.Store) {
	t.Helper()
	store := memory.New()
	calc := achievement.NewRarityCalculator(store, achievement.DefaultActiveWindow,
		achievement.WithClock(fixedClock{march10}), achievement.WithLogger(quietLogger()))
	return calc, store
}

// seedAccounts creates n accounts last seen at the given time.
func seedAccounts(t *testing.T, store *memory.Store, prefix string, n int, seen time.Time) []ledger.AccountID {
	t.Helper()
	var out []ledger.AccountID
	for i := range n {
		id := ledger.AccountID(fmt.Sprintf("%s-%d", prefix, i))
		require.NoError(t, store.CreateAccount(context.Background(), ledger.Account{
			ID:           id,
			ReferralCode: "CODE-" + string(id),
			LastSeenAt:   seen,
		}))
		out = append(out, id)
	}
	return out
}

func unlockFor(t *testing.T, store *memory.Store, id achievement.AchievementID, accounts ...ledger.AccountID) {
	t.Helper()
	for _, acc := range accounts {
		ok, err := store.InsertUnlockIfAbsent(context.Background(), achievement.UnlockRecord{
			AccountID: acc, AchievementID: id, UnlockedAt: march10,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRarity_ThreeOfThirty(t *testing.T) {
	// GIVEN: 30 active accounts, 3 of them hold the achievement,
	//        plus 10 accounts inactive for two months
	// THEN: Rarity is 10

	calc, store := newTestRarity(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertDefinition(ctx, def("rare", achievement.TriggerReviewCount, 100)))

	active := seedAccounts(t, store, "active", 30, march10.Add(-24*time.Hour))
	seedAccounts(t, store, "dormant", 10, march10.AddDate(0, -2, 0))
	unlockFor(t, store, "rare", active[:3]...)

	got, err := calc.ComputeRarity(ctx, "rare")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(got), "got %s", got)
}

func TestRarity_NoActiveAccounts(t *testing.T) {
	calc, store := newTestRarity(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertDefinition(ctx, def("rare", achievement.TriggerReviewCount, 1)))
	dormant := seedAccounts(t, store, "dormant", 3, march10.AddDate(0, 0, -31))
	unlockFor(t, store, "rare", dormant...)

	got, err := calc.ComputeRarity(ctx, "rare")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestRarity_UnknownAchievementIsZero(t *testing.T) {
	calc, store := newTestRarity(t)
	seedAccounts(t, store, "active", 5, march10)

	got, err := calc.ComputeRarity(context.Background(), "no-such-achievement")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestRarity_ActiveWindowBoundary(t *testing.T) {
	calc, store := newTestRarity(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertDefinition(ctx, def("a", achievement.TriggerReviewCount, 1)))

	edge := seedAccounts(t, store, "edge", 1, march10.Add(-achievement.DefaultActiveWindow))
	seedAccounts(t, store, "stale", 1, march10.Add(-achievement.DefaultActiveWindow-time.Second))
	unlockFor(t, store, "a", edge...)

	got, err := calc.ComputeRarity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "100", got.String())
}

func TestPercentage_RoundsAndIsMonotone(t *testing.T) {
	assert.Equal(t, "33.33", achievement.Percentage(1, 3).String())
	assert.Equal(t, "66.67", achievement.Percentage(2, 3).String())
	assert.True(t, achievement.Percentage(5, 0).IsZero())

	prev := decimal.NewFromInt(-1)
	for unlocked := int64(0); unlocked <= 40; unlocked++ {
		got := achievement.Percentage(unlocked, 37)
		assert.True(t, got.GreaterThanOrEqual(prev), "unlocked=%d", unlocked)
		prev = got
	}
}

func TestRarity_ComputeAll(t *testing.T) {
	calc, store := newTestRarity(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertDefinition(ctx, def("common", achievement.TriggerReviewCount, 1)))
	require.NoError(t, store.UpsertDefinition(ctx, def("rare", achievement.TriggerReviewCount, 50)))

	active := seedAccounts(t, store, "active", 4, march10)
	unlockFor(t, store, "common", active...)
	unlockFor(t, store, "rare", active[0])

	all, err := calc.ComputeAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "100", all["common"].String())
	assert.Equal(t, "25", all["rare"].String())
}
