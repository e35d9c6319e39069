package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
	"github.com/creatorhub/ledger-engine/store/memory"
)

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, store *memory.Store, id ledger.AccountID) ledger.Account {
	t.Helper()
	acc := ledger.Account{ID: id, ReferralCode: "CODE-" + string(id), CreatedAt: t0, UpdatedAt: t0, LastSeenAt: t0}
	require.NoError(t, store.CreateAccount(context.Background(), acc))
	return acc
}

func commitEarn(t *testing.T, store *memory.Store, acc ledger.Account, txID string, amount int64) ledger.Account {
	t.Helper()
	tx := ledger.Transaction{
		ID: ledger.TransactionID(txID), AccountID: acc.ID, Kind: ledger.KindEarn,
		Reason: ledger.ReasonAdWatch, Amount: amount, CreatedAt: t0,
		Metadata: map[string]string{ledger.MetaAdTier: "standard"},
	}
	next, err := acc.Apply(tx)
	require.NoError(t, err)
	require.NoError(t, store.Commit(context.Background(), acc.Version, next, tx))
	return next
}

func TestMemory_CreateAccount_Conflicts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	newAccount(t, store, "alice")

	err := store.CreateAccount(ctx, ledger.Account{ID: "alice", ReferralCode: "OTHER"})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	err = store.CreateAccount(ctx, ledger.Account{ID: "bob", ReferralCode: "CODE-alice"})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	got, err := store.GetAccountByReferralCode(ctx, "CODE-alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("alice"), got.ID)

	_, err = store.GetAccountByReferralCode(ctx, "NOPE")
	assert.ErrorIs(t, err, ledger.ErrReferralCodeNotFound)
}

func TestMemory_Commit_CompareAndSwap(t *testing.T) {
	// GIVEN: Two writers read the same version
	// WHEN: Both commit
	// THEN: The second gets ErrConcurrentModification and writes nothing

	store := memory.New()
	ctx := context.Background()
	acc := newAccount(t, store, "alice")

	commitEarn(t, store, acc, "tx-1", 5)

	stale := ledger.Transaction{ID: "tx-2", AccountID: "alice", Kind: ledger.KindEarn, Reason: ledger.ReasonAdWatch, Amount: 15, CreatedAt: t0}
	next, err := acc.Apply(stale)
	require.NoError(t, err)
	err = store.Commit(ctx, acc.Version, next, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Balance)
	txs, _ := store.ListTransactions(ctx, "alice", ledger.Filter{})
	assert.Len(t, txs, 1)
}

func TestMemory_Commit_KeepsLoginAndReferralFields(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	acc := newAccount(t, store, "alice")

	require.NoError(t, store.TouchAccount(ctx, "alice", t0.Add(time.Hour)))
	require.NoError(t, store.SetReferredBy(ctx, "alice", "CODE-bob"))
	commitEarn(t, store, acc, "tx-1", 5)

	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.LastSeenAt)
	assert.Equal(t, "CODE-bob", got.ReferredBy)
	assert.Equal(t, int64(5), got.Balance)

	assert.ErrorIs(t, store.SetReferredBy(ctx, "alice", "CODE-carol"), ledger.ErrReferralAlreadySet)
}

func TestMemory_Commit_ReferralPayoutUnique(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	alice := newAccount(t, store, "alice")
	carol := newAccount(t, store, "carol")

	payout := func(acc ledger.Account, id string) error {
		tx := ledger.Transaction{
			ID: ledger.TransactionID(id), AccountID: acc.ID, Kind: ledger.KindEarn,
			Reason: ledger.ReasonReferral, Amount: 50, ReferenceID: "bob", CreatedAt: t0,
		}
		next, err := acc.Apply(tx)
		require.NoError(t, err)
		return store.Commit(ctx, acc.Version, next, tx)
	}

	require.NoError(t, payout(alice, "tx-1"))
	assert.ErrorIs(t, payout(carol, "tx-2"), ledger.ErrDuplicateReferral)

	paid, err := store.HasReferralPayout(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestMemory_Commit_RejectsInconsistentSnapshot(t *testing.T) {
	store := memory.New()
	acc := newAccount(t, store, "alice")

	tx := ledger.Transaction{ID: "tx-1", AccountID: "alice", Kind: ledger.KindEarn, Reason: ledger.ReasonAdWatch, Amount: 5}
	next := acc
	next.Balance = 5 // totals not updated
	next.Version = 1
	assert.Error(t, store.Commit(context.Background(), acc.Version, next, tx))
}

func TestMemory_ListTransactions_IsolatedCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	acc := newAccount(t, store, "alice")
	commitEarn(t, store, acc, "tx-1", 5)

	txs, err := store.ListTransactions(ctx, "alice", ledger.Filter{})
	require.NoError(t, err)
	txs[0].Metadata[ledger.MetaAdTier] = "tampered"

	again, err := store.ListTransactions(ctx, "alice", ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, "standard", again[0].Metadata[ledger.MetaAdTier])
}

func TestMemory_Unlocks_InsertOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	rec := achievement.UnlockRecord{AccountID: "alice", AchievementID: "first-review", UnlockedAt: t0, CurrentProgress: 1}

	ok, err := store.InsertUnlockIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	rec.CurrentProgress = 9
	ok, err = store.InsertUnlockIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	unlocks, err := store.ListUnlocks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, int64(1), unlocks[0].CurrentProgress, "first record is kept")

	has, _ := store.HasUnlock(ctx, "alice", "first-review")
	assert.True(t, has)
	n, _ := store.CountUnlocksOf(ctx, "first-review")
	assert.Equal(t, int64(1), n)
}

func TestMemory_Counters(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	alice := newAccount(t, store, "alice")
	newAccount(t, store, "bob")
	require.NoError(t, store.SetReferredBy(ctx, "bob", alice.ReferralCode))

	total, err := store.AddReview(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	total, _ = store.AddReview(ctx, "alice")
	assert.Equal(t, int64(2), total)

	reviews, _ := store.CountReviewsByAccount(ctx, "alice")
	assert.Equal(t, int64(2), reviews)

	refs, _ := store.CountReferralsTo(ctx, "alice")
	assert.Equal(t, int64(1), refs)
	refs, _ = store.CountReferralsTo(ctx, "ghost")
	assert.Zero(t, refs)

	profile, err := store.GetAccountProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, profile.BroadcasterType)

	active, _ := store.CountActiveAccounts(ctx, t0)
	assert.Equal(t, int64(2), active)
	active, _ = store.CountActiveAccounts(ctx, t0.Add(time.Second))
	assert.Zero(t, active)
}
