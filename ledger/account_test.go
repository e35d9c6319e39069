package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func earn(reason Reason, amount int64, at time.Time) Transaction {
	return Transaction{ID: TransactionID(at.String()), Kind: KindEarn, Reason: reason, Amount: amount, CreatedAt: at}
}

func spend(amount int64, at time.Time) Transaction {
	return Transaction{ID: TransactionID(at.String()), Kind: KindSpend, Reason: ReasonQuestion, Amount: amount, CreatedAt: at}
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_DerivesSnapshot(t *testing.T) {
	t0 := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	acc := Account{ID: "alice"}

	acc, err := acc.Apply(earn(ReasonAdWatch, 5, t0))
	require.NoError(t, err)
	acc, err = acc.Apply(earn(ReasonDailyBonus, 100, t0.Add(time.Minute)))
	require.NoError(t, err)
	acc, err = acc.Apply(spend(30, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, int64(75), acc.Balance)
	assert.Equal(t, int64(105), acc.TotalEarned)
	assert.Equal(t, int64(30), acc.TotalSpent)
	assert.Equal(t, int64(3), acc.Version)
	assert.Equal(t, t0, *acc.LastAdEarnAt)
	assert.Equal(t, t0.Add(time.Minute), *acc.LastDailyBonusAt)
	assert.Equal(t, t0.Add(2*time.Minute), acc.UpdatedAt)
	assert.True(t, acc.Consistent())
}

func TestApply_RejectsWithoutModifyingReceiver(t *testing.T) {
	acc := Account{ID: "alice", Balance: 5, TotalEarned: 5, Version: 1}

	_, err := acc.Apply(spend(6, time.Now()))
	var insErr *InsufficientBalanceError
	require.ErrorAs(t, err, &insErr)
	assert.Equal(t, int64(1), insErr.Shortfall())

	_, err = acc.Apply(earn(ReasonAdWatch, 0, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = acc.Apply(Transaction{Kind: "refund", Amount: 1})
	assert.Error(t, err)

	assert.Equal(t, int64(5), acc.Balance)
	assert.Equal(t, int64(1), acc.Version)
}

// =============================================================================
// REPLAY / RECONCILE
// =============================================================================

func TestReplay_MatchesIncrementalApply(t *testing.T) {
	t0 := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	txs := []Transaction{
		earn(ReasonAdWatch, 15, t0),
		earn(ReasonReferral, 50, t0.Add(time.Hour)),
		spend(40, t0.Add(2*time.Hour)),
		earn(ReasonAdWatch, 5, t0.Add(3*time.Hour)),
	}

	stored := Account{ID: "alice"}
	for _, tx := range txs {
		var err error
		stored, err = stored.Apply(tx)
		require.NoError(t, err)
	}

	replayed, err := Replay("alice", txs)
	require.NoError(t, err)
	assert.NoError(t, compareSnapshots(stored, replayed))
}

func TestCompareSnapshots_DetectsDrift(t *testing.T) {
	t0 := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	replayed, err := Replay("alice", []Transaction{earn(ReasonAdWatch, 5, t0)})
	require.NoError(t, err)

	stored := replayed
	stored.Balance = 500
	stored.TotalEarned = 500

	err = compareSnapshots(stored, replayed)
	assert.ErrorIs(t, err, ErrLedgerMismatch)
	var mm *Mismatch
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, int64(500), mm.Stored.Balance)
	assert.Equal(t, int64(5), mm.Replayed.Balance)

	later := t0.Add(time.Minute)
	stored = replayed
	stored.LastAdEarnAt = &later
	assert.ErrorIs(t, compareSnapshots(stored, replayed), ErrLedgerMismatch)

	// A daily bonus claim the log does not contain.
	stored = replayed
	stored.LastDailyBonusAt = &later
	assert.ErrorIs(t, compareSnapshots(stored, replayed), ErrLedgerMismatch)

	replayed, err = Replay("alice", []Transaction{earn(ReasonDailyBonus, 100, t0)})
	require.NoError(t, err)
	stored = replayed
	stored.LastDailyBonusAt = nil
	assert.ErrorIs(t, compareSnapshots(stored, replayed), ErrLedgerMismatch)
	assert.NoError(t, compareSnapshots(replayed, replayed))
}

func TestReplay_OverspendInLog(t *testing.T) {
	_, err := Replay("alice", []Transaction{spend(1, time.Now())})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

// =============================================================================
// FILTER
// =============================================================================

func TestFilter_Match(t *testing.T) {
	t0 := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	tx := earn(ReasonAdWatch, 5, t0)
	before, after := t0.Add(-time.Second), t0.Add(time.Second)

	assert.True(t, Filter{}.Match(tx))
	assert.True(t, Filter{Kinds: []Kind{KindEarn}}.Match(tx))
	assert.False(t, Filter{Kinds: []Kind{KindSpend}}.Match(tx))
	assert.True(t, Filter{Reasons: []Reason{ReasonReferral, ReasonAdWatch}}.Match(tx))
	assert.False(t, Filter{Reasons: []Reason{ReasonReferral}}.Match(tx))
	assert.True(t, Filter{From: &t0, To: &t0}.Match(tx), "bounds are inclusive")
	assert.False(t, Filter{From: &after}.Match(tx))
	assert.False(t, Filter{To: &before}.Match(tx))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestCooldownError_RemainingSeconds(t *testing.T) {
	assert.Equal(t, int64(300), (&CooldownError{Remaining: 5 * time.Minute}).RemainingSeconds())
	assert.Equal(t, int64(1), (&CooldownError{Remaining: time.Millisecond}).RemainingSeconds())
	assert.Equal(t, int64(61), (&CooldownError{Remaining: time.Minute + 10*time.Millisecond}).RemainingSeconds())
}

func TestWrapStore_KeepsLedgerErrors(t *testing.T) {
	assert.Same(t, ErrAccountNotFound, wrapStore("op", ErrAccountNotFound))
	assert.Nil(t, wrapStore("op", nil))

	err := wrapStore("commit", errors.New("database is locked"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "database is locked")
}

// =============================================================================
// CALENDAR DAYS
// =============================================================================

func TestSameCalendarDay(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	a := time.Date(2025, time.March, 10, 14, 59, 0, 0, time.UTC)
	b := time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)

	assert.True(t, SameCalendarDay(a, b, time.UTC))
	assert.False(t, SameCalendarDay(a, b, tokyo))
	assert.Equal(t, time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC), StartOfNextDay(a, time.UTC))
	assert.True(t, StartOfNextDay(a, tokyo).Equal(b))
}

// =============================================================================
// ACCOUNT LOCKS
// =============================================================================

func TestAccountLocks_SerializesSameAccount(t *testing.T) {
	locks := newAccountLocks()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("alice")
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, locks.size(), "entries are released")
}

func TestAccountLocks_DifferentAccountsIndependent(t *testing.T) {
	locks := newAccountLocks()
	unlockA := locks.Lock("alice")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("bob")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on bob blocked behind alice")
	}
	assert.Equal(t, 1, locks.size())
}
