/*
account.go - Applying transactions to an account snapshot

PURPOSE:
  The account row is a cache of the transaction log: balance, totals and
  the cooldown timestamps are all derived from appended transactions.
  Apply is the only place that computes the next snapshot, and Replay
  rebuilds one from scratch so the two can be compared.

KEY INSIGHT:
  Cooldown timestamps are part of the derived state. An ad transaction
  moves LastAdEarnAt, a daily bonus moves LastDailyBonusAt. Nothing else
  writes them.

SEE ALSO:
  - ledger.go: Builds the transaction, then calls Apply
  - store.go: Commit persists the transaction and the new snapshot together
*/
package ledger

import (
	"fmt"
	"regexp"
	"time"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@|-]{0,127}$`)

// ValidateAccountID rejects empty, oversized or malformed identifiers.
func ValidateAccountID(id AccountID) error {
	if !accountIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	return nil
}

// Apply returns the snapshot after tx. The receiver is not modified.
func (a Account) Apply(tx Transaction) (Account, error) {
	if tx.Amount <= 0 {
		return a, ErrInvalidAmount
	}
	next := a
	switch tx.Kind {
	case KindEarn:
		next.TotalEarned += tx.Amount
	case KindSpend:
		if a.Balance < tx.Amount {
			return a, &InsufficientBalanceError{AccountID: a.ID, Required: tx.Amount, Available: a.Balance}
		}
		next.TotalSpent += tx.Amount
	default:
		return a, fmt.Errorf("unknown transaction kind %q", tx.Kind)
	}
	next.Balance = next.TotalEarned - next.TotalSpent

	at := tx.CreatedAt
	switch tx.Reason {
	case ReasonAdWatch:
		next.LastAdEarnAt = &at
	case ReasonDailyBonus:
		next.LastDailyBonusAt = &at
	}
	next.UpdatedAt = at
	next.Version = a.Version + 1
	return next, nil
}

// Consistent reports whether the balance invariants hold.
func (a Account) Consistent() bool {
	return a.Balance >= 0 && a.TotalEarned >= 0 && a.TotalSpent >= 0 &&
		a.Balance == a.TotalEarned-a.TotalSpent
}

// Replay folds txs (oldest first) over an empty account with the given id.
func Replay(id AccountID, txs []Transaction) (Account, error) {
	acc := Account{ID: id}
	for _, tx := range txs {
		next, err := acc.Apply(tx)
		if err != nil {
			return acc, fmt.Errorf("replay %s: %w", tx.ID, err)
		}
		acc = next
	}
	return acc, nil
}

// Mismatch describes how a stored snapshot differs from its log.
type Mismatch struct {
	Stored   Account
	Replayed Account
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("account %s: stored balance %d (earned %d, spent %d), log gives %d (earned %d, spent %d)",
		m.Stored.ID, m.Stored.Balance, m.Stored.TotalEarned, m.Stored.TotalSpent,
		m.Replayed.Balance, m.Replayed.TotalEarned, m.Replayed.TotalSpent)
}

func (m *Mismatch) Unwrap() error { return ErrLedgerMismatch }

func compareSnapshots(stored, replayed Account) error {
	if stored.Balance != replayed.Balance ||
		stored.TotalEarned != replayed.TotalEarned ||
		stored.TotalSpent != replayed.TotalSpent ||
		!sameTime(stored.LastAdEarnAt, replayed.LastAdEarnAt) ||
		!sameTime(stored.LastDailyBonusAt, replayed.LastDailyBonusAt) {
		return &Mismatch{Stored: stored, Replayed: replayed}
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
