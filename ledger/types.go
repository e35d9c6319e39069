/*
Package ledger provides the per-account virtual currency ledger.

PURPOSE:
  Tracks the spendable coin balance of every creator account. Coins are
  earned by watching ads, claiming the daily bonus, and referring new
  accounts, and are spent on questions and requests sent to other
  creators.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: running state derived from the transaction log
  - Transaction: an immutable, append-only ledger entry
  - Kind / Reason: what a transaction does and why
  - Filter: read-side selection over the log

INVARIANTS:
  1. Balance == TotalEarned - TotalSpent, always
  2. Balance >= 0, totals never decrease
  3. Transactions are never modified or deleted
  4. Each mutation writes exactly one transaction and one account snapshot,
     atomically

SEE ALSO:
  - account.go: Applying transactions to an account snapshot
  - ledger.go: Service operations (earn, spend, referral)
  - store.go: Persistence contract
*/
package ledger

import (
	"slices"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Kind string

const (
	KindEarn  Kind = "earn"
	KindSpend Kind = "spend"
)

func (k Kind) Valid() bool { return k == KindEarn || k == KindSpend }

type Reason string

const (
	ReasonAdWatch       Reason = "ad_watch"
	ReasonReferral      Reason = "referral"
	ReasonDailyBonus    Reason = "daily_bonus"
	ReasonBirthdayBonus Reason = "birthday_bonus"
	ReasonQuestion      Reason = "question"
	ReasonRequest       Reason = "request"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonAdWatch, ReasonReferral, ReasonDailyBonus, ReasonBirthdayBonus, ReasonQuestion, ReasonRequest:
		return true
	}
	return false
}

// AdTier selects the payout of an ad view. Unknown tiers pay as AdStandard.
type AdTier string

const (
	AdStandard    AdTier = "standard"
	AdPremium     AdTier = "premium"
	AdInteractive AdTier = "interactive"
)

// Metadata keys written by the service. The ledger never interprets them.
const (
	MetaAdTier          = "ad_tier"
	MetaReferredAccount = "referred_account_id"
	MetaTargetAccount   = "target_account_id"
	MetaDetails         = "details"
)

type Transaction struct {
	ID        TransactionID
	AccountID AccountID
	Kind      Kind
	Amount    int64
	Reason    Reason

	// ReferenceID links the entry to another account: the referred account
	// for referral payouts, the target account for spends.
	ReferenceID string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Delta is the signed balance change of the transaction.
func (tx Transaction) Delta() int64 {
	if tx.Kind == KindSpend {
		return -tx.Amount
	}
	return tx.Amount
}

// =============================================================================
// ACCOUNT - Running state for one owner
// =============================================================================

type Account struct {
	ID          AccountID
	Balance     int64
	TotalEarned int64
	TotalSpent  int64

	LastAdEarnAt     *time.Time
	LastDailyBonusAt *time.Time

	// ReferralCode is assigned at creation and never changes.
	ReferralCode string
	// ReferredBy holds another account's referral code. Set at most once.
	ReferredBy string

	// Version increments on every committed mutation; stores use it for
	// compare-and-swap.
	Version int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeenAt time.Time
}

// =============================================================================
// FILTER - Read-side selection over the log
// =============================================================================

// Filter selects transactions for ListTransactions. Zero values match all.
// Results are always returned newest first.
type Filter struct {
	Kinds   []Kind
	Reasons []Reason
	From    *time.Time
	To      *time.Time
	Limit   int
}

// Match reports whether tx passes the kind, reason and time bounds.
// Limit is applied by the caller.
func (f Filter) Match(tx Transaction) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, tx.Kind) {
		return false
	}
	if len(f.Reasons) > 0 && !slices.Contains(f.Reasons, tx.Reason) {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
