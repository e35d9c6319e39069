/*
store.go - Persistence contract for accounts and the transaction log

PURPOSE:
  Defines the interface between the ledger service and the durable store.
  The service never reaches a global database client; it is handed a Store.

APPEND-ONLY CONTRACT:
  - Commit() is the ONLY way a transaction is written
  - Commit() writes the transaction AND the account snapshot atomically
  - NO Update() or Delete() for transactions exists

COMPARE-AND-SWAP:
  Commit carries the version the service read. If the stored version has
  moved on, the store writes nothing and returns ErrConcurrentModification.
  Two writers can never both apply a spend computed from the same balance.

REFERRAL PAYOUTS:
  A store must reject a second ReasonReferral transaction carrying the same
  ReferenceID with ErrDuplicateReferral, even when the service-level check
  raced.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite (WAL)
  - store/memory: In-memory for tests and local development
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of accounts and their transactions.
type Store interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists if the id
	// or referral code is already taken.
	CreateAccount(ctx context.Context, acc Account) error

	// GetAccount returns ErrAccountNotFound for unknown ids.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// GetAccountByReferralCode returns ErrReferralCodeNotFound for unknown codes.
	GetAccountByReferralCode(ctx context.Context, code string) (Account, error)

	// TouchAccount records a login at the given time.
	TouchAccount(ctx context.Context, id AccountID, at time.Time) error

	// SetReferredBy sets ReferredBy if it is still empty. Returns
	// ErrReferralAlreadySet otherwise.
	SetReferredBy(ctx context.Context, id AccountID, code string) error

	// Commit appends tx and replaces the account snapshot with next, provided
	// the stored version still equals expectedVersion. All or nothing.
	Commit(ctx context.Context, expectedVersion int64, next Account, tx Transaction) error

	// ListTransactions returns matching transactions newest first.
	ListTransactions(ctx context.Context, id AccountID, filter Filter) ([]Transaction, error)

	// HasReferralPayout reports whether a referral reward for the referred
	// account was already committed.
	HasReferralPayout(ctx context.Context, referred AccountID) (bool, error)
}
