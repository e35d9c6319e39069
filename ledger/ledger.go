/*
ledger.go - Ledger service operations

PURPOSE:
  The public operations of the coin ledger: open an account, earn from ads,
  the daily bonus and referrals, spend on questions and requests, and read
  balances and history.

OPERATION SHAPE:
  Every mutating operation follows the same steps:
  1. Validate input (no I/O)
  2. Take the per-account lock
  3. Read the account snapshot
  4. Check preconditions (cooldown, balance, daily claim, referral rules)
  5. Build exactly one transaction and apply it to the snapshot
  6. Commit transaction + snapshot atomically (compare-and-swap on Version)

  A failure anywhere before step 6 leaves no trace. Step 6 is either fully
  committed or not at all.

CONCURRENCY:
  Operations on the same account serialize on an in-process keyed lock.
  Across processes the store's compare-and-swap rejects the loser with
  ErrConcurrentModification. Different accounts never block each other.

SEE ALSO:
  - account.go: Apply computes the next snapshot
  - errors.go: Error taxonomy
  - store.go: Persistence contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creatorhub/ledger-engine/metrics"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// AdCooldown is the minimum time between two ad rewards.
	AdCooldown time.Duration
	// AdRewards maps tiers to payouts. Unknown tiers pay AdRewards[AdStandard].
	AdRewards      map[AdTier]int64
	ReferralReward int64
	DailyBonus     int64
	// Location defines calendar days for the daily bonus.
	Location *time.Location
	// MaxMetadataLength bounds every metadata value, in runes.
	MaxMetadataLength int
	// StoreTimeout bounds each read against the store. Zero disables it.
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AdCooldown: 5 * time.Minute,
		AdRewards: map[AdTier]int64{
			AdStandard:    5,
			AdPremium:     15,
			AdInteractive: 10,
		},
		ReferralReward:    50,
		DailyBonus:        100,
		Location:          time.UTC,
		MaxMetadataLength: 280,
		StoreTimeout:      5 * time.Second,
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store Store
	cfg   Config
	clock Clock
	log   logrus.FieldLogger
	locks *accountLocks

	newID   func() TransactionID
	newCode func() string
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func NewService(store Store, cfg Config, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		store: store,
		cfg:   cfg,
		clock: SystemClock(),
		log:   logrus.StandardLogger(),
		locks: newAccountLocks(),
		newID: func() TransactionID { return TransactionID(uuid.NewString()) },
		newCode: func() string {
			return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates the account on first authentication and records a
// login on every later call. Safe to call repeatedly.
func (s *Service) OpenAccount(ctx context.Context, id AccountID) (Account, error) {
	if err := ValidateAccountID(id); err != nil {
		return Account{}, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.clock.Now()
	acc, err := s.getAccount(ctx, id)
	if err == nil {
		if err := s.store.TouchAccount(ctx, id, now); err != nil {
			return Account{}, wrapStore("touch account", err)
		}
		acc.LastSeenAt = now
		return acc, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	// A referral code collision or a concurrent creation in another process
	// both surface as ErrAccountExists; retry with a fresh code.
	for attempt := 0; attempt < 3; attempt++ {
		acc = Account{
			ID:           id,
			ReferralCode: s.newCode(),
			CreatedAt:    now,
			UpdatedAt:    now,
			LastSeenAt:   now,
		}
		err = s.store.CreateAccount(context.WithoutCancel(ctx), acc)
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"account_id":    id,
				"referral_code": acc.ReferralCode,
			}).Info("ledger account opened")
			return acc, nil
		}
		if !errors.Is(err, ErrAccountExists) {
			return Account{}, wrapStore("create account", err)
		}
		if existing, gerr := s.getAccount(ctx, id); gerr == nil {
			return existing, nil
		}
	}
	return Account{}, wrapStore("create account", err)
}

func (s *Service) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	if err := ValidateAccountID(id); err != nil {
		return Account{}, err
	}
	return s.getAccount(ctx, id)
}

func (s *Service) GetBalance(ctx context.Context, id AccountID) (int64, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ListTransactions returns the account's transactions newest first.
func (s *Service) ListTransactions(ctx context.Context, id AccountID, filter Filter) ([]Transaction, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	rctx, cancel := s.readContext(ctx)
	defer cancel()
	txs, err := s.store.ListTransactions(rctx, id, filter)
	if err != nil {
		return nil, wrapStore("list transactions", err)
	}
	return txs, nil
}

// ApplyReferralCode links id to the owner of code. It returns the referrer.
// The link can be set once; it does not pay anything by itself.
func (s *Service) ApplyReferralCode(ctx context.Context, id AccountID, code string) (AccountID, error) {
	if err := ValidateAccountID(id); err != nil {
		return "", err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", ErrReferralCodeNotFound
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	acc, err := s.getAccount(ctx, id)
	if err != nil {
		return "", err
	}
	if acc.ReferralCode == code {
		return "", ErrSelfReferral
	}
	if acc.ReferredBy != "" {
		return "", ErrReferralAlreadySet
	}

	rctx, cancel := s.readContext(ctx)
	defer cancel()
	referrer, err := s.store.GetAccountByReferralCode(rctx, code)
	if err != nil {
		return "", wrapStore("get referrer", err)
	}
	if referrer.ReferredBy == acc.ReferralCode {
		return "", fmt.Errorf("%w: %s was referred by %s", ErrDuplicateReferral, referrer.ID, id)
	}

	if err := s.store.SetReferredBy(context.WithoutCancel(ctx), id, code); err != nil {
		return "", wrapStore("set referred by", err)
	}
	s.log.WithFields(logrus.Fields{
		"account_id":  id,
		"referrer_id": referrer.ID,
	}).Info("referral code applied")
	return referrer.ID, nil
}

// Reconcile replays the account's full log and checks it reproduces the
// stored snapshot.
func (s *Service) Reconcile(ctx context.Context, id AccountID) (Account, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	txs, err := s.ListTransactions(ctx, id, Filter{})
	if err != nil {
		return Account{}, err
	}
	slices.Reverse(txs)
	replayed, err := Replay(id, txs)
	if err != nil {
		return acc, fmt.Errorf("%w: %v", ErrLedgerMismatch, err)
	}
	if err := compareSnapshots(acc, replayed); err != nil {
		s.log.WithField("account_id", id).WithError(err).Error("ledger mismatch")
		return acc, err
	}
	return acc, nil
}

// =============================================================================
// EARN
// =============================================================================

// EarnFromAd pays the tier's reward if the ad cooldown has elapsed.
func (s *Service) EarnFromAd(ctx context.Context, id AccountID, tier AdTier) (Transaction, error) {
	return s.commit(ctx, "earn_ad", id, func(acc Account, now time.Time) (Transaction, error) {
		if acc.LastAdEarnAt != nil {
			if elapsed := now.Sub(*acc.LastAdEarnAt); elapsed < s.cfg.AdCooldown {
				return Transaction{}, &CooldownError{AccountID: id, Remaining: s.cfg.AdCooldown - elapsed}
			}
		}
		tier, amount := s.adReward(tier)
		return Transaction{
			Kind:     KindEarn,
			Amount:   amount,
			Reason:   ReasonAdWatch,
			Metadata: map[string]string{MetaAdTier: string(tier)},
		}, nil
	})
}

func (s *Service) adReward(tier AdTier) (AdTier, int64) {
	if amount, ok := s.cfg.AdRewards[tier]; ok && amount > 0 {
		return tier, amount
	}
	return AdStandard, s.cfg.AdRewards[AdStandard]
}

// EarnDailyBonus pays the daily bonus once per calendar day.
func (s *Service) EarnDailyBonus(ctx context.Context, id AccountID) (Transaction, error) {
	return s.commit(ctx, "earn_daily", id, func(acc Account, now time.Time) (Transaction, error) {
		if last := acc.LastDailyBonusAt; last != nil && SameCalendarDay(*last, now, s.cfg.Location) {
			next := StartOfNextDay(now, s.cfg.Location)
			return Transaction{}, fmt.Errorf("%w: next claim at %s", ErrAlreadyClaimedToday, next.Format(time.RFC3339))
		}
		return Transaction{Kind: KindEarn, Amount: s.cfg.DailyBonus, Reason: ReasonDailyBonus}, nil
	})
}

// EarnFromReferral pays referrer for bringing in referred. The referred
// account must have applied the referrer's code first. Each referred
// account pays out at most once, and never back to an account it referred.
func (s *Service) EarnFromReferral(ctx context.Context, referrer, referred AccountID) (Transaction, error) {
	if err := ValidateAccountID(referred); err != nil {
		return Transaction{}, err
	}
	if referrer == referred {
		return Transaction{}, ErrSelfReferral
	}
	referredAcc, err := s.GetAccount(ctx, referred)
	if err != nil {
		return Transaction{}, err
	}

	return s.commit(ctx, "earn_referral", referrer, func(acc Account, now time.Time) (Transaction, error) {
		if acc.ReferredBy != "" && acc.ReferredBy == referredAcc.ReferralCode {
			return Transaction{}, fmt.Errorf("%w: %s already referred %s", ErrDuplicateReferral, referred, referrer)
		}
		switch referredAcc.ReferredBy {
		case acc.ReferralCode:
		case "":
			return Transaction{}, fmt.Errorf("%w: %s has not applied %s's code", ErrReferralNotLinked, referred, referrer)
		default:
			return Transaction{}, fmt.Errorf("%w: %s is linked to another referrer", ErrDuplicateReferral, referred)
		}
		rctx, cancel := s.readContext(ctx)
		defer cancel()
		paid, err := s.store.HasReferralPayout(rctx, referred)
		if err != nil {
			return Transaction{}, wrapStore("check referral payout", err)
		}
		if paid {
			return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateReferral, referred)
		}
		return Transaction{
			Kind:        KindEarn,
			Amount:      s.cfg.ReferralReward,
			Reason:      ReasonReferral,
			ReferenceID: string(referred),
			Metadata:    map[string]string{MetaReferredAccount: string(referred)},
		}, nil
	})
}

// =============================================================================
// SPEND
// =============================================================================

func (s *Service) SpendOnQuestion(ctx context.Context, id, target AccountID, amount int64) (Transaction, error) {
	return s.spend(ctx, "spend_question", id, target, amount, ReasonQuestion, map[string]string{})
}

func (s *Service) SpendOnRequest(ctx context.Context, id, target AccountID, amount int64, details string) (Transaction, error) {
	return s.spend(ctx, "spend_request", id, target, amount, ReasonRequest, map[string]string{MetaDetails: details})
}

func (s *Service) spend(ctx context.Context, op string, id, target AccountID, amount int64, reason Reason, meta map[string]string) (Transaction, error) {
	if amount <= 0 {
		s.reject(op, ErrInvalidAmount)
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if err := ValidateAccountID(target); err != nil || target == id {
		s.reject(op, ErrInvalidTarget)
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	meta[MetaTargetAccount] = string(target)

	return s.commit(ctx, op, id, func(acc Account, now time.Time) (Transaction, error) {
		if acc.Balance < amount {
			return Transaction{}, &InsufficientBalanceError{AccountID: id, Required: amount, Available: acc.Balance}
		}
		return Transaction{
			Kind:        KindSpend,
			Amount:      amount,
			Reason:      reason,
			ReferenceID: string(target),
			Metadata:    s.boundMetadata(meta),
		}, nil
	})
}

// boundMetadata truncates every value to MaxMetadataLength runes.
func (s *Service) boundMetadata(meta map[string]string) map[string]string {
	limit := s.cfg.MaxMetadataLength
	if limit <= 0 {
		return meta
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if utf8.RuneCountInString(v) > limit {
			v = string([]rune(v)[:limit])
		}
		out[k] = v
	}
	return out
}

// =============================================================================
// COMMIT PIPELINE
// =============================================================================

// commit runs build under the account lock and persists its transaction
// together with the resulting snapshot.
func (s *Service) commit(ctx context.Context, op string, id AccountID, build func(acc Account, now time.Time) (Transaction, error)) (Transaction, error) {
	if err := ValidateAccountID(id); err != nil {
		s.reject(op, err)
		return Transaction{}, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	acc, err := s.getAccount(ctx, id)
	if err != nil {
		s.reject(op, err)
		return Transaction{}, err
	}

	now := notBefore(s.clock.Now(), acc.UpdatedAt)
	tx, err := build(acc, now)
	if err != nil {
		s.reject(op, err)
		return Transaction{}, err
	}
	tx.ID = s.newID()
	tx.AccountID = id
	tx.CreatedAt = now

	next, err := acc.Apply(tx)
	if err != nil {
		s.reject(op, err)
		return Transaction{}, err
	}

	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	if err := s.store.Commit(context.WithoutCancel(ctx), acc.Version, next, tx); err != nil {
		err = wrapStore("commit", err)
		s.reject(op, err)
		return Transaction{}, err
	}

	metrics.LedgerTransactions.WithLabelValues(string(tx.Kind), string(tx.Reason)).Inc()
	metrics.LedgerAmount.WithLabelValues(string(tx.Kind)).Add(float64(tx.Amount))
	s.log.WithFields(logrus.Fields{
		"account_id": id,
		"tx_id":      tx.ID,
		"kind":       tx.Kind,
		"reason":     tx.Reason,
		"amount":     tx.Amount,
		"balance":    next.Balance,
	}).Info("ledger transaction committed")
	return tx, nil
}

func (s *Service) getAccount(ctx context.Context, id AccountID) (Account, error) {
	rctx, cancel := s.readContext(ctx)
	defer cancel()
	acc, err := s.store.GetAccount(rctx, id)
	if err != nil {
		return Account{}, wrapStore("get account", err)
	}
	return acc, nil
}

func (s *Service) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) reject(op string, err error) {
	cause := causeOf(err)
	metrics.LedgerRejections.WithLabelValues(op, cause).Inc()
	entry := s.log.WithFields(logrus.Fields{"operation": op, "cause": cause}).WithError(err)
	if IsRetryable(err) {
		entry.Warn("ledger operation failed")
		return
	}
	entry.Debug("ledger operation rejected")
}

func causeOf(err error) string {
	switch {
	case IsValidationError(err):
		return "validation"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyClaimedToday):
		return "already_claimed"
	case errors.Is(err, ErrDuplicateReferral):
		return "duplicate_referral"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store"
	}
	return "other"
}
