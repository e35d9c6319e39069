/*
engine.go - Trigger evaluation and the unlock cascade

ALGORITHM (per evaluation):
  1. Load enabled definitions of the trigger's type
  2. Drop those the account already unlocked (read-time filter only)
  3. Compute progress per candidate; a failed lookup skips that candidate
  4. Unlock when progress >= TriggerValue (status triggers: exact match)
  5. Referral triggers are suppressed above the referral cap
  6. Re-check, then InsertUnlockIfAbsent; false means already unlocked

CASCADE:
  Every evaluation that unlocked something enqueues AchievementsUnlocked.
  The queue drains because each evaluation can only unlock definitions
  that are still locked. MaxCascadeSteps bounds a misconfigured catalog.

LOCKING:
  No lock is held across Counters calls. The (account, achievement) unique
  key in the store closes the race between step 2 and step 6.
*/
package achievement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creatorhub/ledger-engine/ledger"
	"github.com/creatorhub/ledger-engine/metrics"
)

type Config struct {
	// ReferralCap suppresses referral unlocks when the live count exceeds it.
	ReferralCap int64
	// LookupTimeout bounds each progress lookup. Zero disables it.
	LookupTimeout   time.Duration
	MaxCascadeSteps int
}

func DefaultConfig() Config {
	return Config{
		ReferralCap:     50,
		LookupTimeout:   2 * time.Second,
		MaxCascadeSteps: 64,
	}
}

type options struct {
	clock ledger.Clock
	log   logrus.FieldLogger
}

type Option func(*options)

func WithClock(c ledger.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.log = l } }

func buildOptions(opts []Option) options {
	o := options{clock: ledger.SystemClock(), log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Result reports the unlocks of one HandleTrigger call.
type Result struct {
	// Unlocked holds the unlocks of the trigger passed in.
	Unlocked []Definition
	// Cascaded holds unlocks produced by follow-up achievements_unlocked
	// evaluations.
	Cascaded []Definition
	// Skipped counts candidates whose progress could not be determined.
	Skipped int
	// Steps counts evaluations, the initial one included.
	Steps int
}

// All returns direct and cascaded unlocks in evaluation order.
func (r Result) All() []Definition {
	out := make([]Definition, 0, len(r.Unlocked)+len(r.Cascaded))
	out = append(out, r.Unlocked...)
	return append(out, r.Cascaded...)
}

type Engine struct {
	store    Store
	counters Counters
	cfg      Config
	clock    ledger.Clock
	log      logrus.FieldLogger
}

func NewEngine(store Store, counters Counters, cfg Config, opts ...Option) *Engine {
	if cfg.MaxCascadeSteps <= 0 {
		cfg.MaxCascadeSteps = DefaultConfig().MaxCascadeSteps
	}
	o := buildOptions(opts)
	return &Engine{
		store:    store,
		counters: counters,
		cfg:      cfg,
		clock:    o.clock,
		log:      o.log,
	}
}

// HandleTrigger evaluates trig for the account and drains the cascade.
func (e *Engine) HandleTrigger(ctx context.Context, account ledger.AccountID, trig Trigger) (Result, error) {
	if err := ledger.ValidateAccountID(account); err != nil {
		return Result{}, err
	}
	if trig == nil {
		return Result{}, fmt.Errorf("%w: nil trigger", ErrUnknownTrigger)
	}

	var res Result
	queue := []Trigger{trig}
	for len(queue) > 0 {
		if res.Steps >= e.cfg.MaxCascadeSteps {
			e.log.WithFields(logrus.Fields{
				"account_id": account,
				"steps":      res.Steps,
				"pending":    len(queue),
			}).Warn("achievement cascade stopped at step limit")
			break
		}
		t := queue[0]
		queue = queue[1:]

		unlocked, skipped, err := e.evaluate(ctx, account, t)
		res.Steps++
		res.Skipped += skipped
		if res.Steps == 1 {
			res.Unlocked = unlocked
		} else {
			res.Cascaded = append(res.Cascaded, unlocked...)
		}
		if err != nil {
			metrics.AchievementCascadeSteps.Observe(float64(res.Steps))
			return res, err
		}
		if len(unlocked) > 0 {
			queue = append(queue, AchievementsUnlocked{})
		}
	}
	metrics.AchievementCascadeSteps.Observe(float64(res.Steps))
	return res, nil
}

// evaluate runs one trigger against the catalog. Only catalog or unlock
// list failures abort it; per-candidate failures are counted as skipped.
func (e *Engine) evaluate(ctx context.Context, account ledger.AccountID, t Trigger) ([]Definition, int, error) {
	typ := t.Type()
	log := e.log.WithFields(logrus.Fields{"account_id": account, "trigger": typ})

	rctx, cancel := e.lookupContext(ctx)
	defs, err := e.store.ListEnabledByTrigger(rctx, typ)
	cancel()
	if err != nil {
		return nil, 0, &ledger.StoreError{Op: "list achievements", Err: err}
	}
	if len(defs) == 0 {
		return nil, 0, nil
	}

	rctx, cancel = e.lookupContext(ctx)
	existing, err := e.store.ListUnlocks(rctx, account)
	cancel()
	if err != nil {
		return nil, 0, &ledger.StoreError{Op: "list unlocks", Err: err}
	}
	done := make(map[AchievementID]bool, len(existing))
	for _, rec := range existing {
		done[rec.AchievementID] = true
	}

	var (
		unlocked []Definition
		skipped  int
		lk       = lookups{engine: e, account: account}
	)
	for _, def := range defs {
		if done[def.ID] {
			continue
		}
		clog := log.WithField("achievement_id", def.ID)

		progress, err := lk.progress(ctx, t, def)
		if err != nil {
			skipped++
			metrics.AchievementSkipped.WithLabelValues(string(typ)).Inc()
			clog.WithError(err).Warn("achievement progress lookup failed, candidate skipped")
			continue
		}
		if !def.Meets(progress) {
			continue
		}
		if typ == TriggerReferrals && progress > e.cfg.ReferralCap {
			metrics.AchievementSuppressed.WithLabelValues(string(typ)).Inc()
			clog.WithFields(logrus.Fields{
				"progress": progress,
				"cap":      e.cfg.ReferralCap,
			}).Info("referral achievement suppressed above cap")
			continue
		}

		ok, err := e.unlock(ctx, account, def, progress)
		if err != nil {
			skipped++
			metrics.AchievementSkipped.WithLabelValues(string(typ)).Inc()
			clog.WithError(err).Warn("achievement unlock failed, candidate skipped")
			continue
		}
		if !ok {
			continue
		}
		unlocked = append(unlocked, def)
		metrics.AchievementUnlocks.WithLabelValues(string(typ)).Inc()
		clog.WithField("progress", progress).Info("achievement unlocked")
	}
	return unlocked, skipped, nil
}

// unlock re-checks the pair and inserts the record. It reports false when
// the pair was unlocked in the meantime.
func (e *Engine) unlock(ctx context.Context, account ledger.AccountID, def Definition, progress int64) (bool, error) {
	rctx, cancel := e.lookupContext(ctx)
	has, err := e.store.HasUnlock(rctx, account, def.ID)
	cancel()
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	return e.store.InsertUnlockIfAbsent(context.WithoutCancel(ctx), UnlockRecord{
		AccountID:       account,
		AchievementID:   def.ID,
		UnlockedAt:      e.clock.Now(),
		CurrentProgress: progress,
	})
}

func (e *Engine) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.LookupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.LookupTimeout)
}

// =============================================================================
// PROGRESS RULES
// =============================================================================

// lookups memoizes successful external reads within one evaluation.
// Failures are not cached, so each candidate retries its own lookup.
type lookups struct {
	engine  *Engine
	account ledger.AccountID

	count   *int64
	profile *Profile
}

func (l *lookups) progress(ctx context.Context, t Trigger, def Definition) (int64, error) {
	switch tr := t.(type) {
	case TwitchFollowers:
		return tr.Count, nil
	case ReviewCount:
		return l.countOf(ctx, l.engine.counters.CountReviewsByAccount)
	case Referrals:
		return l.countOf(ctx, l.engine.counters.CountReferralsTo)
	case AchievementsUnlocked:
		return l.countOf(ctx, l.engine.counters.CountUnlockedAchievements)
	case SocialLinks:
		p, err := l.accountProfile(ctx)
		if err != nil {
			return 0, err
		}
		return p.LinkCount(), nil
	case TwitchStatus:
		p, err := l.accountProfile(ctx)
		if err != nil {
			return 0, err
		}
		return boolProgress(def.TriggerString != "" && p.BroadcasterType == def.TriggerString), nil
	case TwitchPartner:
		p, err := l.accountProfile(ctx)
		if err != nil {
			return 0, err
		}
		return boolProgress(p.BroadcasterType == PartnerBroadcasterType), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnknownTrigger, t)
}

func (l *lookups) countOf(ctx context.Context, fetch func(context.Context, ledger.AccountID) (int64, error)) (int64, error) {
	if l.count != nil {
		return *l.count, nil
	}
	rctx, cancel := l.engine.lookupContext(ctx)
	defer cancel()
	n, err := fetch(rctx, l.account)
	if err != nil {
		return 0, lookupError(err)
	}
	l.count = &n
	return n, nil
}

func (l *lookups) accountProfile(ctx context.Context) (Profile, error) {
	if l.profile != nil {
		return *l.profile, nil
	}
	rctx, cancel := l.engine.lookupContext(ctx)
	defer cancel()
	p, err := l.engine.counters.GetAccountProfile(rctx, l.account)
	if err != nil {
		return Profile{}, lookupError(err)
	}
	l.profile = &p
	return p, nil
}

func lookupError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lookup timed out: %w", err)
	}
	return err
}

func boolProgress(ok bool) int64 {
	if ok {
		return 1
	}
	return 0
}
