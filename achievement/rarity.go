package achievement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/creatorhub/ledger-engine/ledger"
)

// DefaultActiveWindow is how recently an account must have logged in to
// count as active.
const DefaultActiveWindow = 30 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// RarityCalculator computes the share of active accounts holding an
// achievement, as a percentage rounded to two decimals.
type RarityCalculator struct {
	store  RarityStore
	window time.Duration
	clock  ledger.Clock
	log    logrus.FieldLogger
}

func NewRarityCalculator(store RarityStore, activeWindow time.Duration, opts ...Option) *RarityCalculator {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	o := buildOptions(opts)
	return &RarityCalculator{store: store, window: activeWindow, clock: o.clock, log: o.log}
}

// ComputeRarity returns 100 * unlocked / active. It returns zero when there
// are no active accounts, and also for unknown achievement ids.
func (c *RarityCalculator) ComputeRarity(ctx context.Context, id AchievementID) (decimal.Decimal, error) {
	if _, err := c.store.GetDefinition(ctx, id); err != nil {
		if errors.Is(err, ErrAchievementNotFound) {
			c.log.WithField("achievement_id", id).Warn("rarity requested for unknown achievement")
			return decimal.Zero, nil
		}
		return decimal.Zero, &ledger.StoreError{Op: "get achievement", Err: err}
	}
	active, err := c.activeAccounts(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	unlocked, err := c.store.CountUnlocksOf(ctx, id)
	if err != nil {
		return decimal.Zero, &ledger.StoreError{Op: "count unlocks", Err: err}
	}
	return Percentage(unlocked, active), nil
}

// ComputeAll returns the rarity of every catalog entry, counting active
// accounts once.
func (c *RarityCalculator) ComputeAll(ctx context.Context) (map[AchievementID]decimal.Decimal, error) {
	defs, err := c.store.ListDefinitions(ctx)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list achievements", Err: err}
	}
	active, err := c.activeAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[AchievementID]decimal.Decimal, len(defs))
	for _, def := range defs {
		unlocked, err := c.store.CountUnlocksOf(ctx, def.ID)
		if err != nil {
			return nil, &ledger.StoreError{Op: "count unlocks", Err: err}
		}
		out[def.ID] = Percentage(unlocked, active)
	}
	return out, nil
}

func (c *RarityCalculator) activeAccounts(ctx context.Context) (int64, error) {
	active, err := c.store.CountActiveAccounts(ctx, c.clock.Now().Add(-c.window))
	if err != nil {
		return 0, &ledger.StoreError{Op: "count active accounts", Err: err}
	}
	return active, nil
}

// Percentage is 100 * part / whole rounded to two decimals, or zero when
// whole is zero. It is not clamped: unlock holders who went inactive can
// push it above 100.
func Percentage(part, whole int64) decimal.Decimal {
	if whole <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).Mul(hundred).Div(decimal.NewFromInt(whole)).Round(2)
}
