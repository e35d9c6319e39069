/*
scheduler.go - Periodic rarity refresh

PURPOSE:
  Rarity is a full count over unlocks and active accounts, too expensive to
  compute per catalog request. The scheduler recomputes every achievement's
  rarity on a ticker and serves the cached values to GET /api/achievements.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Refreshes once immediately on Start
  - A failed refresh keeps the previous values and is retried next tick
  - Single-achievement reads (GET /api/achievements/{id}/rarity) bypass
    the cache and compute live

USAGE:
  scheduler := NewRarityScheduler(calculator, logger)
  scheduler.Interval = 10 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - achievement/rarity.go: RarityCalculator
  - handlers.go: ListAchievements
*/
package api

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/creatorhub/ledger-engine/achievement"
)

// RarityComputer is satisfied by *achievement.RarityCalculator.
type RarityComputer interface {
	ComputeRarity(ctx context.Context, id achievement.AchievementID) (decimal.Decimal, error)
	ComputeAll(ctx context.Context) (map[achievement.AchievementID]decimal.Decimal, error)
}

// RarityScheduler keeps a periodically refreshed rarity cache.
type RarityScheduler struct {
	Calculator RarityComputer
	Interval   time.Duration
	Enabled    bool
	// Timeout bounds a single refresh.
	Timeout time.Duration

	log logrus.FieldLogger

	cacheMu     sync.RWMutex
	cache       map[achievement.AchievementID]decimal.Decimal
	refreshedAt time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRarityScheduler(calc RarityComputer, log logrus.FieldLogger) *RarityScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RarityScheduler{
		Calculator: calc,
		Interval:   10 * time.Minute,
		Enabled:    true,
		Timeout:    time.Minute,
		log:        log.WithField("component", "rarity_scheduler"),
		cache:      map[achievement.AchievementID]decimal.Decimal{},
	}
}

// Start begins the refresh loop. Calling Start twice is a no-op.
func (rs *RarityScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("rarity scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.log.WithField("interval", rs.Interval).Info("rarity scheduler started")
}

// Stop halts the loop and waits for an in-flight refresh to finish.
func (rs *RarityScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("rarity scheduler stopped")
}

func (rs *RarityScheduler) run() {
	defer rs.wg.Done()

	rs.refresh()
	for {
		select {
		case <-rs.ticker.C:
			rs.refresh()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RarityScheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Timeout)
	defer cancel()
	if err := rs.RunOnce(ctx); err != nil {
		rs.log.WithError(err).Warn("rarity refresh failed, keeping previous values")
	}
}

// RunOnce recomputes every rarity and swaps the cache.
func (rs *RarityScheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	values, err := rs.Calculator.ComputeAll(ctx)
	if err != nil {
		return err
	}

	rs.cacheMu.Lock()
	rs.cache = values
	rs.refreshedAt = time.Now()
	rs.cacheMu.Unlock()

	rs.log.WithFields(logrus.Fields{
		"achievements": len(values),
		"took":         time.Since(start),
	}).Debug("rarity refreshed")
	return nil
}

// Cached returns the last computed rarity of id.
func (rs *RarityScheduler) Cached(id achievement.AchievementID) (decimal.Decimal, bool) {
	rs.cacheMu.RLock()
	defer rs.cacheMu.RUnlock()
	v, ok := rs.cache[id]
	return v, ok
}

// Snapshot returns a copy of the cache and the time it was filled.
func (rs *RarityScheduler) Snapshot() (map[achievement.AchievementID]decimal.Decimal, time.Time) {
	rs.cacheMu.RLock()
	defer rs.cacheMu.RUnlock()
	return maps.Clone(rs.cache), rs.refreshedAt
}

// Compute reads one rarity live, bypassing the cache.
func (rs *RarityScheduler) Compute(ctx context.Context, id achievement.AchievementID) (decimal.Decimal, error) {
	return rs.Calculator.ComputeRarity(ctx, id)
}
