package achievement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
	"github.com/creatorhub/ledger-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var march10 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

// counters delegates to the memory store unless an override is set.
type counters struct {
	*memory.Store
	reviews  func(context.Context, ledger.AccountID) (int64, error)
	profile  func(context.Context, ledger.AccountID) (achievement.Profile, error)
	referral func(context.Context, ledger.AccountID) (int64, error)
}

func (c *counters) CountReviewsByAccount(ctx context.Context, id ledger.AccountID) (int64, error) {
	if c.reviews != nil {
		return c.reviews(ctx, id)
	}
	return c.Store.CountReviewsByAccount(ctx, id)
}

func (c *counters) GetAccountProfile(ctx context.Context, id ledger.AccountID) (achievement.Profile, error) {
	if c.profile != nil {
		return c.profile(ctx, id)
	}
	return c.Store.GetAccountProfile(ctx, id)
}

func (c *counters) CountReferralsTo(ctx context.Context, id ledger.AccountID) (int64, error) {
	if c.referral != nil {
		return c.referral(ctx, id)
	}
	return c.Store.CountReferralsTo(ctx, id)
}

func newTestEngine(t *testing.T, cfg achievement.Config, defs ...achievement.Definition) (*achievement.Engine, *memory.Store, *counters) {
	t.Helper()
	store := memory.New()
	for _, def := range defs {
		require.NoError(t, store.UpsertDefinition(context.Background(), def))
	}
	c := &counters{Store: store}
	engine := achievement.NewEngine(store, c, cfg,
		achievement.WithClock(fixedClock{march10}), achievement.WithLogger(quietLogger()))
	return engine, store, c
}

func def(id string, typ achievement.TriggerType, value int64) achievement.Definition {
	return achievement.Definition{ID: achievement.AchievementID(id), Name: id, Enabled: true, TriggerType: typ, TriggerValue: value}
}

func ids(defs []achievement.Definition) []achievement.AchievementID {
	out := make([]achievement.AchievementID, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func addReviews(t *testing.T, store *memory.Store, account ledger.AccountID, n int) {
	t.Helper()
	for range n {
		_, err := store.AddReview(context.Background(), account)
		require.NoError(t, err)
	}
}

// seedReferrals creates the referrer and n accounts linked to its code.
func seedReferrals(t *testing.T, store *memory.Store, referrer ledger.AccountID, n int) {
	t.Helper()
	ctx := context.Background()
	code := "CODE-" + string(referrer)
	require.NoError(t, store.CreateAccount(ctx, ledger.Account{ID: referrer, ReferralCode: code}))
	for i := range n {
		id := ledger.AccountID(fmt.Sprintf("%s-ref-%d", referrer, i))
		require.NoError(t, store.CreateAccount(ctx, ledger.Account{
			ID:           id,
			ReferralCode: "CODE-" + string(id),
			ReferredBy:   code,
		}))
	}
}

// =============================================================================
// THRESHOLDS
// =============================================================================

func TestEngine_ReviewCount_UnlocksAndCascades(t *testing.T) {
	// GIVEN: Account posted its 5th review; catalog has a 5-review achievement
	//        and a "1 achievement unlocked" achievement
	// WHEN: review_count fires
	// THEN: The review achievement is returned directly, the meta one via cascade

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("five-reviews", achievement.TriggerReviewCount, 5),
		def("collector-1", achievement.TriggerAchievementsUnlocked, 1),
	)
	ctx := context.Background()
	addReviews(t, store, "alice", 5)

	res, err := engine.HandleTrigger(ctx, "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"five-reviews"}, ids(res.Unlocked))
	assert.Equal(t, []achievement.AchievementID{"collector-1"}, ids(res.Cascaded))
	assert.Equal(t, []achievement.AchievementID{"five-reviews", "collector-1"}, ids(res.All()))
	assert.Zero(t, res.Skipped)

	unlocks, err := store.ListUnlocks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unlocks, 2)
	byID := map[achievement.AchievementID]achievement.UnlockRecord{}
	for _, u := range unlocks {
		byID[u.AchievementID] = u
	}
	assert.Equal(t, int64(5), byID["five-reviews"].CurrentProgress)
	assert.Equal(t, int64(1), byID["collector-1"].CurrentProgress)
	assert.Equal(t, march10, byID["five-reviews"].UnlockedAt)
}

func TestEngine_Threshold_Inclusive(t *testing.T) {
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("three", achievement.TriggerReviewCount, 3),
		def("four", achievement.TriggerReviewCount, 4),
	)
	addReviews(t, store, "alice", 3)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"three"}, ids(res.Unlocked))
}

func TestEngine_HandleTrigger_Idempotent(t *testing.T) {
	// GIVEN: A qualifying account
	// WHEN: The same trigger fires twice with no state change in between
	// THEN: First call unlocks, second returns nothing, one record exists

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("first-review", achievement.TriggerReviewCount, 1),
	)
	ctx := context.Background()
	addReviews(t, store, "alice", 1)

	first, err := engine.HandleTrigger(ctx, "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Len(t, first.Unlocked, 1)

	second, err := engine.HandleTrigger(ctx, "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Empty(t, second.All())

	n, err := store.CountUnlocksOf(ctx, "first-review")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEngine_DisabledDefinitionsIgnored(t *testing.T) {
	disabled := def("retired", achievement.TriggerReviewCount, 1)
	disabled.Enabled = false
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(), disabled)
	addReviews(t, store, "alice", 10)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Empty(t, res.All())
}

// =============================================================================
// TRIGGER RULES
// =============================================================================

func TestEngine_TwitchFollowers_UsesPayload(t *testing.T) {
	engine, _, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("followers-100", achievement.TriggerTwitchFollowers, 100),
		def("followers-1000", achievement.TriggerTwitchFollowers, 1000),
	)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.TwitchFollowers{Count: 100})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"followers-100"}, ids(res.Unlocked))
}

func TestEngine_SocialLinks_CountsNonEmpty(t *testing.T) {
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("links-3", achievement.TriggerSocialLinks, 3),
		def("links-4", achievement.TriggerSocialLinks, 4),
	)
	require.NoError(t, store.SetProfile(context.Background(), "alice", achievement.Profile{
		SocialLinks: map[string]string{"twitter": "@a", "youtube": "a", "tiktok": "a", "instagram": ""},
	}))

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.SocialLinks{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"links-3"}, ids(res.Unlocked))
}

func TestEngine_TwitchStatus_ExactMatch(t *testing.T) {
	affiliate := def("affiliate", achievement.TriggerTwitchStatus, 0)
	affiliate.TriggerString = "affiliate"
	partnerStatus := def("partner-status", achievement.TriggerTwitchStatus, 0)
	partnerStatus.TriggerString = "partner"

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(), affiliate, partnerStatus)
	require.NoError(t, store.SetProfile(context.Background(), "alice", achievement.Profile{BroadcasterType: "affiliate"}))

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.TwitchStatus{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"affiliate"}, ids(res.Unlocked))

	unlocks, _ := store.ListUnlocks(context.Background(), "alice")
	require.Len(t, unlocks, 1)
	assert.Equal(t, int64(1), unlocks[0].CurrentProgress)
}

func TestEngine_TwitchStatus_EmptyBroadcasterTypeNeverMatches(t *testing.T) {
	blank := def("blank", achievement.TriggerTwitchStatus, 0)
	engine, _, _ := newTestEngine(t, achievement.DefaultConfig(), blank)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.TwitchStatus{})
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)
}

func TestEngine_TwitchPartner(t *testing.T) {
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("partner", achievement.TriggerTwitchPartner, 0),
	)
	ctx := context.Background()

	require.NoError(t, store.SetProfile(ctx, "alice", achievement.Profile{BroadcasterType: "affiliate"}))
	res, err := engine.HandleTrigger(ctx, "alice", achievement.TwitchPartner{})
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)

	require.NoError(t, store.SetProfile(ctx, "alice", achievement.Profile{BroadcasterType: "partner"}))
	res, err = engine.HandleTrigger(ctx, "alice", achievement.TwitchPartner{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"partner"}, ids(res.Unlocked))
}

// =============================================================================
// REFERRAL CAP
// =============================================================================

func TestEngine_Referrals_SuppressedAboveCap(t *testing.T) {
	// GIVEN: A 10-referral achievement and 51 confirmed referrals
	// WHEN: referrals fires
	// THEN: No unlock despite 51 >= 10

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("recruiter", achievement.TriggerReferrals, 10),
	)
	seedReferrals(t, store, "alice", 51)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.Referrals{})
	require.NoError(t, err)
	assert.Empty(t, res.All())
	assert.Zero(t, res.Skipped, "suppression is not a skip")
}

func TestEngine_Referrals_UnlocksAtCap(t *testing.T) {
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("recruiter", achievement.TriggerReferrals, 10),
	)
	seedReferrals(t, store, "alice", 50)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.Referrals{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"recruiter"}, ids(res.Unlocked))
}

func TestEngine_CapOnlyAppliesToReferrals(t *testing.T) {
	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("reviewer", achievement.TriggerReviewCount, 10),
	)
	addReviews(t, store, "alice", 51)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Len(t, res.Unlocked, 1)
}

// =============================================================================
// CASCADE
// =============================================================================

func chainCatalog() []achievement.Definition {
	return []achievement.Definition{
		def("first-review", achievement.TriggerReviewCount, 1),
		def("collector-1", achievement.TriggerAchievementsUnlocked, 1),
		def("collector-2", achievement.TriggerAchievementsUnlocked, 2),
		def("collector-3", achievement.TriggerAchievementsUnlocked, 3),
	}
}

func TestEngine_Cascade_DrainsChain(t *testing.T) {
	// GIVEN: Collector achievements at 1, 2 and 3 unlocks
	// WHEN: A single review unlocks the first achievement
	// THEN: Each collector unlocks in its own follow-up evaluation

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(), chainCatalog()...)
	addReviews(t, store, "alice", 1)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"first-review"}, ids(res.Unlocked))
	assert.Equal(t, []achievement.AchievementID{"collector-1", "collector-2", "collector-3"}, ids(res.Cascaded))
	assert.Equal(t, 5, res.Steps, "final evaluation finds nothing left")
}

func TestEngine_Cascade_StepLimit(t *testing.T) {
	cfg := achievement.DefaultConfig()
	cfg.MaxCascadeSteps = 2
	engine, store, _ := newTestEngine(t, cfg, chainCatalog()...)
	addReviews(t, store, "alice", 1)

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, []achievement.AchievementID{"collector-1"}, ids(res.Cascaded))
}

// =============================================================================
// FAILURE SEMANTICS
// =============================================================================

func TestEngine_LookupFailure_SkipsCandidate(t *testing.T) {
	// GIVEN: The profile lookup fails
	// WHEN: social_links fires with two candidates
	// THEN: Both are skipped and counted, nothing unlocks, no error

	engine, _, c := newTestEngine(t, achievement.DefaultConfig(),
		def("links-1", achievement.TriggerSocialLinks, 1),
		def("links-2", achievement.TriggerSocialLinks, 2),
	)
	calls := 0
	c.profile = func(context.Context, ledger.AccountID) (achievement.Profile, error) {
		calls++
		return achievement.Profile{}, errors.New("identity provider unavailable")
	}

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.SocialLinks{})
	require.NoError(t, err)
	assert.Empty(t, res.All())
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, calls, "failed lookups are not memoized")
}

func TestEngine_LookupTimeout_SkipsCandidate(t *testing.T) {
	cfg := achievement.DefaultConfig()
	cfg.LookupTimeout = 20 * time.Millisecond
	engine, _, c := newTestEngine(t, cfg, def("first-review", achievement.TriggerReviewCount, 1))
	c.reviews = func(ctx context.Context, _ ledger.AccountID) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	start := time.Now()
	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Unlocked)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_SuccessfulLookupMemoized(t *testing.T) {
	engine, _, c := newTestEngine(t, achievement.DefaultConfig(),
		def("r1", achievement.TriggerReferrals, 1),
		def("r2", achievement.TriggerReferrals, 2),
		def("r3", achievement.TriggerReferrals, 3),
	)
	calls := 0
	c.referral = func(context.Context, ledger.AccountID) (int64, error) {
		calls++
		return 2, nil
	}

	res, err := engine.HandleTrigger(context.Background(), "alice", achievement.Referrals{})
	require.NoError(t, err)
	assert.Equal(t, []achievement.AchievementID{"r1", "r2"}, ids(res.Unlocked))
	assert.Equal(t, 1, calls)
}

type brokenCatalog struct{ *memory.Store }

func (brokenCatalog) ListEnabledByTrigger(context.Context, achievement.TriggerType) ([]achievement.Definition, error) {
	return nil, errors.New("catalog offline")
}

func TestEngine_CatalogFailure_ReturnsStoreError(t *testing.T) {
	store := memory.New()
	engine := achievement.NewEngine(brokenCatalog{store}, store, achievement.DefaultConfig(),
		achievement.WithLogger(quietLogger()))

	_, err := engine.HandleTrigger(context.Background(), "alice", achievement.ReviewCount{})
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.True(t, ledger.IsRetryable(err))
}

func TestEngine_InvalidInput_RejectedBeforeIO(t *testing.T) {
	engine, _, _ := newTestEngine(t, achievement.DefaultConfig())

	_, err := engine.HandleTrigger(context.Background(), "bad id", achievement.ReviewCount{})
	assert.ErrorIs(t, err, ledger.ErrInvalidAccountID)

	_, err = engine.HandleTrigger(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, achievement.ErrUnknownTrigger)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentTriggers_SingleUnlock(t *testing.T) {
	// GIVEN: A qualifying account
	// WHEN: The same trigger fires from many goroutines at once
	// THEN: Exactly one call reports the unlock and one record exists

	engine, store, _ := newTestEngine(t, achievement.DefaultConfig(),
		def("first-review", achievement.TriggerReviewCount, 1),
	)
	ctx := context.Background()
	addReviews(t, store, "alice", 1)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.HandleTrigger(ctx, "alice", achievement.ReviewCount{})
			assert.NoError(t, err)
			mu.Lock()
			total += len(res.Unlocked)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	n, err := store.CountUnlockedAchievements(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
