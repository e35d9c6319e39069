/*
Package achievement implements the achievement catalog, the trigger-driven
unlock engine and rarity statistics.

PURPOSE:
  Domain events ("a review was posted", "the Twitch profile changed") are
  turned into triggers. The engine evaluates the enabled achievements of
  that trigger type against the account's current progress and records
  unlocks. Unlocks are permanent.

KEY CONCEPTS IN THIS FILE (types.go):
  - Definition: catalog entry, managed outside this package at runtime
  - UnlockRecord: proof that an account met a definition's condition
  - Profile: external account data feeding status and link triggers

STATE MACHINE (per account, per achievement):
  Locked -> Unlocked   (terminal, no reverse transition)

SEE ALSO:
  - trigger.go: Trigger variants
  - engine.go: HandleTrigger and the unlock cascade
  - rarity.go: Rarity percentages
  - catalog.go: YAML catalog loading
*/
package achievement

import (
	"slices"
	"time"

	"github.com/creatorhub/ledger-engine/ledger"
)

type AchievementID string

// TriggerType names a domain event category.
type TriggerType string

const (
	TriggerReviewCount          TriggerType = "review_count"
	TriggerTwitchFollowers      TriggerType = "twitch_followers"
	TriggerSocialLinks          TriggerType = "social_links"
	TriggerTwitchStatus         TriggerType = "twitch_status"
	TriggerTwitchPartner        TriggerType = "twitch_partner"
	TriggerReferrals            TriggerType = "referrals"
	TriggerAchievementsUnlocked TriggerType = "achievements_unlocked"
)

var triggerTypes = []TriggerType{
	TriggerReviewCount,
	TriggerTwitchFollowers,
	TriggerSocialLinks,
	TriggerTwitchStatus,
	TriggerTwitchPartner,
	TriggerReferrals,
	TriggerAchievementsUnlocked,
}

// TriggerTypes returns every known trigger type.
func TriggerTypes() []TriggerType {
	return slices.Clone(triggerTypes)
}

func (t TriggerType) Valid() bool {
	return slices.Contains(triggerTypes, t)
}

// binary reports whether progress for t is a 0/1 condition rather than a
// count compared against TriggerValue.
func (t TriggerType) binary() bool {
	return t == TriggerTwitchStatus || t == TriggerTwitchPartner
}

// PartnerBroadcasterType is the broadcaster type that satisfies
// twitch_partner achievements.
const PartnerBroadcasterType = "partner"

// =============================================================================
// DEFINITION - Catalog entry
// =============================================================================

type Definition struct {
	ID          AchievementID
	Name        string
	Description string
	Enabled     bool
	TriggerType TriggerType

	// TriggerValue is the inclusive threshold for count triggers.
	TriggerValue int64
	// TriggerString is the broadcaster type required by twitch_status.
	TriggerString string
}

// Meets reports whether progress satisfies the definition.
func (d Definition) Meets(progress int64) bool {
	if d.TriggerType.binary() {
		return progress == 1
	}
	return progress >= d.TriggerValue
}

// =============================================================================
// UNLOCK RECORD - Insert-only
// =============================================================================

type UnlockRecord struct {
	AccountID     ledger.AccountID
	AchievementID AchievementID
	UnlockedAt    time.Time
	// CurrentProgress is the metric value at the moment of unlocking.
	CurrentProgress int64
}

// =============================================================================
// PROFILE - External account data
// =============================================================================

type Profile struct {
	SocialLinks     map[string]string
	BroadcasterType string
}

// LinkCount counts non-empty social links.
func (p Profile) LinkCount() int64 {
	var n int64
	for _, v := range p.SocialLinks {
		if v != "" {
			n++
		}
	}
	return n
}
