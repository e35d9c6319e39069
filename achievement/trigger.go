package achievement

import (
	"encoding/json"
	"fmt"
	"math"
)

// =============================================================================
// TRIGGER - Closed set of domain events
// =============================================================================

// Trigger is one of the variants below. The unexported method keeps the set
// closed; the engine's type switch covers every variant.
type Trigger interface {
	Type() TriggerType
	trigger()
}

// ReviewCount fires when the account posts a review.
type ReviewCount struct{}

// TwitchFollowers carries the follower count reported by the host.
type TwitchFollowers struct{ Count int64 }

// SocialLinks fires when the account edits its social links.
type SocialLinks struct{}

// TwitchStatus fires when the broadcaster type may have changed.
type TwitchStatus struct{}

// TwitchPartner fires when partner status may have changed.
type TwitchPartner struct{}

// Referrals fires when a referral was confirmed for the account.
type Referrals struct{}

// AchievementsUnlocked fires after any evaluation that unlocked something.
type AchievementsUnlocked struct{}

func (ReviewCount) Type() TriggerType          { return TriggerReviewCount }
func (TwitchFollowers) Type() TriggerType      { return TriggerTwitchFollowers }
func (SocialLinks) Type() TriggerType          { return TriggerSocialLinks }
func (TwitchStatus) Type() TriggerType         { return TriggerTwitchStatus }
func (TwitchPartner) Type() TriggerType        { return TriggerTwitchPartner }
func (Referrals) Type() TriggerType            { return TriggerReferrals }
func (AchievementsUnlocked) Type() TriggerType { return TriggerAchievementsUnlocked }

func (ReviewCount) trigger()          {}
func (TwitchFollowers) trigger()      {}
func (SocialLinks) trigger()          {}
func (TwitchStatus) trigger()         {}
func (TwitchPartner) trigger()        {}
func (Referrals) trigger()            {}
func (AchievementsUnlocked) trigger() {}

// ParseTrigger builds a Trigger from host input. Unknown types and a
// missing or non-numeric twitch_followers count are rejected.
func ParseTrigger(typ string, payload map[string]any) (Trigger, error) {
	switch TriggerType(typ) {
	case TriggerReviewCount:
		return ReviewCount{}, nil
	case TriggerTwitchFollowers:
		n, err := payloadCount(payload)
		if err != nil {
			return nil, err
		}
		return TwitchFollowers{Count: n}, nil
	case TriggerSocialLinks:
		return SocialLinks{}, nil
	case TriggerTwitchStatus:
		return TwitchStatus{}, nil
	case TriggerTwitchPartner:
		return TwitchPartner{}, nil
	case TriggerReferrals:
		return Referrals{}, nil
	case TriggerAchievementsUnlocked:
		return AchievementsUnlocked{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, typ)
}

func payloadCount(payload map[string]any) (int64, error) {
	raw, ok := payload["count"]
	if !ok {
		return 0, fmt.Errorf("%w: count is required", ErrInvalidPayload)
	}
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		whole, err := wholeCount(v)
		if err != nil {
			return 0, err
		}
		n = whole
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			n = parsed
			break
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: count: %v", ErrInvalidPayload, err)
		}
		whole, err := wholeCount(f)
		if err != nil {
			return 0, err
		}
		n = whole
	default:
		return 0, fmt.Errorf("%w: count must be numeric, got %T", ErrInvalidPayload, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: count must not be negative", ErrInvalidPayload)
	}
	return n, nil
}

func wholeCount(f float64) (int64, error) {
	if f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: count must be a whole number", ErrInvalidPayload)
	}
	return int64(f), nil
}
