/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for demos and manual testing. Each scenario goes through the same
	service and engine calls as real traffic, so the resulting log,
	balances and unlocks are all consistent.

AVAILABLE SCENARIOS:

	starter-catalog:    Imports the starter achievement catalog
	creator-community:  Starter catalog plus a creator with two referred
	                    fans, reviews, a partner profile and a paid question

HOW SCENARIOS WORK:
 1. Import the starter catalog (upsert, safe to repeat)
 2. Open accounts
 3. Drive earn / spend / referral operations through the ledger service
 4. Record reviews and profiles, then fire the matching triggers

Scenarios are additive. Reloading one skips steps the ledger rejects as
already done (daily bonus claimed, referral already paid).

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "creator-community"}

SEE ALSO:
  - handlers.go: The endpoints the scenarios mirror
  - achievement/catalog.go: ParseCatalog
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	ScenarioID string   `json:"scenario_id"`
	Accounts   []string `json:"accounts"`
	Unlocked   int      `json:"unlocked"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-catalog",
		Name:        "Starter Catalog",
		Description: "Imports the starter achievement catalog",
	},
	{
		ID:          "creator-community",
		Name:        "Creator Community",
		Description: "A partnered creator with two referred fans, reviews and a paid question",
	},
}

const starterCatalog = `
achievements:
  - id: first-review
    name: First Review
    description: Post your first review
    trigger_type: review_count
    trigger_value: 1
  - id: critic
    name: Critic
    description: Post ten reviews
    trigger_type: review_count
    trigger_value: 10
  - id: rising-streamer
    name: Rising Streamer
    description: Reach 100 Twitch followers
    trigger_type: twitch_followers
    trigger_value: 100
  - id: connected
    name: Connected
    description: Link three social accounts
    trigger_type: social_links
    trigger_value: 3
  - id: affiliate
    name: Affiliate
    description: Become a Twitch affiliate
    trigger_type: twitch_status
    trigger_string: affiliate
  - id: partner
    name: Partner
    description: Become a Twitch partner
    trigger_type: twitch_partner
  - id: recruiter
    name: Recruiter
    description: Refer your first fan
    trigger_type: referrals
    trigger_value: 1
  - id: ambassador
    name: Ambassador
    description: Refer 25 fans
    trigger_type: referrals
    trigger_value: 25
  - id: collector
    name: Collector
    description: Unlock three achievements
    trigger_type: achievements_unlocked
    trigger_value: 3
`

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		resp LoadScenarioResponse
		err  error
	)
	switch req.ScenarioID {
	case "starter-catalog":
		err = h.loadStarterCatalog(r.Context())
	case "creator-community":
		resp, err = h.loadCreatorCommunity(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp.ScenarioID = req.ScenarioID
	h.requestLog(r).WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadStarterCatalog(ctx context.Context) error {
	defs, err := achievement.ParseCatalog([]byte(starterCatalog))
	if err != nil {
		return err
	}
	if err := achievement.ImportCatalog(ctx, h.Catalog, defs); err != nil {
		return &ledger.StoreError{Op: "import catalog", Err: err}
	}
	return nil
}

func (h *Handler) loadCreatorCommunity(ctx context.Context) (LoadScenarioResponse, error) {
	var resp LoadScenarioResponse
	if err := h.loadStarterCatalog(ctx); err != nil {
		return resp, err
	}

	creator, fans := ledger.AccountID("demo-creator"), []ledger.AccountID{"demo-fan-1", "demo-fan-2"}
	acc, err := h.Ledger.OpenAccount(ctx, creator)
	if err != nil {
		return resp, err
	}
	resp.Accounts = append(resp.Accounts, string(creator))

	for _, fan := range fans {
		if _, err := h.Ledger.OpenAccount(ctx, fan); err != nil {
			return resp, err
		}
		resp.Accounts = append(resp.Accounts, string(fan))

		if _, err := h.Ledger.ApplyReferralCode(ctx, fan, acc.ReferralCode); skipDone(err) != nil {
			return resp, err
		}
		if _, err := h.Ledger.EarnFromReferral(ctx, creator, fan); skipDone(err) != nil {
			return resp, err
		}
		if _, err := h.Ledger.EarnDailyBonus(ctx, fan); skipDone(err) != nil {
			return resp, err
		}
		if _, err := h.Progress.AddReview(ctx, fan); err != nil {
			return resp, &ledger.StoreError{Op: "add review", Err: err}
		}
		if resp.Unlocked, err = h.fire(ctx, fan, resp.Unlocked, achievement.ReviewCount{}); err != nil {
			return resp, err
		}
	}

	asked, err := h.Ledger.ListTransactions(ctx, fans[0], ledger.Filter{Reasons: []ledger.Reason{ledger.ReasonQuestion}, Limit: 1})
	if err != nil {
		return resp, err
	}
	if len(asked) == 0 {
		if _, err := h.Ledger.SpendOnQuestion(ctx, fans[0], creator, 40); err != nil {
			return resp, err
		}
	}

	err = h.Progress.SetProfile(ctx, creator, achievement.Profile{
		SocialLinks: map[string]string{
			"twitch":  "https://twitch.tv/demo-creator",
			"youtube": "https://youtube.com/@demo-creator",
			"x":       "https://x.com/demo_creator",
		},
		BroadcasterType: achievement.PartnerBroadcasterType,
	})
	if err != nil {
		return resp, &ledger.StoreError{Op: "set profile", Err: err}
	}
	resp.Unlocked, err = h.fire(ctx, creator, resp.Unlocked,
		achievement.Referrals{},
		achievement.SocialLinks{},
		achievement.TwitchPartner{},
		achievement.TwitchFollowers{Count: 150},
	)
	return resp, err
}

func (h *Handler) fire(ctx context.Context, id ledger.AccountID, unlocked int, triggers ...achievement.Trigger) (int, error) {
	for _, trig := range triggers {
		res, err := h.Engine.HandleTrigger(ctx, id, trig)
		if err != nil {
			return unlocked, err
		}
		unlocked += len(res.All())
	}
	return unlocked, nil
}

// skipDone drops the rejections a repeated load produces.
func skipDone(err error) error {
	if errors.Is(err, ledger.ErrAlreadyClaimedToday) ||
		errors.Is(err, ledger.ErrDuplicateReferral) ||
		errors.Is(err, ledger.ErrReferralAlreadySet) {
		return nil
	}
	return err
}
