/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP surface. The domain types stay free of JSON tags;
  conversion happens here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Coin amounts are integers. Rarity percentages are decimal strings
  ("33.33") so clients never see float rounding.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type OpenAccountRequest struct {
	AccountID string `json:"account_id"`
}

type AccountDTO struct {
	ID               string     `json:"id"`
	Balance          int64      `json:"balance"`
	TotalEarned      int64      `json:"total_earned"`
	TotalSpent       int64      `json:"total_spent"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       string     `json:"referred_by,omitempty"`
	LastAdEarnAt     *time.Time `json:"last_ad_earn_at,omitempty"`
	LastDailyBonusAt *time.Time `json:"last_daily_bonus_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
}

func toAccountDTO(acc ledger.Account) AccountDTO {
	return AccountDTO{
		ID:               string(acc.ID),
		Balance:          acc.Balance,
		TotalEarned:      acc.TotalEarned,
		TotalSpent:       acc.TotalSpent,
		ReferralCode:     acc.ReferralCode,
		ReferredBy:       acc.ReferredBy,
		LastAdEarnAt:     acc.LastAdEarnAt,
		LastDailyBonusAt: acc.LastDailyBonusAt,
		Version:          acc.Version,
		CreatedAt:        acc.CreatedAt,
		LastSeenAt:       acc.LastSeenAt,
	}
}

type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// ReconcileDTO reports whether the log replays to the stored snapshot.
type ReconcileDTO struct {
	Account    AccountDTO `json:"account"`
	Consistent bool       `json:"consistent"`
	Mismatch   string     `json:"mismatch,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Kind        string            `json:"kind"`
	Amount      int64             `json:"amount"`
	Reason      string            `json:"reason"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		AccountID:   string(tx.AccountID),
		Kind:        string(tx.Kind),
		Amount:      tx.Amount,
		Reason:      string(tx.Reason),
		ReferenceID: tx.ReferenceID,
		Metadata:    tx.Metadata,
		CreatedAt:   tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// EarnResponse returns the new entry together with the balance after it.
type EarnResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     int64          `json:"balance"`
}

type EarnAdRequest struct {
	Tier string `json:"tier"`
}

type ApplyReferralCodeRequest struct {
	Code string `json:"code"`
}

type ApplyReferralCodeResponse struct {
	ReferrerID string `json:"referrer_id"`
}

type ReferralRequest struct {
	ReferredAccountID string `json:"referred_account_id"`
}

// ReferralResponse carries the payout and the achievements it unlocked.
type ReferralResponse struct {
	Transaction  TransactionDTO  `json:"transaction"`
	Balance      int64           `json:"balance"`
	Achievements UnlockResultDTO `json:"achievements"`
}

type SpendRequest struct {
	TargetAccountID string `json:"target_account_id"`
	Amount          int64  `json:"amount"`
	Details         string `json:"details,omitempty"`
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

type DefinitionDTO struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Enabled       bool             `json:"enabled"`
	TriggerType   string           `json:"trigger_type"`
	TriggerValue  int64            `json:"trigger_value,omitempty"`
	TriggerString string           `json:"trigger_string,omitempty"`
	Rarity        *decimal.Decimal `json:"rarity,omitempty"`
}

func toDefinitionDTO(def achievement.Definition) DefinitionDTO {
	return DefinitionDTO{
		ID:            string(def.ID),
		Name:          def.Name,
		Description:   def.Description,
		Enabled:       def.Enabled,
		TriggerType:   string(def.TriggerType),
		TriggerValue:  def.TriggerValue,
		TriggerString: def.TriggerString,
	}
}

func toDefinitionDTOs(defs []achievement.Definition) []DefinitionDTO {
	dtos := make([]DefinitionDTO, len(defs))
	for i, def := range defs {
		dtos[i] = toDefinitionDTO(def)
	}
	return dtos
}

// UnlockResultDTO mirrors achievement.Result.
type UnlockResultDTO struct {
	Unlocked []DefinitionDTO `json:"unlocked"`
	Cascaded []DefinitionDTO `json:"cascaded"`
	Skipped  int             `json:"skipped"`
	Steps    int             `json:"steps"`
}

func toUnlockResultDTO(res achievement.Result) UnlockResultDTO {
	return UnlockResultDTO{
		Unlocked: toDefinitionDTOs(res.Unlocked),
		Cascaded: toDefinitionDTOs(res.Cascaded),
		Skipped:  res.Skipped,
		Steps:    res.Steps,
	}
}

type UnlockDTO struct {
	AchievementID   string    `json:"achievement_id"`
	Name            string    `json:"name,omitempty"`
	UnlockedAt      time.Time `json:"unlocked_at"`
	CurrentProgress int64     `json:"current_progress"`
}

type RarityDTO struct {
	AchievementID string          `json:"achievement_id"`
	Rarity        decimal.Decimal `json:"rarity"`
}

// ProfileRequest replaces the account's social links and broadcaster type.
type ProfileRequest struct {
	SocialLinks     map[string]string `json:"social_links"`
	BroadcasterType string            `json:"broadcaster_type"`
}

// ProfileResponse lists the unlocks of every profile-driven trigger.
type ProfileResponse struct {
	Achievements map[string]UnlockResultDTO `json:"achievements"`
}

type ReviewResponse struct {
	TotalReviews int64           `json:"total_reviews"`
	Achievements UnlockResultDTO `json:"achievements"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Set for 429 cooldown responses.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
	// Set for 422 insufficient balance responses.
	Required  int64 `json:"required,omitempty"`
	Available int64 `json:"available,omitempty"`
	Shortfall int64 `json:"shortfall,omitempty"`
	// Retryable marks conflicts and store outages.
	Retryable bool `json:"retryable,omitempty"`
	// Set when a trigger failed after some achievements were already unlocked.
	Achievements *UnlockResultDTO `json:"achievements,omitempty"`
}
