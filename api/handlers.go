/*
handlers.go - HTTP API handlers for the ledger and the achievement engine

PURPOSE:
  Exposes the ledger service and the achievement engine via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain packages. Also hosts the glue that records reviews and profiles
  and fires the matching triggers.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                        Open account (idempotent)
    GET    /api/accounts/{id}                   Account snapshot
    GET    /api/accounts/{id}/balance           Balance only
    GET    /api/accounts/{id}/transactions      History (kind, reason, from, to, limit)
    GET    /api/accounts/{id}/reconcile         Replay the log against the snapshot

  Earn / spend:
    POST   /api/accounts/{id}/earn/ad           Ad reward {tier}
    POST   /api/accounts/{id}/earn/daily        Daily bonus
    POST   /api/accounts/{id}/referral-code     Link to a referrer {code}
    POST   /api/accounts/{id}/referrals         Pay referrer {referred_account_id}
    POST   /api/accounts/{id}/spend/question    {target_account_id, amount}
    POST   /api/accounts/{id}/spend/request     {target_account_id, amount, details}

  Achievements:
    POST   /api/accounts/{id}/triggers          Fire a trigger {type, ...payload}
    GET    /api/accounts/{id}/achievements      Unlocked achievements
    PUT    /api/accounts/{id}/profile           Store profile, fire profile triggers
    POST   /api/accounts/{id}/reviews           Record a review, fire review_count
    GET    /api/achievements                    Catalog with cached rarity
    GET    /api/achievements/{id}/rarity        Live rarity

ERROR HANDLING:
  Errors are returned as JSON (ErrorResponse) with status:
  - 400: Validation errors, invalid input
  - 404: Account, referral code or achievement not found
  - 409: Already claimed, duplicate or unlinked referral, referral already
         set, concurrent modification (retryable)
  - 422: Insufficient balance (required, available, shortfall)
  - 429: Ad cooldown (retry_after_seconds, Retry-After header)
  - 503: Store unavailable (retryable)
  - 500: Anything else

SECURITY NOTE:
  No authentication. The caller is trusted to pass the authenticated
  account id in the path.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Rarity cache
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProgressRecorder stores the collaborator data the counters read.
// Both store implementations satisfy it.
type ProgressRecorder interface {
	AddReview(ctx context.Context, account ledger.AccountID) (int64, error)
	SetProfile(ctx context.Context, account ledger.AccountID, p achievement.Profile) error
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Service
	Engine   *achievement.Engine
	Catalog  achievement.Store
	Progress ProgressRecorder
	Rarity   *RarityScheduler
	// Health is optional; without it /healthz only reports the process.
	Health Pinger

	// TransactionsLimit is the default and maximum page size.
	TransactionsLimit int

	log logrus.FieldLogger
}

func NewHandler(
	svc *ledger.Service,
	engine *achievement.Engine,
	catalog achievement.Store,
	progress ProgressRecorder,
	rarity *RarityScheduler,
	log logrus.FieldLogger,
) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:            svc,
		Engine:            engine,
		Catalog:           catalog,
		Progress:          progress,
		Rarity:            rarity,
		TransactionsLimit: 100,
		log:               log,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// OpenAccount creates the account on first call and records a login after.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acc, err := h.Ledger.OpenAccount(r.Context(), ledger.AccountID(req.AccountID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.GetAccount(r.Context(), accountParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := accountParam(r)
	balance, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{AccountID: string(id), Balance: balance})
}

// GetTransactions returns the account's history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	txs, err := h.Ledger.ListTransactions(r.Context(), accountParam(r), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// parseFilter reads kind, reason (comma separated), from, to (RFC 3339)
// and limit. The limit is capped at TransactionsLimit.
func (h *Handler) parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	filter := ledger.Filter{Limit: h.TransactionsLimit}

	for _, k := range splitList(q.Get("kind")) {
		kind := ledger.Kind(k)
		if !kind.Valid() {
			return filter, fmt.Errorf("unknown kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	for _, v := range splitList(q.Get("reason")) {
		reason := ledger.Reason(v)
		if !reason.Valid() {
			return filter, fmt.Errorf("unknown reason %q", v)
		}
		filter.Reasons = append(filter.Reasons, reason)
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%s: %w", name, err)
		}
		*dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		filter.Limit = min(n, h.TransactionsLimit)
	}
	return filter, nil
}

// Reconcile replays the log. A mismatch is reported in the body, not as an
// HTTP error.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.Reconcile(r.Context(), accountParam(r))
	if errors.Is(err, ledger.ErrLedgerMismatch) {
		writeJSON(w, http.StatusOK, ReconcileDTO{Account: toAccountDTO(acc), Mismatch: err.Error()})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{Account: toAccountDTO(acc), Consistent: true})
}

// =============================================================================
// EARN HANDLERS
// =============================================================================

func (h *Handler) EarnFromAd(w http.ResponseWriter, r *http.Request) {
	var req EarnAdRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tier := ledger.AdTier(req.Tier)
	if tier == "" {
		tier = ledger.AdStandard
	}
	id := accountParam(r)
	tx, err := h.Ledger.EarnFromAd(r.Context(), id, tier)
	h.writeEarn(w, r, id, tx, err)
}

func (h *Handler) EarnDailyBonus(w http.ResponseWriter, r *http.Request) {
	id := accountParam(r)
	tx, err := h.Ledger.EarnDailyBonus(r.Context(), id)
	h.writeEarn(w, r, id, tx, err)
}

func (h *Handler) writeEarn(w http.ResponseWriter, r *http.Request, id ledger.AccountID, tx ledger.Transaction, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	balance, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EarnResponse{Transaction: toTransactionDTO(tx), Balance: balance})
}

func (h *Handler) ApplyReferralCode(w http.ResponseWriter, r *http.Request) {
	var req ApplyReferralCodeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	referrer, err := h.Ledger.ApplyReferralCode(r.Context(), accountParam(r), req.Code)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyReferralCodeResponse{ReferrerID: string(referrer)})
}

// PayReferral rewards the account in the path for bringing in the referred
// account, then evaluates its referral achievements.
func (h *Handler) PayReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	referrer := accountParam(r)
	tx, err := h.Ledger.EarnFromReferral(r.Context(), referrer, ledger.AccountID(req.ReferredAccountID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	// The payout is committed; achievement failures are logged, not returned.
	res, err := h.Engine.HandleTrigger(r.Context(), referrer, achievement.Referrals{})
	if err != nil {
		h.requestLog(r).WithError(err).Warn("referral achievements not evaluated")
	}
	balance, err := h.Ledger.GetBalance(r.Context(), referrer)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReferralResponse{
		Transaction:  toTransactionDTO(tx),
		Balance:      balance,
		Achievements: toUnlockResultDTO(res),
	})
}

// =============================================================================
// SPEND HANDLERS
// =============================================================================

func (h *Handler) SpendOnQuestion(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, func(ctx context.Context, id ledger.AccountID, req SpendRequest) (ledger.Transaction, error) {
		return h.Ledger.SpendOnQuestion(ctx, id, ledger.AccountID(req.TargetAccountID), req.Amount)
	})
}

func (h *Handler) SpendOnRequest(w http.ResponseWriter, r *http.Request) {
	h.spend(w, r, func(ctx context.Context, id ledger.AccountID, req SpendRequest) (ledger.Transaction, error) {
		return h.Ledger.SpendOnRequest(ctx, id, ledger.AccountID(req.TargetAccountID), req.Amount, req.Details)
	})
}

func (h *Handler) spend(w http.ResponseWriter, r *http.Request, op func(context.Context, ledger.AccountID, SpendRequest) (ledger.Transaction, error)) {
	var req SpendRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := accountParam(r)
	tx, err := op(r.Context(), id, req)
	h.writeEarn(w, r, id, tx, err)
}

// =============================================================================
// ACHIEVEMENT HANDLERS
// =============================================================================

// FireTrigger evaluates a trigger sent by a collaborator service. The body
// is {"type": "...", ...payload}.
func (h *Handler) FireTrigger(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	typ, _ := body["type"].(string)
	delete(body, "type")

	trig, err := achievement.ParseTrigger(typ, body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	id := accountParam(r)
	if _, err := h.Ledger.GetAccount(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.Engine.HandleTrigger(r.Context(), id, trig)
	if err != nil && len(res.All()) > 0 {
		// Unlocks made before the failure are permanent.
		status, resp := h.domainErrorResponse(r, err)
		partial := toUnlockResultDTO(res)
		resp.Achievements = &partial
		h.requestLog(r).WithError(err).WithField("unlocked", len(res.All())).Warn("achievement cascade interrupted")
		writeJSON(w, status, resp)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUnlockResultDTO(res))
}

// Healthz pings the database when one is configured.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.requestLog(r).WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListUnlocks returns the account's achievements, oldest first.
func (h *Handler) ListUnlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)
	if _, err := h.Ledger.GetAccount(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	records, err := h.Catalog.ListUnlocks(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "list unlocks", Err: err})
		return
	}
	defs, err := h.Catalog.ListDefinitions(ctx)
	if err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "list achievements", Err: err})
		return
	}
	names := make(map[achievement.AchievementID]string, len(defs))
	for _, def := range defs {
		names[def.ID] = def.Name
	}

	dtos := make([]UnlockDTO, len(records))
	for i, rec := range records {
		dtos[i] = UnlockDTO{
			AchievementID:   string(rec.AchievementID),
			Name:            names[rec.AchievementID],
			UnlockedAt:      rec.UnlockedAt,
			CurrentProgress: rec.CurrentProgress,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetProfile stores the account's profile and evaluates every trigger that
// reads it.
func (h *Handler) SetProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()
	id := accountParam(r)
	if _, err := h.Ledger.GetAccount(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	profile := achievement.Profile{SocialLinks: req.SocialLinks, BroadcasterType: req.BroadcasterType}
	if err := h.Progress.SetProfile(ctx, id, profile); err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "set profile", Err: err})
		return
	}

	resp := ProfileResponse{Achievements: map[string]UnlockResultDTO{}}
	for _, trig := range []achievement.Trigger{achievement.SocialLinks{}, achievement.TwitchStatus{}, achievement.TwitchPartner{}} {
		res, err := h.Engine.HandleTrigger(ctx, id, trig)
		if err != nil {
			h.requestLog(r).WithError(err).WithField("trigger", trig.Type()).Warn("profile achievements not evaluated")
		}
		resp.Achievements[string(trig.Type())] = toUnlockResultDTO(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddReview records one posted review and evaluates review achievements.
func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)
	if _, err := h.Ledger.GetAccount(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	total, err := h.Progress.AddReview(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "add review", Err: err})
		return
	}
	res, err := h.Engine.HandleTrigger(ctx, id, achievement.ReviewCount{})
	if err != nil {
		h.requestLog(r).WithError(err).Warn("review achievements not evaluated")
	}
	writeJSON(w, http.StatusCreated, ReviewResponse{TotalReviews: total, Achievements: toUnlockResultDTO(res)})
}

// ListAchievements returns the catalog with the last refreshed rarity.
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Catalog.ListDefinitions(r.Context())
	if err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "list achievements", Err: err})
		return
	}
	dtos := toDefinitionDTOs(defs)
	if h.Rarity != nil {
		for i := range dtos {
			if v, ok := h.Rarity.Cached(defs[i].ID); ok {
				dtos[i].Rarity = &v
			}
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRarity(w http.ResponseWriter, r *http.Request) {
	id := achievement.AchievementID(chi.URLParam(r, "id"))
	if h.Rarity == nil {
		writeError(w, http.StatusServiceUnavailable, "Rarity is not configured", nil)
		return
	}
	v, err := h.Rarity.Compute(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, &ledger.StoreError{Op: "compute rarity", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, RarityDTO{AchievementID: string(id), Rarity: v})
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decodeBody decodes a JSON body. With optional set, an empty body is
// accepted and leaves v untouched.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) requestLog(r *http.Request) logrus.FieldLogger {
	return h.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	})
}

// writeDomainError maps ledger and achievement errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := h.domainErrorResponse(r, err)
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) domainErrorResponse(r *http.Request, err error) (int, ErrorResponse) {
	var (
		cooldown *ledger.CooldownError
		short    *ledger.InsufficientBalanceError
	)
	resp := ErrorResponse{Details: err.Error()}
	switch {
	case errors.As(err, &cooldown):
		resp.Error = "Ad reward cooldown active"
		resp.RetryAfterSeconds = cooldown.RemainingSeconds()
		return http.StatusTooManyRequests, resp
	case errors.As(err, &short):
		resp.Error = "Insufficient balance"
		resp.Required = short.Required
		resp.Available = short.Available
		resp.Shortfall = short.Shortfall()
		return http.StatusUnprocessableEntity, resp
	case ledger.IsValidationError(err) || achievement.IsValidationError(err):
		resp.Error = "Invalid request"
		return http.StatusBadRequest, resp
	case ledger.IsNotFound(err) || errors.Is(err, achievement.ErrAchievementNotFound):
		resp.Error = "Not found"
		return http.StatusNotFound, resp
	case errors.Is(err, ledger.ErrAlreadyClaimedToday),
		errors.Is(err, ledger.ErrDuplicateReferral),
		errors.Is(err, ledger.ErrReferralAlreadySet),
		errors.Is(err, ledger.ErrReferralNotLinked):
		resp.Error = "Conflict"
		return http.StatusConflict, resp
	case errors.Is(err, ledger.ErrConcurrentModification):
		resp.Error = "Concurrent modification"
		resp.Retryable = true
		return http.StatusConflict, resp
	case errors.Is(err, ledger.ErrStoreUnavailable):
		h.requestLog(r).WithError(err).Error("store unavailable")
		resp.Error = "Store unavailable"
		resp.Retryable = true
		return http.StatusServiceUnavailable, resp
	default:
		h.requestLog(r).WithError(err).Error("unhandled error")
		resp.Error = "Internal error"
		return http.StatusInternalServerError, resp
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
