// Package api exposes the ledger, the prize engine and the commission
// engine over HTTP, plus the public winners feed over WebSocket.
//
// All monetary values use shopspring/decimal and are encoded as strings.
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/audit"
	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/ingest"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/prize"
)

// Service holds the HTTP handlers. Each handler is a thin translation
// between JSON and one engine call; all locking and idempotency live in the
// engines.
type Service struct {
	ledger      *ledger.Ledger
	prizes      *prize.Engine
	commissions *commission.Engine
	gateway     *ingest.Gateway
	auditor     *audit.Auditor
}

// NewService creates the HTTP service.
func NewService(l *ledger.Ledger, p *prize.Engine, c *commission.Engine, g *ingest.Gateway, a *audit.Auditor) *Service {
	return &Service{ledger: l, prizes: p, commissions: c, gateway: g, auditor: a}
}

// IdempotencyHeader carries the round key when the body omits it.
const IdempotencyHeader = "Idempotency-Key"

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	ID                   string     `json:"id"`
	Role                 model.Role `json:"role"` // defaults to player
	ReferringAffiliateID string     `json:"referring_affiliate_id,omitempty"`
	ReferringPartnerID   string     `json:"referring_partner_id,omitempty"`
}

// AccountResponse pairs an account with its wallet.
type AccountResponse struct {
	Account *model.Account `json:"account"`
	Wallet  *model.Wallet  `json:"wallet"`
}

// CreateGameRequest is the JSON body for POST /games.
type CreateGameRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"`
	StakeAmount decimal.Decimal `json:"stake_amount"`
	Active      *bool           `json:"active,omitempty"` // nil → true
}

// GameResponse is a game with its current catalog.
type GameResponse struct {
	Game    *model.Game               `json:"game"`
	Catalog []model.PrizeCatalogEntry `json:"catalog"`
}

// CatalogRequest is the JSON body for PUT /games/{gameID}/catalog.
type CatalogRequest struct {
	Entries   []model.PrizeCatalogEntry `json:"entries"`
	ChangedBy string                    `json:"changed_by"`
}

// RoundRequest is the JSON body for POST /rounds.
type RoundRequest struct {
	GameID         string           `json:"game_id"`
	AccountID      string           `json:"account_id"`
	StakeAmount    decimal.Decimal  `json:"stake_amount"`         // zero → the game's stake
	Multiplier     *decimal.Decimal `json:"multiplier,omitempty"` // nil → 1, 0 → free round
	StakePool      model.Pool       `json:"stake_pool,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// RoundResponse is the player-facing result of a round.
type RoundResponse struct {
	RoundID    string            `json:"round_id"`
	Status     model.RoundStatus `json:"status"`
	Won        bool              `json:"won"`
	PrizeValue decimal.Decimal   `json:"prize_value"`
	Label      string            `json:"label,omitempty"`
	Debited    decimal.Decimal   `json:"debited"`
	Round      *model.GameRound  `json:"round"`
}

// AffiliateRequest is the JSON body for POST /affiliates.
type AffiliateRequest struct {
	AccountID         string               `json:"account_id"`
	CommissionType    model.CommissionType `json:"commission_type,omitempty"`
	Tier              string               `json:"tier,omitempty"`
	TierPinned        bool                 `json:"tier_pinned,omitempty"`
	CustomPercentage  *decimal.Decimal     `json:"custom_percentage,omitempty"`
	CustomFixedAmount *decimal.Decimal     `json:"custom_fixed_amount,omitempty"`
	Active            *bool                `json:"active,omitempty"` // nil → true
}

// PartnerRequest is the JSON body for POST /partners.
type PartnerRequest struct {
	AccountID      string               `json:"account_id"`
	AffiliateID    string               `json:"affiliate_id"`
	CommissionType model.CommissionType `json:"commission_type,omitempty"`
	CommissionRate decimal.Decimal      `json:"commission_rate"`
	FixedAmount    decimal.Decimal      `json:"fixed_amount"`
	Active         *bool                `json:"active,omitempty"` // nil → true
}

// TiersRequest is the JSON body for PUT /tiers.
type TiersRequest struct {
	Tiers []model.ReferralTier `json:"tiers"`
}

// DepositResponse is returned from the deposit webhook.
type DepositResponse struct {
	Settlement *model.Settlement `json:"settlement,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// --- Accounts & wallets ---

// OpenAccount handles POST /api/v1/accounts.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = model.RolePlayer
	}

	acct, wallet, err := s.ledger.OpenAccount(r.Context(), model.Account{
		ID:                   strings.TrimSpace(req.ID),
		Role:                 req.Role,
		ReferringAffiliateID: req.ReferringAffiliateID,
		ReferringPartnerID:   req.ReferringPartnerID,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, AccountResponse{Account: acct, Wallet: wallet})
}

// GetWallet handles GET /api/v1/wallets/{accountID}.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.Wallet(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, wallet)
}

// GetBalance handles GET /api/v1/wallets/{accountID}/balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, bal)
}

// GetEntries handles GET /api/v1/wallets/{accountID}/entries.
func (s *Service) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.History(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	render.JSON(w, r, entries)
}

// --- Games ---

// CreateGame handles POST /api/v1/games.
func (s *Service) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	g, err := s.prizes.CreateGame(r.Context(), model.Game{
		ID:          req.ID,
		Name:        req.Name,
		StakeAmount: req.StakeAmount,
		Active:      boolOr(req.Active, true),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, GameResponse{Game: g, Catalog: []model.PrizeCatalogEntry{}})
}

// GetGame handles GET /api/v1/games/{gameID}.
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, err := s.prizes.Game(ctx, chi.URLParam(r, "gameID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	catalog, err := s.prizes.Catalog(ctx, g.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if catalog == nil {
		catalog = []model.PrizeCatalogEntry{}
	}
	render.JSON(w, r, GameResponse{Game: g, Catalog: catalog})
}

// ConfigureCatalog handles PUT /api/v1/games/{gameID}/catalog. A rejected
// catalog answers 422 with the offending entry.
func (s *Service) ConfigureCatalog(w http.ResponseWriter, r *http.Request) {
	var req CatalogRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = "api"
	}

	catalog, err := s.prizes.ConfigureCatalog(r.Context(), chi.URLParam(r, "gameID"), req.Entries, req.ChangedBy)
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, catalog)
}

// GetHouseEdge handles GET /api/v1/games/{gameID}/house-edge.
func (s *Service) GetHouseEdge(w http.ResponseWriter, r *http.Request) {
	edge, err := s.prizes.HouseEdge(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, edge)
}

// --- Rounds ---

// PlayRound handles POST /api/v1/rounds. Replaying a key returns the
// original round with 200; a new round answers 201.
func (s *Service) PlayRound(w http.ResponseWriter, r *http.Request) {
	var req RoundRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}
	if req.IdempotencyKey == "" {
		writeError(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.GameID == "" {
		writeError(w, "account_id and game_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.StakeAmount.IsZero() {
		g, err := s.prizes.Game(ctx, req.GameID)
		if err != nil {
			fail(w, r, err)
			return
		}
		req.StakeAmount = g.StakeAmount
	}
	multiplier := decimal.NewFromInt(1)
	if req.Multiplier != nil {
		multiplier = *req.Multiplier
	}

	_, seenErr := s.prizes.Round(ctx, req.IdempotencyKey)
	round, err := s.prizes.Resolve(ctx, model.GameRoundRequest{
		GameID:         req.GameID,
		AccountID:      req.AccountID,
		StakeAmount:    req.StakeAmount,
		Multiplier:     multiplier,
		StakePool:      req.StakePool,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	if seenErr != nil {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, roundResponse(round))
}

// GetRound handles GET /api/v1/rounds/{roundID}.
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.prizes.Round(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, roundResponse(round))
}

func roundResponse(round *model.GameRound) RoundResponse {
	resp := RoundResponse{
		RoundID:    round.ID,
		Status:     round.Status,
		PrizeValue: decimal.Zero,
		Debited:    round.Debited,
		Round:      round,
	}
	if round.Outcome != nil {
		resp.Won = round.Outcome.Won
		resp.PrizeValue = round.Outcome.PrizeValue
		resp.Label = round.Outcome.Label
	}
	return resp
}

// --- Referral configuration ---

// RegisterAffiliate handles POST /api/v1/affiliates.
func (s *Service) RegisterAffiliate(w http.ResponseWriter, r *http.Request) {
	var req AffiliateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := s.commissions.RegisterAffiliate(r.Context(), model.Affiliate{
		AccountID:         req.AccountID,
		CommissionType:    req.CommissionType,
		Tier:              req.Tier,
		TierPinned:        req.TierPinned,
		CustomPercentage:  req.CustomPercentage,
		CustomFixedAmount: req.CustomFixedAmount,
		Active:            boolOr(req.Active, true),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, a)
}

// RegisterPartner handles POST /api/v1/partners.
func (s *Service) RegisterPartner(w http.ResponseWriter, r *http.Request) {
	var req PartnerRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.commissions.RegisterPartner(r.Context(), model.Partner{
		AccountID:      req.AccountID,
		AffiliateID:    req.AffiliateID,
		CommissionType: req.CommissionType,
		CommissionRate: req.CommissionRate,
		FixedAmount:    req.FixedAmount,
		Active:         boolOr(req.Active, true),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

// GetTiers handles GET /api/v1/tiers.
func (s *Service) GetTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.commissions.Tiers(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, tiers)
}

// ConfigureTiers handles PUT /api/v1/tiers.
func (s *Service) ConfigureTiers(w http.ResponseWriter, r *http.Request) {
	var req TiersRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tiers, err := s.commissions.ConfigureTiers(r.Context(), req.Tiers)
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, tiers)
}

// --- Deposits ---

// DepositWebhook handles POST /api/v1/webhooks/deposits. Payloads arrive
// already authenticated. A 5xx tells the provider to redeliver; settlement
// is idempotent so redelivery is safe.
func (s *Service) DepositWebhook(w http.ResponseWriter, r *http.Request) {
	var n ingest.Notification
	if err := render.DecodeJSON(r.Body, &n); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settlement, err := s.gateway.HandleDeposit(r.Context(), n, "webhook")
	if err != nil {
		render.Status(r, statusFor(err))
		render.JSON(w, r, DepositResponse{Settlement: settlement, Error: err.Error()})
		return
	}
	render.JSON(w, r, DepositResponse{Settlement: settlement})
}

// GetConversions handles GET /api/v1/deposits/{depositID}/conversions.
func (s *Service) GetConversions(w http.ResponseWriter, r *http.Request) {
	convs, err := s.commissions.Conversions(r.Context(), chi.URLParam(r, "depositID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if convs == nil {
		convs = []model.CommissionConversion{}
	}
	render.JSON(w, r, convs)
}

// --- Audit ---

// AuditReport handles GET /api/v1/audit/report.
func (s *Service) AuditReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.Report(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	render.JSON(w, r, report)
}
