package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/api"
	"github.com/scratchwin/scratch-engine/internal/audit"
	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/ingest"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/prize"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ms     *store.MemoryStore
	ledger *ledger.Ledger
	router chi.Router
}

// newTestEnv wires every engine over an in-memory store. Every draw is u.
func newTestEnv(t *testing.T, u float64) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	rng := prize.DrawFunc(func() (decimal.Decimal, error) { return d(u), nil })
	prizes := prize.NewEngine(ms, l, rng, nil)
	commissions := commission.NewEngine(ms, l, nil)
	svc := api.NewService(l, prizes, commissions, ingest.NewGateway(commissions), audit.New(ms))
	return &testEnv{ms: ms, ledger: l, router: api.NewRouter(svc, nil)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) fund(t *testing.T, accountID string, amount float64) {
	t.Helper()
	if _, err := e.ledger.ApplyToAccount(context.Background(), accountID, model.PoolReal, d(amount), "fund-"+accountID, model.ReasonAdjustment); err != nil {
		t.Fatalf("fund %s: %v", accountID, err)
	}
}

// seedGame creates lucky-7 (stake 10) with a 1000 prize at weight 1, 500 at
// weight 2 and an explicit loss at 97.
func (e *testEnv) seedGame(t *testing.T) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/games", api.CreateGameRequest{ID: "lucky-7", Name: "Lucky 7", StakeAmount: d(10)})
	if w.Code != http.StatusCreated {
		t.Fatalf("create game: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, "PUT", "/api/v1/games/lucky-7/catalog", api.CatalogRequest{
		ChangedBy: "ops",
		Entries: []model.PrizeCatalogEntry{
			{PrizeValue: d(1000), Label: "jackpot", ProbabilityWeight: d(1), DisplayOrder: 1},
			{PrizeValue: d(500), Label: "big", ProbabilityWeight: d(2), DisplayOrder: 2},
			{PrizeValue: decimal.Zero, Label: "try again", ProbabilityWeight: d(97), DisplayOrder: 3},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("configure catalog: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) openAccount(t *testing.T, req api.OpenAccountRequest) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("open %s: expected 201, got %d: %s", req.ID, w.Code, w.Body.String())
	}
}

// --- Accounts ---

func TestOpenAccount(t *testing.T) {
	e := newTestEnv(t, 50)

	w := e.do(t, "POST", "/api/v1/accounts", api.OpenAccountRequest{ID: "player-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.AccountResponse](t, w)
	if resp.Account.Role != model.RolePlayer {
		t.Errorf("role should default to player, got %s", resp.Account.Role)
	}
	if !resp.Wallet.RealBalance.IsZero() || !resp.Wallet.BonusBalance.IsZero() {
		t.Errorf("new wallet should be empty, got %+v", resp.Wallet)
	}

	w = e.do(t, "POST", "/api/v1/accounts", api.OpenAccountRequest{ID: "player-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate account, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/accounts", api.OpenAccountRequest{ID: "x", Role: "croupier"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown role, got %d", w.Code)
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	e := newTestEnv(t, 50)

	w := e.do(t, "GET", "/api/v1/wallets/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Rounds ---

func TestPlayRound_WinCreditsPrize(t *testing.T) {
	e := newTestEnv(t, 0.5)
	e.seedGame(t)
	e.openAccount(t, api.OpenAccountRequest{ID: "player-1"})
	e.fund(t, "player-1", 100)

	w := e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "lucky-7", AccountID: "player-1"},
		api.IdempotencyHeader, "round-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.RoundResponse](t, w)
	if resp.RoundID != "round-1" || !resp.Won || resp.Label != "jackpot" {
		t.Fatalf("unexpected round %+v", resp)
	}
	if !resp.PrizeValue.Equal(d(1000)) || !resp.Debited.Equal(d(10)) {
		t.Errorf("expected prize 1000 and debit 10, got %s and %s", resp.PrizeValue, resp.Debited)
	}
	if resp.Status != model.RoundSettled {
		t.Errorf("expected settled round, got %s", resp.Status)
	}

	bal := decode[ledger.Balance](t, e.do(t, "GET", "/api/v1/wallets/player-1/balance", nil))
	if !bal.RealBalance.Equal(d(1090)) || !bal.BonusBalance.IsZero() {
		t.Errorf("expected balance 1090/0, got %s/%s", bal.RealBalance, bal.BonusBalance)
	}

	entries := decode[[]model.LedgerEntry](t, e.do(t, "GET", "/api/v1/wallets/player-1/entries", nil))
	if len(entries) != 3 {
		t.Fatalf("expected fund, stake and prize entries, got %d", len(entries))
	}
	if entries[1].IdempotencyKey != "round-1:stake" || entries[2].IdempotencyKey != "round-1:prize" {
		t.Errorf("unexpected keys %q %q", entries[1].IdempotencyKey, entries[2].IdempotencyKey)
	}
}

func TestPlayRound_ReplayReturnsOriginal(t *testing.T) {
	e := newTestEnv(t, 50)
	e.seedGame(t)
	e.openAccount(t, api.OpenAccountRequest{ID: "player-1"})
	e.fund(t, "player-1", 100)

	req := api.RoundRequest{GameID: "lucky-7", AccountID: "player-1", IdempotencyKey: "round-1"}
	first := e.do(t, "POST", "/api/v1/rounds", req)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := e.do(t, "POST", "/api/v1/rounds", req)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", second.Code, second.Body.String())
	}
	if decode[api.RoundResponse](t, second).Won {
		t.Error("draw 50 lands on the loss entry")
	}

	wallet := decode[model.Wallet](t, e.do(t, "GET", "/api/v1/wallets/player-1", nil))
	if !wallet.RealBalance.Equal(d(90)) {
		t.Errorf("replay must not debit twice, balance %s", wallet.RealBalance)
	}

	three := d(3)
	req.Multiplier = &three
	w := e.do(t, "POST", "/api/v1/rounds", req)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for reused key with new multiplier, got %d", w.Code)
	}

	w = e.do(t, "GET", "/api/v1/rounds/round-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for round lookup, got %d", w.Code)
	}
}

func TestPlayRound_InsufficientBalance(t *testing.T) {
	e := newTestEnv(t, 0.5)
	e.seedGame(t)
	e.openAccount(t, api.OpenAccountRequest{ID: "player-1"})
	e.fund(t, "player-1", 5)

	w := e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "lucky-7", AccountID: "player-1", IdempotencyKey: "round-1"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/rounds/round-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("a failed debit must leave no round, got %d", w.Code)
	}
}

func TestPlayRound_Validation(t *testing.T) {
	e := newTestEnv(t, 50)
	e.seedGame(t)
	e.openAccount(t, api.OpenAccountRequest{ID: "player-1"})

	w := e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "lucky-7", AccountID: "player-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without idempotency key, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "nope", AccountID: "player-1", IdempotencyKey: "r"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown game, got %d", w.Code)
	}

	neg := d(-1)
	w = e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "lucky-7", AccountID: "player-1", IdempotencyKey: "r", Multiplier: &neg})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative multiplier, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/rounds", api.RoundRequest{GameID: "lucky-7", AccountID: "player-1", IdempotencyKey: "cheap", StakeAmount: d(0.01)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a stake below the game price, got %d", w.Code)
	}
	w = e.do(t, "GET", "/api/v1/rounds/cheap", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected no round for a rejected stake, got %d", w.Code)
	}
}

// --- Catalog ---

func TestConfigureCatalog_Rejected(t *testing.T) {
	e := newTestEnv(t, 50)
	e.seedGame(t)

	w := e.do(t, "PUT", "/api/v1/games/lucky-7/catalog", api.CatalogRequest{
		Entries: []model.PrizeCatalogEntry{
			{PrizeValue: d(10), ProbabilityWeight: d(60), DisplayOrder: 1},
			{PrizeValue: d(20), ProbabilityWeight: d(60), DisplayOrder: 2},
		},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.ErrorResponse](t, w)
	if resp.Validation == nil || resp.Validation.Index != -1 || resp.Validation.Field != "probability_weight" {
		t.Errorf("expected catalog-wide weight error, got %+v", resp.Validation)
	}

	game := decode[api.GameResponse](t, e.do(t, "GET", "/api/v1/games/lucky-7", nil))
	if len(game.Catalog) != 3 {
		t.Errorf("rejected catalog must not replace the old one, got %d entries", len(game.Catalog))
	}
}

func TestHouseEdge(t *testing.T) {
	e := newTestEnv(t, 50)
	e.seedGame(t)

	w := e.do(t, "GET", "/api/v1/games/lucky-7/house-edge", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	edge := decode[prize.Edge](t, w)
	// 0.01×1000 + 0.02×500 = 20 expected on a stake of 10.
	if !edge.ExpectedPayout.Equal(d(20)) || !edge.ReturnToPlayer.Equal(d(2)) {
		t.Errorf("unexpected edge %+v", edge)
	}
	if !edge.WinProbability.Equal(d(3)) {
		t.Errorf("expected win probability 3, got %s", edge.WinProbability)
	}
}

// --- Referrals and deposits ---

func TestDepositWebhook_CreditsAffiliate(t *testing.T) {
	e := newTestEnv(t, 50)
	e.openAccount(t, api.OpenAccountRequest{ID: "aff-1", Role: model.RoleAffiliate})
	if w := e.do(t, "POST", "/api/v1/affiliates", api.AffiliateRequest{AccountID: "aff-1"}); w.Code != http.StatusOK {
		t.Fatalf("register affiliate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	e.openAccount(t, api.OpenAccountRequest{ID: "player-1", ReferringAffiliateID: "aff-1"})

	n := ingest.Notification{Provider: "lirapay", TransactionID: "tx-1", AccountID: "player-1", Amount: d(100), Status: "AUTHORIZED"}
	for i := 0; i < 2; i++ {
		w := e.do(t, "POST", "/api/v1/webhooks/deposits", n)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	wallet := decode[model.Wallet](t, e.do(t, "GET", "/api/v1/wallets/aff-1", nil))
	if !wallet.RealBalance.Equal(d(40)) {
		t.Errorf("bronze affiliate earns 40%% once, balance %s", wallet.RealBalance)
	}

	convs := decode[[]model.CommissionConversion](t, e.do(t, "GET", "/api/v1/deposits/tx-1/conversions", nil))
	if len(convs) != 1 || convs[0].Status != model.ConversionCompleted {
		t.Fatalf("expected one completed conversion, got %+v", convs)
	}

	report := decode[audit.Report](t, e.do(t, "GET", "/api/v1/audit/report", nil))
	if report.Findings() != 0 {
		t.Errorf("expected a clean audit, got %+v", report)
	}
}

func TestDepositWebhook_Rejections(t *testing.T) {
	e := newTestEnv(t, 50)

	w := e.do(t, "POST", "/api/v1/webhooks/deposits", ingest.Notification{TransactionID: "tx-1", AccountID: "p", Amount: d(10), Status: "MAYBE"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}

	w = e.do(t, "POST", "/api/v1/webhooks/deposits", ingest.Notification{TransactionID: "tx-1", AccountID: "ghost", Amount: d(10), Status: "paid"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

func TestTiers(t *testing.T) {
	e := newTestEnv(t, 50)

	tiers := decode[[]model.ReferralTier](t, e.do(t, "GET", "/api/v1/tiers", nil))
	if len(tiers) != len(commission.DefaultTiers) {
		t.Fatalf("expected default tiers, got %d", len(tiers))
	}

	w := e.do(t, "PUT", "/api/v1/tiers", api.TiersRequest{Tiers: []model.ReferralTier{
		{Name: "silver", MinEarnings: d(100), PercentageRate: d(45), FixedAmount: d(5)},
	}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a table without a base tier, got %d", w.Code)
	}
}

func TestRegisterPartner_RequiresAffiliate(t *testing.T) {
	e := newTestEnv(t, 50)
	e.openAccount(t, api.OpenAccountRequest{ID: "partner-1", Role: model.RolePartner})

	w := e.do(t, "POST", "/api/v1/partners", api.PartnerRequest{AccountID: "partner-1", AffiliateID: "aff-missing"})
	if w.Code < 400 || w.Code >= 500 {
		t.Errorf("expected a client error, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, 50)

	w := e.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
