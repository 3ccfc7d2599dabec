package prize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/events"
	"github.com/scratchwin/scratch-engine/internal/idem"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/metrics"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

var (
	ErrGameNotFound      = errors.New("prize: game not found")
	ErrGameInactive      = errors.New("prize: game is not active")
	ErrRoundNotFound     = errors.New("prize: round not found")
	ErrInvalidMultiplier = errors.New("prize: multiplier must be non-negative")
	ErrRoundMismatch     = errors.New("prize: round key reused with different parameters")
)

// Engine resolves game rounds against the ledger.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	rng       RandomSource
	rounds    *idem.KeyLock
	publisher events.Publisher
	now       func() time.Time
}

// NewEngine creates a prize engine. A nil rng uses CryptoSource; pub may be nil.
func NewEngine(st store.Store, l *ledger.Ledger, rng RandomSource, pub events.Publisher) *Engine {
	if rng == nil {
		rng = CryptoSource{}
	}
	return &Engine{
		store:     st,
		ledger:    l,
		rng:       rng,
		rounds:    idem.NewKeyLock(),
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateGame registers a game with an empty catalog.
func (e *Engine) CreateGame(ctx context.Context, g model.Game) (*model.Game, error) {
	if !g.StakeAmount.IsPositive() || !g.StakeAmount.Equal(g.StakeAmount.Round(2)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStake, g.StakeAmount)
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.CreatedAt = e.now()
	if err := e.store.CreateGame(ctx, &g); err != nil {
		return nil, err
	}
	slog.Info("game created", "game", g.ID, "name", g.Name, "stake", g.StakeAmount.StringFixed(2))
	return &g, nil
}

// Game returns a game by id.
func (e *Engine) Game(ctx context.Context, id string) (*model.Game, error) {
	g, err := e.store.GetGame(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	return g, err
}

// ConfigureCatalog validates and replaces a game's whole catalog, recording
// the previous and new catalogs in the probability audit log.
func (e *Engine) ConfigureCatalog(ctx context.Context, gameID string, entries []model.PrizeCatalogEntry, changedBy string) ([]model.PrizeCatalogEntry, error) {
	if err := ValidateCatalog(entries); err != nil {
		return nil, err
	}
	if _, err := e.Game(ctx, gameID); err != nil {
		return nil, err
	}
	previous, err := e.store.GetCatalog(ctx, gameID)
	if err != nil {
		return nil, err
	}

	next := Sorted(entries)
	for i := range next {
		next[i].GameID = gameID
		if next[i].ID == "" {
			next[i].ID = uuid.New().String()
		}
	}

	change := &model.CatalogChange{
		ID:        uuid.New().String(),
		GameID:    gameID,
		Previous:  previous,
		Next:      next,
		ChangedBy: changedBy,
		ChangedAt: e.now(),
	}
	if err := e.store.ReplaceCatalog(ctx, gameID, next, change); err != nil {
		return nil, err
	}

	slog.Info("catalog replaced",
		"game", gameID,
		"entries", len(next),
		"previous_entries", len(previous),
		"changed_by", changedBy,
	)
	return next, nil
}

// Catalog returns a game's catalog in display order.
func (e *Engine) Catalog(ctx context.Context, gameID string) ([]model.PrizeCatalogEntry, error) {
	if _, err := e.Game(ctx, gameID); err != nil {
		return nil, err
	}
	return e.store.GetCatalog(ctx, gameID)
}

// HouseEdge computes the edge of a game's current catalog at its base stake.
func (e *Engine) HouseEdge(ctx context.Context, gameID string) (*Edge, error) {
	g, err := e.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	catalog, err := e.store.GetCatalog(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return HouseEdge(catalog, g.StakeAmount)
}

// Round returns a round by its idempotency key.
func (e *Engine) Round(ctx context.Context, id string) (*model.GameRound, error) {
	r, err := e.store.GetRound(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
	}
	return r, err
}

// Resolve plays one round: debit the stake, draw, credit any prize and
// settle. The round id is req.IdempotencyKey. Every step is persisted
// before the next one starts, so calling Resolve again with the same key
// after a failure resumes where it stopped and a settled round is returned
// as is. A failed stake debit leaves no round behind.
func (e *Engine) Resolve(ctx context.Context, req model.GameRoundRequest) (*model.GameRound, error) {
	if err := idem.ValidatePart(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.StakeAmount.IsNegative() || !req.StakeAmount.Equal(req.StakeAmount.Round(2)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStake, req.StakeAmount)
	}
	if req.Multiplier.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMultiplier, req.Multiplier)
	}
	if req.StakePool == "" {
		req.StakePool = model.PoolReal
	}
	if !req.StakePool.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidPool, req.StakePool)
	}

	unlock := e.rounds.Lock(req.IdempotencyKey)
	defer unlock()

	round, err := e.store.GetRound(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if !sameRequest(round, req) {
			return nil, fmt.Errorf("%w: %s", ErrRoundMismatch, req.IdempotencyKey)
		}
		metrics.RoundReplays.Inc()
		slog.Info("round replay", "round", round.ID, "status", round.Status)
		if round.Status == model.RoundSettled {
			return round, nil
		}
	case errors.Is(err, store.ErrNotFound):
		round = nil
	default:
		return nil, err
	}

	game, err := e.Game(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		if !game.Active {
			return nil, fmt.Errorf("%w: %s", ErrGameInactive, game.ID)
		}
		// Catalog prizes are priced against the game stake.
		if !req.StakeAmount.Equal(game.StakeAmount) {
			return nil, fmt.Errorf("%w: %s does not match game stake %s", ErrInvalidStake, req.StakeAmount, game.StakeAmount)
		}
	}

	if round == nil {
		if round, err = e.debit(ctx, req); err != nil {
			return nil, err
		}
	}
	if round.Status == model.RoundDebited {
		if err := e.draw(ctx, round); err != nil {
			return nil, err
		}
	}
	if round.Status == model.RoundResolved {
		if err := e.settle(ctx, round); err != nil {
			return nil, err
		}
	}
	return round, nil
}

// debit takes the stake and persists the round as debited. The ledger key
// makes a retry after a crash between the two writes harmless.
func (e *Engine) debit(ctx context.Context, req model.GameRoundRequest) (*model.GameRound, error) {
	amount := req.StakeAmount.Mul(req.Multiplier).Round(2)
	if amount.IsZero() {
		if _, err := e.ledger.Wallet(ctx, req.AccountID); err != nil {
			return nil, err
		}
	} else {
		_, err := e.ledger.ApplyToAccount(ctx, req.AccountID, req.StakePool, amount.Neg(), idem.StakeKey(req.IdempotencyKey), model.ReasonStake)
		if err != nil {
			return nil, fmt.Errorf("stake round %s: %w", req.IdempotencyKey, err)
		}
	}

	round := &model.GameRound{
		ID:          req.IdempotencyKey,
		AccountID:   req.AccountID,
		GameID:      req.GameID,
		StakeAmount: req.StakeAmount,
		Multiplier:  req.Multiplier,
		StakePool:   req.StakePool,
		Debited:     amount,
		Status:      model.RoundDebited,
		Draw:        decimal.Zero,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateRound(ctx, round); err != nil {
		return nil, err
	}
	return round, nil
}

// draw samples the catalog and persists the outcome before any credit.
func (e *Engine) draw(ctx context.Context, round *model.GameRound) error {
	catalog, err := e.store.GetCatalog(ctx, round.GameID)
	if err != nil {
		return err
	}
	u, err := e.rng.Draw()
	if err != nil {
		return err
	}

	outcome := OutcomeFor(Sample(catalog, u))
	if outcome.Won {
		outcome.PrizeValue = outcome.PrizeValue.Mul(prizeScale(round.Multiplier)).Round(2)
		outcome.Won = outcome.PrizeValue.IsPositive()
	}

	round.Draw = u
	round.Outcome = &outcome
	round.Status = model.RoundResolved
	return e.store.AdvanceRound(ctx, round)
}

// settle credits a winning prize and marks the round terminal.
func (e *Engine) settle(ctx context.Context, round *model.GameRound) error {
	outcome := round.Outcome
	if outcome != nil && outcome.Won {
		_, err := e.ledger.ApplyToAccount(ctx, round.AccountID, model.PoolReal, outcome.PrizeValue, idem.PrizeKey(round.ID), model.ReasonPrize)
		if err != nil {
			return fmt.Errorf("prize round %s: %w", round.ID, err)
		}
	}

	settledAt := e.now()
	round.SettledAt = &settledAt
	round.Status = model.RoundSettled
	if err := e.store.AdvanceRound(ctx, round); err != nil {
		return err
	}

	result, prize := "lost", decimal.Zero
	if outcome != nil && outcome.Won {
		prize = outcome.PrizeValue
		result = "won"
		metrics.PrizePaid.WithLabelValues(round.GameID).Add(outcome.PrizeValue.InexactFloat64())
		events.Emit(ctx, e.publisher, events.Event{
			Type:      events.TypeRoundWon,
			AccountID: round.AccountID,
			GameID:    round.GameID,
			RoundID:   round.ID,
			Label:     outcome.Label,
			Amount:    outcome.PrizeValue,
			At:        settledAt,
		})
	}
	metrics.RoundsTotal.WithLabelValues(round.GameID, result).Inc()

	slog.Info("round settled",
		"round", round.ID,
		"account", round.AccountID,
		"game", round.GameID,
		"draw", round.Draw.String(),
		"result", result,
		"prize", prize.StringFixed(2),
	)
	return nil
}

// prizeScale maps a multiplier to the prize factor. A zero multiplier is a
// free round and pays the catalog value unscaled.
func prizeScale(multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return multiplier
}

func sameRequest(r *model.GameRound, req model.GameRoundRequest) bool {
	return r.AccountID == req.AccountID &&
		r.GameID == req.GameID &&
		r.StakeAmount.Equal(req.StakeAmount) &&
		r.Multiplier.Equal(req.Multiplier) &&
		r.StakePool == req.StakePool
}
