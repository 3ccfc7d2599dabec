package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Wallet rows are locked with SELECT ... FOR UPDATE while a ledger entry is
// appended, so writes to one wallet are serialized and writes to different
// wallets are not.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

func strPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Accounts and wallets ---

const walletColumns = `id, account_id, real_balance::TEXT, bonus_balance::TEXT,
	total_earned::TEXT, total_withdrawn::TEXT, updated_at`

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var real, bonus, earned, withdrawn string
	if err := row.Scan(&w.ID, &w.AccountID, &real, &bonus, &earned, &withdrawn, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.RealBalance = dec(real)
	w.BonusBalance = dec(bonus)
	w.TotalEarned = dec(earned)
	w.TotalWithdrawn = dec(withdrawn)
	return &w, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account, wallet *model.Wallet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create account %s: %w", acct.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, role, referring_affiliate_id, referring_partner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.Role, acct.ReferringAffiliateID, acct.ReferringPartnerID, acct.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", acct.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create account %s: %w", acct.ID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (id, account_id, real_balance, bonus_balance, total_earned, total_withdrawn, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		wallet.ID, wallet.AccountID,
		wallet.RealBalance.String(), wallet.BonusBalance.String(),
		wallet.TotalEarned.String(), wallet.TotalWithdrawn.String(),
		wallet.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet %s: %w", wallet.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", wallet.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, role, referring_affiliate_id, referring_partner_id, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Role, &a.ReferringAffiliateID, &a.ReferringPartnerID, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get account %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, referring_affiliate_id, referring_partner_id, created_at
		 FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Role, &a.ReferringAffiliateID, &a.ReferringPartnerID, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get wallet %s", id)
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByAccount(ctx context.Context, accountID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID))
	if err != nil {
		return nil, notFound(err, "get wallet for account %s", accountID)
	}
	return w, nil
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// --- Ledger ---

const entryColumns = `id, wallet_id, pool, delta::TEXT, resulting_balance::TEXT, idempotency_key, reason, created_at`

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var delta, resulting string
	if err := row.Scan(&e.ID, &e.WalletID, &e.Pool, &delta, &resulting, &e.IdempotencyKey, &e.Reason, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Delta = dec(delta)
	e.ResultingBalance = dec(resulting)
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func getEntryByKey(ctx context.Context, q querier, key string) (*model.LedgerEntry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err, "get ledger entry %s", key)
	}
	return e, nil
}

func (s *PostgresStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("apply %s: %w", entry.IdempotencyKey, err)
	}
	defer tx.Rollback(ctx)

	prior, err := getEntryByKey(ctx, tx, entry.IdempotencyKey)
	if err == nil {
		return prior, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, entry.WalletID))
	if err != nil {
		return nil, false, notFound(err, "lock wallet %s", entry.WalletID)
	}

	stored := *entry
	if err := applyToWallet(w, &stored); err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, wallet_id, pool, delta, resulting_balance, idempotency_key, reason, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		stored.ID, stored.WalletID, stored.Pool,
		stored.Delta.String(), stored.ResultingBalance.String(),
		stored.IdempotencyKey, stored.Reason, stored.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry %s: %w", stored.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		// Another transaction committed the same key while we waited.
		tx.Rollback(ctx)
		prior, err := getEntryByKey(ctx, s.pool, entry.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return prior, true, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET real_balance = $2::NUMERIC, bonus_balance = $3::NUMERIC,
		        total_earned = $4::NUMERIC, total_withdrawn = $5::NUMERIC, updated_at = $6
		 WHERE id = $1`,
		w.ID, w.RealBalance.String(), w.BonusBalance.String(),
		w.TotalEarned.String(), w.TotalWithdrawn.String(), w.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("update wallet %s: %w", w.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit %s: %w", stored.IdempotencyKey, err)
	}
	return &stored, false, nil
}

func (s *PostgresStore) GetEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	return getEntryByKey(ctx, s.pool, key)
}

func (s *PostgresStore) GetLedgerEntriesByWallet(ctx context.Context, walletID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq`, walletID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByReason(ctx context.Context, reason model.Reason) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reason = $1 ORDER BY seq`, reason)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// --- Games and catalogs ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, name, stake_amount, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		g.ID, g.Name, g.StakeAmount.String(), g.Active, g.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("game %s: %w", g.ID, ErrConflict)
	}
	return err
}

func scanGame(row rowScanner) (*model.Game, error) {
	var g model.Game
	var stake string
	if err := row.Scan(&g.ID, &g.Name, &stake, &g.Active, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.StakeAmount = dec(stake)
	return &g, nil
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	g, err := scanGame(s.pool.QueryRow(ctx,
		`SELECT id, name, stake_amount::TEXT, active, created_at FROM games WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get game %s", id)
	}
	return g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context) ([]model.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, stake_amount::TEXT, active, created_at FROM games ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

func (s *PostgresStore) ReplaceCatalog(ctx context.Context, gameID string, entries []model.PrizeCatalogEntry, change *model.CatalogChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace catalog %s: %w", gameID, err)
	}
	defer tx.Rollback(ctx)

	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM games WHERE id = $1 FOR UPDATE`, gameID).Scan(&id); err != nil {
		return notFound(err, "lock game %s", gameID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM prize_catalog_entries WHERE game_id = $1`, gameID); err != nil {
		return fmt.Errorf("clear catalog %s: %w", gameID, err)
	}
	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO prize_catalog_entries (id, game_id, prize_value, label, probability_weight, display_order)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6)`,
			e.ID, gameID, e.PrizeValue.String(), e.Label, e.ProbabilityWeight.String(), e.DisplayOrder)
		if err != nil {
			return fmt.Errorf("insert catalog entry %s: %w", e.ID, err)
		}
	}

	if change != nil {
		prev, err := json.Marshal(change.Previous)
		if err != nil {
			return err
		}
		next, err := json.Marshal(change.Next)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO catalog_changes (id, game_id, previous, next, changed_by, changed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			change.ID, gameID, prev, next, change.ChangedBy, change.ChangedAt)
		if err != nil {
			return fmt.Errorf("record catalog change %s: %w", change.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetCatalog(ctx context.Context, gameID string) ([]model.PrizeCatalogEntry, error) {
	if _, err := s.GetGame(ctx, gameID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, prize_value::TEXT, label, probability_weight::TEXT, display_order
		 FROM prize_catalog_entries WHERE game_id = $1 ORDER BY display_order`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PrizeCatalogEntry
	for rows.Next() {
		var e model.PrizeCatalogEntry
		var value, weight string
		if err := rows.Scan(&e.ID, &e.GameID, &value, &e.Label, &weight, &e.DisplayOrder); err != nil {
			return nil, err
		}
		e.PrizeValue = dec(value)
		e.ProbabilityWeight = dec(weight)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListCatalogChanges(ctx context.Context, gameID string) ([]model.CatalogChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, previous, next, changed_by, changed_at
		 FROM catalog_changes WHERE game_id = $1 ORDER BY changed_at`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.CatalogChange
	for rows.Next() {
		var c model.CatalogChange
		var prev, next []byte
		if err := rows.Scan(&c.ID, &c.GameID, &prev, &next, &c.ChangedBy, &c.ChangedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(prev, &c.Previous); err != nil {
			return nil, fmt.Errorf("decode catalog change %s: %w", c.ID, err)
		}
		if err := json.Unmarshal(next, &c.Next); err != nil {
			return nil, fmt.Errorf("decode catalog change %s: %w", c.ID, err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- Rounds ---

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.GameRound) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_rounds (id, account_id, game_id, stake_amount, multiplier, stake_pool, debited, status, draw, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9::NUMERIC, $10)`,
		r.ID, r.AccountID, r.GameID, r.StakeAmount.String(), r.Multiplier.String(),
		r.StakePool, r.Debited.String(), r.Status, r.Draw.String(), r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("round %s: %w", r.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.GameRound, error) {
	var r model.GameRound
	var stake, mult, debited, draw string
	var won *bool
	var prize, label *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, game_id, stake_amount::TEXT, multiplier::TEXT, stake_pool,
		        debited::TEXT, status, draw::TEXT, won, prize_value::TEXT, prize_label,
		        created_at, settled_at
		 FROM game_rounds WHERE id = $1`, id).
		Scan(&r.ID, &r.AccountID, &r.GameID, &stake, &mult, &r.StakePool,
			&debited, &r.Status, &draw, &won, &prize, &label,
			&r.CreatedAt, &r.SettledAt)
	if err != nil {
		return nil, notFound(err, "get round %s", id)
	}

	r.StakeAmount = dec(stake)
	r.Multiplier = dec(mult)
	r.Debited = dec(debited)
	r.Draw = dec(draw)
	if won != nil {
		r.Outcome = &model.Outcome{Won: *won}
		if prize != nil {
			r.Outcome.PrizeValue = dec(*prize)
		}
		if label != nil {
			r.Outcome.Label = *label
		}
	}
	return &r, nil
}

func (s *PostgresStore) AdvanceRound(ctx context.Context, r *model.GameRound) error {
	// Statuses the stored row may currently hold for this update to apply.
	var from []string
	for _, st := range []model.RoundStatus{model.RoundCreated, model.RoundDebited, model.RoundResolved, model.RoundSettled} {
		if st.Rank() <= r.Status.Rank() {
			from = append(from, string(st))
		}
	}

	var won *bool
	var prize, label *string
	if r.Outcome != nil {
		won = &r.Outcome.Won
		p := r.Outcome.PrizeValue.String()
		prize = &p
		label = &r.Outcome.Label
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE game_rounds
		 SET debited = $2::NUMERIC, status = $3, draw = $4::NUMERIC,
		     won = $5, prize_value = $6::NUMERIC, prize_label = $7, settled_at = $8
		 WHERE id = $1 AND status = ANY($9)`,
		r.ID, r.Debited.String(), r.Status, r.Draw.String(), won, prize, label, r.SettledAt, from)
	if err != nil {
		return fmt.Errorf("advance round %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRound(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("round %s -> %s: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	return nil
}

// --- Deposits ---

func (s *PostgresStore) RecordDepositEvent(ctx context.Context, ev *model.DepositEvent) (model.DepositStatus, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("record deposit %s: %w", ev.ID, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT account_id, amount::TEXT, status FROM deposit_events
		 WHERE id = $1 ORDER BY seq FOR UPDATE`, ev.ID)
	if err != nil {
		return "", false, fmt.Errorf("read deposit %s: %w", ev.ID, err)
	}
	var history []model.DepositEvent
	for rows.Next() {
		var h model.DepositEvent
		var amount string
		if err := rows.Scan(&h.AccountID, &amount, &h.Status); err != nil {
			rows.Close()
			return "", false, err
		}
		h.Amount = dec(amount)
		history = append(history, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	var previous model.DepositStatus
	amount := ev.Amount
	if len(history) > 0 {
		first, last := history[0], history[len(history)-1]
		previous = last.Status
		if first.AccountID != ev.AccountID {
			return previous, false, fmt.Errorf("deposit %s belongs to account %s: %w", ev.ID, first.AccountID, ErrConflict)
		}
		if last.Status == ev.Status {
			return previous, false, nil
		}
		if !last.Status.CanTransition(ev.Status) {
			return previous, false, fmt.Errorf("deposit %s %s -> %s: %w", ev.ID, last.Status, ev.Status, ErrInvalidTransition)
		}
		amount = first.Amount
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO deposit_events (id, account_id, amount, status, occurred_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (id, status) DO NOTHING`,
		ev.ID, ev.AccountID, amount.String(), ev.Status, ev.OccurredAt)
	if err != nil {
		return previous, false, fmt.Errorf("insert deposit %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Concurrent first delivery of the same status.
		return ev.Status, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return previous, false, err
	}
	return previous, true, nil
}

func (s *PostgresStore) GetDepositEvent(ctx context.Context, id string) (*model.DepositEvent, error) {
	history, err := s.GetDepositHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	return &history[len(history)-1], nil
}

func (s *PostgresStore) GetDepositHistory(ctx context.Context, id string) ([]model.DepositEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount::TEXT, status, occurred_at
		 FROM deposit_events WHERE id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.DepositEvent
	for rows.Next() {
		var ev model.DepositEvent
		var amount string
		if err := rows.Scan(&ev.ID, &ev.AccountID, &amount, &ev.Status, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.Amount = dec(amount)
		history = append(history, ev)
	}
	return history, rows.Err()
}

// --- Referral configuration ---

func (s *PostgresStore) UpsertAffiliate(ctx context.Context, a *model.Affiliate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO affiliates (account_id, commission_type, tier, tier_pinned, custom_percentage, custom_fixed_amount, active)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (account_id) DO UPDATE SET
		     commission_type = EXCLUDED.commission_type,
		     tier = EXCLUDED.tier,
		     tier_pinned = EXCLUDED.tier_pinned,
		     custom_percentage = EXCLUDED.custom_percentage,
		     custom_fixed_amount = EXCLUDED.custom_fixed_amount,
		     active = EXCLUDED.active`,
		a.AccountID, a.CommissionType, a.Tier, a.TierPinned,
		strPtr(a.CustomPercentage), strPtr(a.CustomFixedAmount), a.Active)
	return err
}

func (s *PostgresStore) GetAffiliate(ctx context.Context, accountID string) (*model.Affiliate, error) {
	var a model.Affiliate
	var pct, fixed *string
	var earnings string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, commission_type, tier, tier_pinned,
		        custom_percentage::TEXT, custom_fixed_amount::TEXT, approved_earnings::TEXT, active
		 FROM affiliates WHERE account_id = $1`, accountID).
		Scan(&a.AccountID, &a.CommissionType, &a.Tier, &a.TierPinned, &pct, &fixed, &earnings, &a.Active)
	if err != nil {
		return nil, notFound(err, "get affiliate %s", accountID)
	}
	a.CustomPercentage = decPtr(pct)
	a.CustomFixedAmount = decPtr(fixed)
	a.ApprovedEarnings = dec(earnings)
	return &a, nil
}

func (s *PostgresStore) UpsertPartner(ctx context.Context, p *model.Partner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO partners (account_id, affiliate_id, commission_type, commission_rate, fixed_amount, active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (account_id) DO UPDATE SET
		     affiliate_id = EXCLUDED.affiliate_id,
		     commission_type = EXCLUDED.commission_type,
		     commission_rate = EXCLUDED.commission_rate,
		     fixed_amount = EXCLUDED.fixed_amount,
		     active = EXCLUDED.active`,
		p.AccountID, p.AffiliateID, p.CommissionType,
		p.CommissionRate.String(), p.FixedAmount.String(), p.Active)
	return err
}

func (s *PostgresStore) GetPartner(ctx context.Context, accountID string) (*model.Partner, error) {
	var p model.Partner
	var rate, fixed, earnings string

	err := s.pool.QueryRow(ctx,
		`SELECT account_id, affiliate_id, commission_type, commission_rate::TEXT,
		        fixed_amount::TEXT, approved_earnings::TEXT, active
		 FROM partners WHERE account_id = $1`, accountID).
		Scan(&p.AccountID, &p.AffiliateID, &p.CommissionType, &rate, &fixed, &earnings, &p.Active)
	if err != nil {
		return nil, notFound(err, "get partner %s", accountID)
	}
	p.CommissionRate = dec(rate)
	p.FixedAmount = dec(fixed)
	p.ApprovedEarnings = dec(earnings)
	return &p, nil
}

func (s *PostgresStore) AddEarnings(ctx context.Context, bt model.BeneficiaryType, id, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	var table string
	switch bt {
	case model.BeneficiaryAffiliate:
		table = "affiliates"
	case model.BeneficiaryPartner:
		table = "partners"
	default:
		return decimal.Zero, fmt.Errorf("unknown beneficiary type %q", bt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("add earnings %s: %w", key, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO earnings_applications (key, beneficiary_type, beneficiary_id, delta)
		 VALUES ($1, $2, $3, $4::NUMERIC) ON CONFLICT (key) DO NOTHING`,
		key, bt, id, delta.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("record earnings %s: %w", key, err)
	}

	var total string
	if tag.RowsAffected() == 1 {
		err = tx.QueryRow(ctx,
			`UPDATE `+table+` SET approved_earnings = approved_earnings + $2::NUMERIC
			 WHERE account_id = $1 RETURNING approved_earnings::TEXT`, id, delta.String()).Scan(&total)
	} else {
		err = tx.QueryRow(ctx,
			`SELECT approved_earnings::TEXT FROM `+table+` WHERE account_id = $1`, id).Scan(&total)
	}
	if err != nil {
		return decimal.Zero, notFound(err, "%s %s", bt, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return dec(total), nil
}

func (s *PostgresStore) SetAffiliateTier(ctx context.Context, accountID, tier string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE affiliates SET tier = $2 WHERE account_id = $1`, accountID, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("affiliate %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTiers(ctx context.Context) ([]model.ReferralTier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, min_earnings::TEXT, percentage_rate::TEXT, fixed_amount::TEXT
		 FROM referral_tiers ORDER BY min_earnings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []model.ReferralTier
	for rows.Next() {
		var t model.ReferralTier
		var min, pct, fixed string
		if err := rows.Scan(&t.Name, &min, &pct, &fixed); err != nil {
			return nil, err
		}
		t.MinEarnings = dec(min)
		t.PercentageRate = dec(pct)
		t.FixedAmount = dec(fixed)
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

func (s *PostgresStore) ReplaceTiers(ctx context.Context, tiers []model.ReferralTier) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM referral_tiers`); err != nil {
		return err
	}
	for _, t := range tiers {
		_, err := tx.Exec(ctx,
			`INSERT INTO referral_tiers (name, min_earnings, percentage_rate, fixed_amount)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)`,
			t.Name, t.MinEarnings.String(), t.PercentageRate.String(), t.FixedAmount.String())
		if err != nil {
			return fmt.Errorf("insert tier %s: %w", t.Name, err)
		}
	}
	return tx.Commit(ctx)
}

// --- Commission conversions ---

const conversionColumns = `id, deposit_event_id, beneficiary_id, beneficiary_type,
	conversion_value::TEXT, commission_type, commission_rate::TEXT, fixed_amount::TEXT,
	commission::TEXT, status, clamped, reversal, created_at, updated_at`

func scanConversion(row rowScanner) (*model.CommissionConversion, error) {
	var c model.CommissionConversion
	var value, rate, fixed, commission string
	if err := row.Scan(&c.ID, &c.DepositEventID, &c.BeneficiaryID, &c.BeneficiaryType,
		&value, &c.CommissionType, &rate, &fixed,
		&commission, &c.Status, &c.Clamped, &c.Reversal, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ConversionValue = dec(value)
	c.CommissionRate = dec(rate)
	c.FixedAmount = dec(fixed)
	c.Commission = dec(commission)
	return &c, nil
}

func scanConversions(rows pgx.Rows) ([]model.CommissionConversion, error) {
	defer rows.Close()
	var out []model.CommissionConversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertConversion(ctx context.Context, c *model.CommissionConversion) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO commission_conversions (id, deposit_event_id, beneficiary_id, beneficiary_type,
		     conversion_value, commission_type, commission_rate, fixed_amount, commission,
		     status, clamped, reversal, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)
		 ON CONFLICT (deposit_event_id, beneficiary_id, beneficiary_type) DO NOTHING`,
		c.ID, c.DepositEventID, c.BeneficiaryID, c.BeneficiaryType,
		c.ConversionValue.String(), c.CommissionType, c.CommissionRate.String(), c.FixedAmount.String(),
		c.Commission.String(), c.Status, c.Clamped, c.Reversal, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversion %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversion %s/%s/%s: %w", c.DepositEventID, c.BeneficiaryID, c.BeneficiaryType, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) GetConversion(ctx context.Context, depositEventID, beneficiaryID string, bt model.BeneficiaryType) (*model.CommissionConversion, error) {
	c, err := scanConversion(s.pool.QueryRow(ctx,
		`SELECT `+conversionColumns+` FROM commission_conversions
		 WHERE deposit_event_id = $1 AND beneficiary_id = $2 AND beneficiary_type = $3`,
		depositEventID, beneficiaryID, bt))
	if err != nil {
		return nil, notFound(err, "get conversion %s/%s/%s", depositEventID, beneficiaryID, bt)
	}
	return c, nil
}

func (s *PostgresStore) TransitionConversion(ctx context.Context, id string, from, to model.ConversionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("conversion %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE commission_conversions SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition conversion %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := s.pool.QueryRow(ctx, `SELECT status FROM commission_conversions WHERE id = $1`, id).Scan(&status); err != nil {
			return notFound(err, "get conversion %s", id)
		}
		return fmt.Errorf("conversion %s %s -> %s: %w", id, status, to, ErrInvalidTransition)
	}
	return nil
}

func (s *PostgresStore) SetConversionReversal(ctx context.Context, id string, state model.ReversalState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commission_conversions SET reversal = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversion %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListConversionsByDeposit(ctx context.Context, depositEventID string) ([]model.CommissionConversion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversionColumns+` FROM commission_conversions
		 WHERE deposit_event_id = $1 ORDER BY created_at, beneficiary_type DESC`, depositEventID)
	if err != nil {
		return nil, err
	}
	return scanConversions(rows)
}

func (s *PostgresStore) ListConversions(ctx context.Context) ([]model.CommissionConversion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversionColumns+` FROM commission_conversions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanConversions(rows)
}
