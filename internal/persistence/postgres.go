package persistence

import (
	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/trade"
	"OptionLedger/internal/workflow"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the durable store. Every mutation that must be atomic
// (journaled balance change, settlement transition, redemption claim) is a
// single transaction, so a crash at any point leaves either the whole
// mutation or none of it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// --- ledger.Store ---

// ApplyDelta journals the delta and moves the balance in one transaction.
// The journal's ref primary key is the idempotency gate: a ref that already
// exists makes the whole call a no-op.
func (s *PostgresStore) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int64, ref, reason string) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	balance, applied, err := applyDeltaTx(ctx, tx, userID, delta, ref, reason)
	if err != nil {
		return 0, false, err
	}
	return balance, applied, tx.Commit()
}

// applyDeltaTx is the one implementation of a journaled balance change. It
// runs inside the caller's transaction so callers can commit the delta
// together with their own state transition (settlement, transfer decision,
// redemption claim) and atomicity holds across both.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, delta int64, ref, reason string) (int64, bool, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return 0, false, fmt.Errorf("ensure account: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO journal (ref, user_id, amount, reason) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, userID, delta, reason,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert journal: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if inserted == 0 {
		// Ref already applied. Report the current balance unchanged.
		var balance int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE user_id = $1`, userID,
		).Scan(&balance); err != nil {
			return 0, false, fmt.Errorf("select balance: %w", err)
		}
		return balance, false, nil
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance + $2 >= 0
		 RETURNING balance`,
		userID, delta,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, domain.ErrInsufficientFunds
	}
	if err != nil {
		return 0, false, fmt.Errorf("update balance: %w", err)
	}

	return balance, true, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// --- control.Store ---

func (s *PostgresStore) Mode(ctx context.Context, userID uuid.UUID) (control.Mode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT control_mode FROM accounts WHERE user_id = $1`, userID,
	).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return control.ModeNormal, nil
	}
	if err != nil {
		return "", err
	}
	return control.Mode(mode), nil
}

func (s *PostgresStore) SetMode(ctx context.Context, userID uuid.UUID, mode control.Mode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, control_mode) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO UPDATE SET control_mode = $2, updated_at = NOW()`,
		userID, string(mode),
	)
	return err
}

// --- trade.Repository ---

const tradeColumns = `id, user_id, symbol, direction, amount, duration_seconds,
	entry_price, exit_price, status, result, profit_amount, created_at, due_at, settled_at`

func (s *PostgresStore) Create(ctx context.Context, t *trade.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, symbol, direction, amount, duration_seconds,
			entry_price, status, created_at, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.Symbol, string(t.Direction), t.Amount, t.DurationSeconds,
		t.EntryPrice, string(t.Status), t.CreatedAt, t.DueAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id,
	)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*trade.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = 'pending' AND due_at <= $1
		 ORDER BY due_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*trade.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list by user: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Settle commits the outcome and the balance delta in one transaction. The
// conditional status update is the gate: concurrent settlers race on it and
// exactly one wins the flip together with its money; the rest read the
// already-settled row. A crash can never leave the delta applied without the
// recorded outcome or vice versa.
func (s *PostgresStore) Settle(ctx context.Context, id uuid.UUID, result trade.Result, profitAmount, exitPrice int64, settledAt time.Time, ref string) (*trade.Trade, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE trades
		 SET status = 'settled', result = $2, profit_amount = $3, exit_price = $4, settled_at = $5
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+tradeColumns,
		id, string(result), profitAmount, exitPrice, settledAt,
	)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		t, err = s.Get(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		return t, 0, domain.ErrAlreadySettled
	}
	if err != nil {
		return nil, 0, fmt.Errorf("settle trade: %w", err)
	}

	balance, _, err := applyDeltaTx(ctx, tx, t.UserID, profitAmount, ref, "settlement")
	if err != nil {
		// Rolls back the status flip too: an uncoverable loss leaves the
		// trade pending for the next sweep.
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit settlement: %w", err)
	}
	return t, balance, nil
}

// --- workflow.TransferStore ---

const transferColumns = `id, user_id, kind, amount, status, requested_at, decided_at`

func (s *PostgresStore) CreateTransfer(ctx context.Context, t *workflow.Transfer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, user_id, kind, amount, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, string(t.Kind), t.Amount, string(t.Status), t.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id uuid.UUID) (*workflow.Transfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id,
	)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTransfersByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*workflow.Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE user_id = $1
		 ORDER BY requested_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PendingWithdrawalTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transfers
		 WHERE user_id = $1 AND kind = 'withdrawal' AND status = 'pending'`,
		userID,
	).Scan(&total)
	return total, err
}

// Decide commits the status transition and, when the decision moves money,
// the journaled balance delta in one transaction. The conditional update is
// the gate: only the decision that wins the pending -> decided flip moves
// funds, so a reject racing an approve can never strand a debit.
func (s *PostgresStore) Decide(ctx context.Context, id uuid.UUID, status workflow.TransferStatus, decidedAt time.Time, delta int64, ref, reason string) (*workflow.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE transfers SET status = $2, decided_at = $3
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+transferColumns,
		id, string(status), decidedAt,
	)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		t, err = s.GetTransfer(ctx, id)
		if err != nil {
			return nil, err
		}
		return t, domain.Validationf("status", "transfer %s already %s", id, t.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("decide transfer: %w", err)
	}

	if delta != 0 {
		if _, _, err := applyDeltaTx(ctx, tx, t.UserID, delta, ref, reason); err != nil {
			// Rolls back the flip too: an uncoverable withdrawal stays
			// pending for a retry or a reject.
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decision: %w", err)
	}
	return t, nil
}

// --- workflow.RedemptionStore ---

const codeColumns = `id, code, amount, active, expires_at, usage_cap, usage_count`

func (s *PostgresStore) CreateCode(ctx context.Context, c *workflow.BonusCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bonus_codes (id, code, amount, active, expires_at, usage_cap, usage_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Code, c.Amount, c.Active, c.ExpiresAt, c.UsageCap, c.UsageCount,
	)
	if err != nil {
		return fmt.Errorf("insert bonus code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCode(ctx context.Context, code string) (*workflow.BonusCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM bonus_codes WHERE code = $1`, code,
	)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) SetCodeActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bonus_codes SET active = $2 WHERE id = $1`, id, active,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Claim locks the code row, records the (user, code) pair, counts the usage,
// and credits the bonus in one transaction. The redemptions primary key
// enforces one claim per user per code even under concurrent requests, and a
// committed claim always carries its credit: no crash window can lose the
// bonus. Returns the claimed code and the user's new balance.
func (s *PostgresStore) Claim(ctx context.Context, userID uuid.UUID, code string, now time.Time) (*workflow.BonusCode, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM bonus_codes WHERE code = $1 FOR UPDATE`, code,
	)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, domain.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("lock code: %w", err)
	}

	if !c.Active {
		return nil, 0, domain.Validationf("code", "code %q is not active", code)
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, 0, domain.Validationf("code", "code %q expired at %s", code, c.ExpiresAt.Format(time.RFC3339))
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO redemptions (user_id, code_id, redeemed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, code_id) DO NOTHING`,
		userID, c.ID, now,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("insert redemption: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}
	if inserted == 0 {
		return nil, 0, domain.ErrAlreadyRedeemed
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE bonus_codes SET usage_count = usage_count + 1
		 WHERE id = $1 AND (usage_cap = 0 OR usage_count < usage_cap)
		 RETURNING usage_count`,
		c.ID,
	).Scan(&c.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, domain.ErrCodeExhausted
	}
	if err != nil {
		return nil, 0, fmt.Errorf("count usage: %w", err)
	}

	balance, _, err := applyDeltaTx(ctx, tx, userID, c.Amount, workflow.RedeemRef(userID, c.ID), "redemption")
	if err != nil {
		return nil, 0, fmt.Errorf("credit bonus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit claim: %w", err)
	}
	return c, balance, nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*trade.Trade, error) {
	var (
		t            trade.Trade
		direction    string
		status       string
		exitPrice    sql.NullInt64
		result       sql.NullString
		profitAmount sql.NullInt64
		settledAt    sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &direction, &t.Amount, &t.DurationSeconds,
		&t.EntryPrice, &exitPrice, &status, &result, &profitAmount,
		&t.CreatedAt, &t.DueAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = trade.Direction(direction)
	t.Status = trade.Status(status)
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Int64
	}
	if result.Valid {
		r := trade.Result(result.String)
		t.Result = &r
	}
	if profitAmount.Valid {
		t.ProfitAmount = &profitAmount.Int64
	}
	if settledAt.Valid {
		t.SettledAt = &settledAt.Time
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*trade.Trade, error) {
	var out []*trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(row rowScanner) (*workflow.Transfer, error) {
	var (
		t         workflow.Transfer
		kind      string
		status    string
		decidedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &status, &t.RequestedAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = workflow.TransferKind(kind)
	t.Status = workflow.TransferStatus(status)
	if decidedAt.Valid {
		t.DecidedAt = &decidedAt.Time
	}
	return &t, nil
}

func scanCode(row rowScanner) (*workflow.BonusCode, error) {
	var (
		c         workflow.BonusCode
		expiresAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Code, &c.Amount, &c.Active, &expiresAt, &c.UsageCap, &c.UsageCount)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}
