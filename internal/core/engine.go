package core

import (
	"context"
	"fmt"
	"time"

	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/marketdata"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/settle"
	"OptionLedger/internal/trade"
	"OptionLedger/internal/workflow"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single entry point for every ledger operation: trade
// placement, balances, control modes, transfer workflows, and bonus codes.
// The transport layer translates HTTP to these calls and nothing else.
type Engine struct {
	ledger      *ledger.Ledger
	trades      trade.Repository
	control     *control.Registry
	transfers   *workflow.Transfers
	redemptions *workflow.Redemptions
	scheduler   *settle.Scheduler
	feed        *marketdata.Feed

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewEngine(
	l *ledger.Ledger,
	trades trade.Repository,
	reg *control.Registry,
	transfers *workflow.Transfers,
	redemptions *workflow.Redemptions,
	scheduler *settle.Scheduler,
	feed *marketdata.Feed,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		ledger:      l,
		trades:      trades,
		control:     reg,
		transfers:   transfers,
		redemptions: redemptions,
		scheduler:   scheduler,
		feed:        feed,
		log:         observability.NewLogger("engine"),
		metrics:     metrics,
	}
}

// CreateTrade validates and records a new pending trade, snapshots the entry
// price, and arms its settlement timer. The stake is not deducted: only the
// settled loss moves the balance, so the creation-time check that the stake
// fits the balance is what keeps the worst-case loss coverable.
func (e *Engine) CreateTrade(ctx context.Context, userID uuid.UUID, symbol string, direction trade.Direction, amount, durationSeconds int64) (*trade.Trade, error) {
	if symbol == "" {
		return nil, domain.Validationf("symbol", "must not be empty")
	}
	if _, err := trade.ParseDirection(string(direction)); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, domain.Validationf("amount", "must be positive, got %d", amount)
	}
	if !trade.ValidDuration(durationSeconds) {
		return nil, domain.Validationf("duration_seconds", "must be one of %v, got %d", trade.Durations, durationSeconds)
	}

	balance, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	if amount > balance {
		return nil, domain.ErrInsufficientFunds
	}

	entry, ok := e.feed.LastKnown(symbol)
	if !ok {
		return nil, domain.Validationf("symbol", "no price available for %q", symbol)
	}

	t := trade.New(userID, symbol, direction, amount, durationSeconds, entry, time.Now().UTC())
	if err := e.trades.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}
	e.scheduler.Arm(t)

	if e.metrics != nil {
		e.metrics.TradesCreated.WithLabelValues(string(direction)).Inc()
	}
	e.log.Info().
		Str("trade_id", t.ID.String()).
		Str("user_id", userID.String()).
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Int64("amount", amount).
		Int64("duration_s", durationSeconds).
		Int64("entry_price", entry).
		Msg("trade created")

	return t, nil
}

// GetTrade returns one trade.
func (e *Engine) GetTrade(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	return e.trades.Get(ctx, id)
}

// TradeHistory returns a user's trades, newest first.
func (e *Engine) TradeHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*trade.Trade, error) {
	return e.trades.ListByUser(ctx, userID, normalizeLimit(limit))
}

// Balance returns a user's current balance.
func (e *Engine) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return e.ledger.Balance(ctx, userID)
}

// AdminAdjust applies a manual balance correction. adjustmentID is the
// caller's idempotency key: retrying with the same id is a no-op.
func (e *Engine) AdminAdjust(ctx context.Context, userID uuid.UUID, adjustmentID uuid.UUID, delta int64, note string) (int64, error) {
	if delta == 0 {
		return 0, domain.Validationf("delta", "must not be zero")
	}

	ref := "adjust:" + adjustmentID.String()
	reason := "adjustment"
	if note != "" {
		reason = "adjustment: " + note
	}

	var balance int64
	var err error
	if delta > 0 {
		balance, err = e.ledger.Credit(ctx, userID, delta, ref, reason)
	} else {
		balance, err = e.ledger.Debit(ctx, userID, -delta, ref, reason)
	}
	if err != nil {
		return 0, err
	}

	e.log.Info().
		Str("user_id", userID.String()).
		Str("adjustment_id", adjustmentID.String()).
		Int64("delta", delta).
		Msg("admin adjustment applied")
	return balance, nil
}

// ControlMode returns a user's current override mode.
func (e *Engine) ControlMode(ctx context.Context, userID uuid.UUID) (control.Mode, error) {
	return e.control.Mode(ctx, userID)
}

// SetControlMode records an override mode. It applies to trades that resolve
// after this call, including already-pending ones.
func (e *Engine) SetControlMode(ctx context.Context, userID uuid.UUID, mode control.Mode) error {
	return e.control.SetMode(ctx, userID, mode)
}

// RequestTransfer records a withdrawal or deposit request.
func (e *Engine) RequestTransfer(ctx context.Context, userID uuid.UUID, kind workflow.TransferKind, amount int64) (*workflow.Transfer, error) {
	return e.transfers.Request(ctx, userID, kind, amount)
}

// DecideTransfer applies an administrative decision to a pending transfer.
func (e *Engine) DecideTransfer(ctx context.Context, id uuid.UUID, decision workflow.Decision) (*workflow.Transfer, error) {
	return e.transfers.Decide(ctx, id, decision)
}

// TransferHistory returns a user's transfers, newest first.
func (e *Engine) TransferHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*workflow.Transfer, error) {
	return e.transfers.ListByUser(ctx, userID, normalizeLimit(limit))
}

// RedeemCode claims a bonus code for a user and credits the bonus.
func (e *Engine) RedeemCode(ctx context.Context, userID uuid.UUID, code string) (bonusAmount, newBalance int64, err error) {
	return e.redemptions.Redeem(ctx, userID, code)
}

// CreateBonusCode registers a new code (admin operation).
func (e *Engine) CreateBonusCode(ctx context.Context, code string, amount int64, usageCap int, expiresAt *time.Time) (*workflow.BonusCode, error) {
	return e.redemptions.CreateCode(ctx, code, amount, usageCap, expiresAt)
}

// DeactivateBonusCode disables further redemptions of a code.
func (e *Engine) DeactivateBonusCode(ctx context.Context, id uuid.UUID) error {
	return e.redemptions.DeactivateCode(ctx, id)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
