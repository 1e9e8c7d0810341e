package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/notify"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/outcome"
	"OptionLedger/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PriceSource supplies the exit price at resolution time. Price returns the
// live feed value when fresh; Synthetic derives a fallback near the entry.
type PriceSource interface {
	Price(symbol string, now time.Time) (int64, bool)
	Synthetic(entry int64) int64
}

// Publisher receives settlement events after the balance delta commits.
type Publisher interface {
	PublishSettlement(ctx context.Context, evt notify.SettlementEvent)
}

// Processor settles one trade at a time: resolve the outcome, then commit
// the balance delta and the settled transition in one store transaction.
// The conditional flip is the gate — concurrent settlers that resolved
// different outcomes (say, two synthetic prices) race on it and exactly one
// outcome lands, money and record together; the rest read the stored result.
// A crash can never apply one outcome's money under another's record.
type Processor struct {
	trades    trade.Repository
	control   *control.Registry
	prices    PriceSource
	publisher Publisher

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewProcessor(trades trade.Repository, reg *control.Registry, prices PriceSource, publisher Publisher, metrics *observability.Metrics) *Processor {
	return &Processor{
		trades:    trades,
		control:   reg,
		prices:    prices,
		publisher: publisher,
		log:       observability.NewLogger("settle"),
		metrics:   metrics,
	}
}

// Settle resolves and settles a pending trade. Calling it on an already
// settled trade is a no-op returning the stored record, so timers, sweeps,
// and crash-recovery retries may all fire for the same trade.
func (p *Processor) Settle(ctx context.Context, id uuid.UUID) (*trade.Trade, error) {
	start := time.Now()

	t, err := p.trades.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Settled() {
		return t, nil
	}

	mode, err := p.control.Mode(ctx, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("control mode: %w", err)
	}

	now := time.Now().UTC()
	exit, live := p.prices.Price(t.Symbol, now)
	if !live {
		exit = p.prices.Synthetic(t.EntryPrice)
		if p.metrics != nil {
			p.metrics.SettleFallbackSignal.Inc()
		}
	}

	result, profit, err := outcome.Resolve(outcome.Input{
		Amount:          t.Amount,
		DurationSeconds: t.DurationSeconds,
		Mode:            mode,
		MarketWin:       outcome.MarketSignal(t.Direction, t.EntryPrice, exit),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve trade %s: %w", id, err)
	}

	ref := "settle:" + id.String()
	settled, balance, err := p.trades.Settle(ctx, id, result, profit, exit, now, ref)
	if errors.Is(err, domain.ErrAlreadySettled) {
		// A concurrent settler won the flip; its outcome and money committed
		// together. The stored record is the truth.
		return settled, nil
	}
	if errors.Is(err, domain.ErrInsufficientFunds) {
		// The balance cannot cover the loss. Creation-time stake checks and
		// the withdrawal over-commit guard should make this unreachable; if
		// it fires, the whole settlement rolled back, the trade stays
		// pending, and the books need a human.
		if p.metrics != nil {
			p.metrics.ReconciliationErrors.Inc()
		}
		p.log.Error().
			Str("trade_id", id.String()).
			Str("user_id", t.UserID.String()).
			Int64("loss", -profit).
			Msg("settlement debit exceeds balance, trade left pending")
		return nil, fmt.Errorf("settle trade %s: %w", id, domain.ErrReconciliation)
	}
	if err != nil {
		return nil, fmt.Errorf("settle trade %s: %w", id, err)
	}

	if p.metrics != nil {
		p.metrics.TradesSettled.WithLabelValues(string(result)).Inc()
		p.metrics.SettleDuration.Observe(time.Since(start).Seconds())
	}
	p.log.Info().
		Str("trade_id", id.String()).
		Str("user_id", t.UserID.String()).
		Str("result", string(result)).
		Int64("profit", profit).
		Int64("balance", balance).
		Bool("live_price", live).
		Msg("trade settled")

	if p.publisher != nil {
		p.publisher.PublishSettlement(ctx, notify.SettlementEvent{
			TradeID:      settled.ID.String(),
			UserID:       settled.UserID.String(),
			Symbol:       settled.Symbol,
			Result:       string(result),
			ProfitAmount: profit,
			NewBalance:   balance,
			SettledAt:    now,
		})
	}

	return settled, nil
}
