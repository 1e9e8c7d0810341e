package trade

import (
	"OptionLedger/internal/domain"
	"context"
	"time"

	"github.com/google/uuid"
)

// Direction is the price direction a trade stakes on.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Status is the trade lifecycle state. Trades are created pending, settled
// exactly once, and never deleted.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
)

// Result is the settled outcome.
type Result string

const (
	ResultWin  Result = "win"
	ResultLose Result = "lose"
)

// Durations lists the allowed trade durations in seconds.
var Durations = []int64{30, 60, 90, 120, 180, 240, 300, 600}

var durationSet = func() map[int64]bool {
	m := make(map[int64]bool, len(Durations))
	for _, d := range Durations {
		m[d] = true
	}
	return m
}()

// ValidDuration reports whether seconds is an allowed duration.
func ValidDuration(seconds int64) bool {
	return durationSet[seconds]
}

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionUp:
		return DirectionUp, nil
	case DirectionDown:
		return DirectionDown, nil
	}
	return "", domain.Validationf("direction", "must be %q or %q, got %q", DirectionUp, DirectionDown, s)
}

// Trade is one binary-outcome position. Amounts are fixed-point micro-units,
// prices fixed-point with 2 decimal places. DueAt is immutable once set.
type Trade struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Symbol          string
	Direction       Direction
	Amount          int64
	DurationSeconds int64
	EntryPrice      int64
	ExitPrice       *int64
	Status          Status
	Result          *Result
	ProfitAmount    *int64
	CreatedAt       time.Time
	DueAt           time.Time
	SettledAt       *time.Time
}

// New builds a pending trade. Inputs are assumed validated by the caller.
func New(userID uuid.UUID, symbol string, direction Direction, amount, durationSeconds, entryPrice int64, now time.Time) *Trade {
	return &Trade{
		ID:              uuid.New(),
		UserID:          userID,
		Symbol:          symbol,
		Direction:       direction,
		Amount:          amount,
		DurationSeconds: durationSeconds,
		EntryPrice:      entryPrice,
		Status:          StatusPending,
		CreatedAt:       now,
		DueAt:           now.Add(time.Duration(durationSeconds) * time.Second),
	}
}

// Settled reports whether the trade has been settled.
func (t *Trade) Settled() bool {
	return t.Status == StatusSettled
}

// Repository is the durable record of every trade.
type Repository interface {
	Create(ctx context.Context, t *Trade) error

	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*Trade, error)

	// ListDue returns pending trades with DueAt <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Trade, error)

	// ListByUser returns a user's trades, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Trade, error)

	// Settle transitions pending -> settled and applies the signed profit to
	// the user's balance, journaled under ref, in one atomic operation: the
	// recorded outcome and the money can never disagree. If the trade is
	// already settled the stored record is returned together with
	// domain.ErrAlreadySettled and nothing moves. A loss the balance cannot
	// cover rolls the whole operation back with domain.ErrInsufficientFunds,
	// leaving the trade pending. Returns the settled trade and the new balance.
	Settle(ctx context.Context, id uuid.UUID, result Result, profitAmount, exitPrice int64, settledAt time.Time, ref string) (*Trade, int64, error)
}
