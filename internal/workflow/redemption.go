package workflow

import (
	"OptionLedger/internal/domain"
	"OptionLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BonusCode is a redeemable campaign code. UsageCap 0 means unlimited.
type BonusCode struct {
	ID         uuid.UUID
	Code       string
	Amount     int64
	Active     bool
	ExpiresAt  *time.Time
	UsageCap   int
	UsageCount int
}

// RedeemRef is the journal ref for a bonus credit. Stores journal the credit
// under it inside the claim transaction.
func RedeemRef(userID, codeID uuid.UUID) string {
	return fmt.Sprintf("redeem:%s:%s", userID, codeID)
}

// RedemptionStore persists bonus codes and redemption claims.
type RedemptionStore interface {
	CreateCode(ctx context.Context, c *BonusCode) error

	// GetCode returns domain.ErrNotFound for unknown codes.
	GetCode(ctx context.Context, code string) (*BonusCode, error)

	SetCodeActive(ctx context.Context, id uuid.UUID, active bool) error

	// Claim validates the code (active, not expired, under its usage cap),
	// records the (user, code) redemption, and credits the bonus — journaled
	// under RedeemRef — in a single atomic operation: a committed claim always
	// carries its credit. A duplicate pair fails with
	// domain.ErrAlreadyRedeemed; a cap overrun with domain.ErrCodeExhausted.
	// On success the code is returned with its usage counted, together with
	// the user's new balance.
	Claim(ctx context.Context, userID uuid.UUID, code string, now time.Time) (*BonusCode, int64, error)
}

// Redemptions runs the bonus-code workflow.
type Redemptions struct {
	store   RedemptionStore
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewRedemptions(store RedemptionStore, metrics *observability.Metrics) *Redemptions {
	return &Redemptions{
		store:   store,
		log:     observability.NewLogger("workflow"),
		metrics: metrics,
	}
}

// Redeem claims a code for a user. The claim is the uniqueness gate and
// carries the credit: concurrent and repeated calls fail with
// ErrAlreadyRedeemed, and a failed claim moves no money.
func (s *Redemptions) Redeem(ctx context.Context, userID uuid.UUID, code string) (bonusAmount, newBalance int64, err error) {
	if code == "" {
		return 0, 0, domain.Validationf("code", "must not be empty")
	}

	claimed, balance, err := s.store.Claim(ctx, userID, code, time.Now().UTC())
	if err != nil {
		if s.metrics != nil {
			s.metrics.Redemptions.WithLabelValues(redeemOutcome(err)).Inc()
		}
		return 0, 0, err
	}

	if s.metrics != nil {
		s.metrics.Redemptions.WithLabelValues("ok").Inc()
	}
	s.log.Info().
		Str("user_id", userID.String()).
		Str("code", claimed.Code).
		Int64("amount", claimed.Amount).
		Msg("code redeemed")

	return claimed.Amount, balance, nil
}

// CreateCode registers a new bonus code (admin operation).
func (s *Redemptions) CreateCode(ctx context.Context, code string, amount int64, usageCap int, expiresAt *time.Time) (*BonusCode, error) {
	if code == "" {
		return nil, domain.Validationf("code", "must not be empty")
	}
	if amount <= 0 {
		return nil, domain.Validationf("amount", "must be positive, got %d", amount)
	}
	if usageCap < 0 {
		return nil, domain.Validationf("usage_cap", "must not be negative, got %d", usageCap)
	}

	c := &BonusCode{
		ID:        uuid.New(),
		Code:      code,
		Amount:    amount,
		Active:    true,
		ExpiresAt: expiresAt,
		UsageCap:  usageCap,
	}
	if err := s.store.CreateCode(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeactivateCode disables further redemptions of a code.
func (s *Redemptions) DeactivateCode(ctx context.Context, id uuid.UUID) error {
	return s.store.SetCodeActive(ctx, id, false)
}

func redeemOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, domain.ErrCodeExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrNotFound):
		return "unknown_code"
	default:
		return "rejected"
	}
}
