package workflow

import (
	"OptionLedger/internal/domain"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransferKind distinguishes the two request/approval workflows. They share
// one state machine; only the direction of the ledger delta differs.
type TransferKind string

const (
	KindWithdrawal TransferKind = "withdrawal"
	KindDeposit    TransferKind = "deposit"
)

// TransferStatus is the workflow state. approved and rejected are terminal.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApproved TransferStatus = "approved"
	TransferRejected TransferStatus = "rejected"
)

// Decision is an administrative verdict on a pending transfer.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionReject:
		return Decision(s), nil
	}
	return "", domain.Validationf("decision", "must be %q or %q, got %q", DecisionApprove, DecisionReject, s)
}

// Transfer is one withdrawal or deposit request. Requesting never moves
// funds; the balance changes only on the approve transition.
type Transfer struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Kind        TransferKind
	Amount      int64
	Status      TransferStatus
	RequestedAt time.Time
	DecidedAt   *time.Time
}

// TransferStore persists transfer requests.
type TransferStore interface {
	CreateTransfer(ctx context.Context, t *Transfer) error

	// GetTransfer returns domain.ErrNotFound for unknown ids.
	GetTransfer(ctx context.Context, id uuid.UUID) (*Transfer, error)

	// ListTransfersByUser returns a user's transfers, newest first.
	ListTransfersByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Transfer, error)

	// PendingWithdrawalTotal sums the amounts of a user's pending withdrawals.
	PendingWithdrawalTotal(ctx context.Context, userID uuid.UUID) (int64, error)

	// Decide transitions pending -> status and, when delta is non-zero,
	// applies the journaled balance delta in the same atomic operation: only
	// the decision that wins the conditional flip moves money. A transfer
	// that is no longer pending is returned unchanged together with a
	// ValidationError; a delta the balance cannot cover fails with
	// domain.ErrInsufficientFunds and the transfer stays pending.
	Decide(ctx context.Context, id uuid.UUID, status TransferStatus, decidedAt time.Time, delta int64, ref, reason string) (*Transfer, error)
}

// Transfers runs the withdrawal and deposit workflows.
type Transfers struct {
	store   TransferStore
	ledger  *ledger.Ledger
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewTransfers(store TransferStore, l *ledger.Ledger, metrics *observability.Metrics) *Transfers {
	return &Transfers{
		store:   store,
		ledger:  l,
		log:     observability.NewLogger("workflow"),
		metrics: metrics,
	}
}

// Request records a withdrawal or deposit request. No balance effect: funds
// move only on an administrative approve, so a later reject costs the user
// nothing. Withdrawals are additionally guarded against over-commitment:
// the sum of pending withdrawals plus the new amount may not exceed the
// current balance.
func (s *Transfers) Request(ctx context.Context, userID uuid.UUID, kind TransferKind, amount int64) (*Transfer, error) {
	if kind != KindWithdrawal && kind != KindDeposit {
		return nil, domain.Validationf("kind", "unknown transfer kind %q", kind)
	}
	if amount <= 0 {
		return nil, domain.Validationf("amount", "must be positive, got %d", amount)
	}

	if kind == KindWithdrawal {
		pending, err := s.store.PendingWithdrawalTotal(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("pending withdrawal total: %w", err)
		}
		balance, err := s.ledger.Balance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("balance: %w", err)
		}
		if pending+amount > balance {
			return nil, domain.ErrInsufficientFunds
		}
	}

	t := &Transfer{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Status:      TransferPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("create %s: %w", kind, err)
	}

	if s.metrics != nil {
		s.metrics.TransfersRequested.WithLabelValues(string(kind)).Inc()
	}
	s.log.Info().
		Str("transfer_id", t.ID.String()).
		Str("user_id", userID.String()).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Msg("transfer requested")

	return t, nil
}

// Decide applies an administrative decision to a pending transfer. The store
// commits the status flip and the balance delta atomically, and only the
// decision that wins the flip moves money: a reject racing an approve leaves
// the balance untouched, and a crashed decision retried by the admin cannot
// move funds twice. An approved withdrawal that cannot be covered fails with
// ErrInsufficientFunds and the transfer stays pending for a later retry or
// reject.
func (s *Transfers) Decide(ctx context.Context, id uuid.UUID, decision Decision) (*Transfer, error) {
	t, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != TransferPending {
		return t, domain.Validationf("status", "transfer %s already %s", id, t.Status)
	}

	status := TransferRejected
	var delta int64
	if decision == DecisionApprove {
		status = TransferApproved
		switch t.Kind {
		case KindWithdrawal:
			delta = -t.Amount
		case KindDeposit:
			delta = t.Amount
		}
	}

	ref := fmt.Sprintf("%s:%s", t.Kind, t.ID)
	decided, err := s.store.Decide(ctx, id, status, time.Now().UTC(), delta, ref, string(t.Kind))
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.log.Warn().
				Str("transfer_id", id.String()).
				Int64("amount", t.Amount).
				Msg("withdrawal approval rejected by ledger, stays pending")
		}
		return decided, err
	}

	if s.metrics != nil {
		s.metrics.TransfersDecided.WithLabelValues(string(t.Kind), string(decision)).Inc()
	}
	s.log.Info().
		Str("transfer_id", id.String()).
		Str("kind", string(t.Kind)).
		Str("decision", string(decision)).
		Msg("transfer decided")

	return decided, nil
}

// Get returns one transfer.
func (s *Transfers) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return s.store.GetTransfer(ctx, id)
}

// ListByUser returns a user's transfer history.
func (s *Transfers) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Transfer, error) {
	return s.store.ListTransfersByUser(ctx, userID, limit)
}
