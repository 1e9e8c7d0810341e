package ledger

import (
	"OptionLedger/internal/domain"
	"OptionLedger/internal/observability"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the durable backing for account balances. Implementations must
// commit the journal row and the balance change in a single transaction and
// must never let a balance go negative.
type Store interface {
	// ApplyDelta applies a signed delta to a user's balance exactly once per
	// ref. When the ref was already recorded the call is a no-op and applied
	// is false; the current balance is returned either way.
	// A delta that would drive the balance negative returns
	// domain.ErrInsufficientFunds without mutating anything.
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int64, ref, reason string) (balance int64, applied bool, err error)

	// Balance returns the current balance (0 for unknown users).
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Ledger is the mutation path for standalone balance changes — admin
// adjustments and anything else not tied to another state transition.
// Settlement, transfer decisions, and redemption claims journal their deltas
// through the same store inside their own transactions, so every balance
// change in the system shares one journal and one idempotency rule: at most
// one application per ref. Mutations here are additionally serialized per
// user; different users proceed in parallel.
type Ledger struct {
	store   Store
	seen    *RefCache // tier-1 dedup in front of the store's journal
	log     zerolog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(store Store, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		seen:    NewRefCache(defaultRefCacheCapacity),
		log:     observability.NewLogger("ledger"),
		metrics: metrics,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

const defaultRefCacheCapacity = 100_000

// lockFor returns the mutex serializing mutations for one user. Locks are
// never released from the map; the map is bounded by the user population.
func (l *Ledger) lockFor(userID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// Credit increases a user's balance. Always succeeds for a positive amount.
// Duplicate refs are absorbed as no-ops returning the current balance.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int64, ref, reason string) (int64, error) {
	if amount <= 0 {
		return 0, domain.Validationf("amount", "credit must be positive, got %d", amount)
	}
	return l.apply(ctx, userID, amount, ref, reason)
}

// Debit decreases a user's balance. Fails with domain.ErrInsufficientFunds
// (no mutation) when balance < amount.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, amount int64, ref, reason string) (int64, error) {
	if amount <= 0 {
		return 0, domain.Validationf("amount", "debit must be positive, got %d", amount)
	}
	return l.apply(ctx, userID, -amount, ref, reason)
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return l.store.Balance(ctx, userID)
}

func (l *Ledger) apply(ctx context.Context, userID uuid.UUID, delta int64, ref, reason string) (int64, error) {
	if ref == "" {
		return 0, domain.Validationf("ref", "mutation ref must not be empty")
	}

	lock := l.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	// Tier-1: recently applied refs short-circuit without a store round trip.
	if l.seen.Contains(ref) {
		if l.metrics != nil {
			l.metrics.LedgerDuplicates.Inc()
		}
		return l.store.Balance(ctx, userID)
	}

	balance, applied, err := l.store.ApplyDelta(ctx, userID, delta, ref, reason)
	if err != nil {
		return 0, fmt.Errorf("ledger apply %s: %w", ref, err)
	}

	l.seen.Add(ref)

	if !applied {
		// Tier-2 caught it: the ref was journaled by an earlier process life.
		if l.metrics != nil {
			l.metrics.LedgerDuplicates.Inc()
		}
		return balance, nil
	}

	if l.metrics != nil {
		l.metrics.LedgerMutations.WithLabelValues(reason).Inc()
	}
	l.log.Debug().
		Str("user_id", userID.String()).
		Int64("delta", delta).
		Str("ref", ref).
		Str("reason", reason).
		Int64("balance", balance).
		Msg("balance mutated")

	return balance, nil
}
