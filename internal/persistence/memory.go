package persistence

import (
	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/trade"
	"OptionLedger/internal/workflow"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the full data set in process memory behind one mutex.
// It backs unit tests and single-node development runs; production uses
// PostgresStore. Both implement the same store interfaces, so the engine
// cannot tell them apart.
type MemoryStore struct {
	mu sync.Mutex

	balances map[uuid.UUID]int64
	journal  map[string]journalEntry
	modes    map[uuid.UUID]control.Mode

	trades    map[uuid.UUID]*trade.Trade
	transfers map[uuid.UUID]*workflow.Transfer

	codes       map[uuid.UUID]*workflow.BonusCode
	codesByName map[string]uuid.UUID
	redemptions map[redemptionKey]time.Time
}

type journalEntry struct {
	userID uuid.UUID
	amount int64
	reason string
}

type redemptionKey struct {
	userID uuid.UUID
	codeID uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[uuid.UUID]int64),
		journal:     make(map[string]journalEntry),
		modes:       make(map[uuid.UUID]control.Mode),
		trades:      make(map[uuid.UUID]*trade.Trade),
		transfers:   make(map[uuid.UUID]*workflow.Transfer),
		codes:       make(map[uuid.UUID]*workflow.BonusCode),
		codesByName: make(map[string]uuid.UUID),
		redemptions: make(map[redemptionKey]time.Time),
	}
}

// --- ledger.Store ---

func (s *MemoryStore) ApplyDelta(_ context.Context, userID uuid.UUID, delta int64, ref, reason string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyDeltaLocked(userID, delta, ref, reason)
}

// applyDeltaLocked is the one implementation of a journaled balance change.
// Callers hold s.mu, so a state transition done next to it (settlement,
// transfer decision, redemption claim) commits atomically with the delta.
func (s *MemoryStore) applyDeltaLocked(userID uuid.UUID, delta int64, ref, reason string) (int64, bool, error) {
	if _, ok := s.journal[ref]; ok {
		return s.balances[userID], false, nil
	}

	next := s.balances[userID] + delta
	if next < 0 {
		return s.balances[userID], false, domain.ErrInsufficientFunds
	}

	s.balances[userID] = next
	s.journal[ref] = journalEntry{userID: userID, amount: delta, reason: reason}
	return next, true, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// --- control.Store ---

func (s *MemoryStore) Mode(_ context.Context, userID uuid.UUID) (control.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.modes[userID]; ok {
		return m, nil
	}
	return control.ModeNormal, nil
}

func (s *MemoryStore) SetMode(_ context.Context, userID uuid.UUID, mode control.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[userID] = mode
	return nil
}

// --- trade.Repository ---

func (s *MemoryStore) Create(_ context.Context, t *trade.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = cloneTrade(t)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*trade.Trade
	for _, t := range s.trades {
		if t.Status == trade.StatusPending && !t.DueAt.After(now) {
			due = append(due, cloneTrade(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*trade.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*trade.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, cloneTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Settle commits the outcome and the balance delta under one lock hold, so
// the recorded result and the money can never disagree. An uncoverable loss
// leaves both the trade and the balance untouched.
func (s *MemoryStore) Settle(_ context.Context, id uuid.UUID, result trade.Result, profitAmount, exitPrice int64, settledAt time.Time, ref string) (*trade.Trade, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	if t.Status == trade.StatusSettled {
		return cloneTrade(t), 0, domain.ErrAlreadySettled
	}

	balance, _, err := s.applyDeltaLocked(t.UserID, profitAmount, ref, "settlement")
	if err != nil {
		return nil, 0, err
	}

	t.Status = trade.StatusSettled
	t.Result = &result
	t.ProfitAmount = &profitAmount
	t.ExitPrice = &exitPrice
	t.SettledAt = &settledAt
	return cloneTrade(t), balance, nil
}

// --- workflow.TransferStore ---

func (s *MemoryStore) CreateTransfer(_ context.Context, t *workflow.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = cloneTransfer(t)
	return nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id uuid.UUID) (*workflow.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTransfer(t), nil
}

func (s *MemoryStore) ListTransfersByUser(_ context.Context, userID uuid.UUID, limit int) ([]*workflow.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*workflow.Transfer
	for _, t := range s.transfers {
		if t.UserID == userID {
			out = append(out, cloneTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PendingWithdrawalTotal(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, t := range s.transfers {
		if t.UserID == userID && t.Kind == workflow.KindWithdrawal && t.Status == workflow.TransferPending {
			total += t.Amount
		}
	}
	return total, nil
}

// Decide commits the status transition and, when the decision moves money,
// the journaled delta under one lock hold. Only the decision that wins the
// pending -> decided flip moves funds.
func (s *MemoryStore) Decide(_ context.Context, id uuid.UUID, status workflow.TransferStatus, decidedAt time.Time, delta int64, ref, reason string) (*workflow.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status != workflow.TransferPending {
		return cloneTransfer(t), domain.Validationf("status", "transfer %s already %s", id, t.Status)
	}

	if delta != 0 {
		if _, _, err := s.applyDeltaLocked(t.UserID, delta, ref, reason); err != nil {
			// The transfer stays pending for a retry or a reject.
			return nil, err
		}
	}

	t.Status = status
	t.DecidedAt = &decidedAt
	return cloneTransfer(t), nil
}

// --- workflow.RedemptionStore ---

func (s *MemoryStore) CreateCode(_ context.Context, c *workflow.BonusCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codesByName[c.Code]; ok {
		return domain.Validationf("code", "code %q already exists", c.Code)
	}
	s.codes[c.ID] = cloneCode(c)
	s.codesByName[c.Code] = c.ID
	return nil
}

func (s *MemoryStore) GetCode(_ context.Context, code string) (*workflow.BonusCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codesByName[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCode(s.codes[id]), nil
}

func (s *MemoryStore) SetCodeActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Active = active
	return nil
}

// Claim records the (user, code) pair, counts the usage, and credits the
// bonus under one lock hold: a recorded claim always carries its credit.
func (s *MemoryStore) Claim(_ context.Context, userID uuid.UUID, code string, now time.Time) (*workflow.BonusCode, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codesByName[code]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	c := s.codes[id]

	if !c.Active {
		return nil, 0, domain.Validationf("code", "code %q is not active", code)
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return nil, 0, domain.Validationf("code", "code %q expired at %s", code, c.ExpiresAt.Format(time.RFC3339))
	}

	key := redemptionKey{userID: userID, codeID: c.ID}
	if _, ok := s.redemptions[key]; ok {
		return nil, 0, domain.ErrAlreadyRedeemed
	}
	if c.UsageCap > 0 && c.UsageCount >= c.UsageCap {
		return nil, 0, domain.ErrCodeExhausted
	}

	balance, _, err := s.applyDeltaLocked(userID, c.Amount, workflow.RedeemRef(userID, c.ID), "redemption")
	if err != nil {
		return nil, 0, err
	}

	s.redemptions[key] = now
	c.UsageCount++
	return cloneCode(c), balance, nil
}

func cloneTrade(t *trade.Trade) *trade.Trade {
	cp := *t
	if t.ExitPrice != nil {
		v := *t.ExitPrice
		cp.ExitPrice = &v
	}
	if t.Result != nil {
		v := *t.Result
		cp.Result = &v
	}
	if t.ProfitAmount != nil {
		v := *t.ProfitAmount
		cp.ProfitAmount = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		cp.SettledAt = &v
	}
	return &cp
}

func cloneTransfer(t *workflow.Transfer) *workflow.Transfer {
	cp := *t
	if t.DecidedAt != nil {
		v := *t.DecidedAt
		cp.DecidedAt = &v
	}
	return &cp
}

func cloneCode(c *workflow.BonusCode) *workflow.BonusCode {
	cp := *c
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		cp.ExpiresAt = &v
	}
	return &cp
}
