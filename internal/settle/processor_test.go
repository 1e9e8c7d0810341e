package settle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OptionLedger/internal/control"
	"OptionLedger/internal/domain"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/marketdata"
	"OptionLedger/internal/notify"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/settle"
	"OptionLedger/internal/trade"

	"github.com/google/uuid"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.SettlementEvent
}

func (p *capturePublisher) PublishSettlement(_ context.Context, evt notify.SettlementEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePublisher) all() []notify.SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.SettlementEvent(nil), p.events...)
}

type fixture struct {
	store     *persistence.MemoryStore
	ledger    *ledger.Ledger
	feed      *marketdata.Feed
	publisher *capturePublisher
	processor *settle.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	l := ledger.New(store, nil)
	feed := marketdata.NewFeed(0, nil)
	pub := &capturePublisher{}
	proc := settle.NewProcessor(store, control.NewRegistry(store), feed, pub, nil)
	return &fixture{store: store, ledger: l, feed: feed, publisher: pub, processor: proc}
}

func (f *fixture) fundedTrade(t *testing.T, balance, amount, durationSeconds, entry int64, dir trade.Direction) (*trade.Trade, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	user := uuid.New()
	if balance > 0 {
		if _, err := f.ledger.Credit(ctx, user, balance, "fund:"+user.String(), "test"); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	tr := trade.New(user, "BTCUSD", dir, amount, durationSeconds, entry, time.Now().UTC().Add(-2*time.Minute))
	if err := f.store.Create(ctx, tr); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return tr, user
}

func (f *fixture) tick(price int64) {
	f.feed.Record(marketdata.Tick{Symbol: "BTCUSD", Price: price, Timestamp: time.Now().UTC()})
}

func TestSettleWinOnLivePrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 5000 staked for 60s at the 15% tier.
	tr, user := f.fundedTrade(t, 5000, 5000, 60, 50_000_00, trade.DirectionUp)
	f.tick(50_100_00)

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if *settled.Result != trade.ResultWin || *settled.ProfitAmount != 750 {
		t.Errorf("result=%v profit=%d, want win +750", *settled.Result, *settled.ProfitAmount)
	}
	if *settled.ExitPrice != 50_100_00 {
		t.Errorf("exit price = %d, want live tick", *settled.ExitPrice)
	}

	if b, _ := f.ledger.Balance(ctx, user); b != 5750 {
		t.Errorf("balance = %d, want 5750", b)
	}

	events := f.publisher.all()
	if len(events) != 1 || events[0].Result != "win" || events[0].NewBalance != 5750 {
		t.Errorf("published events = %+v, want one win at 5750", events)
	}
}

func TestSettleLossIsRateNotStake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, user := f.fundedTrade(t, 5000, 5000, 60, 50_000_00, trade.DirectionUp)
	f.tick(49_900_00) // price moved down: up-trade loses

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if *settled.Result != trade.ResultLose || *settled.ProfitAmount != -750 {
		t.Errorf("result=%v profit=%d, want lose -750", *settled.Result, *settled.ProfitAmount)
	}

	// The loss is the rate cut, never the full stake.
	if b, _ := f.ledger.Balance(ctx, user); b != 4250 {
		t.Errorf("balance = %d, want 4250", b)
	}
}

func TestSettleForceLoseOverridesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, user := f.fundedTrade(t, 1000, 1000, 30, 50_000_00, trade.DirectionUp)
	f.tick(51_000_00) // market says win

	if err := f.store.SetMode(ctx, user, control.ModeForceLose); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if *settled.Result != trade.ResultLose || *settled.ProfitAmount != -100 {
		t.Errorf("result=%v profit=%d, want forced lose -100", *settled.Result, *settled.ProfitAmount)
	}
}

func TestSettleForceWinOverridesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, user := f.fundedTrade(t, 1000, 1000, 30, 50_000_00, trade.DirectionUp)
	f.tick(49_000_00) // market says lose

	if err := f.store.SetMode(ctx, user, control.ModeForceWin); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if *settled.Result != trade.ResultWin || *settled.ProfitAmount != 100 {
		t.Errorf("result=%v profit=%d, want forced win +100", *settled.Result, *settled.ProfitAmount)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, user := f.fundedTrade(t, 5000, 5000, 60, 50_000_00, trade.DirectionUp)
	f.tick(50_100_00)

	if _, err := f.processor.Settle(ctx, tr.ID); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	again, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if *again.ProfitAmount != 750 {
		t.Errorf("stored profit changed: %d", *again.ProfitAmount)
	}

	// One delta, not two.
	if b, _ := f.ledger.Balance(ctx, user); b != 5750 {
		t.Errorf("balance = %d, want 5750", b)
	}
	if n := len(f.publisher.all()); n != 1 {
		t.Errorf("published %d events, want 1", n)
	}
}

func TestResettleAfterModeFlipKeepsOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tr, user := f.fundedTrade(t, 5000, 5000, 60, 50_000_00, trade.DirectionUp)
	f.tick(50_100_00)

	first, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if *first.Result != trade.ResultWin || *first.ProfitAmount != 750 {
		t.Fatalf("result=%v profit=%d, want win +750", *first.Result, *first.ProfitAmount)
	}

	// The mode flips after the outcome committed. A retry (sweep, timer,
	// admin) must not resolve again: the stored outcome and the money it
	// moved stay in agreement.
	if err := f.store.SetMode(ctx, user, control.ModeForceLose); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	again, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if *again.Result != trade.ResultWin || *again.ProfitAmount != 750 {
		t.Errorf("retry changed outcome: result=%v profit=%d", *again.Result, *again.ProfitAmount)
	}
	if b, _ := f.ledger.Balance(ctx, user); b != 5750 {
		t.Errorf("balance = %d, want 5750 matching the recorded win", b)
	}
	if n := len(f.publisher.all()); n != 1 {
		t.Errorf("published %d events, want 1", n)
	}
}

func TestSettledOutcomeMatchesBalanceDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Force-lose with a live winning tick: the recorded loss and the debit
	// commit together, so the final balance must reflect exactly the stored
	// profit amount.
	tr, user := f.fundedTrade(t, 5000, 5000, 60, 50_000_00, trade.DirectionUp)
	f.tick(50_100_00)
	if err := f.store.SetMode(ctx, user, control.ModeForceLose); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	b, _ := f.ledger.Balance(ctx, user)
	if got := b - 5000; got != *settled.ProfitAmount {
		t.Errorf("balance delta %d != recorded profit %d", got, *settled.ProfitAmount)
	}
}

func TestSettleFallsBackToSyntheticPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// No tick recorded: the feed has nothing live for the symbol.
	tr, _ := f.fundedTrade(t, 1000, 1000, 30, 50_000_00, trade.DirectionUp)

	settled, err := f.processor.Settle(ctx, tr.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != trade.StatusSettled {
		t.Fatalf("status = %q, want settled", settled.Status)
	}
	if *settled.ExitPrice == 50_000_00 {
		t.Error("synthetic exit price must never be flat")
	}
}

func TestSettleUncoverableLossStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Balance drained below the worst-case loss after creation.
	tr, user := f.fundedTrade(t, 100, 5000, 60, 50_000_00, trade.DirectionUp)
	if err := f.store.SetMode(ctx, user, control.ModeForceLose); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	f.tick(50_100_00)

	_, err := f.processor.Settle(ctx, tr.ID)
	if !errors.Is(err, domain.ErrReconciliation) {
		t.Fatalf("err = %v, want ErrReconciliation", err)
	}

	got, err := f.store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != trade.StatusPending {
		t.Errorf("status = %q, want pending for retry", got.Status)
	}
	if b, _ := f.ledger.Balance(ctx, user); b != 100 {
		t.Errorf("balance = %d, want untouched 100", b)
	}
}
