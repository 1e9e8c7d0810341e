package settle

import (
	"context"
	"sync"
	"time"

	"OptionLedger/internal/observability"
	"OptionLedger/internal/trade"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler drives settlement at the right time through two overlapping
// mechanisms: an in-process timer armed per trade, and a periodic sweep over
// the trades table that picks up whatever the timers missed (crashes,
// restarts, clock skew). Settlement is idempotent, so both firing for the
// same trade is harmless.
type Scheduler struct {
	trades    trade.Repository
	processor *Processor

	sweepInterval time.Duration
	sweepBatch    int

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}

	log     zerolog.Logger
	metrics *observability.Metrics
}

const (
	DefaultSweepInterval = 10 * time.Second
	defaultSweepBatch    = 500
)

func NewScheduler(trades trade.Repository, processor *Processor, sweepInterval time.Duration, metrics *observability.Metrics) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		trades:        trades,
		processor:     processor,
		sweepInterval: sweepInterval,
		sweepBatch:    defaultSweepBatch,
		timers:        make(map[uuid.UUID]*time.Timer),
		log:           observability.NewLogger("scheduler"),
		metrics:       metrics,
	}
}

// Start runs the recovery sweep, then launches the periodic sweep loop.
// The recovery sweep settles every trade that came due while the process
// was down, so Start must complete before the node reports ready.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.sweep(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		if s.metrics != nil {
			s.metrics.SettleSweepRecovered.Add(float64(recovered))
		}
		s.log.Info().Int("trades", recovered).Msg("recovered overdue trades on start")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.sweepLoop(loopCtx)
	return nil
}

// Stop cancels all timers and the sweep loop. In-flight settlements finish;
// anything unsettled is picked up by the next start's recovery sweep.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Arm schedules a one-shot settlement timer for a trade. DueAt in the past
// fires immediately.
func (s *Scheduler) Arm(t *trade.Trade) {
	id := t.ID
	delay := time.Until(t.DueAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; ok {
		return
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.settleOne(context.Background(), id)
	})
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				if s.metrics != nil {
					s.metrics.SettleSweepRecovered.Add(float64(n))
				}
				s.log.Warn().Int("trades", n).Msg("sweep settled trades the timers missed")
			}
		}
	}
}

// sweep settles every due pending trade, batch by batch, and returns how
// many settled. A trade that fails to settle is skipped and retried on the
// next sweep.
func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	settled := 0
	for {
		due, err := s.trades.ListDue(ctx, time.Now().UTC(), s.sweepBatch)
		if err != nil {
			return settled, err
		}
		if len(due) == 0 {
			return settled, nil
		}

		progressed := 0
		for _, t := range due {
			if s.settleOne(ctx, t.ID) {
				settled++
				progressed++
			}
		}
		if progressed == 0 {
			// Every due trade failed; bail out rather than spin on them.
			return settled, nil
		}
		if len(due) < s.sweepBatch {
			return settled, nil
		}
	}
}

func (s *Scheduler) settleOne(ctx context.Context, id uuid.UUID) bool {
	if _, err := s.processor.Settle(ctx, id); err != nil {
		s.log.Error().Err(err).Str("trade_id", id.String()).Msg("settlement failed")
		return false
	}
	return true
}
