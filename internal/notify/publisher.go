package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"OptionLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	settlementStream        = "OPTLEDGER_SETTLEMENTS"
	settlementSubjectPrefix = "optledger.settlements"
)

// SettlementEvent is published after a trade settles and its balance delta
// is committed. Downstream consumers (notification service, user websocket
// fanout) read these instead of polling the trades table.
type SettlementEvent struct {
	TradeID      string    `json:"trade_id"`
	UserID       string    `json:"user_id"`
	Symbol       string    `json:"symbol"`
	Result       string    `json:"result"`
	ProfitAmount int64     `json:"profit_amount"`
	NewBalance   int64     `json:"new_balance"`
	SettledAt    time.Time `json:"settled_at"`
}

// Publisher pushes settlement events to NATS JetStream. Publishing is best
// effort: a failed publish is logged and counted, never blocks settlement,
// and consumers can reconcile from the trades table.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		log:     observability.NewLogger("notify"),
		metrics: metrics,
	}
}

// EnsureStream creates the settlements stream if it does not exist.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      settlementStream,
		Subjects:  []string{settlementSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", settlementStream, err)
	}
	return nil
}

// PublishSettlement publishes one settlement event.
// Subject pattern: optledger.settlements.{result}.{user_id}
func (p *Publisher) PublishSettlement(ctx context.Context, evt SettlementEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.drop(evt, err)
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", settlementSubjectPrefix, evt.Result, evt.UserID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.drop(evt, err)
		return
	}

	if p.metrics != nil {
		p.metrics.NotifyPublished.WithLabelValues(evt.Result).Inc()
	}
}

func (p *Publisher) drop(evt SettlementEvent, err error) {
	if p.metrics != nil {
		p.metrics.NotifyDropped.Inc()
	}
	p.log.Warn().Err(err).Str("trade_id", evt.TradeID).Msg("settlement publish failed")
}
