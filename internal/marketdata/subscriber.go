package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"OptionLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	priceStream   = "OPTLEDGER_PRICES"
	priceSubject  = "optledger.prices.>"
	priceConsumer = "optledger-prices"
)

// Subscriber consumes price ticks from NATS JetStream and records them in
// the feed. The subject carries one JSON Tick per message.
type Subscriber struct {
	js       jetstream.JetStream
	feed     *Feed
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, feed *Feed) *Subscriber {
	return &Subscriber{
		js:   js,
		feed: feed,
		log:  observability.NewLogger("marketdata"),
	}
}

// Start ensures the price stream exists and begins consuming ticks.
// Malformed ticks are acked and dropped; redelivering them cannot help.
func (s *Subscriber) Start(ctx context.Context) error {
	if _, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      priceStream,
		Subjects:  []string{priceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	}); err != nil {
		return fmt.Errorf("create stream %s: %w", priceStream, err)
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, priceStream, jetstream.ConsumerConfig{
		Durable:       priceConsumer,
		FilterSubject: priceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var t Tick
		if err := json.Unmarshal(msg.Data(), &t); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed tick")
			msg.Ack()
			return
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now().UTC()
		}
		s.feed.Record(t)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumer, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", priceSubject).Msg("price subscriber started")
	return nil
}

// Stop drains the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// Connect establishes a NATS connection and returns a JetStream context.
// Reconnects forever; settlement tolerates gaps via the synthetic fallback.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
