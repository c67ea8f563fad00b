// Package ingestion connects the engine to NATS JetStream: an inbound
// price feed that keeps every market's oracle cache current, and an
// outbound publisher that streams operation events to downstream
// consumers.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// PriceStreamName holds the oracle feed.
	PriceStreamName = "PERP_POOL_PRICES"
	// PriceSubjects is the feed's subject space. The last token is the
	// oracle ID the reading belongs to.
	PriceSubjects = "perp.pool.prices.>"

	priceConsumerName = "pool-prices"
)

// ApplyPrice delivers one parsed reading to the engine. Unknown oracle
// IDs and stale timestamps are the engine's call; either way the message
// is consumed.
type ApplyPrice func(u PriceUpdate) error

// PriceSubscriber feeds oracle readings from JetStream into the engine.
type PriceSubscriber struct {
	js       jetstream.JetStream
	apply    ApplyPrice
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, apply ApplyPrice, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:    js,
		apply: apply,
		log:   log.With().Str("component", "price-subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer and starts delivery. Messages
// use explicit ACK; unparseable readings are acked so they are not
// redelivered forever.
func (s *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       priceConsumerName,
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		update, err := ParsePriceUpdate(msg.Data())
		if err != nil {
			s.log.Warn().Str("subject", msg.Subject()).Err(err).Msg("unparseable price message")
			msg.Ack()
			return
		}
		if err := s.apply(update); err != nil {
			s.log.Warn().Str("oracle", update.OracleID).Err(err).Msg("price update rejected")
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumerName, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", PriceSubjects).Msg("price feed subscribed")
	return nil
}

// Stop gracefully stops delivery.
func (s *PriceSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// EnsurePriceStream creates the price stream if it does not exist.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStreamName,
		Subjects:  []string{PriceSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
