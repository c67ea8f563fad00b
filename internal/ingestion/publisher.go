package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpPool/internal/event"
)

const (
	// OutboundStreamName holds every recorded operation event.
	OutboundStreamName = "PERP_POOL_EVENTS"
	// OutboundSubjectPrefix is completed with the event type token and
	// the market index ("pool" for pool-level events).
	OutboundSubjectPrefix = "perp.pool.events"
)

// OutboundPublisher drains recorded operation envelopes onto JetStream.
// Publishing is best effort: a failed publish is logged and skipped, the
// operation log in Postgres remains the source of truth.
type OutboundPublisher struct {
	js    jetstream.JetStream
	input <-chan event.Envelope
	log   zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan event.Envelope, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:    js,
		input: input,
		log:   log.With().Str("component", "publisher").Logger(),
	}
}

// Run loops until the context is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.input:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				op.log.Warn().Int64("sequence", env.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	scope := "pool"
	if env.MarketIndex != event.PoolScope {
		scope = fmt.Sprintf("%d", env.MarketIndex)
	}
	subject := fmt.Sprintf("%s.%s.%s", OutboundSubjectPrefix, env.Type, scope)

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStreamName,
		Subjects:  []string{OutboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", OutboundStreamName, err)
	}
	return nil
}
