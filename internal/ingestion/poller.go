package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"PerpPool/internal/external"
)

// OraclePoller drives the engine's price sink from in-process oracles
// instead of the JetStream feed. Deployments without a price stream
// register one oracle per oracle ID; every tick forwards the current
// reading together with the oracle's closed and terminated flags, so
// the engine sees the same lifecycle signals either way.
type OraclePoller struct {
	oracles map[string]external.Oracle
	apply   ApplyPrice
	log     zerolog.Logger
}

func NewOraclePoller(oracles map[string]external.Oracle, apply ApplyPrice, log zerolog.Logger) *OraclePoller {
	return &OraclePoller{
		oracles: oracles,
		apply:   apply,
		log:     log.With().Str("component", "oracle-poller").Logger(),
	}
}

// Run polls at the given cadence until the context is cancelled.
func (p *OraclePoller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// PollOnce reads every registered oracle and forwards one PriceUpdate
// per oracle. A closed oracle forwards only the halt flag; a reading
// error skips the oracle until the next tick.
func (p *OraclePoller) PollOnce() {
	for id, o := range p.oracles {
		if o.IsMarketClosed() {
			if err := p.apply(PriceUpdate{OracleID: id, Closed: true}); err != nil {
				p.log.Warn().Str("oracle", id).Err(err).Msg("closed reading rejected")
			}
			continue
		}

		index, indexTime, err := o.IndexPrice()
		if err != nil {
			p.log.Warn().Str("oracle", id).Err(err).Msg("index price unavailable")
			continue
		}
		mark, markTime, err := o.MarkPrice()
		if err != nil {
			p.log.Warn().Str("oracle", id).Err(err).Msg("mark price unavailable")
			continue
		}
		ts := indexTime
		if markTime > ts {
			ts = markTime
		}

		u := PriceUpdate{
			OracleID:   id,
			IndexPrice: index,
			MarkPrice:  mark,
			Timestamp:  ts,
			Terminated: o.IsTerminated(),
		}
		if err := p.apply(u); err != nil {
			p.log.Warn().Str("oracle", id).Err(err).Msg("price update rejected")
		}
	}
}
