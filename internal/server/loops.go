package server

import (
	"context"
	"fmt"
	"time"

	"PerpPool/internal/errs"
	"PerpPool/internal/event"
	"PerpPool/internal/ingestion"
	"PerpPool/internal/market"
	"PerpPool/internal/persistence"
	"PerpPool/internal/projection"
)

// ApplyPrice is the price subscriber's sink. Readings route to the
// market whose oracle ID matches; stale readings are counted and
// dropped without recording an event. A closed oracle suspends the
// whole reading; a terminated oracle settles its NORMAL market at the
// current mark price.
func (s *Server) ApplyPrice(u ingestion.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m *market.Market
	for _, cand := range s.pool.Markets {
		if cand.OracleID == u.OracleID {
			m = cand
			break
		}
	}
	if m == nil {
		return fmt.Errorf("%w: no market for oracle %q", errs.ErrValidation, u.OracleID)
	}

	if u.Closed {
		s.metrics.OracleClosed.WithLabelValues(m.Symbol).Inc()
		return nil
	}

	before, _ := m.PriceCache()
	m.SetIndexPrice(u.IndexPrice, u.Timestamp)
	m.SetMarkPrice(u.MarkPrice, u.Timestamp)
	after, _ := m.PriceCache()

	if after.Timestamp == before.Timestamp {
		s.metrics.PriceStaleSkipped.WithLabelValues(m.Symbol).Inc()
	} else {
		s.rec.Record(m.Index, time.Now(), event.PriceUpdated{
			MarketIndex: m.Index,
			Symbol:      m.Symbol,
			IndexPrice:  u.IndexPrice,
			MarkPrice:   u.MarkPrice,
			Timestamp:   u.Timestamp,
		})
		s.metrics.PriceUpdates.WithLabelValues(m.Symbol).Inc()
		s.metrics.IndexPrice.WithLabelValues(m.Symbol).Set(gaugeValue(u.IndexPrice))
		s.metrics.MarkPrice.WithLabelValues(m.Symbol).Set(gaugeValue(u.MarkPrice))
	}

	if u.Terminated && m.State == market.Normal {
		from := m.State.String()
		settlement := m.MarkPrice()
		if err := s.pool.SetEmergencyState(m.Index, settlement, u.Timestamp); err != nil {
			return err
		}
		s.rec.Record(m.Index, time.Now(), event.MarketStateChanged{
			MarketIndex:     m.Index,
			From:            from,
			To:              m.State.String(),
			SettlementPrice: &settlement,
		})
		s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
		s.updatePoolGauges()
		s.log.Warn().Int("market", m.Index).Str("oracle", u.OracleID).Str("settlement", settlement.String()).Msg("oracle terminated, market frozen")
	}
	return nil
}

// RunFundingSync accrues funding on every NORMAL market at the given
// cadence. Blocks until the context is cancelled.
func (s *Server) RunFundingSync(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.syncFunding(now)
		}
	}
}

func (s *Server) syncFunding(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var normal []*market.Market
	for _, m := range s.pool.Markets {
		if m.State != market.Normal {
			continue
		}
		if err := m.UpdateFundingState(now.Unix()); err != nil {
			s.log.Error().Int("market", m.Index).Err(err).Msg("funding state update failed")
			continue
		}
		normal = append(normal, m)
	}
	if len(normal) == 0 {
		return
	}

	poolMargin, err := s.pool.PoolMargin()
	if err != nil {
		s.log.Error().Err(err).Msg("pool margin for funding rate failed")
		return
	}

	for _, m := range normal {
		if err := m.UpdateFundingRate(poolMargin); err != nil {
			s.log.Error().Int("market", m.Index).Err(err).Msg("funding rate update failed")
			continue
		}
		s.rec.Record(m.Index, now, event.FundingUpdated{
			MarketIndex:             m.Index,
			FundingRate:             m.Funding.FundingRate,
			UnitAccumulativeFunding: m.Funding.UnitAccumulativeFunding,
			LongFunding:             m.Funding.UnitAccumulativeLongFunding,
			ShortFunding:            m.Funding.UnitAccumulativeShortFunding,
			Timestamp:               now.Unix(),
		})
		s.funding.AddEntry(projection.FundingEntry{
			MarketIndex:             m.Index,
			FundingRate:             m.Funding.FundingRate,
			UnitAccumulativeFunding: m.Funding.UnitAccumulativeFunding,
			Timestamp:               now.Unix(),
		})
		s.metrics.FundingRate.WithLabelValues(m.Symbol).Set(gaugeValue(m.Funding.FundingRate))
	}
}

// RunSnapshots saves a snapshot at the given cadence. Blocks until the
// context is cancelled.
func (s *Server) RunSnapshots(ctx context.Context, interval time.Duration, mgr *persistence.SnapshotManager) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Snapshot(ctx, mgr); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// Snapshot captures and saves the pool's dynamic state at the current
// sequence. Capture happens under the engine mutex; the Postgres write
// does not.
func (s *Server) Snapshot(ctx context.Context, mgr *persistence.SnapshotManager) error {
	start := time.Now()

	s.mu.Lock()
	snap := persistence.Capture(s.pool, s.rec.Sequence(), start)
	s.mu.Unlock()

	size, err := mgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}

	s.metrics.SnapshotTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotSizeBytes.Set(float64(size))
	s.log.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
