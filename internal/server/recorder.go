package server

import (
	"time"

	"github.com/rs/zerolog"

	"PerpPool/internal/event"
	"PerpPool/internal/observability"
)

// Recorder assigns operation sequences and fans recorded envelopes out
// to the persistence worker and the outbound publisher. Callers are
// already serialized under the engine mutex, so the counter needs no
// synchronization of its own.
//
// The persist send BLOCKS: an operation is not acknowledged faster
// than its audit record can be queued. The publish send never blocks;
// a full publish channel drops the event and counts it, downstream
// consumers can always recover from the operation log.
type Recorder struct {
	seq     int64
	persist chan<- event.Envelope
	publish chan<- event.Envelope
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewRecorder starts the sequence after the highest value already in
// the operation log.
func NewRecorder(start int64, persist, publish chan<- event.Envelope, metrics *observability.Metrics, log zerolog.Logger) *Recorder {
	return &Recorder{
		seq:     start,
		persist: persist,
		publish: publish,
		metrics: metrics,
		log:     log.With().Str("component", "recorder").Logger(),
	}
}

// Sequence returns the last assigned sequence.
func (r *Recorder) Sequence() int64 { return r.seq }

// Record wraps the payload in an envelope and hands it to both sinks.
func (r *Recorder) Record(marketIndex int, now time.Time, p event.Payload) {
	r.seq++
	env, err := event.Wrap(r.seq, marketIndex, now, p)
	if err != nil {
		r.log.Error().Int64("sequence", r.seq).Stringer("type", p.Kind()).Err(err).Msg("envelope marshal failed")
		return
	}

	if r.persist != nil {
		r.persist <- env
	}
	if r.publish != nil {
		select {
		case r.publish <- env:
		default:
			if r.metrics != nil {
				r.metrics.PublishDrops.Inc()
			}
			r.log.Warn().Int64("sequence", env.Sequence).Stringer("type", env.Type).Msg("publish channel full, event dropped")
		}
	}
}
