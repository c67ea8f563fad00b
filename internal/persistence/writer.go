// Package persistence owns the durable side of the engine: the
// append-only operation log and periodic state snapshots in Postgres.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpPool/internal/event"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OperationLogWriter appends recorded operation envelopes to
// engine_log.operations using multi-row INSERT. The sequence column is
// the primary key, so replays after a crash are idempotent.
type OperationLogWriter struct {
	db *sql.DB
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteBatch appends a batch of envelopes within the given executor.
// Duplicate sequences are skipped.
func (w *OperationLogWriter) WriteBatch(ctx context.Context, ex execer, batch []event.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	query := `INSERT INTO engine_log.operations
		(sequence, event_type, market_index, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*5)

	for i, env := range batch {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args,
			env.Sequence, env.Type.String(), env.MarketIndex,
			[]byte(env.Payload), env.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LoadFrom returns all envelopes with sequence greater than after, in
// sequence order. Used to replay the tail of the log on top of the
// latest snapshot.
func (w *OperationLogWriter) LoadFrom(ctx context.Context, after int64) ([]event.Envelope, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, market_index, payload, timestamp
		FROM engine_log.operations
		WHERE sequence > $1
		ORDER BY sequence
	`, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var env event.Envelope
		var eventType string
		if err := rows.Scan(&env.Sequence, &eventType, &env.MarketIndex, (*[]byte)(&env.Payload), &env.Timestamp); err != nil {
			return nil, err
		}
		env.Type = event.TypeFromString(eventType)
		out = append(out, env)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest recorded sequence, or 0 when the
// log is empty.
func (w *OperationLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := w.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM engine_log.operations
	`).Scan(&seq)
	return seq, err
}
