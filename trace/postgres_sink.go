package trace

import (
	"context"
	"encoding/json"

	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/model"
)

// PostgresSink persists each trace event as a row keyed by (run_id,
// sequence), the unique key consumers order by. Append is best-effort:
// a write failure is logged, not returned, so a trace-store outage never
// fails an action or the run. The insert runs synchronously inside
// Sequencer.Record.
type PostgresSink struct {
	db  *db.DB
	log *logger.Logger
}

// NewPostgresSink wires a PostgresSink against an open pool. Callers are
// expected to have already applied the `trace_event` table migration:
//
//	CREATE TABLE trace_event (
//	  run_id text NOT NULL,
//	  sequence bigint NOT NULL,
//	  node_ref text NOT NULL,
//	  type text NOT NULL,
//	  level text NOT NULL,
//	  message text,
//	  data jsonb,
//	  output_summary jsonb,
//	  error jsonb,
//	  context jsonb,
//	  occurred_at timestamptz NOT NULL,
//	  PRIMARY KEY (run_id, sequence)
//	);
func NewPostgresSink(db *db.DB, log *logger.Logger) *PostgresSink {
	return &PostgresSink{db: db, log: log}
}

func (s *PostgresSink) Append(ctx context.Context, event model.TraceEvent) {
	data, err := marshalNullable(event.Data)
	if err != nil {
		s.log.ErrorContext(ctx, "trace: marshal data failed", "run_id", event.RunID, "error", err)
		return
	}
	summary, err := marshalNullable(event.OutputSummary)
	if err != nil {
		s.log.ErrorContext(ctx, "trace: marshal output summary failed", "run_id", event.RunID, "error", err)
		return
	}
	errPayload, err := marshalNullable(event.Error)
	if err != nil {
		s.log.ErrorContext(ctx, "trace: marshal error failed", "run_id", event.RunID, "error", err)
		return
	}
	ctxPayload, err := marshalNullable(event.Context)
	if err != nil {
		s.log.ErrorContext(ctx, "trace: marshal context failed", "run_id", event.RunID, "error", err)
		return
	}

	const query = `
		INSERT INTO trace_event
			(run_id, sequence, node_ref, type, level, message, data, output_summary, error, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, sequence) DO NOTHING
	`
	_, err = s.db.Exec(ctx, query,
		event.RunID, event.Sequence, event.NodeRef, event.Type, event.Level, event.Message,
		data, summary, errPayload, ctxPayload, event.Timestamp,
	)
	if err != nil {
		s.log.ErrorContext(ctx, "trace: insert failed", "run_id", event.RunID, "sequence", event.Sequence, "error", err)
	}
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
