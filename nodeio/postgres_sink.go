package nodeio

import (
	"context"
	"encoding/json"

	"github.com/lyzr/flowengine/common/db"
	"github.com/lyzr/flowengine/common/logger"
)

// PostgresSink persists node-I/O rows for durable inspection after a run
// completes. Like trace.PostgresSink, writes are best-effort: a failure is
// logged, never propagated back into the scheduler's dispatch loop.
//
// Expected schema:
//
//	CREATE TABLE node_io_start (
//	  run_id text NOT NULL, node_ref text NOT NULL,
//	  workflow_id text, component_id text, inputs jsonb,
//	  recorded_at timestamptz NOT NULL DEFAULT now(),
//	  PRIMARY KEY (run_id, node_ref)
//	);
//	CREATE TABLE node_io_completion (
//	  run_id text NOT NULL, node_ref text NOT NULL,
//	  outputs jsonb, status text NOT NULL, error_message text,
//	  recorded_at timestamptz NOT NULL DEFAULT now(),
//	  PRIMARY KEY (run_id, node_ref)
//	);
type PostgresSink struct {
	db  *db.DB
	log *logger.Logger
}

func NewPostgresSink(db *db.DB, log *logger.Logger) *PostgresSink {
	return &PostgresSink{db: db, log: log}
}

func (s *PostgresSink) Start(ctx context.Context, event StartEvent) {
	inputs, err := json.Marshal(event.Inputs)
	if err != nil {
		s.log.ErrorContext(ctx, "nodeio: marshal inputs failed", "run_id", event.RunID, "node_ref", event.NodeRef, "error", err)
		return
	}
	const query = `
		INSERT INTO node_io_start (run_id, node_ref, workflow_id, component_id, inputs)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, node_ref) DO UPDATE SET inputs = EXCLUDED.inputs
	`
	if _, err := s.db.Exec(ctx, query, event.RunID, event.NodeRef, event.WorkflowID, event.ComponentID, inputs); err != nil {
		s.log.ErrorContext(ctx, "nodeio: insert start failed", "run_id", event.RunID, "node_ref", event.NodeRef, "error", err)
	}
}

func (s *PostgresSink) Completion(ctx context.Context, event CompletionEvent) {
	outputs, err := json.Marshal(event.Outputs)
	if err != nil {
		s.log.ErrorContext(ctx, "nodeio: marshal outputs failed", "run_id", event.RunID, "node_ref", event.NodeRef, "error", err)
		return
	}
	const query = `
		INSERT INTO node_io_completion (run_id, node_ref, outputs, status, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, node_ref) DO UPDATE
			SET outputs = EXCLUDED.outputs, status = EXCLUDED.status, error_message = EXCLUDED.error_message
	`
	if _, err := s.db.Exec(ctx, query, event.RunID, event.NodeRef, outputs, event.Status, event.ErrorMessage); err != nil {
		s.log.ErrorContext(ctx, "nodeio: insert completion failed", "run_id", event.RunID, "node_ref", event.NodeRef, "error", err)
	}
}
