// Package storage executes confirmed intents against the field-log record
// store. It is the reference implementation of the execution collaborator;
// deployments embedding the pipeline in a larger service supply their own.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
)

// PostgresExecutor writes command records to postgres. Schema:
//
//	CREATE TABLE voice_command_records (
//	    id              BIGSERIAL PRIMARY KEY,
//	    idempotency_key TEXT NOT NULL UNIQUE,
//	    tenant_id       TEXT NOT NULL,
//	    principal_id    TEXT NOT NULL,
//	    action          TEXT NOT NULL,
//	    entities        JSONB NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresExecutor struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresExecutor(db *sql.DB, log logger.Logger) *PostgresExecutor {
	return &PostgresExecutor{
		db:     db,
		logger: log.With(map[string]interface{}{"component": "storage-executor"}),
	}
}

// Execute inserts the record. The idempotency key makes replays safe: a
// duplicate insert returns the existing record instead of double-applying.
func (e *PostgresExecutor) Execute(ctx context.Context, intent collab.Intent, rc collab.RunContext, idempotencyKey string) (collab.ExecuteResult, error) {
	entities, err := json.Marshal(intent.Entities)
	if err != nil {
		return collab.ExecuteResult{}, pipeerrors.NewStorageExecutionError(err)
	}

	var id int64
	err = e.db.QueryRowContext(ctx,
		`INSERT INTO voice_command_records (idempotency_key, tenant_id, principal_id, action, entities)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		 RETURNING id`,
		idempotencyKey, rc.TenantID, rc.PrincipalID, intent.Action, entities,
	).Scan(&id)
	if err != nil {
		return collab.ExecuteResult{}, pipeerrors.NewStorageExecutionError(err)
	}

	return collab.ExecuteResult{
		RecordID: fmt.Sprintf("%d", id),
		Summary:  Summarize(intent),
	}, nil
}

// Summarize builds the spoken confirmation for a written intent.
func Summarize(intent collab.Intent) string {
	action := strings.ReplaceAll(intent.Action, "_", " ")
	switch intent.Action {
	case "create_cost":
		if amount, ok := intent.Entities["amount"]; ok {
			desc := intent.Entities["description"].Str
			if desc != "" {
				return fmt.Sprintf("Recorded a cost of %s for %s.", formatEntity(amount), desc)
			}
			return fmt.Sprintf("Recorded a cost of %s.", formatEntity(amount))
		}
	case "create_note":
		return "Note saved."
	case "log_hours":
		if hours, ok := intent.Entities["hours"]; ok {
			return fmt.Sprintf("Logged %s hours.", formatEntity(hours))
		}
	}
	return fmt.Sprintf("Done: %s.", action)
}

func formatEntity(v collab.EntityValue) string {
	switch v.Kind {
	case collab.EntityInt:
		return fmt.Sprintf("%d", v.Int)
	case collab.EntityDecimal:
		return fmt.Sprintf("%g", v.Decimal)
	default:
		return v.Str
	}
}
