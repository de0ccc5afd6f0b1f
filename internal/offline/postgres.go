// internal/offline/postgres.go
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore is the durable queue backing. Schema:
//
//	CREATE TABLE voice_offline_queue (
//	    id          BIGSERIAL PRIMARY KEY,
//	    tenant_id   TEXT NOT NULL,
//	    run_id      TEXT NOT NULL UNIQUE,
//	    operation   TEXT NOT NULL,
//	    payload     JSONB NOT NULL,
//	    retry_count INT NOT NULL DEFAULT 0,
//	    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX voice_offline_queue_tenant_idx ON voice_offline_queue (tenant_id, id);
//
//	CREATE TABLE voice_offline_dead_letter (LIKE voice_offline_queue INCLUDING ALL);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type entryPayload struct {
	Intent  json.RawMessage `json:"intent"`
	Context json.RawMessage `json:"context"`
}

func (s *PostgresStore) Enqueue(ctx context.Context, e Entry) error {
	intentJSON, err := json.Marshal(e.Intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	payload, _ := json.Marshal(entryPayload{Intent: intentJSON, Context: ctxJSON})

	enqueuedAt := e.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_offline_queue (tenant_id, run_id, operation, payload, retry_count, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO NOTHING`,
		e.TenantID, e.RunID, e.Operation, payload, e.RetryCount, enqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue offline entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) OldestPending(ctx context.Context, tenant string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, run_id, operation, payload, retry_count, enqueued_at
		 FROM voice_offline_queue
		 WHERE tenant_id = $1
		 ORDER BY id ASC
		 LIMIT $2`,
		tenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query offline queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.Operation, &payload, &e.RetryCount, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan offline entry: %w", err)
		}
		var p entryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload for run %s: %w", e.RunID, err)
		}
		if err := json.Unmarshal(p.Intent, &e.Intent); err != nil {
			return nil, fmt.Errorf("unmarshal intent for run %s: %w", e.RunID, err)
		}
		if err := json.Unmarshal(p.Context, &e.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context for run %s: %w", e.RunID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM voice_offline_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack offline entry %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id int64, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		`UPDATE voice_offline_queue SET retry_count = retry_count + 1
		 WHERE id = $1 RETURNING retry_count`,
		id,
	).Scan(&retryCount)
	if err != nil {
		return false, fmt.Errorf("bump retry count for %d: %w", id, err)
	}

	deadLettered := retryCount >= maxRetries
	if deadLettered {
		_, err = tx.ExecContext(ctx,
			`WITH moved AS (
			     DELETE FROM voice_offline_queue WHERE id = $1 RETURNING *
			 )
			 INSERT INTO voice_offline_dead_letter SELECT * FROM moved`,
			id,
		)
		if err != nil {
			return false, fmt.Errorf("dead-letter entry %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit fail tx: %w", err)
	}
	return deadLettered, nil
}

func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM voice_offline_queue ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query queue tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *PostgresStore) PendingCount(ctx context.Context, tenant string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_offline_queue WHERE tenant_id = $1`, tenant).Scan(&n)
	return n, err
}

func (s *PostgresStore) DeadLetterCount(ctx context.Context, tenant string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_offline_dead_letter WHERE tenant_id = $1`, tenant).Scan(&n)
	return n, err
}
