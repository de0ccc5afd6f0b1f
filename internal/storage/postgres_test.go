// internal/storage/postgres_test.go
package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
)

func costIntent(amount int64, description string) collab.Intent {
	return collab.Intent{
		Action: "create_cost",
		Entities: map[string]collab.EntityValue{
			"amount":      collab.IntValue(amount),
			"description": collab.StringValue(description),
		},
		Confidence: 0.95,
	}
}

func TestPostgresExecutor_Execute(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO voice_command_records`).
		WithArgs("run-r1", "t1", "u1", "create_cost", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	executor := NewPostgresExecutor(db, logger.Nop())
	result, err := executor.Execute(context.Background(), costIntent(1500, "cement"),
		collab.RunContext{TenantID: "t1", PrincipalID: "u1"}, "run-r1")
	require.NoError(t, err)
	assert.Equal(t, "42", result.RecordID)
	assert.Equal(t, "Recorded a cost of 1500 for cement.", result.Summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecutor_ExecuteWrapsFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO voice_command_records`).
		WillReturnError(assert.AnError)

	executor := NewPostgresExecutor(db, logger.Nop())
	_, err = executor.Execute(context.Background(), costIntent(1, "x"),
		collab.RunContext{TenantID: "t1", PrincipalID: "u1"}, "run-r1")
	require.Error(t, err)
	assert.Equal(t, pipeerrors.ErrCodeStorageExecution, pipeerrors.CodeOf(err))
	assert.False(t, pipeerrors.IsRetryable(err))
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		intent   collab.Intent
		expected string
	}{
		{
			name:     "cost with description",
			intent:   costIntent(1500, "cement"),
			expected: "Recorded a cost of 1500 for cement.",
		},
		{
			name: "cost without description",
			intent: collab.Intent{Action: "create_cost", Entities: map[string]collab.EntityValue{
				"amount": collab.IntValue(200),
			}},
			expected: "Recorded a cost of 200.",
		},
		{
			name:     "note",
			intent:   collab.Intent{Action: "create_note"},
			expected: "Note saved.",
		},
		{
			name: "hours",
			intent: collab.Intent{Action: "log_hours", Entities: map[string]collab.EntityValue{
				"hours": collab.IntValue(4),
			}},
			expected: "Logged 4 hours.",
		},
		{
			name: "decimal hours",
			intent: collab.Intent{Action: "log_hours", Entities: map[string]collab.EntityValue{
				"hours": collab.DecimalValue(2.5),
			}},
			expected: "Logged 2.5 hours.",
		},
		{
			name:     "unrecognized action falls back to generic confirmation",
			intent:   collab.Intent{Action: "sync_now"},
			expected: "Done: sync now.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Summarize(tt.intent))
		})
	}
}
