// Package collab declares the external collaborators the pipeline depends on.
// The pipeline consumes these interfaces; it never implements them.
package collab

import (
	"context"
)

// RunContext carries the caller-scoped state captured once when a run is
// accepted. It is held constant across retries within that run.
type RunContext struct {
	PrincipalID string
	TenantID    string
	Language    string
	// Hints are active-entity hints from the caller, e.g. the currently
	// selected job the command should apply to.
	Hints map[string]string
}

// ExecuteResult is whatever the storage collaborator reports back for a
// confirmed write. The pipeline treats it as opaque apart from the summary,
// which feeds the spoken confirmation.
type ExecuteResult struct {
	RecordID string
	Summary  string
}

// Storage executes a confirmed intent against the business record store.
// Implementations must be idempotent-safe for replay: a second Execute with
// the same idempotency key must not double-apply.
type Storage interface {
	Execute(ctx context.Context, intent Intent, rc RunContext, idempotencyKey string) (ExecuteResult, error)
}

// Identity resolves the authenticated principal and tenant scope.
type Identity interface {
	CurrentPrincipal(ctx context.Context) (principalID, tenantID string, err error)
}

// Connectivity reports device/process network reachability. Polled before
// choosing the remote provider path and before calling Storage.
type Connectivity interface {
	IsNetworkAvailable() bool
}

// Alerter receives quality threshold violation events. Remediation is the
// receiver's problem, not the pipeline's.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// EntityKind discriminates the typed entity values an intent can carry.
type EntityKind string

const (
	EntityInt     EntityKind = "int"
	EntityDecimal EntityKind = "decimal"
	EntityString  EntityKind = "string"
	EntityToken   EntityKind = "token"
)

// EntityValue is one typed slot extracted by the intent parser.
type EntityValue struct {
	Kind    EntityKind `json:"kind"`
	Int     int64      `json:"int,omitempty"`
	Decimal float64    `json:"decimal,omitempty"`
	Str     string     `json:"str,omitempty"`
}

// IntValue builds an integer entity.
func IntValue(v int64) EntityValue { return EntityValue{Kind: EntityInt, Int: v} }

// DecimalValue builds a decimal entity.
func DecimalValue(v float64) EntityValue { return EntityValue{Kind: EntityDecimal, Decimal: v} }

// StringValue builds a free-text entity.
func StringValue(v string) EntityValue { return EntityValue{Kind: EntityString, Str: v} }

// TokenValue builds an enumerated-token entity.
func TokenValue(v string) EntityValue { return EntityValue{Kind: EntityToken, Str: v} }

// Equal compares entity values: exact for numerics, exact for tokens,
// byte-equal for strings. Normalized string matching lives in the quality
// monitor, which compares against references, not here.
func (e EntityValue) Equal(other EntityValue) bool {
	if e.Kind != other.Kind {
		return false
	}
	switch e.Kind {
	case EntityInt:
		return e.Int == other.Int
	case EntityDecimal:
		return e.Decimal == other.Decimal
	default:
		return e.Str == other.Str
	}
}

// Intent is the structured output of the intent parser. The action identifier
// is defined by the calling domain and opaque to the pipeline.
type Intent struct {
	Action     string                 `json:"action"`
	Entities   map[string]EntityValue `json:"entities"`
	Confidence float64                `json:"confidence"`
	// Clarification is present exactly when Confidence is below the
	// execution threshold.
	Clarification string `json:"clarification,omitempty"`
}
