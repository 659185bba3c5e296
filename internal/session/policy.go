package session

import (
	"fmt"

	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/resilience"
)

// SwitchFailurePolicy decides what happens to the in-memory role when the
// preferred-role write fails after an optimistic SwitchRole.
type SwitchFailurePolicy string

const (
	// SwitchKeep leaves the new role active and reports the error.
	SwitchKeep SwitchFailurePolicy = "keep"
	// SwitchRollback restores the previous role and reports the error.
	SwitchRollback SwitchFailurePolicy = "rollback"
	// SwitchRetry retries the write with backoff, then behaves like SwitchKeep.
	SwitchRetry SwitchFailurePolicy = "retry"
)

// ParseSwitchFailurePolicy validates a configured policy name.
func ParseSwitchFailurePolicy(s string) (SwitchFailurePolicy, error) {
	switch p := SwitchFailurePolicy(s); p {
	case SwitchKeep, SwitchRollback, SwitchRetry:
		return p, nil
	case "":
		return SwitchKeep, nil
	default:
		return "", fmt.Errorf("unknown role switch failure policy %q", s)
	}
}

// PatchPolicy decides which value survives when a reload brings a server
// value that differs from an unconfirmed local patch.
type PatchPolicy string

const (
	PatchServerWins PatchPolicy = "server-wins"
	PatchLocalWins  PatchPolicy = "local-wins"
)

// ParsePatchPolicy validates a configured policy name.
func ParsePatchPolicy(s string) (PatchPolicy, error) {
	switch p := PatchPolicy(s); p {
	case PatchServerWins, PatchLocalWins:
		return p, nil
	case "":
		return PatchServerWins, nil
	default:
		return "", fmt.Errorf("unknown profile patch policy %q", s)
	}
}

// Options tunes a Controller. The zero value is usable.
type Options struct {
	SwitchFailure SwitchFailurePolicy
	Patch         PatchPolicy
	// Retry drives SwitchRetry.
	Retry resilience.Config
	// Bulkhead caps backend fetches across all controllers. Nil is unbounded.
	Bulkhead *resilience.Bulkhead
	Metrics  *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.SwitchFailure == "" {
		o.SwitchFailure = SwitchKeep
	}
	if o.Patch == "" {
		o.Patch = PatchServerWins
	}
	if o.Bulkhead == nil {
		o.Bulkhead = resilience.NewBulkhead(0)
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewMetrics()
	}
	return o
}
