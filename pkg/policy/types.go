package policy

import (
	"time"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block a deploy.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deploy.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deploy.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the deploy.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
// Every policy exposes a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that produced it.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Limits are the built-in unit limits, exposed to every policy as input.limits.
type Limits struct {
	// MaxUnits caps live units of every kind. Zero is unlimited.
	MaxUnits int `json:"max_units"`

	// MaxUnitsPerNode caps live units per known node. Zero is unlimited.
	MaxUnitsPerNode int `json:"max_units_per_node"`
}

// DeployInput is the document policies see as input.
type DeployInput struct {
	// Deploy describes the requested deploy.
	Deploy engine.DeployRequest `json:"deploy"`

	// Limits are the configured built-in limits.
	Limits Limits `json:"limits"`
}
