package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unitLimitsPolicy(),
		creditReservePolicy(),
	}
}

// unitLimitsPolicy enforces the configured unit limits.
func unitLimitsPolicy() Policy {
	return Policy{
		Name:        "unit-limits",
		Description: "Caps the number of live units overall and per cluster node",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cubeharvest.admission.limits

import rego.v1

deny contains violation if {
	limit := input.limits.max_units
	limit > 0
	input.deploy.live_units >= limit
	violation := {
		"message": sprintf("unit limit reached: %d of %d units live", [input.deploy.live_units, limit]),
		"severity": "error",
	}
}

deny contains violation if {
	per_node := input.limits.max_units_per_node
	per_node > 0
	allowed := per_node * input.deploy.node_count
	input.deploy.live_units >= allowed
	violation := {
		"message": sprintf("node capacity reached: %d units allowed on %d nodes", [allowed, input.deploy.node_count]),
		"severity": "error",
	}
}
`,
	}
}

// creditReservePolicy warns when a deploy spends the last of the balance.
func creditReservePolicy() Policy {
	return Policy{
		Name:        "credit-reserve",
		Description: "Warns when a deploy leaves too few credits for another unit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package cubeharvest.admission.reserve

import rego.v1

deny contains violation if {
	input.deploy.cost > 0
	remaining := input.deploy.balance - input.deploy.cost
	remaining >= 0
	remaining < input.deploy.cost
	violation := {
		"message": sprintf("deploy leaves %d credits, less than another %s costs", [remaining, input.deploy.kind]),
		"severity": "warning",
	}
}
`,
	}
}
