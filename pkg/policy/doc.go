// Package policy admits or rejects deploys with Open Policy Agent Rego rules.
//
// Every policy module exposes a deny set in its own package. Each entry is a
// message string or an object:
//
//	package cubeharvest.admission.quota
//
//	import rego.v1
//
//	deny contains {"message": "no more processors", "severity": "error"} if {
//		input.deploy.kind == "processor"
//		input.deploy.live_by_kind.processor >= 2
//	}
//
// Entries of severity error or critical reject the deploy with a
// POLICY_DENIED validation error before any credits are spent; other
// entries are logged as warnings. The input document is DeployInput:
// input.deploy carries the request and world counts, input.limits the
// configured built-in limits.
//
// Two policies are built in: unit-limits enforces policy.max_units and
// policy.max_units_per_node, credit-reserve warns on deploys that leave
// too few credits for another unit. Extra .rego or .json policy files are
// loaded from policy.dir and reloaded when they change.
package policy
