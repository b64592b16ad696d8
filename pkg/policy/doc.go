// Package policy provides Open Policy Agent (OPA) integration for
// clusterup.
//
// Topologies are checked against Rego policies before a bring-up starts.
// Built-in policies cover common safety requirements and custom policies
// can be loaded from files and directories.
//
// # Usage
//
// Creating a policy engine and checking a topology:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := engine.Evaluate(ctx, topo)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("policy %s: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. instance-naming - Enforces instance naming conventions
//  2. privileged-ports - Rejects fixed port assignments below 1024
//  3. missing-version - Warns when an instance does not pin a version
//  4. sasl-mechanism - Requires a SASL mechanism with SASL listeners
//
// # Custom Policies
//
// Custom policies are written in Rego against the same input document
// the built-ins see:
//
//	package custom.policies.replicas
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.instance.kind == "kafka"
//	    count([n | some n in input.topology.instances; startswith(n, "broker")]) < 3
//	    violation := {
//	        "message": "kafka clusters need at least three brokers",
//	        "severity": "warning",
//	        "instance": input.instance.name,
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Findings that should be reviewed but don't block a bring-up
//   - error: Violations that block a bring-up
//   - critical: Severe violations requiring immediate attention
//
// # Hot Reload
//
// The loader can watch policy files for changes and reload automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return engine.LoadPolicies(ctx, paths)
//	})
package policy
