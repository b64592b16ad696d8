package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		instanceNamingPolicy(),
		privilegedPortsPolicy(),
		missingVersionPolicy(),
		saslMechanismPolicy(),
	}
}

// instanceNamingPolicy enforces instance naming conventions.
func instanceNamingPolicy() Policy {
	return Policy{
		Name:        "instance-naming",
		Description: "Enforces instance naming conventions (lowercase, alphanumeric, dots and hyphens)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package clusterup.policies.naming

import rego.v1

deny contains violation if {
	input.instance
	name := input.instance.name

	not regex.match("^[a-z0-9][a-z0-9.-]*$", name)
	violation := {
		"message": sprintf("instance name '%s' must be lowercase alphanumeric with dots and hyphens", [name]),
		"severity": "error",
		"instance": name,
	}
}

deny contains violation if {
	input.instance
	name := input.instance.name

	regex.match(".*-$", name)
	violation := {
		"message": sprintf("instance name '%s' must not end with a hyphen", [name]),
		"severity": "error",
		"instance": name,
	}
}

deny contains violation if {
	input.instance
	name := input.instance.name

	count(name) > 63
	violation := {
		"message": sprintf("instance name '%s' must not exceed 63 characters", [name]),
		"severity": "error",
		"instance": name,
	}
}`,
	}
}

// privilegedPortsPolicy rejects fixed port assignments below 1024,
// which the engine cannot bind without elevated privileges.
func privilegedPortsPolicy() Policy {
	return Policy{
		Name:        "privileged-ports",
		Description: "Rejects fixed port assignments below 1024",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"ports", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package clusterup.policies.ports

import rego.v1

deny contains violation if {
	input.instance
	some key, value in input.instance.config
	contains(key, "port")
	regex.match("^[0-9]+$", value)
	to_number(value) < 1024
	violation := {
		"message": sprintf("instance %s assigns privileged port %s=%s", [input.instance.name, key, value]),
		"severity": "error",
		"instance": input.instance.name,
	}
}`,
	}
}

// missingVersionPolicy flags instances without a pinned version.
func missingVersionPolicy() Policy {
	return Policy{
		Name:        "missing-version",
		Description: "Warns when an instance does not pin a service version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"versions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package clusterup.policies.versions

import rego.v1

deny contains violation if {
	input.instance
	not input.instance.version
	violation := {
		"message": sprintf("instance %s does not pin a version", [input.instance.name]),
		"severity": "warning",
		"instance": input.instance.name,
	}
}`,
	}
}

// saslMechanismPolicy requires a SASL mechanism whenever a SASL listener
// protocol is configured.
func saslMechanismPolicy() Policy {
	return Policy{
		Name:        "sasl-mechanism",
		Description: "Requires sasl_mechanism when the listener protocol uses SASL",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "sasl"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package clusterup.policies.sasl

import rego.v1

deny contains violation if {
	input.instance
	proto := input.instance.config.listener_security_protocol
	startswith(proto, "SASL")
	not input.instance.config.sasl_mechanism
	violation := {
		"message": sprintf("instance %s uses %s but sets no sasl_mechanism", [input.instance.name, proto]),
		"severity": "error",
		"instance": input.instance.name,
	}
}`,
	}
}
