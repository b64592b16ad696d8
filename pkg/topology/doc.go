// Package topology loads cluster topology definitions. A topology names
// the service instances to bring up, their kinds and versions, their
// dependencies and their per-instance configuration.
//
// Three source formats are supported:
//
//   - YAML files (.yaml, .yml) for static topologies
//   - CUE files (.cue) when the topology benefits from constraints and
//     schema validation
//   - Starlark scripts (.star) for programmatic topologies such as a
//     broker cluster generated from a replica count
//
// Loaded topologies are validated against built-in CUE schemas before
// they are handed to the cluster engine.
package topology
