// Package services maps topology declarations to runnable instance
// specs. Each supported service kind contributes a builder that knows
// the service's configuration file format, its readiness signal and the
// attributes it must publish for dependents: a zookeeper instance
// publishes its client port, a broker publishes its listener port, and
// so on.
//
// Kinds without a registered builder fall back to a generic builder
// that runs the declared command as-is.
package services
