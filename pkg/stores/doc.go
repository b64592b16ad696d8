// Package stores provides persistence for cluster run history.
// It includes a SQLite-based store with WAL mode and connection
// pooling that records runs, their member instances, and every
// lifecycle transition an instance goes through.
package stores
