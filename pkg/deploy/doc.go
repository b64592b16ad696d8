// Package deploy provides the artifact installers used to place service
// binaries on disk before a cluster starts. Each installer implements
// cluster.Deployer and is expected to be idempotent: repeated deploys of
// the same kind and version into the same destination must not fetch the
// artifact again.
package deploy
