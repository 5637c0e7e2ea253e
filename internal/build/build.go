// Package build provides build-time metadata for the project.
package build

// These variables are overridden at build time using -ldflags.
var (
	ProjectName = "tigerfs_authzcache"
	Version     = "dev"
	Commit      = "none"
)
