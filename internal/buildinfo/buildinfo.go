// Package buildinfo carries version information stamped at build time.
package buildinfo

// Version is set via -ldflags "-X boxd/internal/buildinfo.Version=...".
var Version = "dev"
