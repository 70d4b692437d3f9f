// Package version records the build version stamped at link time.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/ariana-dot-dev/ariana-sub004/internal/common/version.Version=<tag>".
var Version = "dev"
