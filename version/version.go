// Package version holds the module's release version string, set at build
// time via -ldflags on a tagged release and left at its default otherwise.
package version

// Version is the current release of boltkv.
var Version = "dev"
