// Package version carries the build version, stamped by the release
// pipeline via -ldflags.
package version

var Version string = "0.0.0"
